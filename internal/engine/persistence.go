package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	pkgerrors "github.com/pipelinedataflow/engine/internal/pkg/errors"
	"github.com/pipelinedataflow/engine/internal/platform/dbctx"
	"github.com/pipelinedataflow/engine/internal/platform/logger"
	"github.com/pipelinedataflow/engine/internal/platform/metrics"
)

// CreateRunRequest is the input to PersistenceService.CreateRun.
type CreateRunRequest struct {
	RunID       string
	Category    string
	Name        string
	RunType     RunType
	ParentRunID string
	ConfigJSON  []byte
}

// ResourceRunUpdate is one (run-id, resource-id) pair the resource-run cache
// wants durably recorded.
type ResourceRunUpdate struct {
	ResourceRunID string
	ResourceID    string
	ResourceType  string
	StartTime     time.Time
}

// StepProgressUpdate is one step-start or step-end record from the tracker.
type StepProgressUpdate struct {
	ResourceRunID string
	StepName      string
	Status        StepStatus
	StartTime     time.Time
	EndTime       *time.Time
	DurationMS    int64
	ErrorMessage  string
}

// ResourceRunCompletion is a terminal update for one resource-run.
type ResourceRunCompletion struct {
	ResourceRunID string
	Status        ResourceRunStatus
	EndTime       time.Time
	ProcessingMS  int64
	ErrorMessage  string
	ErrorStep     string
}

// PersistenceService exposes only bulk operations (§4.6): callers submit
// batches accumulated by the tracker; the service groups them into a single
// transactional write per call and enforces the engine's unique constraints.
type PersistenceService interface {
	CreateRun(dbc dbctx.Context, req CreateRunRequest) (*PipelineRun, error)
	CompleteRun(dbc dbctx.Context, runID string, status RunStatus) error
	GetIncompleteResourceIDs(dbc dbctx.Context, parentRunID string) ([]string, error)
	CreateResourceRunsBatch(dbc dbctx.Context, runID string, updates []ResourceRunUpdate) error
	UpdateStepProgressBatch(dbc dbctx.Context, runID string, updates []StepProgressUpdate) ([]StepProgressUpdate, error)
	CompleteResourceRunsBatch(dbc dbctx.Context, runID string, updates []ResourceRunCompletion) error
}

// gormPersistence is the relational implementation of PersistenceService,
// grounded on internal/data/repos/jobs/job_run.go's claim/update shape and
// internal/data/repos/materials/material_file_section.go's OnConflict
// batching. Each bulk write is wrapped in a circuit breaker so a store
// outage fails fast into the tracker's deferred-retry path instead of
// piling up blocked flush goroutines.
type gormPersistence struct {
	db      *gorm.DB
	log     *logger.Logger
	metrics *metrics.Collector
	breaker *gobreaker.CircuitBreaker
}

// NewGormPersistence builds a PersistenceService backed by db. db may point
// at Postgres in production or an in-memory SQLite handle in tests.
func NewGormPersistence(db *gorm.DB, log *logger.Logger, mc *metrics.Collector) PersistenceService {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pipeline-persistence",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("persistence circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	})
	return &gormPersistence{db: db, log: log, metrics: mc, breaker: breaker}
}

func (p *gormPersistence) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return p.db.WithContext(dbc.Ctx)
}

// lockForUpdate applies a row lock on dialects that support SELECT ... FOR
// UPDATE inside a transaction. SQLite (used in tests and small single-writer
// deployments) has no such clause, and errors if asked for one, so the lock
// is skipped there; the per-resource-run ordering SQLite test runs single
// goroutine anyway serializes writers.
func lockForUpdate(txx *gorm.DB) *gorm.DB {
	if txx.Dialector != nil && txx.Dialector.Name() == "sqlite" {
		return txx
	}
	return txx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (p *gormPersistence) run(op string, fn func() error) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil && p.log != nil {
		p.log.Warn("persistence operation failed", "operation", op, "error", err)
	}
	return err
}

func (p *gormPersistence) CreateRun(dbc dbctx.Context, req CreateRunRequest) (*PipelineRun, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	row := &PipelineRun{
		RunID:       req.RunID,
		Category:    req.Category,
		Name:        req.Name,
		RunType:     string(req.RunType),
		ParentRunID: req.ParentRunID,
		Status:      string(RunStatusPending),
		StartTime:   time.Now().UTC(),
		Config:      req.ConfigJSON,
	}
	err := p.run("create_run", func() error {
		return p.tx(dbc).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (p *gormPersistence) CompleteRun(dbc dbctx.Context, runID string, status RunStatus) error {
	return p.run("complete_run", func() error {
		return p.tx(dbc).Transaction(func(txx *gorm.DB) error {
			var counts struct {
				Total     int64
				Completed int64
				Failed    int64
				Skipped   int64
			}
			if err := txx.Model(&ResourceRun{}).Where("run_id = ?", runID).Count(&counts.Total).Error; err != nil {
				return err
			}
			if err := txx.Model(&ResourceRun{}).Where("run_id = ? AND status = ?", runID, string(ResourceRunCompleted)).Count(&counts.Completed).Error; err != nil {
				return err
			}
			if err := txx.Model(&ResourceRun{}).Where("run_id = ? AND status = ?", runID, string(ResourceRunFailed)).Count(&counts.Failed).Error; err != nil {
				return err
			}
			if err := txx.Model(&ResourceRun{}).Where("run_id = ? AND status = ?", runID, string(ResourceRunCancelled)).Count(&counts.Skipped).Error; err != nil {
				return err
			}
			now := time.Now().UTC()
			var run PipelineRun
			if err := txx.Where("run_id = ?", runID).First(&run).Error; err != nil {
				return err
			}
			durationMS := now.Sub(run.StartTime).Milliseconds()
			res := txx.Model(&PipelineRun{}).
				Where("run_id = ? AND status NOT IN ?", runID, []string{string(RunStatusCompleted), string(RunStatusFailed), string(RunStatusCancelled)}).
				Updates(map[string]interface{}{
					"status":          string(status),
					"end_time":        now,
					"duration_ms":     durationMS,
					"total_count":     counts.Total,
					"completed_count": counts.Completed,
					"failed_count":    counts.Failed,
					"skipped_count":   counts.Skipped,
				})
			return res.Error
		})
	})
}

func (p *gormPersistence) GetIncompleteResourceIDs(dbc dbctx.Context, parentRunID string) ([]string, error) {
	var ids []string
	err := p.run("get_incomplete_resource_ids", func() error {
		return p.tx(dbc).Model(&ResourceRun{}).
			Where("run_id = ? AND status NOT IN ?", parentRunID, []string{string(ResourceRunCompleted), string(ResourceRunFailed), string(ResourceRunCancelled)}).
			Pluck("resource_id", &ids).Error
	})
	return ids, err
}

func (p *gormPersistence) CreateResourceRunsBatch(dbc dbctx.Context, runID string, updates []ResourceRunUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	rows := make([]ResourceRun, 0, len(updates))
	now := time.Now().UTC()
	for _, u := range updates {
		start := u.StartTime
		if start.IsZero() {
			start = now
		}
		rows = append(rows, ResourceRun{
			ResourceRunID: u.ResourceRunID,
			RunID:         runID,
			ResourceID:    u.ResourceID,
			ResourceType:  u.ResourceType,
			Status:        string(ResourceRunPending),
			StartTime:     start,
		})
	}
	return p.run("create_resource_runs_batch", func() error {
		p.metrics.ObservePersistenceBatch("create_resource_runs_batch", len(rows))
		return p.tx(dbc).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "resource_id"}},
			DoNothing: true,
		}).Create(&rows).Error
	})
}

// UpdateStepProgressBatch groups updates by resource-run-id, assigns
// gap-free sequence numbers per resource-run under a row lock, and inserts
// them in a single transaction. Updates whose ResourceRun row is not yet
// visible are returned to the caller as deferred, matching §4.6 and L2.
func (p *gormPersistence) UpdateStepProgressBatch(dbc dbctx.Context, runID string, updates []StepProgressUpdate) ([]StepProgressUpdate, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	var deferred []StepProgressUpdate
	byResourceRun := make(map[string][]StepProgressUpdate)
	var order []string
	for _, u := range updates {
		if _, seen := byResourceRun[u.ResourceRunID]; !seen {
			order = append(order, u.ResourceRunID)
		}
		byResourceRun[u.ResourceRunID] = append(byResourceRun[u.ResourceRunID], u)
	}

	err := p.run("update_step_progress_batch", func() error {
		return p.tx(dbc).Transaction(func(txx *gorm.DB) error {
			var rows []StepProgress
			for _, resourceRunID := range order {
				group := byResourceRun[resourceRunID]
				var rr ResourceRun
				lookErr := lockForUpdate(txx).
					Where("resource_run_id = ?", resourceRunID).First(&rr).Error
				if lookErr != nil {
					if lookErr == gorm.ErrRecordNotFound {
						deferred = append(deferred, group...)
						continue
					}
					return lookErr
				}
				var maxSeq int64
				if err := txx.Model(&StepProgress{}).
					Where("resource_run_id = ?", resourceRunID).
					Select("COALESCE(MAX(sequence), 0)").Scan(&maxSeq).Error; err != nil {
					return err
				}
				next := maxSeq
				for _, u := range group {
					next++
					rows = append(rows, StepProgress{
						StepProgressID: uuid.NewString(),
						ResourceRunID:  resourceRunID,
						Sequence:       next,
						StepName:       u.StepName,
						Status:         string(u.Status),
						StartTime:      u.StartTime,
						EndTime:        u.EndTime,
						DurationMS:     u.DurationMS,
						ErrorMessage:   u.ErrorMessage,
					})
				}
			}
			if len(rows) == 0 {
				return nil
			}
			p.metrics.ObservePersistenceBatch("update_step_progress_batch", len(rows))
			return txx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "resource_run_id"}, {Name: "sequence"}},
				DoNothing: true,
			}).Create(&rows).Error
		})
	})
	if err != nil {
		// A transaction-level failure (e.g. a transient connection error)
		// means none of this batch's rows were written, including updates
		// that were never added to deferred (their ResourceRun lookup never
		// ran). Hand the whole input batch back so the caller retries all of
		// it next flush instead of losing the untouched remainder (§7
		// category 4, L2).
		return updates, err
	}
	p.metrics.AddDeferred("update_step_progress_batch", len(deferred))
	if len(deferred) > 0 {
		return deferred, pkgerrors.ErrDeferred
	}
	return nil, nil
}

func (p *gormPersistence) CompleteResourceRunsBatch(dbc dbctx.Context, runID string, updates []ResourceRunCompletion) error {
	if len(updates) == 0 {
		return nil
	}
	return p.run("complete_resource_runs_batch", func() error {
		return p.tx(dbc).Transaction(func(txx *gorm.DB) error {
			for _, u := range updates {
				res := txx.Model(&ResourceRun{}).
					Where("resource_run_id = ? AND status NOT IN ?", u.ResourceRunID, []string{
						string(ResourceRunCompleted), string(ResourceRunFailed), string(ResourceRunCancelled),
					}).
					Updates(map[string]interface{}{
						"status":        string(u.Status),
						"end_time":      u.EndTime,
						"processing_ms": u.ProcessingMS,
						"error_message": u.ErrorMessage,
						"error_step":    u.ErrorStep,
					})
				if res.Error != nil {
					return res.Error
				}
			}
			p.metrics.ObservePersistenceBatch("complete_resource_runs_batch", len(updates))
			return nil
		})
	})
}
