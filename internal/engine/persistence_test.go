package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pipelinedataflow/engine/internal/platform/dbctx"
	pkgerrors "github.com/pipelinedataflow/engine/internal/pkg/errors"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func TestGormPersistenceCreateRunIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	p := NewGormPersistence(db, nil, nil)
	dbc := dbctx.Context{Ctx: t.Context()}

	run, err := p.CreateRun(dbc, CreateRunRequest{RunID: "run-1", Category: "docs", Name: "ingest"})
	require.NoError(t, err)
	require.Equal(t, "run-1", run.RunID)

	// Creating the same run id again must not error or duplicate the row.
	_, err = p.CreateRun(dbc, CreateRunRequest{RunID: "run-1", Category: "docs", Name: "ingest"})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&PipelineRun{}).Where("run_id = ?", "run-1").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestGormPersistenceCreateResourceRunsBatchDedupesOnConflict(t *testing.T) {
	db := newTestDB(t)
	p := NewGormPersistence(db, nil, nil)
	dbc := dbctx.Context{Ctx: t.Context()}
	require.NoError(t, p.CreateResourceRunsBatch(dbc, "run-1", []ResourceRunUpdate{
		{ResourceRunID: "rr-1", ResourceID: "doc-1", StartTime: time.Now()},
		{ResourceRunID: "rr-1-dup", ResourceID: "doc-1", StartTime: time.Now()},
	}))

	var count int64
	require.NoError(t, db.Model(&ResourceRun{}).Where("run_id = ? AND resource_id = ?", "run-1", "doc-1").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestGormPersistenceUpdateStepProgressBatchAssignsSequence(t *testing.T) {
	db := newTestDB(t)
	p := NewGormPersistence(db, nil, nil)
	dbc := dbctx.Context{Ctx: t.Context()}

	require.NoError(t, p.CreateResourceRunsBatch(dbc, "run-1", []ResourceRunUpdate{
		{ResourceRunID: "rr-1", ResourceID: "doc-1", StartTime: time.Now()},
	}))

	deferred, err := p.UpdateStepProgressBatch(dbc, "run-1", []StepProgressUpdate{
		{ResourceRunID: "rr-1", StepName: "parse", Status: StepCompleted, StartTime: time.Now()},
		{ResourceRunID: "rr-1", StepName: "embed", Status: StepCompleted, StartTime: time.Now()},
	})
	require.NoError(t, err)
	require.Empty(t, deferred)

	var rows []StepProgress
	require.NoError(t, db.Where("resource_run_id = ?", "rr-1").Order("sequence asc").Find(&rows).Error)
	require.Len(t, rows, 2)
	require.Equal(t, int64(1), rows[0].Sequence)
	require.Equal(t, int64(2), rows[1].Sequence)
	require.Equal(t, "parse", rows[0].StepName)
	require.Equal(t, "embed", rows[1].StepName)
}

func TestGormPersistenceUpdateStepProgressBatchDefersWhenResourceRunMissing(t *testing.T) {
	db := newTestDB(t)
	p := NewGormPersistence(db, nil, nil)
	dbc := dbctx.Context{Ctx: t.Context()}

	deferred, err := p.UpdateStepProgressBatch(dbc, "run-1", []StepProgressUpdate{
		{ResourceRunID: "rr-missing", StepName: "parse", Status: StepCompleted, StartTime: time.Now()},
	})
	require.Error(t, err)
	require.Len(t, deferred, 1)

	var count int64
	require.NoError(t, db.Model(&StepProgress{}).Count(&count).Error)
	require.Equal(t, int64(0), count)
}

func TestGormPersistenceUpdateStepProgressBatchReturnsFullBatchOnTransactionError(t *testing.T) {
	db := newTestDB(t)
	p := NewGormPersistence(db, nil, nil)
	dbc := dbctx.Context{Ctx: t.Context()}

	require.NoError(t, p.CreateResourceRunsBatch(dbc, "run-1", []ResourceRunUpdate{
		{ResourceRunID: "rr-1", ResourceID: "doc-1", StartTime: time.Now()},
	}))

	// Simulate a transient connection failure: the whole input batch must
	// come back for the caller to retry, not just the subset that would
	// otherwise have been deferred for a missing ResourceRun (§7 category 4).
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	updates := []StepProgressUpdate{
		{ResourceRunID: "rr-1", StepName: "parse", Status: StepCompleted, StartTime: time.Now()},
		{ResourceRunID: "rr-1", StepName: "embed", Status: StepCompleted, StartTime: time.Now()},
	}
	deferred, err := p.UpdateStepProgressBatch(dbc, "run-1", updates)
	require.Error(t, err)
	require.NotErrorIs(t, err, pkgerrors.ErrDeferred)
	require.ElementsMatch(t, updates, deferred)
}

func TestGormPersistenceCompleteResourceRunsBatchIsTerminalOnce(t *testing.T) {
	db := newTestDB(t)
	p := NewGormPersistence(db, nil, nil)
	dbc := dbctx.Context{Ctx: t.Context()}

	require.NoError(t, p.CreateResourceRunsBatch(dbc, "run-1", []ResourceRunUpdate{
		{ResourceRunID: "rr-1", ResourceID: "doc-1", StartTime: time.Now()},
	}))
	require.NoError(t, p.CompleteResourceRunsBatch(dbc, "run-1", []ResourceRunCompletion{
		{ResourceRunID: "rr-1", Status: ResourceRunCompleted, EndTime: time.Now()},
	}))
	// A second, contradictory completion must not override the first
	// terminal status (§3 "terminal status written exactly once").
	require.NoError(t, p.CompleteResourceRunsBatch(dbc, "run-1", []ResourceRunCompletion{
		{ResourceRunID: "rr-1", Status: ResourceRunFailed, EndTime: time.Now()},
	}))

	var rr ResourceRun
	require.NoError(t, db.Where("resource_run_id = ?", "rr-1").First(&rr).Error)
	require.Equal(t, string(ResourceRunCompleted), rr.Status)
}

func TestGormPersistenceCompleteRunAggregatesCounts(t *testing.T) {
	db := newTestDB(t)
	p := NewGormPersistence(db, nil, nil)
	dbc := dbctx.Context{Ctx: t.Context()}

	_, err := p.CreateRun(dbc, CreateRunRequest{RunID: "run-1", Category: "docs", Name: "ingest"})
	require.NoError(t, err)
	require.NoError(t, p.CreateResourceRunsBatch(dbc, "run-1", []ResourceRunUpdate{
		{ResourceRunID: "rr-1", ResourceID: "doc-1", StartTime: time.Now()},
		{ResourceRunID: "rr-2", ResourceID: "doc-2", StartTime: time.Now()},
	}))
	require.NoError(t, p.CompleteResourceRunsBatch(dbc, "run-1", []ResourceRunCompletion{
		{ResourceRunID: "rr-1", Status: ResourceRunCompleted, EndTime: time.Now()},
		{ResourceRunID: "rr-2", Status: ResourceRunFailed, EndTime: time.Now()},
	}))

	require.NoError(t, p.CompleteRun(dbc, "run-1", RunStatusCompleted))

	var run PipelineRun
	require.NoError(t, db.Where("run_id = ?", "run-1").First(&run).Error)
	require.Equal(t, int64(2), run.TotalCount)
	require.Equal(t, int64(1), run.CompletedCount)
	require.Equal(t, int64(1), run.FailedCount)
}
