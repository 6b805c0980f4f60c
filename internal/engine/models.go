package engine

import (
	"time"

	"gorm.io/datatypes"
)

// RunStatus is the lifecycle state of a PipelineRun.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// ResourceRunStatus is the lifecycle state of a ResourceRun.
type ResourceRunStatus string

const (
	ResourceRunPending    ResourceRunStatus = "pending"
	ResourceRunProcessing ResourceRunStatus = "processing"
	ResourceRunCompleted  ResourceRunStatus = "completed"
	ResourceRunFailed     ResourceRunStatus = "failed"
	ResourceRunCancelled  ResourceRunStatus = "cancelled"
)

// StepStatus is the lifecycle state of one StepProgress row.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in-progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// StorageType names where an Artifact's payload lives.
type StorageType string

const (
	StorageObjectStore StorageType = "object-store"
	StorageRelational  StorageType = "relational"
	StorageFilesystem  StorageType = "filesystem"
	StorageMemory      StorageType = "memory"
)

// PipelineRun is the durable row for one pipeline execution (§3 "Run").
type PipelineRun struct {
	RunID         string         `gorm:"column:run_id;type:varchar(64);primaryKey" json:"run_id"`
	Category      string         `gorm:"column:category;type:varchar(128);not null;index:idx_pipeline_runs_category_name,priority:1" json:"category"`
	Name          string         `gorm:"column:name;type:varchar(128);not null;index:idx_pipeline_runs_category_name,priority:2" json:"name"`
	RunType       string         `gorm:"column:run_type;type:varchar(32);not null" json:"run_type"`
	ParentRunID   string         `gorm:"column:parent_run_id;type:varchar(64)" json:"parent_run_id,omitempty"`
	Status        string         `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	StartTime     time.Time      `gorm:"column:start_time" json:"start_time"`
	EndTime       *time.Time     `gorm:"column:end_time" json:"end_time,omitempty"`
	DurationMS    int64          `gorm:"column:duration_ms" json:"duration_ms"`
	TotalCount    int64          `gorm:"column:total_count;not null;default:0" json:"total_count"`
	CompletedCount int64         `gorm:"column:completed_count;not null;default:0" json:"completed_count"`
	FailedCount   int64          `gorm:"column:failed_count;not null;default:0" json:"failed_count"`
	SkippedCount  int64          `gorm:"column:skipped_count;not null;default:0" json:"skipped_count"`
	Config        datatypes.JSON `gorm:"column:config" json:"config,omitempty"`
}

func (PipelineRun) TableName() string { return "pipeline_runs" }

// ResourceRun is the durable row for one resource's execution within a run
// (§3 "ResourceRun"). (RunID, ResourceID) is unique.
type ResourceRun struct {
	ResourceRunID string     `gorm:"column:resource_run_id;type:varchar(64);primaryKey" json:"resource_run_id"`
	RunID         string     `gorm:"column:run_id;type:varchar(64);not null;index:idx_resource_runs_run_resource,unique,priority:1" json:"run_id"`
	ResourceID    string     `gorm:"column:resource_id;type:varchar(256);not null;index:idx_resource_runs_run_resource,unique,priority:2" json:"resource_id"`
	ResourceType  string     `gorm:"column:resource_type;type:varchar(128)" json:"resource_type,omitempty"`
	Status        string     `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	StartTime     time.Time  `gorm:"column:start_time" json:"start_time"`
	EndTime       *time.Time `gorm:"column:end_time" json:"end_time,omitempty"`
	ProcessingMS  int64      `gorm:"column:processing_ms" json:"processing_ms"`
	ErrorMessage  string     `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	ErrorStep     string     `gorm:"column:error_step;type:varchar(128)" json:"error_step,omitempty"`
	RetryCount    int        `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
}

func (ResourceRun) TableName() string { return "resource_runs" }

// StepProgress is one append-only row for a stage's execution against one
// resource-run (§3 "StepProgress"). Sequence is gap-free and increasing
// per ResourceRunID.
type StepProgress struct {
	StepProgressID string     `gorm:"column:step_progress_id;type:varchar(64);primaryKey" json:"step_progress_id"`
	ResourceRunID  string     `gorm:"column:resource_run_id;type:varchar(64);not null;index:idx_step_progress_resource_run_seq,unique,priority:1" json:"resource_run_id"`
	Sequence       int64      `gorm:"column:sequence;not null;index:idx_step_progress_resource_run_seq,unique,priority:2" json:"sequence"`
	StepName       string     `gorm:"column:step_name;type:varchar(128);not null" json:"step_name"`
	Status         string     `gorm:"column:status;type:varchar(32);not null" json:"status"`
	StartTime      time.Time  `gorm:"column:start_time" json:"start_time"`
	EndTime        *time.Time `gorm:"column:end_time" json:"end_time,omitempty"`
	DurationMS     int64      `gorm:"column:duration_ms" json:"duration_ms"`
	ErrorMessage   string     `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
}

func (StepProgress) TableName() string { return "step_progress" }

// Artifact is one append-only blob emitted by a stage for a resource-run
// (§3 "Artifact"). (ResourceRunID, StepName, ArtifactName) is unique.
type Artifact struct {
	ArtifactID    string         `gorm:"column:artifact_id;type:varchar(64);primaryKey" json:"artifact_id"`
	ResourceRunID string         `gorm:"column:resource_run_id;type:varchar(64);not null;index:idx_artifacts_unique_key,unique,priority:1" json:"resource_run_id"`
	StepName      string         `gorm:"column:step_name;type:varchar(128);not null;index:idx_artifacts_unique_key,unique,priority:2" json:"step_name"`
	ArtifactName  string         `gorm:"column:artifact_name;type:varchar(128);not null;index:idx_artifacts_unique_key,unique,priority:3" json:"artifact_name"`
	StorageType   string         `gorm:"column:storage_type;type:varchar(32);not null" json:"storage_type"`
	StoragePath   string         `gorm:"column:storage_path;type:text" json:"storage_path,omitempty"`
	Payload       datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (Artifact) TableName() string { return "artifacts" }

// AutoMigrate registers all engine-owned tables against db, mirroring the
// teacher's AutoMigrateAll grouping style.
func AutoMigrate(db interface {
	AutoMigrate(dst ...interface{}) error
}) error {
	return db.AutoMigrate(
		&PipelineRun{},
		&ResourceRun{},
		&StepProgress{},
		&Artifact{},
	)
}
