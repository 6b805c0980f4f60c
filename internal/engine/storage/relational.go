package storage

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pipelinedataflow/engine/internal/engine"
)

// artifactRow is an alias of engine.Artifact, the row type of the artifacts
// table.
type artifactRow = engine.Artifact

// Relational is the relational ArtifactStorageAdapter (§4.9): payloads are
// stored inline in a JSON column rather than a separate object store,
// grounded on the upsert-by-unique-key batching in
// internal/data/repos/materials/material_file_section.go.
type Relational struct {
	db *gorm.DB
}

// NewRelational builds a storage adapter that writes into the same store
// as the progress-persistence tables.
func NewRelational(db *gorm.DB) *Relational {
	return &Relational{db: db}
}

func (r *Relational) SaveBatch(ctx context.Context, requests []engine.ArtifactSaveRequest) ([]engine.ArtifactSaveResult, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	rows := make([]artifactRow, len(requests))
	for i, req := range requests {
		rows[i] = artifactRow{
			ArtifactID:    generateID(),
			ResourceRunID: req.ResourceRunID,
			StepName:      req.StepName,
			ArtifactName:  req.ArtifactName,
			StorageType:   string(engine.StorageRelational),
			Payload:       req.Payload,
			Metadata:      req.Metadata,
		}
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "resource_run_id"}, {Name: "step_name"}, {Name: "artifact_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "metadata"}),
	}).Create(&rows).Error

	results := make([]engine.ArtifactSaveResult, len(requests))
	for i, req := range requests {
		if err != nil {
			results[i] = engine.ArtifactSaveResult{Success: false, ErrorMessage: err.Error()}
			continue
		}
		results[i] = engine.ArtifactSaveResult{
			Success:     true,
			StoragePath: req.ResourceRunID + "/" + req.StepName + "/" + req.ArtifactName,
		}
	}
	return results, err
}
