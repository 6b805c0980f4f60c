package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"

	"github.com/pipelinedataflow/engine/internal/engine"
	"github.com/pipelinedataflow/engine/internal/platform/logger"
)

// ObjectStore is the object-store ArtifactStorageAdapter (§4.9), adapted
// from internal/platform/gcp/bucket.go's dual real-GCS/emulator upload
// path. Keys are {run-id}/{step-name}/{resource-run-id}/{artifact-name}
// under bucket, resolving the tension between §6's literal key format and
// the per-resource-run uniqueness invariant in §3 (see DESIGN.md).
type ObjectStore struct {
	client       *gcs.Client
	bucket       string
	emulatorHost string
	log          *logger.Logger
}

// NewObjectStore builds a GCS-backed storage adapter. When emulatorHost is
// non-empty, uploads go through the emulator's HTTP media endpoint instead
// of the real client upload path, matching the teacher's local-dev mode.
func NewObjectStore(client *gcs.Client, bucket, emulatorHost string, log *logger.Logger) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket, emulatorHost: emulatorHost, log: log}
}

func objectKey(r engine.ArtifactSaveRequest) string {
	return fmt.Sprintf("%s/%s/%s/%s", r.RunID, r.StepName, r.ResourceRunID, r.ArtifactName)
}

func (o *ObjectStore) isEmulatorMode() bool { return o.emulatorHost != "" }

func (o *ObjectStore) SaveBatch(ctx context.Context, requests []engine.ArtifactSaveRequest) ([]engine.ArtifactSaveResult, error) {
	results := make([]engine.ArtifactSaveResult, len(requests))
	for i, r := range requests {
		key := objectKey(r)
		var err error
		if o.isEmulatorMode() {
			err = o.uploadViaEmulator(ctx, key, r.Payload)
		} else {
			err = o.uploadViaClient(ctx, key, r.Payload)
		}
		if err != nil {
			if o.log != nil {
				o.log.Warn("artifact object-store upload failed", "key", key, "error", err)
			}
			results[i] = engine.ArtifactSaveResult{Success: false, ErrorMessage: err.Error()}
			continue
		}
		results[i] = engine.ArtifactSaveResult{Success: true, StoragePath: key}
	}
	return results, nil
}

func (o *ObjectStore) uploadViaClient(ctx context.Context, key string, payload []byte) error {
	w := o.client.Bucket(o.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// uploadViaEmulator uploads through the GCS emulator's simple-upload media
// endpoint, for local development without real GCS credentials.
func (o *ObjectStore) uploadViaEmulator(ctx context.Context, key string, payload []byte) error {
	url := fmt.Sprintf("%s/upload/storage/v1/b/%s/o?uploadType=media&name=%s", o.emulatorHost, o.bucket, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("emulator upload failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	return nil
}
