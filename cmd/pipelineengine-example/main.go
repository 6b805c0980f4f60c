// Command pipelineengine-example wires the pipeline dataflow engine against
// an in-memory SQLite store and runs a small three-stage pipeline over a
// handful of synthetic documents, printing the final snapshot. It exists to
// exercise Factory wiring end-to-end outside of the test suite.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pipelinedataflow/engine/internal/engine"
	"github.com/pipelinedataflow/engine/internal/engine/storage"
	"github.com/pipelinedataflow/engine/internal/platform/logger"
	"github.com/pipelinedataflow/engine/internal/platform/metrics"
)

type document struct {
	ID   string
	Text string
}

type page struct {
	DocID string
	Index int
	Text  string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pipelineengine-example:", err)
		os.Exit(1)
	}
}

func run() error {
	log, err := logger.New("development")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	if err := engine.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	persistence := engine.NewGormPersistence(db, log, nil)
	store := storage.NewMemory()
	mc := metrics.New(nil, "example")

	factory := engine.NewFactory(engine.FactoryOptions{
		Persistence: persistence,
		Storage:     store,
		Log:         log,
		Metrics:     mc,
	})

	ctx, err := factory.NewRun(context.Background(), engine.RunMetadata{
		Category: "documents",
		Name:     "ingest-demo",
	})
	if err != nil {
		return fmt.Errorf("new run: %w", err)
	}

	docs := []document{
		{ID: "doc-1", Text: "first second third"},
		{ID: "doc-2", Text: "alpha beta"},
	}

	source := engine.FromSource(ctx, func(d document) string { return d.ID }, engine.StageOptions{
		StepName:       "source",
		MaxParallelism: 1,
	}, func(_ context.Context, emit func(document)) {
		for _, d := range docs {
			emit(d)
		}
	})

	paged := engine.TransformMany(source, engine.StageOptions{
		StepName:       "split-into-pages",
		MaxParallelism: 2,
	}, func(p page) string {
		return fmt.Sprintf("page-%d", p.Index)
	}, func(_ context.Context, d document) ([]page, error) {
		words := splitWords(d.Text)
		pages := make([]page, len(words))
		for i, w := range words {
			pages[i] = page{DocID: d.ID, Index: i, Text: w}
		}
		return pages, nil
	})

	withArtifact := engine.WithArtifact(paged, engine.ArtifactOptions[page]{
		ArtifactName: "raw-page",
		StorageType:  engine.StorageMemory,
		PayloadSelector: func(p page) ([]byte, error) {
			return []byte(p.Text), nil
		},
	})

	completion := engine.Execute(withArtifact, engine.StageOptions{
		StepName:       "sink",
		MaxParallelism: 2,
	}, func(_ context.Context, p page) error {
		log.Info("processed page", "doc_id", p.DocID, "index", p.Index, "text", p.Text)
		return nil
	})

	if err := completion.Err(); err != nil {
		return fmt.Errorf("pipeline construction: %w", err)
	}

	snap := completion.Wait()
	if err := factory.CompleteRun(ctx, engine.StatusFor(snap)); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}

	fmt.Printf("run %s: completed=%d failed=%d cancelled=%d artifacts=%d\n",
		ctx.Metadata.RunID, snap.Completed, snap.Failed, snap.Cancelled, store.Len())

	time.Sleep(10 * time.Millisecond)
	return nil
}

func splitWords(text string) []string {
	var words []string
	var cur []byte
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' {
			if len(cur) > 0 {
				words = append(words, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, text[i])
	}
	if len(cur) > 0 {
		words = append(words, string(cur))
	}
	return words
}
