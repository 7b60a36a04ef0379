package engine

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/store"
)

// resultBuffer collects result records between checkpoints. Workers add
// concurrently; flush runs from the checkpoint loop.
type resultBuffer struct {
	mu      sync.Mutex
	records []model.ResultRecord
	stats   model.AppendStats
	added   int
	errors  int
}

func (b *resultBuffer) add(rec model.ResultRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	b.added++
	if rec.IsError {
		b.errors++
	}
}

// processed returns how many records were added over the buffer's life.
func (b *resultBuffer) processed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.added
}

// flush writes the buffered records in one transaction. The buffer is only
// cleared when the write succeeds, so a failed flush can be retried as is.
func (b *resultBuffer) flush(ctx context.Context, results store.Results) (model.AppendStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		return model.AppendStats{}, nil
	}
	stats, err := results.AppendResults(ctx, b.records)
	if err != nil {
		return model.AppendStats{}, eris.Wrapf(err, "engine: flush %d results", len(b.records))
	}
	b.records = b.records[:0]
	b.stats.Add(stats)
	return stats, nil
}

func (b *resultBuffer) totals() (stats model.AppendStats, added, errors int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats, b.added, b.errors
}
