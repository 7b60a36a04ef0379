// Package source loads an immutable batch of work items from a tabular file
// into the work catalog and guards the batch's content checksum.
package source

import (
	"context"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/classify-cli/internal/fetcher"
	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/store"
)

// ErrIntegrity marks a source that cannot be trusted: unreadable, malformed,
// or different from what was loaded under the same name.
var ErrIntegrity = eris.New("source: integrity error")

// LoadRequest describes one load.
type LoadRequest struct {
	Path            string         `json:"path"`
	SourceName      string         `json:"source_name,omitempty"` // default: file name without extension
	Format          fetcher.Format `json:"format,omitempty"`      // default: inferred from extension
	Sheet           string         `json:"sheet,omitempty"`
	DefaultItemType string         `json:"default_item_type,omitempty"`
}

// LoadResult reports the batch a load produced or matched.
type LoadResult struct {
	Batch    model.SourceBatch `json:"batch"`
	Existing bool              `json:"existing"`
}

// Loader ingests source files into a Catalog.
type Loader struct {
	catalog store.Catalog
	http    *fetcher.HTTPFetcher
	now     func() time.Time
}

// NewLoader creates a Loader. hf may be nil when only local files are loaded.
func NewLoader(catalog store.Catalog, hf *fetcher.HTTPFetcher) *Loader {
	return &Loader{catalog: catalog, http: hf, now: time.Now}
}

// Load reads req.Path once, checksums the raw bytes, parses and deduplicates
// the rows, and writes the batch with its items in one transaction. Loading
// the same source name again is a no-op when the checksum matches and an
// ErrIntegrity otherwise.
func (l *Loader) Load(ctx context.Context, req LoadRequest) (*LoadResult, error) {
	if req.Path == "" {
		return nil, eris.New("source: path is required")
	}
	name := req.SourceName
	if name == "" {
		name = DefaultSourceName(req.Path)
	}
	log := zap.L().With(zap.String("source", name), zap.String("path", req.Path))

	data, err := fetcher.ReadLocation(ctx, req.Path, l.http)
	if err != nil {
		return nil, eris.Wrapf(ErrIntegrity, "source unreadable: %v", err)
	}
	checksum := ChecksumBytes(data)

	existing, err := l.catalog.GetBatchBySource(ctx, name)
	if err != nil {
		return nil, eris.Wrap(err, "source: lookup batch")
	}
	if existing != nil {
		if existing.Checksum != checksum {
			return nil, eris.Wrapf(ErrIntegrity,
				"source %q was loaded with checksum %s, file now has %s", name, existing.Checksum, checksum)
		}
		log.Info("source already loaded", zap.String("batch_id", existing.ID), zap.Int("items", existing.ItemCount))
		return &LoadResult{Batch: *existing, Existing: true}, nil
	}

	format := req.Format
	if format == "" {
		format, err = fetcher.DetectFormat(locationPath(req.Path))
		if err != nil {
			return nil, eris.Wrap(err, "source: detect format")
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, eris.Wrap(err, "source: batch id")
	}
	loadedAt := l.now().UTC()
	parsed, err := ParseItems(ctx, data, format, ParseOptions{
		BatchID:         id.String(),
		LoadedAt:        loadedAt,
		Sheet:           req.Sheet,
		DefaultItemType: req.DefaultItemType,
	})
	if err != nil {
		return nil, err
	}

	batch := model.SourceBatch{
		ID:         id.String(),
		SourceName: name,
		Path:       req.Path,
		Checksum:   checksum,
		ItemCount:  len(parsed.Items),
		Duplicates: parsed.Duplicates,
		LoadedAt:   loadedAt,
	}
	if err := l.catalog.CreateBatch(ctx, batch, parsed.Items); err != nil {
		return nil, eris.Wrap(err, "source: write batch")
	}

	log.Info("source loaded",
		zap.String("batch_id", batch.ID),
		zap.String("checksum", checksum),
		zap.Int("items", batch.ItemCount),
		zap.Int("duplicates", batch.Duplicates),
	)
	return &LoadResult{Batch: batch}, nil
}

// DefaultSourceName derives a logical source name from a path or URL.
func DefaultSourceName(location string) string {
	base := filepath.Base(locationPath(location))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// locationPath strips scheme, host and query from URLs.
func locationPath(location string) string {
	if !fetcher.IsRemote(location) {
		return location
	}
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	return path.Clean(u.Path)
}
