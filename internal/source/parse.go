package source

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/classify-cli/internal/fetcher"
	"github.com/sells-group/classify-cli/internal/model"
)

// Recognised header names per required column, already case folded.
var columnAliases = map[string][]string{
	"source_id": {"source_id", "sourceid", "id"},
	"item_type": {"item_type", "itemtype", "type"},
	"text":      {"text", "content", "body"},
}

// ParseOptions controls how rows become work items.
type ParseOptions struct {
	BatchID  string
	LoadedAt time.Time
	Sheet    string
	// DefaultItemType is used when the file has no item_type column.
	DefaultItemType string
}

// ParseResult holds the deduplicated items of one file.
type ParseResult struct {
	Items      []model.WorkItem
	Duplicates int
}

type columns struct {
	sourceID int
	itemType int // -1 when absent
	text     int
}

// ParseItems decodes raw file bytes into work items in file order. Duplicate
// keys keep their first occurrence. An empty file yields zero items.
func ParseItems(ctx context.Context, data []byte, format fetcher.Format, opts ParseOptions) (*ParseResult, error) {
	res := &ParseResult{}
	if len(bytes.TrimSpace(data)) == 0 {
		return res, nil
	}

	rows, err := fetcher.ReadRows(ctx, data, format, fetcher.Options{
		CSV:  fetcher.CSVOptions{TrimSpace: true},
		XLSX: fetcher.XLSXOptions{SheetName: opts.Sheet},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, eris.Wrapf(ErrIntegrity, "malformed %s source: %v", format, err)
	}
	if len(rows) == 0 {
		return res, nil
	}

	cols, err := mapHeader(rows[0], opts.DefaultItemType != "")
	if err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("batch_id", opts.BatchID))
	seen := make(map[model.ItemKey]struct{}, len(rows))
	for i, row := range rows[1:] {
		if blankRow(row) {
			continue
		}
		line := i + 2 // 1-based, after the header

		key := model.ItemKey{SourceID: cell(row, cols.sourceID), ItemType: opts.DefaultItemType}
		if cols.itemType >= 0 {
			key.ItemType = cell(row, cols.itemType)
		}
		if key.SourceID == "" || key.ItemType == "" {
			return nil, eris.Wrapf(ErrIntegrity, "row %d: missing source_id or item_type", line)
		}

		if _, dup := seen[key]; dup {
			res.Duplicates++
			log.Debug("source: dropping duplicate key", zap.String("key", key.String()), zap.Int("row", line))
			continue
		}
		seen[key] = struct{}{}

		res.Items = append(res.Items, model.WorkItem{
			Key:      key,
			BatchID:  opts.BatchID,
			Ordinal:  len(res.Items),
			Text:     norm.NFC.String(cell(row, cols.text)),
			LoadedAt: opts.LoadedAt,
		})
	}
	return res, nil
}

func mapHeader(header []string, itemTypeOptional bool) (columns, error) {
	fold := cases.Fold()
	index := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")
		name = strings.NewReplacer(" ", "_", "-", "_").Replace(fold.String(name))
		if _, ok := index[name]; !ok {
			index[name] = i
		}
	}

	find := func(col string) int {
		for _, alias := range columnAliases[col] {
			if i, ok := index[alias]; ok {
				return i
			}
		}
		return -1
	}

	cols := columns{sourceID: find("source_id"), itemType: find("item_type"), text: find("text")}
	var missing []string
	if cols.sourceID < 0 {
		missing = append(missing, "source_id")
	}
	if cols.itemType < 0 && !itemTypeOptional {
		missing = append(missing, "item_type")
	}
	if cols.text < 0 {
		missing = append(missing, "text")
	}
	if len(missing) > 0 {
		return cols, eris.Wrapf(ErrIntegrity, "header missing required columns: %s", strings.Join(missing, ", "))
	}
	return cols, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
