// Package fetcher retrieves source files (local paths or http(s) URLs) and
// decodes tabular formats (CSV, TSV, XLSX) into rows of strings.
package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures delimited-text parsing.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // lines starting with it are skipped; 0 disables
	LazyQuotes bool
	TrimSpace  bool
}

// ctxCheckEvery is how many rows are read between cancellation checks.
const ctxCheckEvery = 1024

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadCSV reads every record from r, header included. Rows may have
// differing widths; column checks belong to the caller. A leading UTF-8
// byte order mark, as written by spreadsheet exports, is dropped.
func ReadCSV(ctx context.Context, r io.Reader, opts CSVOptions) ([][]string, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(br)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.Comment = opts.Comment
	reader.LazyQuotes = opts.LazyQuotes
	reader.FieldsPerRecord = -1

	var rows [][]string
	for n := 0; ; n++ {
		if n%ctxCheckEvery == 0 && ctx.Err() != nil {
			return rows, eris.Wrap(ctx.Err(), "csv: read cancelled")
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, eris.Wrap(err, "csv: read row")
		}
		if opts.TrimSpace {
			for i := range record {
				record[i] = strings.TrimSpace(record[i])
			}
		}
		rows = append(rows, record)
	}
}
