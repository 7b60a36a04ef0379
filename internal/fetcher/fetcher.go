package fetcher

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Format identifies a tabular file encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat infers the format from a file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".tsv", ".tab":
		return FormatTSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("fetcher: cannot infer format from %q", path)
	}
}

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatTSV, FormatXLSX:
		return f, nil
	default:
		return "", eris.Errorf("fetcher: unsupported format %q", s)
	}
}

// Options selects per-format parse settings for ReadRows.
type Options struct {
	CSV  CSVOptions
	XLSX XLSXOptions
}

// ReadRows decodes raw file bytes of the given format into rows.
func ReadRows(ctx context.Context, data []byte, format Format, opts Options) ([][]string, error) {
	switch format {
	case FormatCSV:
		return ReadCSV(ctx, bytes.NewReader(data), opts.CSV)
	case FormatTSV:
		csvOpts := opts.CSV
		csvOpts.Delimiter = '\t'
		return ReadCSV(ctx, bytes.NewReader(data), csvOpts)
	case FormatXLSX:
		return ReadXLSX(data, opts.XLSX)
	default:
		return nil, eris.Errorf("fetcher: unsupported format %q", format)
	}
}
