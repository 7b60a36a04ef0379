package fetcher

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the worksheet to read. SheetName wins over
// SheetIndex when both are set.
type XLSXOptions struct {
	SheetIndex int
	SheetName  string
}

// ReadXLSX returns the rows of one worksheet, header included. Rows with no
// non-blank cell are dropped, since spreadsheets often carry formatted but
// empty trailing rows.
func ReadXLSX(data []byte, opts XLSXOptions) ([][]string, error) {
	wb, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}

	sheet, err := pickSheet(wb, opts)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	for _, row := range sheet.Rows {
		if row == nil {
			continue
		}
		values := make([]string, len(row.Cells))
		blank := true
		for i, cell := range row.Cells {
			values[i] = cell.String()
			if strings.TrimSpace(values[i]) != "" {
				blank = false
			}
		}
		if !blank {
			rows = append(rows, values)
		}
	}
	return rows, nil
}

func pickSheet(wb *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		if sheet, ok := wb.Sheet[opts.SheetName]; ok {
			return sheet, nil
		}
		return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
	}
	if n := len(wb.Sheets); opts.SheetIndex < 0 || opts.SheetIndex >= n {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (workbook has %d)", opts.SheetIndex, n)
	}
	return wb.Sheets[opts.SheetIndex], nil
}
