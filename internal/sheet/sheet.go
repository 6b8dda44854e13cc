// Package sheet reads image URLs out of xlsx workbooks and writes served URLs back.
package sheet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
)

// ErrInvalidWorkbook is returned when the uploaded bytes are not a readable xlsx file.
var ErrInvalidWorkbook = errors.New("invalid workbook")

var pictureHeader = regexp.MustCompile(`(?i)^PICTURE_\d{1,2}$`)

// Workbook wraps an excelize file and the sheet URLs are read from.
type Workbook struct {
	file  *excelize.File
	sheet string
}

// Load parses an xlsx workbook from r.
func Load(r io.Reader) (*Workbook, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkbook, err)
	}
	name := f.GetSheetName(f.GetActiveSheetIndex())
	if name == "" {
		_ = f.Close()
		return nil, fmt.Errorf("%w: no worksheet", ErrInvalidWorkbook)
	}
	return &Workbook{file: f, sheet: name}, nil
}

// Close releases resources held by the workbook.
func (w *Workbook) Close() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close workbook: %w", err)
	}
	return nil
}

// Extract returns the qualifying URL cells in row-major order.
func (w *Workbook) Extract(mode batch.Mode) ([]batch.Target, error) {
	rows, err := w.file.GetRows(w.sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	columns := []int{1}
	if mode != batch.ModeA {
		columns = pictureColumns(rows[0])
	}
	if len(columns) == 0 {
		return nil, nil
	}

	var targets []batch.Target
	for i, row := range rows[1:] {
		for _, col := range columns {
			if col > len(row) {
				continue
			}
			value := strings.TrimSpace(row[col-1])
			if !isURL(value) {
				continue
			}
			targets = append(targets, batch.Target{
				Cell: batch.CellRef{Row: i + 2, Column: col},
				URL:  value,
			})
		}
	}
	return targets, nil
}

// Apply writes each mapped value into its cell.
func (w *Workbook) Apply(mapping map[batch.CellRef]string) error {
	for ref, value := range mapping {
		cell, err := excelize.CoordinatesToCellName(ref.Column, ref.Row)
		if err != nil {
			return fmt.Errorf("cell %d,%d: %w", ref.Row, ref.Column, err)
		}
		if err := w.file.SetCellStr(w.sheet, cell, value); err != nil {
			return fmt.Errorf("set %s: %w", cell, err)
		}
	}
	return nil
}

// Bytes serializes the workbook.
func (w *Workbook) Bytes() ([]byte, error) {
	buf, err := w.file.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

func pictureColumns(header []string) []int {
	var cols []int
	for i, h := range header {
		if pictureHeader.MatchString(strings.TrimSpace(h)) {
			cols = append(cols, i+1)
		}
	}
	return cols
}

func isURL(value string) bool {
	return strings.HasPrefix(strings.ToLower(value), "http")
}
