package sheet

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
)

// buildWorkbook writes rows into Sheet1 starting at A1.
func buildWorkbook(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	for r, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, r+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func load(t *testing.T, data []byte) *Workbook {
	t.Helper()
	wb, err := Load(bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = wb.Close() })
	return wb
}

func TestExtractModeA(t *testing.T) {
	t.Parallel()

	wb := load(t, buildWorkbook(t, [][]any{
		{"url"},
		{"http://a"},
		{"x"},
		{"HTTP://B"},
	}))

	targets, err := wb.Extract(batch.ModeA)
	require.NoError(t, err)
	require.Equal(t, []batch.Target{
		{Cell: batch.CellRef{Row: 2, Column: 1}, URL: "http://a"},
		{Cell: batch.CellRef{Row: 4, Column: 1}, URL: "HTTP://B"},
	}, targets)
}

func TestExtractModeASkipsNonText(t *testing.T) {
	t.Parallel()

	wb := load(t, buildWorkbook(t, [][]any{
		{"url"},
		{42},
		{"  https://trim.me/x.png  "},
	}))

	targets, err := wb.Extract(batch.ModeA)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "https://trim.me/x.png", targets[0].URL)
	assert.Equal(t, batch.CellRef{Row: 3, Column: 1}, targets[0].Cell)
}

func TestExtractModeTable(t *testing.T) {
	t.Parallel()

	wb := load(t, buildWorkbook(t, [][]any{
		{"SKU", "PICTURE_1", "PICTURE_2", "NOTES"},
		{"http://sku", "http://p1", "http://p2", "http://notes"},
		{"abc", "", "https://p2b", "nothing"},
	}))

	targets, err := wb.Extract(batch.ModeTable)
	require.NoError(t, err)
	require.Equal(t, []batch.Target{
		{Cell: batch.CellRef{Row: 2, Column: 2}, URL: "http://p1"},
		{Cell: batch.CellRef{Row: 2, Column: 3}, URL: "http://p2"},
		{Cell: batch.CellRef{Row: 3, Column: 3}, URL: "https://p2b"},
	}, targets)
}

func TestPictureColumns(t *testing.T) {
	t.Parallel()

	cols := pictureColumns([]string{"picture_1", " PICTURE_12 ", "PICTURE_123", "PICTURE_", "XPICTURE_1", "Picture_07"})
	require.Equal(t, []int{1, 2, 6}, cols)
}

func TestExtractEmptySheet(t *testing.T) {
	t.Parallel()

	wb := load(t, buildWorkbook(t, [][]any{{"only header"}}))
	targets, err := wb.Extract(batch.ModeA)
	require.NoError(t, err)
	require.Empty(t, targets)
}

func TestApplyRoundTrip(t *testing.T) {
	t.Parallel()

	wb := load(t, buildWorkbook(t, [][]any{
		{"url"},
		{"http://a"},
		{"http://b"},
	}))
	require.NoError(t, wb.Apply(map[batch.CellRef]string{
		{Row: 2, Column: 1}: "https://served/api/i/b1/a-0123456789",
	}))
	out, err := wb.Bytes()
	require.NoError(t, err)

	reread := load(t, out)
	targets, err := reread.Extract(batch.ModeA)
	require.NoError(t, err)
	require.Equal(t, "https://served/api/i/b1/a-0123456789", targets[0].URL)
	require.Equal(t, "http://b", targets[1].URL)
}

func TestLoadRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Load(strings.NewReader("definitely not a zip"))
	require.ErrorIs(t, err, ErrInvalidWorkbook)
}
