package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/hypergraph-labs/extract-cli/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadTexts_JSONStrings(t *testing.T) {
	path := writeFile(t, "input.json", `["first event", "second event", "  ", "third event"]`)

	texts, err := ReadTexts(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first event", "second event", "third event"}, texts)
}

func TestReadTexts_JSONObjects(t *testing.T) {
	path := writeFile(t, "input.json",
		`[{"text": "from text field"}, {"source_text": "from source_text field"}, {"text": ""}]`)

	texts, err := ReadTexts(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"from text field", "from source_text field"}, texts)
}

func TestReadTexts_JSONInvalid(t *testing.T) {
	path := writeFile(t, "input.json", `{"not": "an array"}`)
	_, err := ReadTexts(path, Options{})
	require.Error(t, err)
}

func TestReadTexts_PlainLines(t *testing.T) {
	path := writeFile(t, "input.txt", "line one\n\nline two\n")

	texts, err := ReadTexts(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"line one", "line two"}, texts)
}

func TestReadTexts_XLSX(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("events")
	require.NoError(t, err)

	header := sheet.AddRow()
	header.AddCell().SetString("source_text")
	for _, text := range []string{"row one", "row two"} {
		row := sheet.AddRow()
		row.AddCell().SetString(text)
	}

	path := filepath.Join(t.TempDir(), "input.xlsx")
	require.NoError(t, f.Save(path))

	texts, err := ReadTexts(path, Options{SkipRows: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"row one", "row two"}, texts)
}

func TestReadTexts_XLSXSheetOutOfRange(t *testing.T) {
	f := xlsx.NewFile()
	_, err := f.AddSheet("only")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "input.xlsx")
	require.NoError(t, f.Save(path))

	_, err = ReadTexts(path, Options{SheetIndex: 3})
	require.Error(t, err)
}

func TestReadTexts_MissingFile(t *testing.T) {
	_, err := ReadTexts(filepath.Join(t.TempDir(), "nope.json"), Options{})
	require.Error(t, err)
}

func TestRecords_DeduplicatesByContent(t *testing.T) {
	recs, err := Records([]string{"same text", "other text", "same text"}, Options{})
	require.NoError(t, err)

	require.Len(t, recs, 2)
	assert.Equal(t, model.StatusPendingExtraction, recs[0].Status)
	assert.Equal(t, model.RecordID("same text"), recs[0].ID)
}

func TestRecords_TriageStatus(t *testing.T) {
	recs, err := Records([]string{"needs triage"}, Options{Triage: true})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.StatusPendingTriage, recs[0].Status)
}
