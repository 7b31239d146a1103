// Package ingest reads source texts from operator-supplied files and turns
// them into records. Supported inputs: a JSON array (strings or objects with
// a text field), an XLSX workbook (one text per row), and plain text with one
// record per line.
package ingest

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/hypergraph-labs/extract-cli/internal/model"
)

// Options configures input parsing.
type Options struct {
	// SheetIndex selects the XLSX sheet. Default 0.
	SheetIndex int
	// Column selects the XLSX column holding the source text. Default 0.
	Column int
	// SkipRows drops leading XLSX header rows. Default 0.
	SkipRows int
	// Triage routes ingested records through pending_triage instead of
	// straight to pending_extraction.
	Triage bool
}

// ReadTexts loads source texts from path, dispatching on the file extension.
// Blank texts are dropped.
func ReadTexts(path string, opts Options) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return readJSON(path)
	case ".xlsx":
		return readXLSX(path, opts)
	default:
		return readLines(path)
	}
}

// Records converts texts into deduplicated records in the chosen ingestion
// status. Ids are content addresses, so two identical texts in one file
// collapse to a single record.
func Records(texts []string, opts Options) ([]model.Record, error) {
	initial := model.StatusPendingExtraction
	if opts.Triage {
		initial = model.StatusPendingTriage
	}

	seen := make(map[string]bool, len(texts))
	recs := make([]model.Record, 0, len(texts))
	for _, text := range texts {
		rec, err := model.NewRecord(text, initial)
		if err != nil {
			return nil, err
		}
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		recs = append(recs, rec)
	}
	if dropped := len(texts) - len(recs); dropped > 0 {
		zap.L().Info("dropped duplicate texts during ingest", zap.Int("count", dropped))
	}
	return recs, nil
}

func readJSON(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read %s", path)
	}

	var strs []string
	if err := json.Unmarshal(data, &strs); err == nil {
		return compact(strs), nil
	}

	var objs []struct {
		Text       string `json:"text"`
		SourceText string `json:"source_text"`
	}
	if err := json.Unmarshal(data, &objs); err != nil {
		return nil, eris.Wrapf(err, "ingest: parse %s", path)
	}
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		text := o.Text
		if text == "" {
			text = o.SourceText
		}
		out = append(out, text)
	}
	return compact(out), nil
}

func readXLSX(path string, opts Options) ([]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("ingest: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	var texts []string
	for i, row := range f.Sheets[opts.SheetIndex].Rows {
		if i < opts.SkipRows {
			continue
		}
		if opts.Column >= len(row.Cells) {
			continue
		}
		texts = append(texts, row.Cells[opts.Column].String())
	}
	return compact(texts), nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close()

	var texts []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		texts = append(texts, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "ingest: scan %s", path)
	}
	return compact(texts), nil
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
