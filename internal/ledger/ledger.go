// Package ledger provides a durable append-only record of completed batches.
//
// Each completed batch is written as one JSON line carrying the ids of the
// records it covered and the raw model answer. Completion is keyed by record
// id, not batch position: batch boundaries shift between runs as the pending
// set shrinks or new records arrive, so a positional key would let a stale
// line alias onto different records. On restart the ledger is replayed into
// the set of completed ids and only records outside that set are re-sent.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Entry is a single ledger line. RecordIDs lists the records the batch
// covered; BatchIndex is the position within the run that wrote the line,
// kept for the audit trail only. Answer holds the raw model output for the
// batch, preserved verbatim so it can be reprocessed later if needed.
type Entry struct {
	BatchIndex int      `json:"batch_index"`
	RecordIDs  []string `json:"record_ids"`
	Answer     string   `json:"answer"`
}

// Ledger appends batch results to a JSONL file. Appends are serialized with a
// mutex so concurrent workers never interleave partial lines.
type Ledger struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open opens (or creates) the ledger file at path for appending.
func Open(path string) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: open %s", path)
	}
	return &Ledger{path: path, file: f}, nil
}

// Append writes one entry and flushes it to disk before returning. Once
// Append returns nil the batch is durably recorded.
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "ledger: append")
	}

	b, err := json.Marshal(e)
	if err != nil {
		return eris.Wrapf(err, "ledger: marshal entry for batch %d", e.BatchIndex)
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return eris.New("ledger: closed")
	}
	if _, err := l.file.Write(b); err != nil {
		return eris.Wrapf(err, "ledger: write batch %d", e.BatchIndex)
	}
	if err := l.file.Sync(); err != nil {
		return eris.Wrapf(err, "ledger: sync batch %d", e.BatchIndex)
	}
	return nil
}

// CompletedIDs returns the set of record ids covered by any ledger entry.
// Duplicate ids across entries are harmless; the set is a union.
func (l *Ledger) CompletedIDs() (map[string]bool, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool)
	for _, e := range entries {
		for _, id := range e.RecordIDs {
			done[id] = true
		}
	}
	return done, nil
}

// Entries replays the ledger file and returns every well-formed line in
// append order. Malformed lines (for example a partial write from a crash)
// are skipped with a warning rather than failing the whole replay.
func (l *Ledger) Entries() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "ledger: open %s for replay", l.path)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			zap.L().Warn("skipping malformed ledger line",
				zap.String("path", l.path),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "ledger: scan %s", l.path)
	}
	return entries, nil
}

// Len returns the number of well-formed entries recorded.
func (l *Ledger) Len() (int, error) {
	entries, err := l.Entries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// Close closes the underlying file. Appends after Close fail.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return eris.Wrap(err, "ledger: close")
}
