package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "result.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_AppendAndReplay(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Entry{BatchIndex: 0, RecordIDs: []string{"a", "b"}, Answer: "first"}))
	require.NoError(t, l.Append(ctx, Entry{BatchIndex: 2, RecordIDs: []string{"e"}, Answer: "third"}))
	require.NoError(t, l.Append(ctx, Entry{BatchIndex: 1, RecordIDs: []string{"c", "d"}, Answer: "second"}))

	done, err := l.CompletedIDs()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true, "d": true, "e": true}, done)

	entries, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Replay preserves append order.
	assert.Equal(t, 0, entries[0].BatchIndex)
	assert.Equal(t, []string{"e"}, entries[1].RecordIDs)
	assert.Equal(t, "second", entries[2].Answer)
}

func TestLedger_EmptyFile(t *testing.T) {
	l := newTestLedger(t)

	done, err := l.CompletedIDs()
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestLedger_MissingFile(t *testing.T) {
	l := &Ledger{path: filepath.Join(t.TempDir(), "never-created.jsonl")}

	done, err := l.CompletedIDs()
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestLedger_DuplicateIDsUnionOnce(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Entry{BatchIndex: 4, RecordIDs: []string{"a", "b"}, Answer: "original"}))
	require.NoError(t, l.Append(ctx, Entry{BatchIndex: 0, RecordIDs: []string{"b", "c"}, Answer: "redone"}))

	// Both lines stay in the audit trail; the completion set is a union.
	entries, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "original", entries[0].Answer)

	done, err := l.CompletedIDs()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, done)
}

func TestLedger_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.jsonl")
	content := `{"batch_index":0,"record_ids":["a"],"answer":"ok"}
{"batch_index":1,"record_ids":["b"],"ans
not json at all
{"batch_index":2,"record_ids":["c"],"answer":"also ok"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	done, err := l.CompletedIDs()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "c": true}, done)
}

func TestLedger_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.jsonl")
	ctx := context.Background()

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, Entry{BatchIndex: 7, RecordIDs: []string{"x"}, Answer: "persisted"}))
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.Append(ctx, Entry{BatchIndex: 8, RecordIDs: []string{"y"}, Answer: "appended"}))

	done, err := reopened.CompletedIDs()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"x": true, "y": true}, done)
}

func TestLedger_AppendAfterClose(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Close())

	err := l.Append(context.Background(), Entry{BatchIndex: 0})
	require.Error(t, err)
}

func TestLedger_ConcurrentAppends(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			e := Entry{
				BatchIndex: idx,
				RecordIDs:  []string{fmt.Sprintf("rec-%02d", idx)},
				Answer:     fmt.Sprintf("batch-%d", idx),
			}
			assert.NoError(t, l.Append(ctx, e))
		}(i)
	}
	wg.Wait()

	done, err := l.CompletedIDs()
	require.NoError(t, err)
	assert.Len(t, done, 50)

	n, err := l.Len()
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}
