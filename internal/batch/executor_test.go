package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/hypergraph-labs/extract-cli/internal/ledger"
	"github.com/hypergraph-labs/extract-cli/internal/model"
	"github.com/hypergraph-labs/extract-cli/internal/store"
)

// fakeClient records calls and fails for indices listed in failTexts (matched
// by the first text of the batch).
type fakeClient struct {
	mu        sync.Mutex
	calls     int
	callTimes []time.Time
	fail      func(texts []string) bool
}

func (c *fakeClient) Process(ctx context.Context, texts []string) (string, error) {
	c.mu.Lock()
	c.calls++
	c.callTimes = append(c.callTimes, time.Now())
	c.mu.Unlock()
	if c.fail != nil && c.fail(texts) {
		return "", eris.New("simulated upstream failure")
	}
	return fmt.Sprintf(`[{"answered": %d}]`, len(texts)), nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "result.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	return l
}

func seedPending(t *testing.T, st *store.SQLiteStore, n int) *Plan {
	t.Helper()
	return seedPendingTexts(t, st, "source text number", n)
}

// seedPendingTexts inserts n pending records with distinct texts under the
// given prefix and returns a plan over everything currently pending.
func seedPendingTexts(t *testing.T, st *store.SQLiteStore, prefix string, n int) *Plan {
	t.Helper()
	recs := make([]model.Record, n)
	for i := range recs {
		rec, err := model.NewRecord(fmt.Sprintf("%s %d", prefix, i), model.StatusPendingExtraction)
		require.NoError(t, err)
		recs[i] = rec
	}
	inserted, err := st.InsertRecords(context.Background(), recs)
	require.NoError(t, err)
	require.Equal(t, n, inserted)

	pending, err := st.GetByStatus(context.Background(), model.StatusPendingExtraction)
	require.NoError(t, err)
	ids := make([]string, len(pending))
	for i, rec := range pending {
		ids[i] = rec.ID
	}
	plan, err := NewPlan(ids, 10)
	require.NoError(t, err)
	return plan
}

func unlimited() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

func TestExecutor_AllSucceed(t *testing.T) {
	st := newTestStore(t)
	led := newTestLedger(t)
	client := &fakeClient{}
	plan := seedPending(t, st, 25)

	exec := NewExecutor(st, led, client, unlimited())
	succeeded, err := exec.Run(context.Background(), plan, plan.Remaining(nil), 4)
	require.NoError(t, err)

	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, succeeded)
	assert.Equal(t, 3, client.calls)

	done, err := led.CompletedIDs()
	require.NoError(t, err)
	require.Len(t, done, 25)
	for _, id := range plan.IDs() {
		assert.True(t, done[id])
	}

	counts, err := st.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, counts[model.StatusExtractionCompleted])
	assert.Zero(t, counts[model.StatusPendingExtraction])
}

func TestExecutor_FailureIsolatedPerBatch(t *testing.T) {
	st := newTestStore(t)
	led := newTestLedger(t)
	plan := seedPending(t, st, 25)

	// Fail whichever batch contains the first id of batch 1.
	failIDs, err := plan.Batch(1)
	require.NoError(t, err)
	failRec, err := st.GetRecord(context.Background(), failIDs[0])
	require.NoError(t, err)

	client := &fakeClient{fail: func(texts []string) bool {
		for _, txt := range texts {
			if txt == failRec.SourceText {
				return true
			}
		}
		return false
	}}

	exec := NewExecutor(st, led, client, unlimited())
	succeeded, err := exec.Run(context.Background(), plan, plan.Remaining(nil), 4)
	require.NoError(t, err)

	assert.Equal(t, map[int]bool{0: true, 2: true}, succeeded)

	done, err := led.CompletedIDs()
	require.NoError(t, err)
	for _, id := range failIDs {
		assert.False(t, done[id])
	}

	counts, err := st.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, counts[model.StatusExtractionFailed])
	assert.Equal(t, 15, counts[model.StatusExtractionCompleted])
}

func TestExecutor_SkipsNothingOnResume(t *testing.T) {
	st := newTestStore(t)
	led := newTestLedger(t)
	client := &fakeClient{}
	plan := seedPending(t, st, 50)

	// Simulate a prior run that completed batches 0, 2, and 4.
	ctx := context.Background()
	for _, idx := range []int{0, 2, 4} {
		ids, err := plan.Batch(idx)
		require.NoError(t, err)
		require.NoError(t, led.Append(ctx, ledger.Entry{BatchIndex: idx, RecordIDs: ids, Answer: "prior"}))
	}

	done, err := led.CompletedIDs()
	require.NoError(t, err)
	remaining := plan.Remaining(done)
	assert.Equal(t, []int{1, 3}, remaining)

	exec := NewExecutor(st, led, client, unlimited())
	succeeded, err := exec.Run(ctx, plan, remaining, 4)
	require.NoError(t, err)

	assert.Equal(t, map[int]bool{1: true, 3: true}, succeeded)
	assert.Equal(t, 2, client.calls)
}

func TestExecutor_RateLimitContract(t *testing.T) {
	st := newTestStore(t)
	led := newTestLedger(t)
	client := &fakeClient{}
	plan := seedPending(t, st, 50) // 5 batches

	// 2 calls per 100ms with 8 workers: 5 calls need at least ~200ms of
	// admission delay beyond the first window.
	window := 100 * time.Millisecond
	exec := NewExecutor(st, led, client, NewCallLimiter(2, window))

	start := time.Now()
	_, err := exec.Run(context.Background(), plan, plan.Remaining(nil), 8)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, 5, client.calls)
	assert.GreaterOrEqual(t, elapsed, 2*window-10*time.Millisecond)

	// No window of 100ms contains more than 2 admissions.
	times := client.callTimes
	for i := 0; i+2 < len(times); i++ {
		assert.GreaterOrEqual(t, times[i+2].Sub(times[i]), window-10*time.Millisecond)
	}
}

func TestExecutor_RejectsBadWorkerCount(t *testing.T) {
	st := newTestStore(t)
	led := newTestLedger(t)
	plan := seedPending(t, st, 5)

	exec := NewExecutor(st, led, &fakeClient{}, unlimited())
	_, err := exec.Run(context.Background(), plan, plan.Remaining(nil), 0)
	require.Error(t, err)
}
