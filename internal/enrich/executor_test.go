package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/stocktake/pkg/catalog"
)

// fakeEnricher replays a per-call error script, then succeeds with a suffix.
type fakeEnricher struct {
	mu     sync.Mutex
	calls  int
	script []error
	delay  time.Duration
}

func (e *fakeEnricher) Enrich(ctx context.Context, desc string) (string, error) {
	e.mu.Lock()
	n := e.calls
	e.calls++
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.delay):
		}
	}
	if n < len(e.script) && e.script[n] != nil {
		return "", e.script[n]
	}
	return desc + "!", nil
}

func (e *fakeEnricher) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func testOptions() Options {
	return Options{
		Workers:        2,
		MaxRetries:     3,
		InitialBackoff: Duration(time.Millisecond),
		CallTimeout:    Duration(time.Second),
	}
}

func singleItemTable(t *testing.T, desc string) *catalog.Table {
	t.Helper()
	tbl := catalog.NewTable()
	require.NoError(t, tbl.Add(&catalog.Item{ID: "x", RawDesc: desc, CleanDesc: desc}))
	return tbl
}

func TestExecutorEnrichesEveryItem(t *testing.T) {
	tbl := catalog.NewTable()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, tbl.Add(&catalog.Item{ID: id, CleanDesc: "desc " + id}))
	}

	exec, err := NewExecutor(&fakeEnricher{}, testOptions())
	require.NoError(t, err)

	stats, err := exec.Run(context.Background(), tbl)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Calls)
	assert.Zero(t, stats.Retries)
	assert.Zero(t, stats.Degraded)
	assert.Positive(t, stats.TokensIn)
	assert.Positive(t, stats.TokensOut)
	for _, it := range tbl.Items() {
		assert.Equal(t, it.CleanDesc+"!", it.EnrichedDesc)
	}
}

func TestExecutorRetriesRateLimited(t *testing.T) {
	fake := &fakeEnricher{script: []error{ErrRateLimited, ErrRateLimited}}
	exec, err := NewExecutor(fake, testOptions())
	require.NoError(t, err)

	tbl := singleItemTable(t, "widget")
	stats, err := exec.Run(context.Background(), tbl)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Calls)
	assert.Equal(t, int64(2), stats.Retries)
	it, ok := tbl.Get("x")
	require.True(t, ok)
	assert.Equal(t, "widget!", it.EnrichedDesc)
}

func TestExecutorExhaustsRetries(t *testing.T) {
	fake := &fakeEnricher{script: []error{
		ErrRateLimited, ErrRateLimited, ErrRateLimited, ErrRateLimited, ErrRateLimited,
	}}
	opts := testOptions()
	opts.MaxRetries = 2
	exec, err := NewExecutor(fake, opts)
	require.NoError(t, err)

	tbl := singleItemTable(t, "widget")
	_, err = exec.Run(context.Background(), tbl)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	// First attempt plus MaxRetries retries.
	assert.Equal(t, 3, fake.callCount())
	it, ok := tbl.Get("x")
	require.True(t, ok)
	assert.Empty(t, it.EnrichedDesc)
}

func TestExecutorUnavailableIsFatalByDefault(t *testing.T) {
	fake := &fakeEnricher{script: []error{ErrUnavailable}}
	exec, err := NewExecutor(fake, testOptions())
	require.NoError(t, err)

	tbl := singleItemTable(t, "widget")
	_, err = exec.Run(context.Background(), tbl)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	// Not retryable: exactly one attempt.
	assert.Equal(t, 1, fake.callCount())
}

func TestExecutorUnavailableDegradesWithPassthrough(t *testing.T) {
	fake := &fakeEnricher{script: []error{ErrUnavailable}}
	opts := testOptions()
	opts.Passthrough = true
	exec, err := NewExecutor(fake, opts)
	require.NoError(t, err)

	tbl := singleItemTable(t, "widget")
	stats, err := exec.Run(context.Background(), tbl)
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.Degraded)
	it, ok := tbl.Get("x")
	require.True(t, ok)
	assert.Equal(t, "widget", it.EnrichedDesc)
}

func TestExecutorCallTimeoutRetries(t *testing.T) {
	fake := &fakeEnricher{delay: 50 * time.Millisecond}
	opts := testOptions()
	opts.CallTimeout = Duration(5 * time.Millisecond)
	opts.MaxRetries = 1
	exec, err := NewExecutor(fake, opts)
	require.NoError(t, err)

	tbl := singleItemTable(t, "widget")
	_, err = exec.Run(context.Background(), tbl)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, fake.callCount())
}

func TestExecutorSkipsEmptyDescriptions(t *testing.T) {
	fake := &fakeEnricher{}
	exec, err := NewExecutor(fake, testOptions())
	require.NoError(t, err)

	tbl := catalog.NewTable()
	require.NoError(t, tbl.Add(&catalog.Item{ID: "empty"}))

	stats, err := exec.Run(context.Background(), tbl)
	require.NoError(t, err)
	assert.Zero(t, stats.Calls)
	assert.Zero(t, fake.callCount())
}

func TestExecutorHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec, err := NewExecutor(&fakeEnricher{}, testOptions())
	require.NoError(t, err)

	tbl := singleItemTable(t, "widget")
	_, err = exec.Run(ctx, tbl)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDurationYAMLRoundtrip(t *testing.T) {
	d := Duration(250 * time.Millisecond)
	out, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "250ms", out)
}
