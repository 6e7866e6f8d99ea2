package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleepstars/unigate/internal/logger"
	"github.com/sleepstars/unigate/internal/mocks"
	"github.com/sleepstars/unigate/internal/translator"
)

func init() {
	logger.InitLogger(logger.INFO, "test")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCatalog(rt *mocks.MockLocalRuntime) (*Catalog, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return New(rt, Options{TTL: time.Minute, Now: clock.Now}), clock
}

func TestCatalog_BaseNameLookup(t *testing.T) {
	rt := &mocks.MockLocalRuntime{
		ListModelsFunc: func(ctx context.Context) ([]translator.LocalModel, error) {
			return mocks.Models("llama3:8b", "mistral:latest"), nil
		},
	}
	c, _ := newTestCatalog(rt)

	assert.True(t, c.IsLocallyServable(context.Background(), "llama3"))
	assert.True(t, c.IsLocallyServable(context.Background(), "llama3:8b"))
	assert.True(t, c.IsLocallyServable(context.Background(), "llama3:70b"), "base name match")
	assert.True(t, c.IsLocallyServable(context.Background(), "mistral"))
	assert.False(t, c.IsLocallyServable(context.Background(), "gpt-4"))
	assert.Equal(t, int32(1), rt.ListCalls.Load(), "fresh cache must not refetch")

	assert.Equal(t, []string{"llama3", "llama3:8b", "mistral", "mistral:latest"}, c.ListKnownModels(context.Background()))

	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "llama3:8b", entries[0].FullName)
	assert.Equal(t, "llama3", entries[0].BaseName)
}

func TestCatalog_TTL(t *testing.T) {
	rt := &mocks.MockLocalRuntime{
		ListModelsFunc: func(ctx context.Context) ([]translator.LocalModel, error) {
			return mocks.Models("llama3:8b"), nil
		},
	}
	c, clock := newTestCatalog(rt)

	require.NoError(t, c.Refresh(context.Background()))
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, int32(1), rt.ListCalls.Load())
	assert.Equal(t, time.Duration(0), c.Age())

	clock.Advance(59 * time.Second)
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, int32(1), rt.ListCalls.Load())

	clock.Advance(2 * time.Second)
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, int32(2), rt.ListCalls.Load())

	require.NoError(t, c.ForceRefresh(context.Background()))
	assert.Equal(t, int32(3), rt.ListCalls.Load())
}

func TestCatalog_EmptyCacheAlwaysRefreshes(t *testing.T) {
	rt := &mocks.MockLocalRuntime{}
	c, _ := newTestCatalog(rt)

	assert.False(t, c.IsLocallyServable(context.Background(), "llama3"))
	assert.False(t, c.IsLocallyServable(context.Background(), "llama3"))
	assert.Equal(t, int32(2), rt.ListCalls.Load())
}

func TestCatalog_FailureKeepsStaleEntries(t *testing.T) {
	var fail atomic.Bool
	rt := &mocks.MockLocalRuntime{
		ListModelsFunc: func(ctx context.Context) ([]translator.LocalModel, error) {
			if fail.Load() {
				return nil, errors.New("connection refused")
			}
			return mocks.Models("llama3:8b"), nil
		},
	}
	c, clock := newTestCatalog(rt)
	require.NoError(t, c.Refresh(context.Background()))

	fail.Store(true)
	clock.Advance(2 * time.Minute)

	err := c.Refresh(context.Background())
	assert.Error(t, err)
	assert.Equal(t, err, c.LastError())
	assert.True(t, c.Contains("llama3"), "stale entries stay available")
	assert.True(t, c.IsLocallyServable(context.Background(), "llama3:8b"))

	fail.Store(false)
	require.NoError(t, c.Refresh(context.Background()))
	assert.NoError(t, c.LastError())
}

func TestCatalog_RemovedModelDisappears(t *testing.T) {
	var names atomic.Value
	names.Store([]string{"llama3:8b", "mistral:latest"})
	rt := &mocks.MockLocalRuntime{
		ListModelsFunc: func(ctx context.Context) ([]translator.LocalModel, error) {
			return mocks.Models(names.Load().([]string)...), nil
		},
	}
	c, _ := newTestCatalog(rt)
	require.NoError(t, c.ForceRefresh(context.Background()))
	assert.True(t, c.Contains("mistral"))

	names.Store([]string{"llama3:8b"})
	require.NoError(t, c.ForceRefresh(context.Background()))
	assert.False(t, c.Contains("mistral"))
	assert.True(t, c.Contains("llama3"))
}

func TestCatalog_ConcurrentRefreshCoalesces(t *testing.T) {
	release := make(chan struct{})
	rt := &mocks.MockLocalRuntime{
		ListModelsFunc: func(ctx context.Context) ([]translator.LocalModel, error) {
			<-release
			return mocks.Models("llama3:8b"), nil
		},
	}
	c, _ := newTestCatalog(rt)

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.IsLocallyServable(context.Background(), "llama3")
		}()
	}

	require.Eventually(t, func() bool { return rt.ListCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), rt.ListCalls.Load(), "concurrent refreshes must share one fetch")
	for ok := range results {
		assert.True(t, ok)
	}
}

func TestCatalog_CallerCancellationDoesNotAbortFetch(t *testing.T) {
	release := make(chan struct{})
	var fetchErr atomic.Value
	rt := &mocks.MockLocalRuntime{
		ListModelsFunc: func(ctx context.Context) ([]translator.LocalModel, error) {
			<-release
			if err := ctx.Err(); err != nil {
				fetchErr.Store(err)
				return nil, err
			}
			return mocks.Models("llama3:8b"), nil
		},
	}
	c, _ := newTestCatalog(rt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.ForceRefresh(ctx) }()
	require.Eventually(t, func() bool { return rt.ListCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- c.ForceRefresh(context.Background()) }()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	assert.NoError(t, <-second)
	assert.Nil(t, fetchErr.Load())
	assert.True(t, c.Contains("llama3"))
}

func TestCatalog_OnRefresh(t *testing.T) {
	var got atomic.Int32
	rt := &mocks.MockLocalRuntime{
		ListModelsFunc: func(ctx context.Context) ([]translator.LocalModel, error) {
			return mocks.Models("a:1", "a:2", "b:1", ""), nil
		},
	}
	c := New(rt, Options{OnRefresh: func(n int) { got.Store(int32(n)) }})
	require.NoError(t, c.ForceRefresh(context.Background()))
	assert.Equal(t, int32(3), got.Load())
	assert.Len(t, c.Entries(), 3)
}

func TestCatalog_Run(t *testing.T) {
	rt := &mocks.MockLocalRuntime{
		ListModelsFunc: func(ctx context.Context) ([]translator.LocalModel, error) {
			return mocks.Models("llama3:8b"), nil
		},
	}
	c := New(rt, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return rt.ListCalls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	assert.True(t, c.Contains("llama3"))
}
