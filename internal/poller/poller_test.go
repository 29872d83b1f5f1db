package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
	"github.com/mizkun/project-anima3-sub000/internal/store"
)

type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	inFlight int32
	maxSeen  int32
	release  chan struct{}
	status   domain.SimulationStatus
	err      error
}

func (f *fakeFetcher) FetchStatus(ctx context.Context) (domain.StatusSnapshot, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls++
	release := f.release
	status, err := f.status, f.err
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return domain.StatusSnapshot{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	return domain.StatusSnapshot{Status: domain.Ptr(status)}, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestFetchStatusAppliesSnapshot(t *testing.T) {
	s := store.New(domain.SimulationConfig{})
	p := New(&fakeFetcher{status: domain.StatusIdle}, s)

	require.NoError(t, p.FetchStatus(context.Background()))

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.True(t, snap.IsInitialized)
}

func TestOverlappingFetchesIssueOneRequest(t *testing.T) {
	fetcher := &fakeFetcher{status: domain.StatusRunning, release: make(chan struct{})}
	p := New(fetcher, store.New(domain.SimulationConfig{}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.FetchStatus(context.Background())
	}()
	waitFor(t, func() bool { return fetcher.Calls() == 1 })

	// second call while the first is outstanding is a no-op
	if err := p.FetchStatus(context.Background()); err != nil {
		t.Fatalf("overlapping FetchStatus returned error: %v", err)
	}
	close(fetcher.release)
	wg.Wait()

	if fetcher.Calls() != 1 {
		t.Fatalf("expected 1 request, got %d", fetcher.Calls())
	}
	if atomic.LoadInt32(&fetcher.maxSeen) != 1 {
		t.Fatalf("expected at most 1 request in flight, saw %d", fetcher.maxSeen)
	}
}

func TestRefreshWaitsForInFlightFetch(t *testing.T) {
	fetcher := &fakeFetcher{status: domain.StatusRunning, release: make(chan struct{})}
	p := New(fetcher, store.New(domain.SimulationConfig{}))

	go p.FetchStatus(context.Background())
	waitFor(t, func() bool { return fetcher.Calls() == 1 })

	refreshed := make(chan error, 1)
	go func() { refreshed <- p.Refresh(context.Background()) }()

	select {
	case <-refreshed:
		t.Fatalf("Refresh returned while a fetch was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(fetcher.release)
	require.NoError(t, <-refreshed)
	assert.Equal(t, 2, fetcher.Calls())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.maxSeen))
}

func TestRefreshHonorsContext(t *testing.T) {
	fetcher := &fakeFetcher{release: make(chan struct{})}
	defer close(fetcher.release)
	p := New(fetcher, store.New(domain.SimulationConfig{}))

	go p.FetchStatus(context.Background())
	waitFor(t, func() bool { return fetcher.Calls() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Refresh(ctx), context.DeadlineExceeded)
}

func TestFailedFetchReportsAndKeepsSchedule(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	var reported atomic.Int32
	p := New(fetcher, store.New(domain.SimulationConfig{}), WithErrorHandler(func(error) {
		reported.Add(1)
	}))

	p.Start(10 * time.Millisecond)
	defer p.Close()

	waitFor(t, func() bool { return reported.Load() >= 3 })
	assert.True(t, p.Running())
}

func TestStartIsIdempotentAndStopCancels(t *testing.T) {
	fetcher := &fakeFetcher{status: domain.StatusIdle}
	p := New(fetcher, store.New(domain.SimulationConfig{}))

	p.Start(time.Hour)
	p.Start(time.Hour)
	waitFor(t, func() bool { return fetcher.Calls() == 1 })

	p.Stop()
	p.Stop()
	assert.False(t, p.Running())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, fetcher.Calls(), "only the immediate fetch runs")
}

func TestVisibilityPausesAndResumes(t *testing.T) {
	fetcher := &fakeFetcher{status: domain.StatusIdle}
	p := New(fetcher, store.New(domain.SimulationConfig{}))

	p.Start(time.Hour)
	defer p.Close()
	waitFor(t, func() bool { return fetcher.Calls() == 1 && len(p.slot) == 0 })

	p.SetVisible(false)
	assert.False(t, p.Running())

	p.SetVisible(true)
	assert.True(t, p.Running())
	waitFor(t, func() bool { return fetcher.Calls() == 2 })
}

func TestHiddenStartDefersSchedule(t *testing.T) {
	fetcher := &fakeFetcher{status: domain.StatusIdle}
	p := New(fetcher, store.New(domain.SimulationConfig{}))
	defer p.Close()

	p.SetVisible(false)
	p.Start(time.Hour)
	assert.False(t, p.Running())
	assert.Equal(t, 0, fetcher.Calls())

	p.SetVisible(true)
	waitFor(t, func() bool { return fetcher.Calls() == 1 })
}

func TestResultAfterCloseIsDiscarded(t *testing.T) {
	fetcher := &fakeFetcher{status: domain.StatusRunning, release: make(chan struct{})}
	s := store.New(domain.SimulationConfig{})
	p := New(fetcher, s)

	done := make(chan error, 1)
	go func() { done <- p.FetchStatus(context.Background()) }()
	waitFor(t, func() bool { return fetcher.Calls() == 1 })

	p.Close()
	close(fetcher.release)
	require.NoError(t, <-done)

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusNotStarted, snap.Status)
	assert.False(t, snap.IsInitialized)
}
