// Package poller periodically pulls the authoritative status snapshot into the store.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
	"github.com/mizkun/project-anima3-sub000/internal/store"
)

// DefaultInterval is used when Start is called with a non-positive interval.
const DefaultInterval = 2 * time.Second

// Fetcher reads the status snapshot from the backend.
type Fetcher interface {
	FetchStatus(ctx context.Context) (domain.StatusSnapshot, error)
}

// Sink receives fetched snapshots. *store.Store implements it.
type Sink interface {
	Mark() uint64
	ApplyRemote(store.Remote)
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithErrorHandler registers a callback for failed fetches. The schedule keeps running.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Poller) {
		p.onError = fn
	}
}

// Poller never has more than one request in flight.
type Poller struct {
	fetcher Fetcher
	sink    Sink
	logger  *slog.Logger
	onError func(error)

	// slot holds a token while a request is in flight.
	slot chan struct{}

	mu       sync.Mutex
	started  bool
	visible  bool
	closed   bool
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a poller feeding sink from fetcher.
func New(fetcher Fetcher, sink Sink, opts ...Option) *Poller {
	p := &Poller{
		fetcher:  fetcher,
		sink:     sink,
		logger:   slog.Default(),
		slot:     make(chan struct{}, 1),
		visible:  true,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FetchStatus performs one fetch unless one is already in flight, in which
// case it returns immediately without a request.
func (p *Poller) FetchStatus(ctx context.Context) error {
	select {
	case p.slot <- struct{}{}:
	default:
		p.logger.Debug("status fetch skipped, request in flight")
		return nil
	}
	return p.fetch(ctx)
}

// Refresh waits for any in-flight fetch to finish and then performs a fresh
// one, so the result reflects everything the backend accepted before the call.
func (p *Poller) Refresh(ctx context.Context) error {
	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.fetch(ctx)
}

// fetch must be called holding the slot.
func (p *Poller) fetch(ctx context.Context) error {
	defer func() { <-p.slot }()

	token := p.sink.Mark()
	snapshot, err := p.fetcher.FetchStatus(ctx)
	if err != nil {
		p.logger.Warn("status fetch failed", slog.String("error", err.Error()))
		if p.onError != nil {
			p.onError(err)
		}
		return err
	}

	if p.isClosed() {
		p.logger.Debug("discarding status fetched after close")
		return nil
	}
	p.sink.ApplyRemote(store.FromPoll(snapshot, token))
	return nil
}

// Start performs one immediate fetch and then fetches every interval.
// It is a no-op if already started. While hidden, the schedule is deferred
// until the poller becomes visible.
func (p *Poller) Start(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.closed {
		return
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	p.started = true
	p.interval = interval
	if p.visible {
		p.launchLocked()
	}
}

// Stop cancels the schedule. A fetch already in flight completes and is applied.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.started = false
	done := p.haltLocked()
	p.mu.Unlock()

	if done != nil {
		<-done
	}
}

// SetVisible pauses the schedule while hidden and resumes it, with one
// immediate fetch, when visible again.
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	if p.visible == visible {
		p.mu.Unlock()
		return
	}
	p.visible = visible

	var done chan struct{}
	if visible {
		if p.started && !p.closed {
			p.launchLocked()
		}
	} else {
		done = p.haltLocked()
	}
	p.mu.Unlock()

	if done != nil {
		<-done
	}
	p.logger.Debug("poller visibility changed", slog.Bool("visible", visible))
}

// Close stops the schedule for good. Results of fetches still in flight are discarded.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Stop()
}

// Running reports whether the recurring schedule is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Poller) launchLocked() {
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.interval, p.done)
}

func (p *Poller) haltLocked() chan struct{} {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	done := p.done
	p.cancel = nil
	p.done = nil
	return done
}

func (p *Poller) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	p.tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick starts a background fetch, dropping the tick if one is in flight.
// The fetch is not bound to the schedule's context: stopping never cancels a request.
func (p *Poller) tick() {
	select {
	case p.slot <- struct{}{}:
	default:
		p.logger.Debug("poll tick dropped, request in flight")
		return
	}
	go p.fetch(context.Background())
}
