// Package session wires the sync components into one client session: the push
// channel and the poller feed the store, commands go through the gate, and
// visibility changes pause and resume both sources.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mizkun/project-anima3-sub000/internal/archive"
	"github.com/mizkun/project-anima3-sub000/internal/backend"
	"github.com/mizkun/project-anima3-sub000/internal/channel"
	"github.com/mizkun/project-anima3-sub000/internal/command"
	"github.com/mizkun/project-anima3-sub000/internal/config"
	"github.com/mizkun/project-anima3-sub000/internal/lifecycle"
	"github.com/mizkun/project-anima3-sub000/internal/policy"
	"github.com/mizkun/project-anima3-sub000/internal/poller"
	"github.com/mizkun/project-anima3-sub000/internal/protocol"
	"github.com/mizkun/project-anima3-sub000/internal/store"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("session closed")

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPollErrorHandler is called with every failed status fetch.
func WithPollErrorHandler(fn func(error)) Option {
	return func(s *Session) {
		s.onPollError = fn
	}
}

// WithPolicy replaces the default command policy.
func WithPolicy(policyContent string) Option {
	return func(s *Session) {
		s.policy = policyContent
	}
}

// Session owns the components of one console.
type Session struct {
	cfg         *config.Config
	logger      *slog.Logger
	policy      string
	onPollError func(error)

	store      *store.Store
	backend    *backend.Client
	poller     *poller.Poller
	channel    *channel.Adapter
	commands   *command.Client
	visibility *lifecycle.Visibility

	archive     *archive.SQLiteArchive
	recorder    *archive.Recorder
	unsubscribe func()

	mu           sync.Mutex
	started      bool
	closed       bool
	stopRecorder context.CancelFunc
	recorderDone chan struct{}
}

// New builds a session from cfg. Nothing touches the network until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	s := &Session{
		cfg:    cfg,
		logger: slog.Default(),
		policy: policy.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(s)
	}

	gate, err := policy.NewGate(ctx, s.policy, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare command policy: %w", err)
	}

	s.store = store.New(cfg.Simulation, store.WithLogger(s.logger))
	s.backend = backend.NewClient(cfg.Backend.URL,
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithLogger(s.logger),
	)
	s.poller = poller.New(s.backend, s.store,
		poller.WithLogger(s.logger),
		poller.WithErrorHandler(s.handlePollError),
	)
	s.channel = channel.New(cfg.Backend.WSURL, s.handlePush,
		channel.WithBackoff(cfg.Channel.BaseDelay, cfg.Channel.MaxAttempts),
		channel.WithMaxDelay(cfg.Channel.MaxDelay),
		channel.WithReadLimit(cfg.Channel.ReadLimit),
		channel.WithStateHandler(s.handleChannelState),
		channel.WithLogger(s.logger),
	)
	s.commands = command.New(s.backend, s.store, s.poller,
		command.WithGate(gate),
		command.WithRemotePause(cfg.Backend.RemotePause),
		command.WithLogger(s.logger),
	)

	s.visibility = lifecycle.NewVisibility(s.logger)
	s.visibility.OnChange(func(_ context.Context, visible bool) {
		s.poller.SetVisible(visible)
	})
	s.visibility.OnChange(func(ctx context.Context, visible bool) {
		if err := s.channel.SetVisible(ctx, visible); err != nil {
			s.logger.Warn("push channel reconnect failed", slog.String("error", err.Error()))
		}
	})

	if cfg.Archive.DSN != "" {
		a, err := archive.Open(cfg.Archive.Driver, cfg.Archive.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		s.archive = a
		s.recorder = archive.NewRecorder(a, s.logger)
	}

	return s, nil
}

// Store returns the state store.
func (s *Session) Store() *store.Store { return s.store }

// Commands returns the command client.
func (s *Session) Commands() *command.Client { return s.commands }

// Channel returns the push channel adapter.
func (s *Session) Channel() *channel.Adapter { return s.channel }

// Poller returns the status poller.
func (s *Session) Poller() *poller.Poller { return s.poller }

// Archive returns the run archive, or nil when archiving is disabled.
func (s *Session) Archive() *archive.SQLiteArchive { return s.archive }

// Start connects the push channel, starts polling and loads the character list.
// Channel and character failures are logged; both recover on their own schedule.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	if s.recorder != nil {
		recCtx, cancel := context.WithCancel(context.Background())
		s.stopRecorder = cancel
		s.recorderDone = make(chan struct{})
		s.unsubscribe = s.store.Subscribe(s.recorder.Observe)
		go func() {
			defer close(s.recorderDone)
			s.recorder.Run(recCtx)
		}()
	}
	s.mu.Unlock()

	if err := s.channel.Connect(ctx); err != nil {
		s.logger.Warn("push channel unavailable, will retry", slog.String("error", err.Error()))
	}
	s.poller.Start(s.cfg.Poll.Interval)

	if err := s.RefreshCharacters(ctx); err != nil {
		s.logger.Warn("failed to load characters", slog.String("error", err.Error()))
	}
	return nil
}

// RefreshCharacters replaces the stored character list with the backend's.
func (s *Session) RefreshCharacters(ctx context.Context) error {
	characters, err := s.backend.ListCharacters(ctx)
	if err != nil {
		return err
	}
	s.store.SetCharacters(characters)
	return nil
}

// Reconnect retries the push channel with a fresh attempt budget.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.channel.Reconnect(ctx)
}

// SetVisible feeds the visibility signal to the poller and the push channel.
func (s *Session) SetVisible(ctx context.Context, visible bool) {
	s.visibility.Set(ctx, visible)
}

// Close stops the poller and the push channel, flushes the archive and closes it.
// In-flight fetches complete but their results are not applied.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stopRecorder, recorderDone := s.stopRecorder, s.recorderDone
	s.mu.Unlock()

	s.poller.Close()
	var errs []error
	if err := s.channel.Close(); err != nil && !errors.Is(err, channel.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close push channel: %w", err))
	}

	if stopRecorder != nil {
		stopRecorder()
		<-recorderDone
		s.unsubscribe()
	}
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close archive: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) handlePush(msg protocol.Message) {
	s.store.ApplyRemote(store.FromPush(msg))
}

func (s *Session) handleChannelState(st channel.State) {
	s.store.SetConnection(store.ConnectionState{
		Connected:         st.Connected,
		ReconnectAttempts: st.ReconnectAttempts,
	})
}

func (s *Session) handlePollError(err error) {
	if s.onPollError != nil {
		s.onPollError(err)
	}
}
