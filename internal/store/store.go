// Package store holds the single client-side projection of the remote simulation.
//
// Every write goes through a named action. Readers get immutable snapshots,
// either on demand or by subscribing.
package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
)

// GenericErrorMessage is shown when the backend reports status=error without a message.
const GenericErrorMessage = "simulation reported an error"

// ConnectionState describes the push channel for display. It never gates correctness.
type ConnectionState struct {
	Connected         bool
	ReconnectAttempts int
}

// Snapshot is an immutable copy of the store at one point in time.
type Snapshot struct {
	domain.SimulationState

	IsInitialized bool
	LastSyncTime  time.Time
	// Provisional is set while Status is an optimistic local value.
	Provisional bool
	Connection  ConnectionState
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for sync and run timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	state domain.SimulationState

	initialized bool
	lastSync    time.Time
	conn        ConnectionState

	// seq orders optimistic writes against authoritative reads.
	seq uint64
	// provisionalSeq is the seq of the latest optimistic status write, 0 when none is pending.
	provisionalSeq uint64
	// statusError is set while ErrorMessage describes the backend's error status.
	statusError bool

	notifyMu sync.Mutex
	subs     map[int]func(Snapshot)
	nextSub  int

	logger *slog.Logger
	now    func() time.Time
}

// New returns a store in the default state with the given config.
func New(cfg domain.SimulationConfig, opts ...Option) *Store {
	s := &Store{
		state:  domain.DefaultState(cfg),
		subs:   make(map[int]func(Snapshot)),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	st := s.state
	st.Timeline = append(make([]domain.TimelineEntry, 0, len(s.state.Timeline)), s.state.Timeline...)
	st.Characters = make([]domain.Character, len(s.state.Characters))
	for i, c := range s.state.Characters {
		c.Traits = append([]string(nil), c.Traits...)
		st.Characters[i] = c
	}
	if s.state.StartTime != nil {
		t := *s.state.StartTime
		st.StartTime = &t
	}
	if s.state.EndTime != nil {
		t := *s.state.EndTime
		st.EndTime = &t
	}
	return Snapshot{
		SimulationState: st,
		IsInitialized:   s.initialized,
		LastSyncTime:    s.lastSync,
		Provisional:     s.provisionalSeq != 0,
		Connection:      s.conn,
	}
}

// Subscribe registers fn to receive a snapshot after every change.
// fn runs on the goroutine that made the change and must not call Store actions.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.subs, id)
	}
}

// commit delivers the current state to subscribers. The snapshot is taken under
// notifyMu so that subscribers never observe an older state after a newer one.
func (s *Store) commit() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if len(s.subs) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, fn := range s.subs {
		fn(snap)
	}
}

// Mark returns a sequence token for an authoritative read about to be issued.
// Pass it as Remote.IssuedAt when the read's result is applied.
func (s *Store) Mark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// SetConfig replaces the stored config.
func (s *Store) SetConfig(cfg domain.SimulationConfig) {
	s.mu.Lock()
	s.state.Config = cfg
	s.mu.Unlock()
	s.commit()
}

// UpdateConfig merges patch into the stored config and returns the result.
func (s *Store) UpdateConfig(patch domain.ConfigPatch) domain.SimulationConfig {
	s.mu.Lock()
	s.state.Config = patch.Apply(s.state.Config)
	cfg := s.state.Config
	s.mu.Unlock()
	s.commit()
	return cfg
}

// SetProvisionalStatus sets an optimistic status. It stays until an
// authoritative read issued after this call reports a status.
func (s *Store) SetProvisionalStatus(status domain.SimulationStatus) {
	s.mu.Lock()
	s.seq++
	s.provisionalSeq = s.seq
	s.state.Status = status
	s.mu.Unlock()

	s.logger.Debug("provisional status set", slog.String("status", string(status)))
	s.commit()
}

// SetError records a message for display.
func (s *Store) SetError(message string) {
	s.mu.Lock()
	s.state.ErrorMessage = message
	s.statusError = false
	s.mu.Unlock()
	s.commit()
}

// ClearError dismisses the current error message. While the backend still
// reports status=error the generic message is kept.
func (s *Store) ClearError() {
	s.mu.Lock()
	s.state.ErrorMessage = ""
	s.statusError = false
	s.ensureErrorCoherenceLocked()
	s.mu.Unlock()
	s.commit()
}

// SetCharacters replaces the character list.
func (s *Store) SetCharacters(characters []domain.Character) {
	next := append(make([]domain.Character, 0, len(characters)), characters...)
	s.mu.Lock()
	s.state.Characters = next
	s.mu.Unlock()
	s.commit()
}

// SetConnection records the push channel state.
func (s *Store) SetConnection(conn ConnectionState) {
	s.mu.Lock()
	if s.conn == conn {
		s.mu.Unlock()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.commit()
}

// MarkSynced stamps a successful observation of the backend.
func (s *Store) MarkSynced() {
	s.mu.Lock()
	s.markSyncedLocked()
	s.mu.Unlock()
	s.commit()
}

func (s *Store) markSyncedLocked() {
	s.lastSync = s.now()
	s.initialized = true
}

// Reset restores the default state. Config, the initialization flag, the last
// sync time and the connection state survive.
func (s *Store) Reset() {
	s.mu.Lock()
	s.state = domain.DefaultState(s.state.Config)
	s.provisionalSeq = 0
	s.statusError = false
	s.mu.Unlock()

	s.logger.Info("simulation state reset")
	s.commit()
}

func (s *Store) ensureErrorCoherenceLocked() {
	if s.state.Status == domain.StatusError && s.state.ErrorMessage == "" {
		s.state.ErrorMessage = GenericErrorMessage
		s.statusError = true
	}
}
