package store

import (
	"log/slog"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
	"github.com/mizkun/project-anima3-sub000/internal/protocol"
	"github.com/mizkun/project-anima3-sub000/internal/timeline"
)

// Remote is one authoritative observation of the backend, from a poll or a push.
type Remote struct {
	Source domain.Source
	// IssuedAt is the Mark token taken before the read was issued. Zero means now.
	IssuedAt uint64

	// Snapshot fields that are present overwrite state; absent fields are left alone.
	// A non-nil Snapshot.Timeline replaces the stored timeline.
	Snapshot *domain.StatusSnapshot
	// Entry is appended unless an entry with the same identity is stored.
	Entry *domain.TimelineEntry
	// Error sets the error message without touching status.
	Error string
	// Complete forces status=completed, which stamps the end time once.
	Complete bool
}

// FromPush converts a decoded push message.
func FromPush(msg protocol.Message) Remote {
	r := Remote{Source: domain.SourcePush}
	switch {
	case msg.Status != nil:
		r.Snapshot = msg.Status
	case msg.Timeline != nil:
		if msg.Timeline.Timeline != nil {
			r.Snapshot = &domain.StatusSnapshot{Timeline: msg.Timeline.Timeline}
		}
		r.Entry = msg.Timeline.Entry
	case msg.Error != nil:
		r.Error = msg.Error.Message
	case msg.Complete != nil:
		r.Complete = true
		if msg.Complete.Timeline != nil || msg.Complete.CurrentTurn != nil {
			r.Snapshot = &domain.StatusSnapshot{
				Timeline:    msg.Complete.Timeline,
				CurrentTurn: msg.Complete.CurrentTurn,
			}
		}
	}
	return r
}

// FromPoll wraps a status snapshot fetched with the given Mark token.
func FromPoll(snapshot domain.StatusSnapshot, issuedAt uint64) Remote {
	return Remote{Source: domain.SourcePoll, IssuedAt: issuedAt, Snapshot: &snapshot}
}

// ApplyRemote merges an authoritative observation. Poll and push results go
// through here so both channels share one set of precedence and dedup rules.
func (s *Store) ApplyRemote(r Remote) {
	s.mu.Lock()

	issued := r.IssuedAt
	if issued == 0 {
		s.seq++
		issued = s.seq
	}

	prevStatus := s.state.Status
	if snap := r.Snapshot; snap != nil {
		if snap.Status != nil {
			s.applyStatusLocked(*snap.Status, issued, r.Source)
		}
		if snap.CurrentTurn != nil {
			s.state.CurrentTurn = *snap.CurrentTurn
		}
		if snap.MaxTurns != nil {
			s.state.MaxTurns = *snap.MaxTurns
		}
		if snap.SceneName != nil {
			s.state.SceneName = *snap.SceneName
		}
		if snap.Config != nil {
			s.state.Config = snap.Config.Apply(s.state.Config)
		}
		if snap.Characters != nil {
			s.state.Characters = append(make([]domain.Character, 0, len(snap.Characters)), snap.Characters...)
		}
		if snap.Timeline != nil {
			s.state.Timeline = timeline.Replace(snap.Timeline)
		}
		// an empty message is not a clear: local command errors stay until dismissed
		if snap.ErrorMessage != nil && *snap.ErrorMessage != "" {
			s.state.ErrorMessage = *snap.ErrorMessage
			s.statusError = s.state.Status == domain.StatusError
		}
	}

	if r.Entry != nil {
		next, added := timeline.Append(s.state.Timeline, *r.Entry)
		if added {
			s.state.Timeline = next
		} else {
			s.logger.Debug("duplicate timeline entry dropped",
				slog.String("source", string(r.Source)),
				slog.Int("step", r.Entry.Step),
				slog.String("character", r.Entry.Character),
			)
		}
	}

	if r.Error != "" {
		s.state.ErrorMessage = r.Error
		s.statusError = false
	}

	if r.Complete {
		s.state.Status = domain.StatusCompleted
		s.provisionalSeq = 0
	}

	// the backend's error report goes with its error status
	if s.statusError && prevStatus == domain.StatusError && s.state.Status != domain.StatusError {
		s.state.ErrorMessage = ""
		s.statusError = false
	}

	s.stampRunTimesLocked(prevStatus)
	s.ensureErrorCoherenceLocked()
	s.markSyncedLocked()
	s.mu.Unlock()

	s.commit()
}

func (s *Store) applyStatusLocked(status domain.SimulationStatus, issued uint64, source domain.Source) {
	if s.provisionalSeq != 0 && issued < s.provisionalSeq {
		s.logger.Debug("stale authoritative status ignored",
			slog.String("source", string(source)),
			slog.String("status", string(status)),
			slog.String("provisional", string(s.state.Status)),
		)
		return
	}
	if !status.Known() {
		s.logger.Warn("unknown simulation status", slog.String("status", string(status)))
	}
	s.state.Status = status
	s.provisionalSeq = 0
}

// stampRunTimesLocked records the start of a run the first time it is seen
// running and its end the first time it is seen completed.
func (s *Store) stampRunTimesLocked(prev domain.SimulationStatus) {
	if s.provisionalSeq != 0 {
		return
	}
	switch s.state.Status {
	case domain.StatusRunning:
		if s.state.StartTime == nil || (s.state.EndTime != nil && prev != domain.StatusRunning) {
			now := s.now()
			s.state.StartTime = &now
			s.state.EndTime = nil
		}
	case domain.StatusCompleted:
		if s.state.EndTime == nil {
			now := s.now()
			s.state.EndTime = &now
		}
	}
}

// MarkStarted stamps the start time after a successful start command, unless
// a run start has already been observed.
func (s *Store) MarkStarted() {
	s.mu.Lock()
	if s.state.StartTime != nil && s.state.EndTime == nil {
		s.mu.Unlock()
		return
	}
	now := s.now()
	s.state.StartTime = &now
	s.state.EndTime = nil
	s.mu.Unlock()
	s.commit()
}
