package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
	"github.com/mizkun/project-anima3-sub000/internal/protocol"
)

var testConfig = domain.SimulationConfig{
	LLMProvider: "openai",
	ModelName:   "gpt-4o-mini",
	MaxTurns:    10,
	Temperature: 0.7,
	SceneFile:   "scenes/school.yaml",
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return New(testConfig, WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
}

func entry(step int, character, ts string) domain.TimelineEntry {
	return domain.NewTurnEntry(step, character, ts, domain.TurnPayload{Think: "x", Act: "y", Talk: "z"})
}

func statusSnapshot(status domain.SimulationStatus) domain.StatusSnapshot {
	return domain.StatusSnapshot{Status: domain.Ptr(status)}
}

func TestNewStoreDefaults(t *testing.T) {
	s := newTestStore(t)
	snap := s.Snapshot()

	assert.Equal(t, domain.StatusNotStarted, snap.Status)
	assert.Empty(t, snap.Timeline)
	assert.Equal(t, testConfig, snap.Config)
	assert.False(t, snap.IsInitialized)
	assert.True(t, snap.LastSyncTime.IsZero())
}

func TestAuthoritativeStatusOverridesProvisional(t *testing.T) {
	s := newTestStore(t)
	s.SetProvisionalStatus(domain.StatusPaused)
	require.True(t, s.Snapshot().Provisional)

	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusRunning), s.Mark()))

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusRunning, snap.Status)
	assert.False(t, snap.Provisional)
}

func TestStaleReadDoesNotRegressProvisionalStatus(t *testing.T) {
	s := newTestStore(t)
	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusRunning), s.Mark()))

	// poll issued, then the user pauses, then the slow poll answers
	token := s.Mark()
	s.SetProvisionalStatus(domain.StatusPaused)
	s.ApplyRemote(FromPoll(domain.StatusSnapshot{
		Status:      domain.Ptr(domain.StatusRunning),
		CurrentTurn: domain.Ptr(3),
	}, token))

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusPaused, snap.Status)
	assert.True(t, snap.Provisional)
	assert.Equal(t, 3, snap.CurrentTurn, "other fields still apply")

	// a push received now is newer than the optimistic write
	s.ApplyRemote(FromPush(protocol.Message{Type: protocol.TypeStatusUpdate, Status: domain.Ptr(statusSnapshot(domain.StatusRunning))}))
	assert.Equal(t, domain.StatusRunning, s.Snapshot().Status)
}

func TestAbsentFieldsAreUnchanged(t *testing.T) {
	s := newTestStore(t)
	s.ApplyRemote(FromPoll(domain.StatusSnapshot{
		Status:      domain.Ptr(domain.StatusIdle),
		CurrentTurn: domain.Ptr(2),
		SceneName:   domain.Ptr("放課後の教室"),
		Timeline:    []domain.TimelineEntry{entry(1, "A", "t1")},
	}, s.Mark()))

	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusNotStarted), s.Mark()))

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusNotStarted, snap.Status)
	assert.Equal(t, 2, snap.CurrentTurn)
	assert.Equal(t, "放課後の教室", snap.SceneName)
	assert.Len(t, snap.Timeline, 1)
}

func TestBackendConfigWinsPerField(t *testing.T) {
	s := newTestStore(t)
	s.ApplyRemote(FromPoll(domain.StatusSnapshot{
		Config: &domain.ConfigPatch{ModelName: domain.Ptr("gpt-4o")},
	}, s.Mark()))

	cfg := s.Snapshot().Config
	assert.Equal(t, "gpt-4o", cfg.ModelName)
	assert.Equal(t, "openai", cfg.LLMProvider)
	assert.Equal(t, 10, cfg.MaxTurns)
}

func TestTimelineDedupOnAppend(t *testing.T) {
	s := newTestStore(t)
	e := entry(1, "A", "t1")

	s.ApplyRemote(Remote{Source: domain.SourcePush, Entry: &e})
	s.ApplyRemote(Remote{Source: domain.SourcePush, Entry: &e})

	if got := len(s.Snapshot().Timeline); got != 1 {
		t.Fatalf("expected 1 entry, got %d", got)
	}
}

func TestDuplicatePushAndPollConverge(t *testing.T) {
	e1 := entry(1, "A", "t1")
	e2 := entry(2, "A", "t2")
	push := func(s *Store) {
		s.ApplyRemote(FromPush(protocol.Message{
			Type:     protocol.TypeTimelineUpdate,
			Timeline: &protocol.TimelineUpdateData{Entry: &e2},
		}))
	}
	poll := func(s *Store) {
		s.ApplyRemote(FromPoll(domain.StatusSnapshot{Timeline: []domain.TimelineEntry{e1, e2}}, s.Mark()))
	}

	for name, order := range map[string][]func(*Store){
		"push first": {push, poll},
		"poll first": {poll, push},
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t)
			for _, apply := range order {
				apply(s)
			}
			got := s.Snapshot().Timeline
			require.Len(t, got, 2)
			assert.Equal(t, 1, got[0].Step)
			assert.Equal(t, 2, got[1].Step)
		})
	}
}

func TestErrorMessageDoesNotForceStatus(t *testing.T) {
	s := newTestStore(t)
	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusRunning), s.Mark()))

	s.ApplyRemote(FromPush(protocol.Message{Type: protocol.TypeError, Error: &protocol.ErrorData{Message: "LLM timeout"}}))

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusRunning, snap.Status)
	assert.Equal(t, "LLM timeout", snap.ErrorMessage)

	s.ClearError()
	assert.Empty(t, s.Snapshot().ErrorMessage)
}

func TestErrorStatusAlwaysHasMessage(t *testing.T) {
	s := newTestStore(t)
	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusError), s.Mark()))
	assert.Equal(t, GenericErrorMessage, s.Snapshot().ErrorMessage)

	s.ClearError()
	assert.Equal(t, GenericErrorMessage, s.Snapshot().ErrorMessage)

	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusIdle), s.Mark()))
	assert.Empty(t, s.Snapshot().ErrorMessage, "recovery clears the error report")
}

func TestRecoveryClearsOnlyTheBackendErrorReport(t *testing.T) {
	s := newTestStore(t)
	failed := statusSnapshot(domain.StatusError)
	failed.ErrorMessage = domain.Ptr("LLM quota exceeded")
	s.ApplyRemote(FromPoll(failed, s.Mark()))
	assert.Equal(t, "LLM quota exceeded", s.Snapshot().ErrorMessage)

	// still failing: the report stays
	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusError), s.Mark()))
	assert.Equal(t, "LLM quota exceeded", s.Snapshot().ErrorMessage)

	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusRunning), s.Mark()))
	snap := s.Snapshot()
	assert.Equal(t, domain.StatusRunning, snap.Status)
	assert.Empty(t, snap.ErrorMessage)

	// a command failure is not tied to the remote status and survives recovery
	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusError), s.Mark()))
	s.SetError("backend returned status 500: engine crashed")
	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusIdle), s.Mark()))
	assert.Equal(t, "backend returned status 500: engine crashed", s.Snapshot().ErrorMessage)
}

func TestSimulationCompleteStampsEndTimeOnce(t *testing.T) {
	s := newTestStore(t)
	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusRunning), s.Mark()))
	require.NotNil(t, s.Snapshot().StartTime)

	complete := protocol.Message{
		Type:     protocol.TypeSimulationComplete,
		Complete: &protocol.SimulationCompleteData{Timeline: []domain.TimelineEntry{entry(1, "A", "t1")}},
	}
	s.ApplyRemote(FromPush(complete))
	snap := s.Snapshot()
	assert.Equal(t, domain.StatusCompleted, snap.Status)
	require.NotNil(t, snap.EndTime)
	assert.Len(t, snap.Timeline, 1)

	end := *snap.EndTime
	s.ApplyRemote(FromPush(complete))
	assert.Equal(t, end, *s.Snapshot().EndTime)
}

func TestNewRunRestampsStartTime(t *testing.T) {
	s := newTestStore(t)
	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusRunning), s.Mark()))
	first := *s.Snapshot().StartTime
	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusCompleted), s.Mark()))

	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusRunning), s.Mark()))
	snap := s.Snapshot()
	assert.True(t, snap.StartTime.After(first))
	assert.Nil(t, snap.EndTime)
}

func TestResetPreservesConfigAndInitialization(t *testing.T) {
	s := newTestStore(t)
	s.UpdateConfig(domain.ConfigPatch{MaxTurns: domain.Ptr(5)})
	s.ApplyRemote(FromPoll(domain.StatusSnapshot{
		Status:   domain.Ptr(domain.StatusRunning),
		Timeline: []domain.TimelineEntry{entry(1, "A", "t1")},
	}, s.Mark()))
	before := s.Snapshot()
	require.True(t, before.IsInitialized)

	s.Reset()

	after := s.Snapshot()
	assert.Equal(t, before.Config, after.Config)
	assert.Equal(t, 5, after.Config.MaxTurns)
	assert.True(t, after.IsInitialized)
	assert.Empty(t, after.Timeline)
	assert.Equal(t, domain.StatusNotStarted, after.Status)
	assert.Nil(t, after.StartTime)
}

func TestApplyRemoteMarksSynced(t *testing.T) {
	s := newTestStore(t)
	s.ApplyRemote(FromPoll(domain.StatusSnapshot{}, s.Mark()))
	snap := s.Snapshot()
	assert.True(t, snap.IsInitialized)
	assert.False(t, snap.LastSyncTime.IsZero())
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newTestStore(t)
	s.ApplyRemote(FromPoll(domain.StatusSnapshot{
		Timeline:   []domain.TimelineEntry{entry(1, "A", "t1")},
		Characters: []domain.Character{{ID: "a", Name: "A", Traits: []string{"shy"}}},
	}, s.Mark()))

	snap := s.Snapshot()
	snap.Timeline[0].Character = "mutated"
	snap.Characters[0].Traits[0] = "mutated"

	fresh := s.Snapshot()
	assert.Equal(t, "A", fresh.Timeline[0].Character)
	assert.Equal(t, "shy", fresh.Characters[0].Traits[0])
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s := newTestStore(t)

	var (
		mu   sync.Mutex
		seen []domain.SimulationStatus
	)
	unsubscribe := s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, snap.Status)
	})

	s.SetProvisionalStatus(domain.StatusPaused)
	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusRunning), s.Mark()))
	unsubscribe()
	s.ApplyRemote(FromPoll(statusSnapshot(domain.StatusIdle), s.Mark()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.SimulationStatus{domain.StatusPaused, domain.StatusRunning}, seen)
}

func TestConnectionStateIsDisplayOnly(t *testing.T) {
	s := newTestStore(t)
	s.SetConnection(ConnectionState{Connected: false, ReconnectAttempts: 3})
	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Connection.ReconnectAttempts)
	assert.Equal(t, domain.StatusNotStarted, snap.Status)
	assert.False(t, snap.IsInitialized)
}
