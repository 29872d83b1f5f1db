package archive_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizkun/project-anima3-sub000/internal/archive"
	"github.com/mizkun/project-anima3-sub000/internal/archive/archivetest"
	"github.com/mizkun/project-anima3-sub000/internal/domain"
	"github.com/mizkun/project-anima3-sub000/internal/store"
)

var drivers = []string{archive.DriverCGO, archive.DriverPure}

func TestArchiveRunAndEntries(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			a := archivetest.NewTestArchive(t, driver)

			started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			if err := a.BeginRun(ctx, archive.Run{
				RunID:       "r1",
				StartedAt:   started,
				Status:      domain.StatusRunning,
				LLMProvider: "openai",
				ModelName:   "gpt-4o-mini",
			}); err != nil {
				t.Fatalf("BeginRun failed: %v", err)
			}

			e1 := domain.NewTurnEntry(1, "A", "t1", domain.TurnPayload{Think: "x", Act: "y", Talk: "z"})
			e2 := domain.NewInterventionEntry(2, "t2", domain.InterventionGiveRevelation, "secret", "A")

			n, err := a.SaveEntries(ctx, "r1", []domain.TimelineEntry{e1, e2})
			if err != nil {
				t.Fatalf("SaveEntries failed: %v", err)
			}
			if n != 2 {
				t.Fatalf("expected 2 inserted, got %d", n)
			}

			n, err = a.SaveEntries(ctx, "r1", []domain.TimelineEntry{e2, e1})
			require.NoError(t, err)
			assert.Equal(t, 0, n, "same identity is stored once")

			entries, err := a.Entries(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, e1.Key(), entries[0].Key())
			assert.Equal(t, "y", entries[0].Turn.Act)
			require.NotNil(t, entries[1].Intervention)
			assert.Equal(t, "A", entries[1].Intervention.TargetCharacter)

			ended := started.Add(time.Hour)
			require.NoError(t, a.UpdateRun(ctx, "r1", domain.StatusCompleted, "放課後", &ended))

			runs, err := a.Runs(ctx, 10)
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, domain.StatusCompleted, runs[0].Status)
			assert.Equal(t, "放課後", runs[0].SceneName)
			assert.Equal(t, 2, runs[0].EntryCount)
			require.NotNil(t, runs[0].EndedAt)
			assert.True(t, runs[0].StartedAt.Equal(started))
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := archive.Open("postgres", ":memory:")
	assert.Error(t, err)
}

func TestRecorderArchivesObservedRun(t *testing.T) {
	a := archivetest.NewTestArchive(t, archive.DriverPure)
	rec := archive.NewRecorder(a, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	st := store.New(domain.SimulationConfig{LLMProvider: "openai", ModelName: "gpt-4o-mini"})
	unsubscribe := st.Subscribe(rec.Observe)
	defer unsubscribe()

	st.ApplyRemote(store.FromPoll(domain.StatusSnapshot{
		Status:    domain.Ptr(domain.StatusRunning),
		SceneName: domain.Ptr("教室"),
		Timeline:  []domain.TimelineEntry{domain.NewTurnEntry(1, "A", "t1", domain.TurnPayload{Talk: "hi"})},
	}, st.Mark()))
	e2 := domain.NewTurnEntry(2, "B", "t2", domain.TurnPayload{Talk: "hello"})
	st.ApplyRemote(store.Remote{Source: domain.SourcePush, Entry: &e2})
	st.ApplyRemote(store.FromPoll(domain.StatusSnapshot{Status: domain.Ptr(domain.StatusCompleted)}, st.Mark()))

	cancel()
	<-done

	runID := rec.RunID()
	require.NotEmpty(t, runID)

	entries, err := a.Entries(context.Background(), runID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	runs, err := a.Runs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.StatusCompleted, runs[0].Status)
	assert.Equal(t, "教室", runs[0].SceneName)
	assert.Equal(t, "gpt-4o-mini", runs[0].ModelName)
	assert.NotNil(t, runs[0].EndedAt)
}
