package devserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizkun/project-anima3-sub000/internal/backend"
	"github.com/mizkun/project-anima3-sub000/internal/domain"
	"github.com/mizkun/project-anima3-sub000/internal/protocol"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server, *backend.Client) {
	t.Helper()

	s := NewServer(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return s, ts, backend.NewClient(ts.URL)
}

func dialPush(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial push channel: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("failed to decode frame %s: %v", frame, err)
	}
	return msg
}

func TestStatusBeforeStartOmitsTimeline(t *testing.T) {
	_, _, client := newTestServer(t)

	snap, err := client.FetchStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Status)
	assert.Equal(t, domain.StatusNotStarted, *snap.Status)
	assert.Nil(t, snap.Timeline, "timeline is absent before a run")
	assert.Len(t, snap.Characters, len(DefaultCharacters))
}

func TestManualRunLifecycle(t *testing.T) {
	_, _, client := newTestServer(t)
	ctx := context.Background()

	_, err := client.Start(ctx, domain.SimulationConfig{LLMProvider: "openai", ModelName: "gpt-4o-mini", MaxTurns: 2})
	require.NoError(t, err)

	snap, err := client.FetchStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, *snap.Status)
	require.NotNil(t, snap.Timeline)
	assert.Empty(t, snap.Timeline)
	require.NotNil(t, snap.Config)
	assert.Equal(t, "gpt-4o-mini", *snap.Config.ModelName)

	_, err = client.NextTurn(ctx)
	require.NoError(t, err)

	snap, err = client.FetchStatus(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Timeline, 1)
	entry := snap.Timeline[0]
	assert.Equal(t, 1, entry.Step)
	assert.Equal(t, DefaultCharacters[0].Name, entry.Character)
	assert.Equal(t, domain.ActionTurn, entry.ActionType)
	assert.True(t, strings.HasPrefix(entry.Content, domain.ThinkPrefix), "content %q", entry.Content)
	require.NotNil(t, entry.Turn)
	assert.NotEmpty(t, entry.Turn.Act)

	_, err = client.NextTurn(ctx)
	require.NoError(t, err)

	snap, err = client.FetchStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, *snap.Status, "turn limit completes the run")
	assert.Equal(t, 2, *snap.CurrentTurn)

	_, err = client.NextTurn(ctx)
	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	_, err = client.Stop(ctx)
	require.NoError(t, err)
	snap, err = client.FetchStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotStarted, *snap.Status)
	assert.Nil(t, snap.Timeline)
}

func TestPushChannelCarriesUpdates(t *testing.T) {
	s, ts, client := newTestServer(t)
	ctx := context.Background()

	conn := dialPush(t, ts)
	greeting := readMessage(t, conn)
	require.Equal(t, protocol.TypeStatusUpdate, greeting.Type)
	assert.Equal(t, domain.StatusNotStarted, *greeting.Status.Status)

	_, err := client.Start(ctx, domain.SimulationConfig{MaxTurns: 1})
	require.NoError(t, err)
	started := readMessage(t, conn)
	require.Equal(t, protocol.TypeStatusUpdate, started.Type)
	assert.Equal(t, domain.StatusIdle, *started.Status.Status)

	_, err = client.NextTurn(ctx)
	require.NoError(t, err)

	appended := readMessage(t, conn)
	require.Equal(t, protocol.TypeTimelineUpdate, appended.Type)
	require.NotNil(t, appended.Timeline.Entry)
	assert.Equal(t, 1, appended.Timeline.Entry.Step)

	status := readMessage(t, conn)
	require.Equal(t, protocol.TypeStatusUpdate, status.Type)
	assert.Equal(t, 1, *status.Status.CurrentTurn)

	complete := readMessage(t, conn)
	require.Equal(t, protocol.TypeSimulationComplete, complete.Type)
	assert.Len(t, complete.Complete.Timeline, 1)

	s.Fail("engine crashed")
	errMsg := readMessage(t, conn)
	require.Equal(t, protocol.TypeError, errMsg.Type)
	assert.Equal(t, "engine crashed", errMsg.Error.Message)
	failed := readMessage(t, conn)
	assert.Equal(t, domain.StatusError, *failed.Status.Status)
	assert.Equal(t, "engine crashed", *failed.Status.ErrorMessage)
}

func TestInterventions(t *testing.T) {
	_, _, client := newTestServer(t)
	ctx := context.Background()

	_, err := client.Intervention(ctx, domain.InterventionRequest{Type: domain.InterventionUpdateSituation, Content: "雨"})
	require.Error(t, err, "no run yet")

	_, err = client.Start(ctx, domain.SimulationConfig{})
	require.NoError(t, err)

	_, err = client.Intervention(ctx, domain.InterventionRequest{
		Type:            domain.InterventionGiveRevelation,
		Content:         "秘密",
		TargetCharacter: "nobody",
	})
	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, apiErr.Message, "unknown target character")

	_, err = client.Intervention(ctx, domain.InterventionRequest{Type: domain.InterventionUpdateSituation, Content: "雨が降り始めた"})
	require.NoError(t, err)

	snap, err := client.FetchStatus(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Timeline, 1)
	e := snap.Timeline[0]
	assert.Equal(t, domain.ActionIntervention, e.ActionType)
	require.NotNil(t, e.Intervention)
	assert.Equal(t, domain.InterventionUpdateSituation, e.Intervention.Type)
	assert.Equal(t, "雨が降り始めた", *snap.SceneName)

	_, err = client.Intervention(ctx, domain.InterventionRequest{Type: domain.InterventionEndScene, Content: "幕"})
	require.NoError(t, err)
	snap, err = client.FetchStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, *snap.Status)
}

func TestPauseResume(t *testing.T) {
	_, _, client := newTestServer(t)
	ctx := context.Background()

	_, err := client.Pause(ctx)
	require.Error(t, err)

	_, err = client.Start(ctx, domain.SimulationConfig{})
	require.NoError(t, err)
	_, err = client.Pause(ctx)
	require.NoError(t, err)

	_, err = client.NextTurn(ctx)
	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	_, err = client.Resume(ctx)
	require.NoError(t, err)
	snap, err := client.FetchStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, *snap.Status)
}

func TestAutoplayAdvancesTurns(t *testing.T) {
	_, _, client := newTestServer(t, WithTurnInterval(10*time.Millisecond))
	ctx := context.Background()

	_, err := client.Start(ctx, domain.SimulationConfig{MaxTurns: 3})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := client.FetchStatus(ctx)
		require.NoError(t, err)
		if *snap.Status == domain.StatusCompleted {
			assert.Len(t, snap.Timeline, 3)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("autoplay run did not complete")
}

func TestDropConnectionsClosesSockets(t *testing.T) {
	s, ts, _ := newTestServer(t)
	conn := dialPush(t, ts)
	readMessage(t, conn)

	deadline := time.Now().Add(time.Second)
	for s.Hub().ConnectionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, s.Hub().DropConnections())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
