package devserver

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
	"github.com/mizkun/project-anima3-sub000/internal/protocol"
)

// DefaultMaxTurns is used when a start request carries no turn limit.
const DefaultMaxTurns = 10

// DefaultCharacters is the cast of the scripted scene.
var DefaultCharacters = []domain.Character{
	{ID: "hana", Name: "花", Description: "図書委員。几帳面で観察眼が鋭い。", Traits: []string{"几帳面", "内向的"}},
	{ID: "ren", Name: "蓮", Description: "転校生。人懐っこいが秘密を抱えている。", Traits: []string{"社交的", "秘密主義"}},
	{ID: "sora", Name: "空", Description: "生徒会長。責任感が強い。", Traits: []string{"責任感", "頑固"}},
}

var (
	thinkLines = []string{
		"%sの空気が少し変わった気がする。",
		"%sで誰が本当のことを言っているのか見極めたい。",
		"%sに来た理由をまだ誰にも話していない。",
	}
	actLines = []string{
		"窓の外を眺める。",
		"机の上のノートを閉じる。",
		"相手の目をまっすぐ見る。",
		"一歩前に出る。",
	}
	talkLines = []string{
		"今日は静かだね。",
		"それ、本当なの？",
		"少し話があるんだけど。",
		"もう少しだけ待ってみよう。",
		"",
	}
)

// rejection is a command the simulation refuses in its current state.
type rejection struct {
	code    int
	message string
}

func (r *rejection) Error() string { return r.message }

func reject(code int, format string, args ...any) error {
	return &rejection{code: code, message: fmt.Sprintf(format, args...)}
}

// Simulation is a deterministic stand-in for the simulation engine. Every
// mutation returns the push frames describing it.
type Simulation struct {
	mu sync.Mutex

	status       domain.SimulationStatus
	turn         int
	maxTurns     int
	timeline     []domain.TimelineEntry
	config       domain.SimulationConfig
	characters   []domain.Character
	scene        string
	errorMessage string
	autoplay     bool

	now func() time.Time
}

// NewSimulation creates a simulation that has not been started.
func NewSimulation(characters []domain.Character, scene string, now func() time.Time) *Simulation {
	if len(characters) == 0 {
		characters = DefaultCharacters
	}
	if now == nil {
		now = time.Now
	}
	return &Simulation{
		status:     domain.StatusNotStarted,
		characters: characters,
		scene:      scene,
		now:        now,
	}
}

// Characters returns the cast.
func (s *Simulation) Characters() []domain.Character {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Character(nil), s.characters...)
}

// Snapshot returns the status payload. The timeline is absent before a run starts.
func (s *Simulation) Snapshot() domain.StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Simulation) snapshotLocked() domain.StatusSnapshot {
	snap := domain.StatusSnapshot{
		Status:      domain.Ptr(s.status),
		CurrentTurn: domain.Ptr(s.turn),
		MaxTurns:    domain.Ptr(s.maxTurns),
		Characters:  append([]domain.Character{}, s.characters...),
		SceneName:   domain.Ptr(s.scene),
	}
	if s.status != domain.StatusNotStarted {
		snap.Timeline = append([]domain.TimelineEntry{}, s.timeline...)
		snap.Config = domain.Ptr(domain.PatchOf(s.config))
	}
	if s.errorMessage != "" {
		snap.ErrorMessage = domain.Ptr(s.errorMessage)
	}
	return snap
}

// Start begins a new run. Autoplay runs start as running, manual ones as idle.
func (s *Simulation) Start(cfg domain.SimulationConfig, autoplay bool) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == domain.StatusRunning {
		return nil, reject(http.StatusConflict, "simulation already running")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}

	s.config = cfg
	s.maxTurns = cfg.MaxTurns
	s.turn = 0
	s.timeline = nil
	s.errorMessage = ""
	s.autoplay = autoplay
	s.status = domain.StatusIdle
	if autoplay {
		s.status = domain.StatusRunning
	}
	return s.framesLocked(statusFrame(s.snapshotLocked()))
}

// Stop ends the run. The timeline is kept but no longer reported.
func (s *Simulation) Stop() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == domain.StatusNotStarted {
		return nil, reject(http.StatusBadRequest, "simulation not started")
	}
	s.status = domain.StatusNotStarted
	s.autoplay = false
	return s.framesLocked(statusFrame(domain.StatusSnapshot{
		Status:      domain.Ptr(s.status),
		CurrentTurn: domain.Ptr(s.turn),
	}))
}

// NextTurn advances one turn. The run completes once the turn limit is reached.
func (s *Simulation) NextTurn() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case domain.StatusIdle, domain.StatusRunning:
	case domain.StatusPaused:
		return nil, reject(http.StatusConflict, "simulation is paused")
	default:
		return nil, reject(http.StatusBadRequest, "simulation is %s", s.status)
	}
	return s.advanceLocked()
}

// Tick advances one turn if the run is autoplaying. It returns no frames otherwise.
func (s *Simulation) Tick() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.autoplay || s.status != domain.StatusRunning {
		return nil
	}
	frames, _ := s.advanceLocked()
	return frames
}

func (s *Simulation) advanceLocked() ([][]byte, error) {
	s.turn++
	character := s.characters[(s.turn-1)%len(s.characters)]
	entry := domain.NewTurnEntry(s.turn, character.Name, s.timestamp(), scriptedTurn(s.turn, s.scene))
	s.timeline = append(s.timeline, entry)

	builders := []frameBuilder{
		func() ([]byte, error) { return protocol.TimelineAppend(entry) },
		statusFrame(domain.StatusSnapshot{CurrentTurn: domain.Ptr(s.turn), Status: domain.Ptr(s.status)}),
	}
	if s.turn >= s.maxTurns {
		builders = append(builders, s.completeLocked())
	}
	return s.framesLocked(builders...)
}

// Intervene records an intervention. end_scene completes the run.
func (s *Simulation) Intervene(req domain.InterventionRequest) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(string(req.Type)) == "" {
		return nil, reject(http.StatusBadRequest, "intervention type is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, reject(http.StatusBadRequest, "intervention content is required")
	}
	switch s.status {
	case domain.StatusIdle, domain.StatusRunning, domain.StatusPaused:
	default:
		return nil, reject(http.StatusBadRequest, "simulation is %s", s.status)
	}
	if req.Type.RequiresTarget() && !s.hasCharacterLocked(req.TargetCharacter) {
		return nil, reject(http.StatusBadRequest, "unknown target character %q", req.TargetCharacter)
	}

	entry := domain.NewInterventionEntry(s.turn, s.timestamp(), req.Type, req.Content, req.TargetCharacter)
	s.timeline = append(s.timeline, entry)
	if req.Type == domain.InterventionUpdateSituation {
		s.scene = req.Content
	}

	builders := []frameBuilder{func() ([]byte, error) { return protocol.TimelineAppend(entry) }}
	if req.Type == domain.InterventionEndScene {
		builders = append(builders, s.completeLocked())
	}
	return s.framesLocked(builders...)
}

// Pause holds a running or idle run.
func (s *Simulation) Pause() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.StatusRunning && s.status != domain.StatusIdle {
		return nil, reject(http.StatusConflict, "simulation is %s", s.status)
	}
	s.status = domain.StatusPaused
	return s.framesLocked(statusFrame(domain.StatusSnapshot{Status: domain.Ptr(s.status)}))
}

// Resume continues a paused run.
func (s *Simulation) Resume() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.StatusPaused {
		return nil, reject(http.StatusConflict, "simulation is %s", s.status)
	}
	s.status = domain.StatusIdle
	if s.autoplay {
		s.status = domain.StatusRunning
	}
	return s.framesLocked(statusFrame(domain.StatusSnapshot{Status: domain.Ptr(s.status)}))
}

// Fail moves the run into the error state, as an engine failure would.
func (s *Simulation) Fail(message string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = domain.StatusError
	s.errorMessage = message
	s.autoplay = false
	frames, _ := s.framesLocked(
		func() ([]byte, error) { return protocol.Error(protocol.ErrorCodeEngineFailure, message) },
		statusFrame(domain.StatusSnapshot{Status: domain.Ptr(s.status), ErrorMessage: domain.Ptr(message)}),
	)
	return frames
}

func (s *Simulation) completeLocked() frameBuilder {
	s.status = domain.StatusCompleted
	s.autoplay = false
	data := protocol.SimulationCompleteData{
		Timeline:    append([]domain.TimelineEntry{}, s.timeline...),
		CurrentTurn: domain.Ptr(s.turn),
	}
	return func() ([]byte, error) { return protocol.SimulationComplete(data) }
}

func (s *Simulation) hasCharacterLocked(name string) bool {
	for _, c := range s.characters {
		if c.Name == name || c.ID == name {
			return true
		}
	}
	return false
}

func (s *Simulation) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

type frameBuilder func() ([]byte, error)

func statusFrame(snap domain.StatusSnapshot) frameBuilder {
	return func() ([]byte, error) { return protocol.StatusUpdate(snap) }
}

func (s *Simulation) framesLocked(builders ...frameBuilder) ([][]byte, error) {
	frames := make([][]byte, 0, len(builders))
	for _, b := range builders {
		f, err := b()
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func scriptedTurn(turn int, scene string) domain.TurnPayload {
	if scene == "" {
		scene = "この場所"
	}
	return domain.TurnPayload{
		Think: fmt.Sprintf(thinkLines[turn%len(thinkLines)], scene),
		Act:   actLines[turn%len(actLines)],
		Talk:  talkLines[turn%len(talkLines)],
	}
}
