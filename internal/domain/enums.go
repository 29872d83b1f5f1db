// Package domain defines the client-side model of a remote character simulation.
package domain

// SimulationStatus represents the backend-reported state of a simulation.
type SimulationStatus string

const (
	StatusNotStarted SimulationStatus = "not_started"
	StatusIdle       SimulationStatus = "idle"
	StatusRunning    SimulationStatus = "running"
	StatusPaused     SimulationStatus = "paused"
	StatusCompleted  SimulationStatus = "completed"
	StatusError      SimulationStatus = "error"
)

// Known reports whether the status is one the client understands.
// The backend may grow new states; unknown values are kept verbatim.
func (s SimulationStatus) Known() bool {
	switch s {
	case StatusNotStarted, StatusIdle, StatusRunning, StatusPaused, StatusCompleted, StatusError:
		return true
	}
	return false
}

// ActionType discriminates the payload carried by a timeline entry.
type ActionType string

const (
	ActionTurn         ActionType = "turn"
	ActionIntervention ActionType = "intervention"
)

// InterventionType names a kind of narrative intervention.
type InterventionType string

const (
	InterventionUpdateSituation      InterventionType = "update_situation"
	InterventionGiveRevelation       InterventionType = "give_revelation"
	InterventionCharacterInstruction InterventionType = "character_instruction"
	InterventionEndScene             InterventionType = "end_scene"
)

// RequiresTarget reports whether the intervention must name a target character.
// Unknown types never require one; the backend is the judge for those.
func (t InterventionType) RequiresTarget() bool {
	switch t {
	case InterventionGiveRevelation, InterventionCharacterInstruction:
		return true
	}
	return false
}

// Command names a user-initiated state transition.
type Command string

const (
	CommandStart        Command = "start"
	CommandStop         Command = "stop"
	CommandPause        Command = "pause"
	CommandResume       Command = "resume"
	CommandNextTurn     Command = "next_turn"
	CommandIntervention Command = "intervention"
)

// Source identifies which channel delivered a state update.
type Source string

const (
	SourcePoll Source = "poll"
	SourcePush Source = "push"
)
