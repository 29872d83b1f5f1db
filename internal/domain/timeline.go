package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Content line prefixes used by the backend to embed a turn in one string.
const (
	ThinkPrefix = "思考: "
	ActPrefix   = "行動: "
	TalkPrefix  = "発言: "
)

// Metadata keys with a defined meaning.
const (
	MetaInterventionType = "intervention_type"
	MetaTargetCharacter  = "target_character"
	MetaThink            = "think"
	MetaAct              = "act"
	MetaTalk             = "talk"
)

// TurnPayload is what a character thought, did and said in one turn.
type TurnPayload struct {
	Think string `json:"think,omitempty"`
	Act   string `json:"act,omitempty"`
	Talk  string `json:"talk,omitempty"`
}

// InterventionPayload describes a narrative intervention.
type InterventionPayload struct {
	Type            InterventionType `json:"intervention_type"`
	TargetCharacter string           `json:"target_character,omitempty"`
}

// TimelineEntry is one immutable record of the simulation timeline.
//
// Exactly one of Turn and Intervention is set for the known action types.
// Entries with an unknown action type keep only Content and Metadata.
type TimelineEntry struct {
	Step       int
	Timestamp  string
	Character  string
	ActionType ActionType
	Content    string
	Metadata   map[string]any

	Turn         *TurnPayload
	Intervention *InterventionPayload
}

// EntryKey is the composite identity used for deduplication.
// Step alone is not unique across simulations.
type EntryKey struct {
	Step       int
	Character  string
	ActionType ActionType
	Timestamp  string
}

// String returns a stable text form of the key, suitable as a storage key.
func (k EntryKey) String() string {
	return fmt.Sprintf("%d|%s|%s|%s", k.Step, k.Character, k.ActionType, k.Timestamp)
}

// Key returns the entry's composite identity.
func (e TimelineEntry) Key() EntryKey {
	return EntryKey{
		Step:       e.Step,
		Character:  e.Character,
		ActionType: e.ActionType,
		Timestamp:  e.Timestamp,
	}
}

// NewTurnEntry builds a turn entry with its content rendered in the prefix format.
func NewTurnEntry(step int, character, timestamp string, turn TurnPayload) TimelineEntry {
	return TimelineEntry{
		Step:       step,
		Timestamp:  timestamp,
		Character:  character,
		ActionType: ActionTurn,
		Content:    FormatTurnContent(turn),
		Turn:       &turn,
	}
}

// NewInterventionEntry builds an intervention entry.
func NewInterventionEntry(step int, timestamp string, kind InterventionType, content, target string) TimelineEntry {
	return TimelineEntry{
		Step:       step,
		Timestamp:  timestamp,
		Character:  "system",
		ActionType: ActionIntervention,
		Content:    content,
		Intervention: &InterventionPayload{
			Type:            kind,
			TargetCharacter: target,
		},
	}
}

type wireEntry struct {
	Step       int            `json:"step"`
	Timestamp  string         `json:"timestamp"`
	Character  string         `json:"character"`
	ActionType ActionType     `json:"action_type"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes the wire form and derives the typed payload.
func (e *TimelineEntry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = TimelineEntry{
		Step:       w.Step,
		Timestamp:  w.Timestamp,
		Character:  w.Character,
		ActionType: w.ActionType,
		Content:    w.Content,
		Metadata:   w.Metadata,
	}
	e.derivePayload()
	return nil
}

// MarshalJSON encodes the wire form. Typed payload fields are folded back into metadata.
func (e TimelineEntry) MarshalJSON() ([]byte, error) {
	w := wireEntry{
		Step:       e.Step,
		Timestamp:  e.Timestamp,
		Character:  e.Character,
		ActionType: e.ActionType,
		Content:    e.Content,
	}

	meta := make(map[string]any, len(e.Metadata)+3)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	if e.Turn != nil {
		if w.Content == "" {
			w.Content = FormatTurnContent(*e.Turn)
		}
		setIfNotEmpty(meta, MetaThink, e.Turn.Think)
		setIfNotEmpty(meta, MetaAct, e.Turn.Act)
		setIfNotEmpty(meta, MetaTalk, e.Turn.Talk)
	}
	if e.Intervention != nil {
		setIfNotEmpty(meta, MetaInterventionType, string(e.Intervention.Type))
		setIfNotEmpty(meta, MetaTargetCharacter, e.Intervention.TargetCharacter)
	}
	if len(meta) > 0 {
		w.Metadata = meta
	}

	return json.Marshal(w)
}

func (e *TimelineEntry) derivePayload() {
	switch e.ActionType {
	case ActionTurn:
		turn := TurnPayload{
			Think: metaString(e.Metadata, MetaThink),
			Act:   metaString(e.Metadata, MetaAct),
			Talk:  metaString(e.Metadata, MetaTalk),
		}
		if turn == (TurnPayload{}) {
			turn = ParseTurnContent(e.Content)
		}
		e.Turn = &turn
	case ActionIntervention:
		e.Intervention = &InterventionPayload{
			Type:            InterventionType(metaString(e.Metadata, MetaInterventionType)),
			TargetCharacter: metaString(e.Metadata, MetaTargetCharacter),
		}
	}
}

// ParseTurnContent splits prefix-tagged content into its parts.
// Lines without a known prefix continue the previous part; leading untagged lines go to Talk.
func ParseTurnContent(content string) TurnPayload {
	var (
		turn    TurnPayload
		current = &turn.Talk
	)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, ThinkPrefix):
			current = &turn.Think
			line = strings.TrimPrefix(line, ThinkPrefix)
		case strings.HasPrefix(line, ActPrefix):
			current = &turn.Act
			line = strings.TrimPrefix(line, ActPrefix)
		case strings.HasPrefix(line, TalkPrefix):
			current = &turn.Talk
			line = strings.TrimPrefix(line, TalkPrefix)
		}
		if *current == "" {
			*current = line
		} else if line != "" {
			*current += "\n" + line
		}
	}
	turn.Think = strings.TrimSpace(turn.Think)
	turn.Act = strings.TrimSpace(turn.Act)
	turn.Talk = strings.TrimSpace(turn.Talk)
	return turn
}

// FormatTurnContent renders a turn in the prefix format. Empty parts are omitted.
func FormatTurnContent(turn TurnPayload) string {
	lines := make([]string, 0, 3)
	if turn.Think != "" {
		lines = append(lines, ThinkPrefix+turn.Think)
	}
	if turn.Act != "" {
		lines = append(lines, ActPrefix+turn.Act)
	}
	if turn.Talk != "" {
		lines = append(lines, TalkPrefix+turn.Talk)
	}
	return strings.Join(lines, "\n")
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

func setIfNotEmpty(meta map[string]any, key, value string) {
	if value != "" {
		meta[key] = value
	}
}
