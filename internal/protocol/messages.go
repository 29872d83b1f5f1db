// Package protocol defines the push channel message protocol between the simulation backend and clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
)

// Message types pushed by the backend
const (
	TypeStatusUpdate       = "status_update"
	TypeTimelineUpdate     = "timeline_update"
	TypeError              = "error"
	TypeSimulationComplete = "simulation_complete"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// Envelope is the outer frame of every pushed message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TimelineUpdateData carries either one appended entry or a full timeline.
type TimelineUpdateData struct {
	Entry    *domain.TimelineEntry  `json:"entry,omitempty"`
	Timeline []domain.TimelineEntry `json:"timeline,omitempty"`
}

// ErrorData is a human-readable backend error.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// SimulationCompleteData accompanies simulation_complete. All fields are optional.
type SimulationCompleteData struct {
	Timeline    []domain.TimelineEntry `json:"timeline,omitempty"`
	CurrentTurn *int                   `json:"current_turn,omitempty"`
}

// Message is a decoded push message. Exactly one payload field is set, matching Type.
type Message struct {
	Type     string
	Status   *domain.StatusSnapshot
	Timeline *TimelineUpdateData
	Error    *ErrorData
	Complete *SimulationCompleteData
}

// Decode parses one frame. Unknown types return ErrUnknownType, undecodable
// frames ErrMalformed; callers drop the frame in both cases.
func Decode(frame []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	msg := Message{Type: env.Type}
	switch env.Type {
	case TypeStatusUpdate:
		var data domain.StatusSnapshot
		if err := decodeData(env, &data); err != nil {
			return Message{}, err
		}
		msg.Status = &data
	case TypeTimelineUpdate:
		var data TimelineUpdateData
		if err := decodeData(env, &data); err != nil {
			return Message{}, err
		}
		if data.Entry == nil && data.Timeline == nil {
			return Message{}, fmt.Errorf("%w: timeline_update without entry or timeline", ErrMalformed)
		}
		msg.Timeline = &data
	case TypeError:
		var data ErrorData
		if err := decodeData(env, &data); err != nil {
			return Message{}, err
		}
		if data.Message == "" {
			data.Message = "backend reported an error"
		}
		msg.Error = &data
	case TypeSimulationComplete:
		var data SimulationCompleteData
		if err := decodeData(env, &data); err != nil {
			return Message{}, err
		}
		msg.Complete = &data
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return msg, nil
}

func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

// Encode builds a frame of the given type.
func Encode(msgType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s data: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Data: raw})
}

// StatusUpdate builds a status_update frame.
func StatusUpdate(snapshot domain.StatusSnapshot) ([]byte, error) {
	return Encode(TypeStatusUpdate, snapshot)
}

// TimelineAppend builds a timeline_update frame carrying one entry.
func TimelineAppend(entry domain.TimelineEntry) ([]byte, error) {
	return Encode(TypeTimelineUpdate, TimelineUpdateData{Entry: &entry})
}

// TimelineReplace builds a timeline_update frame carrying a full timeline.
func TimelineReplace(timeline []domain.TimelineEntry) ([]byte, error) {
	if timeline == nil {
		timeline = []domain.TimelineEntry{}
	}
	return Encode(TypeTimelineUpdate, struct {
		Timeline []domain.TimelineEntry `json:"timeline"`
	}{timeline})
}

// Error builds an error frame.
func Error(code, message string) ([]byte, error) {
	return Encode(TypeError, ErrorData{Code: code, Message: message})
}

// SimulationComplete builds a simulation_complete frame.
func SimulationComplete(data SimulationCompleteData) ([]byte, error) {
	return Encode(TypeSimulationComplete, data)
}

// ErrorCodeEngineFailure marks an error frame raised by the simulation engine.
const ErrorCodeEngineFailure = "engine_failure"
