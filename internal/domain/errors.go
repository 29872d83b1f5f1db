package domain

import (
	"errors"
	"fmt"
	"strings"
)

// MaxInterventionLength is the largest intervention content accepted, in characters.
const MaxInterventionLength = 500

var (
	ErrEmptyContent    = errors.New("intervention content is empty")
	ErrContentTooLong  = fmt.Errorf("intervention content exceeds %d characters", MaxInterventionLength)
	ErrTargetRequired  = errors.New("intervention requires a target character")
	ErrNotRunnable     = errors.New("simulation is not in a state that allows this command")
	ErrCommandInFlight = errors.New("another command is in flight")
)

// APIError is a transport-level failure: an unreachable backend (StatusCode 0)
// or a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("backend unavailable: %s", e.Message)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// CommandError is a command the backend answered with success=false.
type CommandError struct {
	Command Command
	Message string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s command failed", e.Command)
	}
	return fmt.Sprintf("%s command failed: %s", e.Command, e.Message)
}

// ValidationError is an input rejected locally before any network call.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ValidateIntervention checks an intervention request the way the backend would.
func ValidateIntervention(req InterventionRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return &ValidationError{Field: "content", Err: ErrEmptyContent}
	}
	if len([]rune(req.Content)) > MaxInterventionLength {
		return &ValidationError{Field: "content", Err: ErrContentTooLong}
	}
	if req.Type.RequiresTarget() && req.TargetCharacter == "" {
		return &ValidationError{Field: "target_character", Err: ErrTargetRequired}
	}
	return nil
}
