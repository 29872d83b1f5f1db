// Package policy decides whether a command is legal in the current simulation status.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/rego"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
)

// Gate evaluates the command policy with OPA.
type Gate struct {
	query  rego.PreparedEvalQuery
	logger *slog.Logger
}

// Input is the document the policy is evaluated against.
type Input struct {
	Command     domain.Command          `json:"command"`
	Status      domain.SimulationStatus `json:"status"`
	CurrentTurn int                     `json:"current_turn"`
	MaxTurns    int                     `json:"max_turns"`
}

// NewGate prepares the given policy. The policy must define the set data.command_policy.deny.
func NewGate(ctx context.Context, policyContent string, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := rego.New(
		rego.Query("data.command_policy.deny"),
		rego.Module("command_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Gate{query: query, logger: logger}, nil
}

// Reasons returns why the command is denied, sorted. Empty means allowed.
func (g *Gate) Reasons(ctx context.Context, in Input) ([]string, error) {
	results, err := g.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	set, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}
	reasons := make([]string, 0, len(set))
	for _, v := range set {
		if s, ok := v.(string); ok {
			reasons = append(reasons, s)
		}
	}
	sort.Strings(reasons)
	return reasons, nil
}

// Check returns a *domain.ValidationError wrapping domain.ErrNotRunnable when
// the policy denies the command.
func (g *Gate) Check(ctx context.Context, in Input) error {
	reasons, err := g.Reasons(ctx, in)
	if err != nil {
		return err
	}
	if len(reasons) == 0 {
		return nil
	}

	g.logger.Info("command denied by policy",
		slog.String("command", string(in.Command)),
		slog.String("status", string(in.Status)),
		slog.String("reason", strings.Join(reasons, "; ")),
	)
	return &domain.ValidationError{
		Field: "status",
		Err:   fmt.Errorf("%w: %s", domain.ErrNotRunnable, strings.Join(reasons, "; ")),
	}
}

// DefaultPolicy is the default policy content.
// Statuses the client does not know are never denied; the backend decides for those.
const DefaultPolicy = `
package command_policy

known := {"not_started", "idle", "running", "paused", "completed", "error"}

turn_commands := {"next_turn", "intervention"}

deny["simulation is already running"] {
	input.command == "start"
	input.status == "running"
}

deny["simulation has not been started"] {
	input.command == "stop"
	input.status == "not_started"
}

deny["simulation is not started"] {
	turn_commands[input.command]
	input.status == "not_started"
}

deny["simulation has completed"] {
	turn_commands[input.command]
	input.status == "completed"
}

deny["only a running or idle simulation can be paused"] {
	input.command == "pause"
	known[input.status]
	not pausable
}

deny["only a paused simulation can be resumed"] {
	input.command == "resume"
	known[input.status]
	input.status != "paused"
}

pausable {
	input.status == "running"
}

pausable {
	input.status == "idle"
}
`
