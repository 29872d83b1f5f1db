// Package command turns user intents into backend commands and reconciles the store afterwards.
package command

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
	"github.com/mizkun/project-anima3-sub000/internal/policy"
	"github.com/mizkun/project-anima3-sub000/internal/store"
)

// Backend sends commands to the simulation backend. *backend.Client implements it.
type Backend interface {
	Start(ctx context.Context, cfg domain.SimulationConfig) (domain.CommandResponse, error)
	Stop(ctx context.Context) (domain.CommandResponse, error)
	NextTurn(ctx context.Context) (domain.CommandResponse, error)
	Intervention(ctx context.Context, req domain.InterventionRequest) (domain.CommandResponse, error)
	Pause(ctx context.Context) (domain.CommandResponse, error)
	Resume(ctx context.Context) (domain.CommandResponse, error)
}

// Refresher fetches the authoritative status once. *poller.Poller implements it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Store is the subset of *store.Store the client writes to.
type Store interface {
	Snapshot() store.Snapshot
	UpdateConfig(patch domain.ConfigPatch) domain.SimulationConfig
	SetProvisionalStatus(status domain.SimulationStatus)
	SetError(message string)
	MarkStarted()
}

// Gate rejects commands that are not legal in the current status. *policy.Gate implements it.
type Gate interface {
	Check(ctx context.Context, in policy.Input) error
}

// Option configures a Client.
type Option func(*Client)

// WithGate installs a command gate. Without one every command is sent.
func WithGate(g Gate) Option {
	return func(c *Client) {
		c.gate = g
	}
}

// WithRemotePause sends pause and resume to the backend after the optimistic
// transition. Without it the transition is local until the next authoritative read.
func WithRemotePause(enabled bool) Option {
	return func(c *Client) {
		c.remotePause = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client runs at most one command at a time. A second command while one is in
// flight is rejected with domain.ErrCommandInFlight.
type Client struct {
	backend     Backend
	store       Store
	refresher   Refresher
	gate        Gate
	remotePause bool
	logger      *slog.Logger

	busy atomic.Bool
}

// New creates a command client.
func New(backend Backend, st Store, refresher Refresher, opts ...Option) *Client {
	c := &Client{
		backend:   backend,
		store:     st,
		refresher: refresher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Busy reports whether a command is in flight.
func (c *Client) Busy() bool {
	return c.busy.Load()
}

// Start merges patch into the stored config and starts a simulation with the result.
// Status is not set locally; it arrives with the refetch.
func (c *Client) Start(ctx context.Context, patch domain.ConfigPatch) error {
	return c.run(ctx, domain.CommandStart, nil, true, func(ctx context.Context) error {
		cfg := c.store.UpdateConfig(patch)
		if _, err := c.backend.Start(ctx, cfg); err != nil {
			return err
		}
		c.store.MarkStarted()
		return nil
	})
}

// Stop stops the simulation.
func (c *Client) Stop(ctx context.Context) error {
	return c.run(ctx, domain.CommandStop, nil, true, func(ctx context.Context) error {
		_, err := c.backend.Stop(ctx)
		return err
	})
}

// NextTurn asks the backend to produce the next turn.
func (c *Client) NextTurn(ctx context.Context) error {
	return c.run(ctx, domain.CommandNextTurn, nil, true, func(ctx context.Context) error {
		_, err := c.backend.NextTurn(ctx)
		return err
	})
}

// Intervention validates and sends a narrative intervention. Invalid input is
// rejected without contacting the backend.
func (c *Client) Intervention(ctx context.Context, kind domain.InterventionType, content, target string) error {
	req := domain.InterventionRequest{Type: kind, Content: content, TargetCharacter: target}
	validate := func() error {
		return domain.ValidateIntervention(req)
	}
	return c.run(ctx, domain.CommandIntervention, validate, true, func(ctx context.Context) error {
		_, err := c.backend.Intervention(ctx, req)
		return err
	})
}

// Pause sets the status to paused optimistically.
func (c *Client) Pause(ctx context.Context) error {
	return c.transition(ctx, domain.CommandPause, domain.StatusPaused, c.backend.Pause)
}

// Resume sets the status to running optimistically.
func (c *Client) Resume(ctx context.Context) error {
	return c.transition(ctx, domain.CommandResume, domain.StatusRunning, c.backend.Resume)
}

func (c *Client) transition(ctx context.Context, cmd domain.Command, status domain.SimulationStatus,
	send func(context.Context) (domain.CommandResponse, error)) error {
	return c.run(ctx, cmd, nil, c.remotePause, func(ctx context.Context) error {
		c.store.SetProvisionalStatus(status)
		if !c.remotePause {
			return nil
		}
		_, err := send(ctx)
		return err
	})
}

// run executes one command: single-flight guard, local validation, policy,
// request, then one refetch before returning.
func (c *Client) run(ctx context.Context, cmd domain.Command, validate func() error, refetch bool,
	send func(context.Context) error) error {
	if !c.busy.CompareAndSwap(false, true) {
		c.logger.Debug("command rejected, another is in flight", slog.String("command", string(cmd)))
		return domain.ErrCommandInFlight
	}
	defer c.busy.Store(false)

	if validate != nil {
		if err := validate(); err != nil {
			return c.fail(cmd, err)
		}
	}
	if c.gate != nil {
		snap := c.store.Snapshot()
		err := c.gate.Check(ctx, policy.Input{
			Command:     cmd,
			Status:      snap.Status,
			CurrentTurn: snap.CurrentTurn,
			MaxTurns:    snap.MaxTurns,
		})
		if err != nil {
			return c.fail(cmd, err)
		}
	}

	if err := send(ctx); err != nil {
		return c.fail(cmd, err)
	}
	c.logger.Info("command succeeded", slog.String("command", string(cmd)))

	if refetch && c.refresher != nil {
		if err := c.refresher.Refresh(ctx); err != nil {
			c.logger.Warn("status refetch after command failed",
				slog.String("command", string(cmd)),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (c *Client) fail(cmd domain.Command, err error) error {
	c.logger.Warn("command failed",
		slog.String("command", string(cmd)),
		slog.String("error", err.Error()),
	)
	c.store.SetError(Message(err))
	return err
}

// Message returns the text shown to the user for a command error.
func Message(err error) string {
	var cmdErr *domain.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Message != "" {
		return cmdErr.Message
	}
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	return err.Error()
}
