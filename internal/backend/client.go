// Package backend provides an HTTP client for the simulation backend API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
)

// API paths
const (
	PathStatus       = "/api/simulation/status"
	PathCharacters   = "/api/characters"
	PathStart        = "/api/simulation/start"
	PathStop         = "/api/simulation/stop"
	PathNextTurn     = "/api/simulation/next-turn"
	PathIntervention = "/api/simulation/intervention"
	PathPause        = "/api/simulation/pause"
	PathResume       = "/api/simulation/resume"
)

// HeaderRequestID carries a per-request id for correlating client and backend logs.
const HeaderRequestID = "X-Request-ID"

// Client is an HTTP client for the simulation backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, e.g. with a recorder transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout. Zero keeps the transport default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
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

// NewClient creates a new backend client. Requests are traced through otelhttp.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// errorResponse covers the error body shapes the backend is known to return.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// commandResponse treats a missing success field as success.
type commandResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

// FetchStatus calls GET /api/simulation/status.
func (c *Client) FetchStatus(ctx context.Context) (domain.StatusSnapshot, error) {
	var snapshot domain.StatusSnapshot
	if err := c.do(ctx, http.MethodGet, PathStatus, nil, &snapshot); err != nil {
		return domain.StatusSnapshot{}, fmt.Errorf("failed to fetch status: %w", err)
	}
	return snapshot, nil
}

// ListCharacters calls GET /api/characters.
func (c *Client) ListCharacters(ctx context.Context) ([]domain.Character, error) {
	var list domain.CharacterList
	if err := c.do(ctx, http.MethodGet, PathCharacters, nil, &list); err != nil {
		return nil, fmt.Errorf("failed to list characters: %w", err)
	}
	if list.Characters == nil {
		list.Characters = []domain.Character{}
	}
	return list.Characters, nil
}

// Start calls POST /api/simulation/start with the full config.
func (c *Client) Start(ctx context.Context, cfg domain.SimulationConfig) (domain.CommandResponse, error) {
	return c.command(ctx, domain.CommandStart, PathStart, domain.StartRequest{Config: cfg})
}

// Stop calls POST /api/simulation/stop.
func (c *Client) Stop(ctx context.Context) (domain.CommandResponse, error) {
	return c.command(ctx, domain.CommandStop, PathStop, struct{}{})
}

// NextTurn calls POST /api/simulation/next-turn.
func (c *Client) NextTurn(ctx context.Context) (domain.CommandResponse, error) {
	return c.command(ctx, domain.CommandNextTurn, PathNextTurn, struct{}{})
}

// Intervention calls POST /api/simulation/intervention.
func (c *Client) Intervention(ctx context.Context, req domain.InterventionRequest) (domain.CommandResponse, error) {
	return c.command(ctx, domain.CommandIntervention, PathIntervention, req)
}

// Pause calls POST /api/simulation/pause. Not every backend deployment serves it.
func (c *Client) Pause(ctx context.Context) (domain.CommandResponse, error) {
	return c.command(ctx, domain.CommandPause, PathPause, struct{}{})
}

// Resume calls POST /api/simulation/resume. Not every backend deployment serves it.
func (c *Client) Resume(ctx context.Context) (domain.CommandResponse, error) {
	return c.command(ctx, domain.CommandResume, PathResume, struct{}{})
}

func (c *Client) command(ctx context.Context, cmd domain.Command, path string, body any) (domain.CommandResponse, error) {
	var resp commandResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return domain.CommandResponse{}, fmt.Errorf("failed to send %s command: %w", cmd, err)
	}
	if resp.Success != nil && !*resp.Success {
		return domain.CommandResponse{Message: resp.Message}, &domain.CommandError{Command: cmd, Message: resp.Message}
	}
	return domain.CommandResponse{Success: true, Message: resp.Message}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	requestID := uuid.NewString()
	httpReq.Header.Set(HeaderRequestID, requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &domain.APIError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("backend request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
	)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.APIError{StatusCode: resp.StatusCode, Message: "failed to read response body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil {
		for _, msg := range []string{errResp.Error, errResp.Detail, errResp.Message} {
			if msg != "" {
				return msg
			}
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return "empty response"
}

// IsUnavailable reports whether err means the backend could not be reached at all.
func IsUnavailable(err error) bool {
	var apiErr *domain.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 0
}
