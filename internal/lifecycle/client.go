package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/muselab/agentlink/internal/reliability"
)

// Error reports a failed session initialization.
type Error struct {
	Status    int
	Retryable bool
	Detail    string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("session service status %d: %s", e.Status, e.Detail)
	}
	return "session service: " + e.Detail
}

// Client drives the backend agent-session lifecycle: one Initialize per
// connect attempt, one best-effort Terminate on teardown.
type Client struct {
	endpoint string
	http     *http.Client
	logger   zerolog.Logger
}

func NewClient(endpoint string, logger zerolog.Logger) *Client {
	return &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger.With().Str("component", "lifecycle").Logger(),
	}
}

type initRequest struct {
	UserID   string `json:"user_id"`
	RoomName string `json:"room_name"`
}

type initResponse struct {
	SessionID string `json:"session_id"`
}

// Initialize asks the backend to create a stateful agent session and
// returns its id. The backend may answer with JSON or a bare identifier;
// both are accepted.
func (c *Client) Initialize(ctx context.Context, userID, roomName string) (string, error) {
	payload, err := json.Marshal(initRequest{UserID: userID, RoomName: roomName})
	if err != nil {
		return "", fmt.Errorf("marshal init request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create init request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Detail: err.Error()}
	}
	defer res.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &Error{
			Status:    res.StatusCode,
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
			Detail:    strings.TrimSpace(string(body)),
		}
	}
	if readErr != nil {
		return "", &Error{Detail: "read response: " + readErr.Error()}
	}

	var parsed initResponse
	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.SessionID) != "" {
		return strings.TrimSpace(parsed.SessionID), nil
	}

	// Some backends answer with the bare identifier.
	id := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if id == "" || strings.ContainsAny(id, "{}[]") {
		return "", &Error{Status: res.StatusCode, Detail: "response contained no session id"}
	}
	return id, nil
}

// Terminate destroys the backend session. Failures are logged, never
// propagated: local teardown must proceed regardless.
func (c *Client) Terminate(ctx context.Context, sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return
	}

	target := c.endpoint + "/" + url.PathEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("terminate request build failed")
		return
	}

	res, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("terminate request failed")
		return
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		c.logger.Warn().Int("status", res.StatusCode).Str("session_id", sessionID).Msg("terminate returned non-success")
		return
	}
	c.logger.Info().Str("session_id", sessionID).Msg("backend session terminated")
}
