package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/muselab/agentlink/internal/reliability"
)

// Token is a short-lived credential scoped to one room. The value is a
// secret; log it only through Redacted.
type Token struct {
	Value            string
	RoomName         string
	UserID           string
	ExpiresInSeconds int64
}

// Redacted returns a loggable form of the credential.
func (t Token) Redacted() string {
	return Redact(t.Value)
}

// Redact keeps a short prefix of a credential for log correlation.
func Redact(value string) string {
	if len(value) <= 8 {
		return "***"
	}
	return value[:8] + "..."
}

// Error reports a failed token issue attempt.
type Error struct {
	Status    int
	Retryable bool
	Detail    string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("token service status %d: %s", e.Status, e.Detail)
	}
	return "token service: " + e.Detail
}

// Claims is the subset of the signed credential the client introspects
// to sanity-check the grant. The signature is the media server's concern;
// the client only verifies shape.
type Claims struct {
	Identity string
	RoomName string
	ExpireAt time.Time
}

type Client struct {
	endpoint string
	ttl      time.Duration
	http     *http.Client
}

func NewClient(endpoint string, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Client{
		endpoint: strings.TrimSpace(endpoint),
		ttl:      ttl,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type fetchRequest struct {
	UserID       string        `json:"user_id"`
	RoomName     string        `json:"room_name"`
	Metadata     fetchMetadata `json:"metadata"`
	CanPublish   bool          `json:"can_publish"`
	CanSubscribe bool          `json:"can_subscribe"`
	TTL          int64         `json:"ttl"`
}

type fetchMetadata struct {
	Name string `json:"name"`
}

type fetchResponse struct {
	Token    string `json:"token"`
	RoomName string `json:"room_name"`
	UserID   string `json:"user_id"`
}

// Fetch requests a publish+subscribe credential for the user/room pair.
// Retry policy belongs to the caller; one HTTP round trip per call.
func (c *Client) Fetch(ctx context.Context, userID, roomName, displayName string) (Token, error) {
	payload, err := json.Marshal(fetchRequest{
		UserID:       userID,
		RoomName:     roomName,
		Metadata:     fetchMetadata{Name: displayName},
		CanPublish:   true,
		CanSubscribe: true,
		TTL:          int64(c.ttl / time.Second),
	})
	if err != nil {
		return Token{}, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Token{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return Token{}, &Error{Detail: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Token{}, &Error{
			Status:    res.StatusCode,
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
			Detail:    strings.TrimSpace(string(body)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return Token{}, &Error{Detail: "read response: " + err.Error()}
	}

	var parsed fetchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Token{}, &Error{Detail: "invalid response payload"}
	}
	if strings.TrimSpace(parsed.Token) == "" {
		return Token{}, &Error{Detail: "response contained no usable credential"}
	}
	if strings.Count(parsed.Token, ".") != 2 {
		return Token{}, &Error{Detail: "credential is not a three-segment signed token"}
	}

	room := parsed.RoomName
	if room == "" {
		room = roomName
	}
	user := parsed.UserID
	if user == "" {
		user = userID
	}

	return Token{
		Value:            parsed.Token,
		RoomName:         room,
		UserID:           user,
		ExpiresInSeconds: int64(c.ttl / time.Second),
	}, nil
}

// Introspect decodes the credential claims without verifying the signature.
func Introspect(value string) (Claims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(value, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("decode credential: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("unexpected claims shape")
	}

	out := Claims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.Identity = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpireAt = exp.Time
	}
	// LiveKit-style tokens carry the room grant under "video".
	if video, ok := claims["video"].(map[string]any); ok {
		if room, ok := video["room"].(string); ok {
			out.RoomName = room
		}
	}
	return out, nil
}
