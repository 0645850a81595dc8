package signal

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Error reports a signaling-channel failure. Channel failures are an
// enhancement-layer concern; callers treat them as non-fatal.
type Error struct {
	Detail string
}

func (e *Error) Error() string {
	return "signaling channel: " + e.Detail
}

// Channel is a duplex event stream keyed by the backend session id.
// Incoming frames are surfaced in arrival order on Events; malformed
// frames are dropped and logged, never fatal.
type Channel struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan any
	logger    zerolog.Logger
}

// Dialer opens signaling channels. The default implementation dials a
// websocket at {endpoint}/{sessionId}; tests substitute their own.
type Dialer interface {
	Open(ctx context.Context, sessionID string) (*Channel, error)
}

type wsDialer struct {
	endpoint string
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewDialer(endpoint string, timeout time.Duration, logger zerolog.Logger) Dialer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &wsDialer{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		timeout:  timeout,
		logger:   logger.With().Str("component", "signal").Logger(),
	}
}

// Open dials the channel and sends the initial liveness probe. The dial
// is bounded by the channel's own open timeout, which is shorter than
// the session-level connect timeout.
func (d *wsDialer) Open(ctx context.Context, sessionID string) (*Channel, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &Error{Detail: "missing session id"}
	}

	target, err := url.Parse(d.endpoint + "/" + url.PathEscape(sessionID))
	if err != nil {
		return nil, &Error{Detail: fmt.Sprintf("invalid endpoint: %v", err)}
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, target.String(), nil)
	if err != nil {
		return nil, &Error{Detail: fmt.Sprintf("dial %s: %v", target.String(), err)}
	}

	ch := &Channel{
		conn:   conn,
		events: make(chan any, 256),
		logger: d.logger.With().Str("session_id", sessionID).Logger(),
	}
	go ch.readLoop()

	if err := ch.Send(Ping{Type: TypePing}); err != nil {
		ch.Close()
		return nil, &Error{Detail: "liveness probe failed: " + err.Error()}
	}
	return ch, nil
}

// Events yields inbound events in the order the channel received them.
// The channel is closed when the underlying connection goes away.
func (c *Channel) Events() <-chan any { return c.events }

// Send writes one outbound frame. Writes are serialized; gorilla
// connections do not allow concurrent writers.
func (c *Channel) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// NotifyParticipant reports an already-present participant to the
// backend, so the agent sees the same roster as the room.
func (c *Channel) NotifyParticipant(participantID string) error {
	return c.Send(ParticipantConnected{
		Type:          TypeParticipantConnected,
		ParticipantID: participantID,
	})
}

func (c *Channel) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		retErr = c.conn.Close()
	})
	return retErr
}

func (c *Channel) readLoop() {
	defer func() {
		_ = c.Close()
		close(c.events)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		evt, err := ParseEvent(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		c.events <- evt
	}
}
