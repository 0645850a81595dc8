package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/muselab/agentlink/internal/lifecycle"
	"github.com/muselab/agentlink/internal/observability"
	"github.com/muselab/agentlink/internal/reliability"
	"github.com/muselab/agentlink/internal/room"
	"github.com/muselab/agentlink/internal/signal"
	"github.com/muselab/agentlink/internal/token"
	"github.com/muselab/agentlink/internal/transcript"
)

// TokenFetcher issues a room-scoped credential.
type TokenFetcher interface {
	Fetch(ctx context.Context, userID, roomName, displayName string) (token.Token, error)
}

// SessionLifecycle creates and destroys the backend agent session.
type SessionLifecycle interface {
	Initialize(ctx context.Context, userID, roomName string) (string, error)
	Terminate(ctx context.Context, sessionID string)
}

// RoomConnector is the retrying room adapter surface.
type RoomConnector interface {
	Connect(ctx context.Context, url, authToken string, opts room.Options, cb room.Callbacks) (room.Handle, error)
	Disconnect()
}

// SignalChannel is the duplex signaling surface the orchestrator consumes.
type SignalChannel interface {
	Events() <-chan any
	NotifyParticipant(participantID string) error
	Close() error
}

// SignalOpener opens a signaling channel for a session id.
type SignalOpener interface {
	Open(ctx context.Context, sessionID string) (SignalChannel, error)
}

// SignalOpenerFunc adapts a plain function to SignalOpener.
type SignalOpenerFunc func(ctx context.Context, sessionID string) (SignalChannel, error)

func (f SignalOpenerFunc) Open(ctx context.Context, sessionID string) (SignalChannel, error) {
	return f(ctx, sessionID)
}

// Config carries the orchestrator's connection identity and timing knobs.
type Config struct {
	RoomURL        string
	UserID         string
	DisplayName    string
	RoomName       string
	ConnectTimeout time.Duration
	MaxAttempts    int
}

const (
	terminateTimeout = 5 * time.Second
	welcomeText      = "Connected. I'm listening, describe what you'd like to create."
	eventBuffer      = 128
)

var errStaleAttempt = errors.New("connect attempt superseded")

// Orchestrator drives one agent session at a time: token fetch, backend
// session init, room connect with bounded retry, signaling channel open,
// and paired teardown on every exit path. It owns the session/room/
// channel triple exclusively.
type Orchestrator struct {
	cfg       Config
	tokens    TokenFetcher
	lifecycle SessionLifecycle
	rooms     RoomConnector
	signals   SignalOpener
	store     transcript.Store
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mu            sync.Mutex
	state         State
	message       string
	attempt       int
	sessionID     string
	handle        room.Handle
	channel       SignalChannel
	cancelConnect context.CancelFunc
	generation    uint64
	micMuted      bool
	agentMuted    bool
	subscribers   map[int]chan Event
	nextSubID     int
}

func NewOrchestrator(
	cfg Config,
	tokens TokenFetcher,
	sessions SessionLifecycle,
	rooms RoomConnector,
	signals SignalOpener,
	store transcript.Store,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Orchestrator {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Orchestrator{
		cfg:         cfg,
		tokens:      tokens,
		lifecycle:   sessions,
		rooms:       rooms,
		signals:     signals,
		store:       store,
		metrics:     metrics,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
		state:       StateIdle,
		message:     "Ready to connect",
		subscribers: map[int]chan Event{},
	}
}

// Status returns the current snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

// Subscribe registers a fan-out listener for status and transcript
// events. Events are delivered in publish order; a saturated subscriber
// loses events rather than blocking the orchestrator.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSubID
	o.nextSubID++
	ch := make(chan Event, eventBuffer)
	o.subscribers[id] = ch
	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if sub, ok := o.subscribers[id]; ok {
			delete(o.subscribers, id)
			close(sub)
		}
	}
}

// Connect runs the full handshake: token, backend session, room with
// bounded retry, signaling channel. It is a no-op (with a warning) when
// a session is already connecting or connected. The whole sequence is
// bounded by the connect timeout; the timeout performs the same
// teardown as a failure.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.logger.Warn().Str("state", string(o.state)).Msg("connect ignored: session already active")
		o.mu.Unlock()
		return nil
	}
	o.generation++
	gen := o.generation
	connectCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	o.cancelConnect = cancel
	o.attempt = 0
	o.setStateLocked(StateConnecting, "Obtaining token")
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues("connect_requested").Inc()
	}
	started := time.Now()

	// Watchdog: if the timeout elapses mid-sequence, force the failure
	// teardown even if a stage is still blocked in flight.
	go func() {
		<-connectCtx.Done()
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			o.fail(gen, connectCtx.Err())
		}
	}()

	err := o.runConnect(connectCtx, gen)
	if err != nil {
		if errors.Is(err, errStaleAttempt) {
			// Teardown already ran (timeout or disconnect won the race).
			return err
		}
		o.fail(gen, err)
		return err
	}

	o.mu.Lock()
	if o.generation != gen || o.state != StateConnecting {
		o.mu.Unlock()
		return errStaleAttempt
	}
	// Connected: the timeout timer is cleared immediately.
	cancel()
	o.cancelConnect = nil
	o.attempt = 0
	roomName := ""
	if o.handle != nil {
		roomName = o.handle.Name()
	}
	o.setStateLocked(StateConnected, fmt.Sprintf("Connected to %s", roomName))
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues("connected").Inc()
		o.metrics.ObserveConnectLatency(time.Since(started))
	}
	o.appendTurn(transcript.RoleAssistant, welcomeText)
	return nil
}

func (o *Orchestrator) runConnect(ctx context.Context, gen uint64) error {
	tok, err := o.tokens.Fetch(ctx, o.cfg.UserID, o.cfg.RoomName, o.cfg.DisplayName)
	if err != nil {
		return err
	}
	o.logger.Info().
		Str("token", tok.Redacted()).
		Str("room", tok.RoomName).
		Msg("token obtained")
	if claims, err := token.Introspect(tok.Value); err == nil {
		o.logger.Debug().
			Str("identity", claims.Identity).
			Str("grant_room", claims.RoomName).
			Time("expires", claims.ExpireAt).
			Msg("credential claims")
	}
	if !o.advance(gen, "Initializing agent session") {
		return errStaleAttempt
	}

	sessionID, err := o.lifecycle.Initialize(ctx, o.cfg.UserID, o.cfg.RoomName)
	if err != nil {
		return err
	}
	o.mu.Lock()
	if o.generation != gen || o.state != StateConnecting {
		o.mu.Unlock()
		// Teardown already ran and could not know this id; release the
		// backend session ourselves so nothing leaks.
		o.terminateSession(sessionID)
		return errStaleAttempt
	}
	o.sessionID = sessionID
	o.message = "Connecting to LiveKit"
	o.mu.Unlock()
	o.publishStatus()

	handle, err := o.rooms.Connect(ctx, o.cfg.RoomURL, tok.Value, room.DefaultOptions(), o.roomCallbacks(gen))
	if err != nil {
		return err
	}
	o.mu.Lock()
	if o.generation != gen || o.state != StateConnecting {
		o.mu.Unlock()
		// Late success for an abandoned attempt must not resurrect state.
		handle.Disconnect()
		return errStaleAttempt
	}
	o.handle = handle
	o.mu.Unlock()

	// The signaling channel is an enhancement on top of the room; its
	// failure must not roll back an otherwise-successful connection.
	o.advance(gen, "Opening signaling channel")
	channel, err := o.signals.Open(ctx, sessionID)
	if err != nil {
		o.logger.Warn().Err(err).Msg("signaling channel unavailable, continuing without live transcription")
		if o.metrics != nil {
			o.metrics.SessionEvents.WithLabelValues("signaling_unavailable").Inc()
		}
		return nil
	}

	o.mu.Lock()
	if o.generation != gen || o.state != StateConnecting {
		o.mu.Unlock()
		_ = channel.Close()
		return errStaleAttempt
	}
	o.channel = channel
	o.mu.Unlock()

	go o.pumpSignalEvents(gen, channel)
	o.notifyExistingParticipants(handle, channel)
	return nil
}

func (o *Orchestrator) roomCallbacks(gen uint64) room.Callbacks {
	return room.Callbacks{
		OnConnectAttempt: func(attempt, maxAttempts int) {
			o.mu.Lock()
			if o.generation == gen && o.state == StateConnecting {
				o.attempt = attempt
				o.message = fmt.Sprintf("Connecting to LiveKit (Attempt %d/%d)", attempt, maxAttempts)
			}
			o.mu.Unlock()
			o.publishStatus()
			if o.metrics != nil {
				o.metrics.ConnectAttempts.Inc()
			}
		},
		OnParticipantConnected: func(participantID string) {
			if !o.current(gen) {
				return
			}
			o.logger.Info().Str("participant", participantID).Msg("participant connected")
			o.mu.Lock()
			channel := o.channel
			o.mu.Unlock()
			if channel != nil {
				if err := channel.NotifyParticipant(participantID); err != nil {
					o.logger.Warn().Err(err).Msg("participant notify failed")
				}
			}
		},
		OnParticipantDisconnected: func(participantID string) {
			if !o.current(gen) {
				return
			}
			o.logger.Info().Str("participant", participantID).Msg("participant disconnected")
		},
		OnTrackSubscribed: func(track room.Track) {
			if !o.current(gen) {
				return
			}
			o.logger.Info().
				Str("participant", track.ParticipantID).
				Str("track", track.TrackID).
				Str("kind", string(track.Kind)).
				Bool("muted", track.Muted).
				Msg("track subscribed")
		},
		OnReconnecting: func() {
			if !o.current(gen) {
				return
			}
			o.mu.Lock()
			if o.state == StateConnected {
				o.message = "Reconnecting"
			}
			o.mu.Unlock()
			o.publishStatus()
		},
		OnReconnected: func() {
			if !o.current(gen) {
				return
			}
			o.mu.Lock()
			if o.state == StateConnected && o.handle != nil {
				o.message = fmt.Sprintf("Connected to %s", o.handle.Name())
			}
			o.mu.Unlock()
			o.publishStatus()
		},
		OnDisconnected: func() {
			if !o.current(gen) {
				return
			}
			o.mu.Lock()
			connected := o.state == StateConnected
			o.mu.Unlock()
			if connected {
				o.logger.Info().Msg("room reported disconnect, tearing down")
				o.teardown("Disconnected")
			}
		},
	}
}

// notifyExistingParticipants reports participants that joined before the
// channel opened, so the backend sees the full roster. The collection is
// normalized first; transports disagree on its shape.
func (o *Orchestrator) notifyExistingParticipants(handle room.Handle, channel SignalChannel) {
	room.ForEachParticipant(handle.RemoteParticipants(), func(p room.Participant) {
		if err := channel.NotifyParticipant(p.ID); err != nil {
			o.logger.Warn().Err(err).Str("participant", p.ID).Msg("roster notify failed")
		}
	})
}

func (o *Orchestrator) pumpSignalEvents(gen uint64, channel SignalChannel) {
	for evt := range channel.Events() {
		if !o.current(gen) {
			return
		}
		o.handleSignalEvent(evt)
	}
}

func (o *Orchestrator) handleSignalEvent(evt any) {
	countSignal := func(kind string) {
		if o.metrics != nil {
			o.metrics.SignalingEvents.WithLabelValues(kind).Inc()
		}
	}
	switch e := evt.(type) {
	case signal.Connected:
		countSignal("connected")
	case signal.Transcription:
		countSignal("transcription")
		if e.IsFinal && strings.TrimSpace(e.Text) != "" {
			o.appendTurn(transcript.RoleUser, e.Text)
		}
	case signal.AgentResponse:
		countSignal("agent_response")
		if strings.TrimSpace(e.Text) != "" {
			o.appendTurn(transcript.RoleAssistant, e.Text)
		}
	case signal.ParticipantConnected:
		countSignal("participant_connected")
		o.logger.Info().Str("participant", e.ParticipantID).Msg("backend reports participant")
	case signal.ParticipantDisconnected:
		countSignal("participant_disconnected")
	case signal.TrackSubscribed:
		countSignal("track_subscribed")
	case signal.ErrorEvent:
		countSignal("error")
		o.logger.Warn().
			Str("code", e.Code).
			Str("message", e.Message).
			Bool("retryable", reliability.IsRetryableSignalCode(e.Code)).
			Msg("signaling error event")
	default:
		countSignal("other")
	}
}

// Disconnect tears the session down from any state. Calling it twice,
// or with nothing connected, is harmless.
func (o *Orchestrator) Disconnect() {
	o.teardown("Disconnected")
}

// Close releases everything; it is the destruction path and behaves
// exactly like Disconnect.
func (o *Orchestrator) Close() {
	o.teardown("Disconnected")
}

func (o *Orchestrator) fail(gen uint64, cause error) {
	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		return
	}
	message := normalizeError(cause, o.cfg.MaxAttempts)
	o.setStateLocked(StateFailed, message)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues("failed").Inc()
	}
	o.logger.Error().Err(cause).Msg("connect sequence failed")
	o.teardown(message)
}

// teardown is the single exit path: it closes the signaling channel and
// the room, best-effort terminates the backend session, clears the local
// session id, and lands in Idle. It is unconditional and idempotent;
// partially constructed resources are simply absent.
func (o *Orchestrator) teardown(finalMessage string) {
	o.mu.Lock()
	// Invalidate in-flight callbacks and any late-arriving resolution.
	o.generation++
	cancel := o.cancelConnect
	o.cancelConnect = nil
	channel := o.channel
	o.channel = nil
	sessionID := o.sessionID
	o.sessionID = ""
	o.handle = nil
	o.attempt = 0
	o.micMuted = false
	o.agentMuted = false
	hadWork := o.state != StateIdle
	if hadWork {
		o.setStateLocked(StateDisconnecting, "Disconnecting")
	}
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if channel != nil {
		_ = channel.Close()
	}
	o.rooms.Disconnect()
	o.terminateSession(sessionID)

	o.mu.Lock()
	o.setStateLocked(StateIdle, finalMessage)
	o.mu.Unlock()

	if hadWork && o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues("torn_down").Inc()
	}
}

func (o *Orchestrator) terminateSession(sessionID string) {
	if strings.TrimSpace(sessionID) == "" {
		return
	}
	// The connect context may already be canceled; termination gets its
	// own deadline so cleanup still reaches the backend.
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	o.lifecycle.Terminate(ctx, sessionID)
}

// SetMicrophoneMuted toggles the local microphone. Outside Connected it
// is a no-op reported through the status message.
func (o *Orchestrator) SetMicrophoneMuted(muted bool) {
	o.mu.Lock()
	if o.state != StateConnected || o.handle == nil {
		o.message = "Not connected: microphone toggle ignored"
		o.mu.Unlock()
		o.publishStatus()
		return
	}
	handle := o.handle
	o.micMuted = muted
	o.mu.Unlock()

	if err := handle.SetMicrophoneMuted(muted); err != nil {
		o.logger.Warn().Err(err).Msg("microphone toggle failed")
	}
	o.publishStatus()
}

// SetAgentAudioMuted mutes or unmutes the detected agent participant's
// audio tracks. With no agent participant present this yields a status
// message, not an error.
func (o *Orchestrator) SetAgentAudioMuted(muted bool) {
	o.mu.Lock()
	if o.state != StateConnected || o.handle == nil {
		o.message = "Not connected: agent audio toggle ignored"
		o.mu.Unlock()
		o.publishStatus()
		return
	}
	handle := o.handle
	o.mu.Unlock()

	agentID := findAgentParticipant(handle.RemoteParticipants())
	if agentID == "" {
		o.mu.Lock()
		o.message = "No agent participant found"
		o.mu.Unlock()
		o.publishStatus()
		return
	}

	if err := handle.SetParticipantAudioMuted(agentID, muted); err != nil {
		o.logger.Warn().Err(err).Str("participant", agentID).Msg("agent audio toggle failed")
		return
	}
	o.mu.Lock()
	o.agentMuted = muted
	o.mu.Unlock()
	o.publishStatus()
}

// AttachableTracks lists the remote tracks a renderer should attach:
// subscribed, present, and not muted.
func (o *Orchestrator) AttachableTracks() []room.Track {
	o.mu.Lock()
	handle := o.handle
	o.mu.Unlock()
	if handle == nil {
		return nil
	}
	var out []room.Track
	room.ForEachParticipant(handle.RemoteParticipants(), func(p room.Participant) {
		for _, track := range p.Tracks {
			if track.Muted {
				continue
			}
			out = append(out, track)
		}
	})
	return out
}

func (o *Orchestrator) appendTurn(role transcript.Role, content string) {
	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()

	turn := transcript.Turn{SessionID: sessionID, Role: role, Content: content, CreatedAt: time.Now().UTC()}
	if o.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := o.store.Append(ctx, turn); err != nil {
			o.logger.Warn().Err(err).Msg("transcript append failed")
		}
		cancel()
	}
	o.broadcast(Event{Turn: &turn})
}

func (o *Orchestrator) advance(gen uint64, message string) bool {
	o.mu.Lock()
	ok := o.generation == gen && o.state == StateConnecting
	if ok {
		o.message = message
	}
	o.mu.Unlock()
	if ok {
		o.publishStatus()
	}
	return ok
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation == gen
}

func (o *Orchestrator) setStateLocked(state State, message string) {
	o.state = state
	o.message = message
	if o.metrics != nil {
		o.metrics.SessionState.Set(stateGaugeValue(state))
	}
	status := o.statusLocked()
	o.broadcastLocked(Event{Status: &status})
}

func (o *Orchestrator) statusLocked() Status {
	s := Status{
		State:       o.state,
		Message:     o.message,
		SessionID:   o.sessionID,
		Attempt:     o.attempt,
		MaxAttempts: o.cfg.MaxAttempts,
		MicMuted:    o.micMuted,
		AgentMuted:  o.agentMuted,
	}
	if o.handle != nil {
		s.RoomName = o.handle.Name()
		s.LocalIdentity = o.handle.LocalIdentity()
	}
	return s
}

func (o *Orchestrator) publishStatus() {
	o.mu.Lock()
	status := o.statusLocked()
	o.broadcastLocked(Event{Status: &status})
	o.mu.Unlock()
}

func (o *Orchestrator) broadcast(evt Event) {
	o.mu.Lock()
	o.broadcastLocked(evt)
	o.mu.Unlock()
}

func (o *Orchestrator) broadcastLocked(evt Event) {
	for _, sub := range o.subscribers {
		select {
		case sub <- evt:
		default:
			// A stalled subscriber loses events; the orchestrator never blocks.
		}
	}
}

func findAgentParticipant(participants []room.Participant) string {
	for _, p := range room.NormalizeParticipants(participants) {
		if strings.Contains(strings.ToLower(p.ID), "agent") {
			return p.ID
		}
	}
	return ""
}

func normalizeError(err error, maxAttempts int) string {
	var tokenErr *token.Error
	if errors.As(err, &tokenErr) {
		return "Could not obtain an access token"
	}
	var lifecycleErr *lifecycle.Error
	if errors.As(err, &lifecycleErr) {
		return "Could not start the agent session"
	}
	var deviceErr *room.DeviceError
	if errors.As(err, &deviceErr) {
		return "Microphone unavailable, check device permissions"
	}
	var connectErr *room.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Sprintf("Could not reach the room after %d attempts", maxAttempts)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Connection timed out"
	}
	return "Connection failed"
}
