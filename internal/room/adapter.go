package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TrackKind distinguishes audio and video tracks.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track describes one published media track as observed from the room.
// Tracks are created and destroyed by transport events only; the client
// relays them, it never fabricates them.
type Track struct {
	ParticipantID string
	TrackID       string
	Kind          TrackKind
	Muted         bool
}

// Participant is a normalized room member record.
type Participant struct {
	ID     string
	Tracks []Track
}

// Callbacks receives transport events. All fields are optional; the
// transport must tolerate nil handlers. OnConnectAttempt is invoked by
// the Adapter itself, before each connection attempt.
type Callbacks struct {
	OnConnectAttempt          func(attempt, maxAttempts int)
	OnParticipantConnected    func(participantID string)
	OnParticipantDisconnected func(participantID string)
	OnTrackSubscribed         func(track Track)
	OnTrackUnsubscribed       func(track Track)
	OnReconnecting            func()
	OnReconnected             func()
	OnDisconnected            func()
}

// Options carries connection and capture settings. Capture defaults are
// applied uniformly to every connection.
type Options struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	AdaptiveStream   bool
}

func DefaultOptions() Options {
	return Options{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		AdaptiveStream:   true,
	}
}

// Handle is the narrow capability surface of a live room connection.
// Fakes implement it in tests; livekit.go implements it for real.
type Handle interface {
	Name() string
	LocalIdentity() string
	RemoteParticipants() []Participant
	SetMicrophoneMuted(muted bool) error
	SetParticipantAudioMuted(participantID string, muted bool) error
	Disconnect()
}

// Transport performs one connection attempt against the media server.
type Transport interface {
	Connect(ctx context.Context, url, authToken string, opts Options, cb Callbacks) (Handle, error)
}

// DeviceError reports a local media-device problem (for example a
// denied microphone permission). Retrying cannot fix it, so it aborts
// the retry loop immediately.
type DeviceError struct {
	Detail string
}

func (e *DeviceError) Error() string {
	return "media device: " + e.Detail
}

// ConnectError reports room-connect exhaustion: every bounded attempt
// failed.
type ConnectError struct {
	Attempts int
	Last     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("room connect failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ConnectError) Unwrap() error { return e.Last }

// Adapter wraps a Transport with the bounded fixed-delay retry loop and
// owns the resulting handle. Disconnect is idempotent and nil-safe.
type Adapter struct {
	transport   Transport
	maxAttempts int
	retryDelay  time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	handle Handle
}

func NewAdapter(transport Transport, maxAttempts int, retryDelay time.Duration, logger zerolog.Logger) *Adapter {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryDelay < 0 {
		retryDelay = 0
	}
	return &Adapter{
		transport:   transport,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger.With().Str("component", "room").Logger(),
	}
}

// Connect attempts the room connection up to the configured attempt
// count with a fixed delay between attempts. Attempts are strictly
// sequential; attempt N+1 starts only after attempt N's failure is
// observed. Context cancellation short-circuits the loop immediately.
func (a *Adapter) Connect(ctx context.Context, url, authToken string, opts Options, cb Callbacks) (Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		a.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", a.maxAttempts).
			Str("url", url).
			Msg("connecting to room")
		if cb.OnConnectAttempt != nil {
			cb.OnConnectAttempt(attempt, a.maxAttempts)
		}

		handle, err := a.transport.Connect(ctx, url, authToken, opts, cb)
		if err == nil {
			a.mu.Lock()
			a.handle = handle
			a.mu.Unlock()
			a.logger.Info().Int("attempt", attempt).Str("room", handle.Name()).Msg("room connected")
			return handle, nil
		}

		lastErr = err
		a.logger.Warn().Err(err).Int("attempt", attempt).Msg("room connect attempt failed")

		var deviceErr *DeviceError
		if errors.As(err, &deviceErr) {
			return nil, err
		}

		if attempt == a.maxAttempts {
			break
		}
		timer := time.NewTimer(a.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, &ConnectError{Attempts: a.maxAttempts, Last: lastErr}
}

// Disconnect closes the held handle if any. Calling it repeatedly, or
// without a prior successful Connect, is a no-op.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	handle := a.handle
	a.handle = nil
	a.mu.Unlock()
	if handle != nil {
		handle.Disconnect()
	}
}
