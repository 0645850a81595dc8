package room

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// liveKitTransport connects to a LiveKit media server. One value serves
// any number of sequential connection attempts.
type liveKitTransport struct {
	logger zerolog.Logger
}

func NewLiveKitTransport(logger zerolog.Logger) Transport {
	return &liveKitTransport{
		logger: logger.With().Str("component", "livekit").Logger(),
	}
}

func (t *liveKitTransport) Connect(ctx context.Context, url, authToken string, opts Options, cb Callbacks) (Handle, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("room url cannot be empty")
	}
	if strings.TrimSpace(authToken) == "" {
		return nil, fmt.Errorf("room token cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	roomCB := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if cb.OnTrackSubscribed != nil {
					cb.OnTrackSubscribed(Track{
						ParticipantID: rp.Identity(),
						TrackID:       pub.SID(),
						Kind:          kindOf(pub.Kind()),
						Muted:         pub.IsMuted(),
					})
				}
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if cb.OnTrackUnsubscribed != nil {
					cb.OnTrackUnsubscribed(Track{
						ParticipantID: rp.Identity(),
						TrackID:       pub.SID(),
						Kind:          kindOf(pub.Kind()),
						Muted:         pub.IsMuted(),
					})
				}
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			if cb.OnParticipantConnected != nil {
				cb.OnParticipantConnected(rp.Identity())
			}
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			if cb.OnParticipantDisconnected != nil {
				cb.OnParticipantDisconnected(rp.Identity())
			}
		},
		OnReconnecting: func() {
			t.logger.Warn().Msg("room transport reconnecting")
			if cb.OnReconnecting != nil {
				cb.OnReconnecting()
			}
		},
		OnReconnected: func() {
			t.logger.Info().Msg("room transport reconnected")
			if cb.OnReconnected != nil {
				cb.OnReconnected()
			}
		},
		OnDisconnected: func() {
			if cb.OnDisconnected != nil {
				cb.OnDisconnected()
			}
		},
	}

	connectOpts := []lksdk.ConnectOption{
		lksdk.WithAutoSubscribe(true),
	}

	lkRoom, err := lksdk.ConnectToRoomWithToken(url, authToken, roomCB, connectOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to room: %w", err)
	}

	// The SDK connect call does not take a context; honor a cancellation
	// that raced the dial by giving the room straight back.
	if err := ctx.Err(); err != nil {
		lkRoom.Disconnect()
		return nil, err
	}

	return &liveKitHandle{room: lkRoom, opts: opts}, nil
}

type liveKitHandle struct {
	mu   sync.Mutex
	room *lksdk.Room
	opts Options
}

func (h *liveKitHandle) Name() string {
	return h.room.Name()
}

func (h *liveKitHandle) LocalIdentity() string {
	if h.room.LocalParticipant == nil {
		return ""
	}
	return h.room.LocalParticipant.Identity()
}

func (h *liveKitHandle) RemoteParticipants() []Participant {
	remotes := h.room.GetRemoteParticipants()
	out := make([]Participant, 0, len(remotes))
	for _, rp := range remotes {
		p := Participant{ID: rp.Identity()}
		for _, pub := range rp.TrackPublications() {
			p.Tracks = append(p.Tracks, Track{
				ParticipantID: rp.Identity(),
				TrackID:       pub.SID(),
				Kind:          kindOf(pub.Kind()),
				Muted:         pub.IsMuted(),
			})
		}
		out = append(out, p)
	}
	return out
}

func (h *liveKitHandle) SetMicrophoneMuted(muted bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.room.LocalParticipant == nil {
		return fmt.Errorf("no local participant")
	}
	for _, pub := range h.room.LocalParticipant.TrackPublications() {
		if pub.Kind() != lksdk.TrackKindAudio {
			continue
		}
		localPub, ok := pub.(*lksdk.LocalTrackPublication)
		if !ok {
			continue
		}
		localPub.SetMuted(muted)
	}
	return nil
}

// SetParticipantAudioMuted silences a remote participant locally by
// toggling the audio subscriptions; the publisher keeps publishing.
func (h *liveKitHandle) SetParticipantAudioMuted(participantID string, muted bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rp := range h.room.GetRemoteParticipants() {
		if rp.Identity() != participantID {
			continue
		}
		for _, pub := range rp.TrackPublications() {
			if pub.Kind() != lksdk.TrackKindAudio {
				continue
			}
			remotePub, ok := pub.(*lksdk.RemoteTrackPublication)
			if !ok {
				continue
			}
			if err := remotePub.SetSubscribed(!muted); err != nil {
				return fmt.Errorf("toggle track %s: %w", remotePub.SID(), err)
			}
		}
		return nil
	}
	return fmt.Errorf("participant %q not found", participantID)
}

func (h *liveKitHandle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.room.Disconnect()
}

func kindOf(kind lksdk.TrackKind) TrackKind {
	if kind == lksdk.TrackKindVideo {
		return TrackKindVideo
	}
	return TrackKindAudio
}
