package signal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies signaling payload variants.
type EventType string

const (
	TypeConnected               EventType = "connected"
	TypeTranscription           EventType = "transcription"
	TypeAgentResponse           EventType = "agent_response"
	TypeParticipantConnected    EventType = "participant_connected"
	TypeParticipantDisconnected EventType = "participant_disconnected"
	TypeTrackSubscribed         EventType = "track_subscribed"
	TypeError                   EventType = "error"
	TypePong                    EventType = "pong"
	TypePing                    EventType = "ping"
)

var ErrUnsupportedType = errors.New("unsupported event type")

type envelope struct {
	Type EventType `json:"type"`
}

type Connected struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
}

type Transcription struct {
	Type    EventType `json:"type"`
	Text    string    `json:"text"`
	IsFinal bool      `json:"is_final"`
}

type AgentResponse struct {
	Type EventType `json:"type"`
	Text string    `json:"text"`
}

type ParticipantConnected struct {
	Type          EventType `json:"type"`
	ParticipantID string    `json:"participant_id"`
}

type ParticipantDisconnected struct {
	Type          EventType `json:"type"`
	ParticipantID string    `json:"participant_id"`
}

type TrackSubscribed struct {
	Type          EventType `json:"type"`
	ParticipantID string    `json:"participant_id"`
	TrackID       string    `json:"track_id"`
	Kind          string    `json:"kind"`
}

type ErrorEvent struct {
	Type    EventType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
}

type Pong struct {
	Type EventType `json:"type"`
}

type Ping struct {
	Type EventType `json:"type"`
}

// ParseEvent dispatches an inbound frame on its type discriminator.
func ParseEvent(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeConnected:
		var evt Connected
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		return evt, nil
	case TypeTranscription:
		var evt Transcription
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		return evt, nil
	case TypeAgentResponse:
		var evt AgentResponse
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		return evt, nil
	case TypeParticipantConnected:
		var evt ParticipantConnected
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		if evt.ParticipantID == "" {
			return nil, errors.New("invalid participant_connected")
		}
		return evt, nil
	case TypeParticipantDisconnected:
		var evt ParticipantDisconnected
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		if evt.ParticipantID == "" {
			return nil, errors.New("invalid participant_disconnected")
		}
		return evt, nil
	case TypeTrackSubscribed:
		var evt TrackSubscribed
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		return evt, nil
	case TypeError:
		var evt ErrorEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, err
		}
		return evt, nil
	case TypePong:
		return Pong{Type: TypePong}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
