package agent

import (
	"github.com/muselab/agentlink/internal/transcript"
)

// State is the orchestrator's session state. The orchestrator is the
// single authority: transport callbacks and signaling events are inputs
// to this machine, never independent sources of truth.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateFailed        State = "failed"
)

func stateGaugeValue(s State) float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateDisconnecting:
		return 3
	case StateFailed:
		return 4
	default:
		return 0
	}
}

// Status is the single user-visible snapshot published on every
// transition. Message always carries the latest normalized text;
// sub-phase progress appears only while Connecting.
type Status struct {
	State         State  `json:"state"`
	Message       string `json:"message"`
	SessionID     string `json:"session_id,omitempty"`
	RoomName      string `json:"room_name,omitempty"`
	LocalIdentity string `json:"local_identity,omitempty"`
	Attempt       int    `json:"attempt,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	MicMuted      bool   `json:"mic_muted"`
	AgentMuted    bool   `json:"agent_muted"`
}

// Event is one fan-out item: a status change or an appended
// conversation turn. Exactly one field is set.
type Event struct {
	Status *Status          `json:"status,omitempty"`
	Turn   *transcript.Turn `json:"turn,omitempty"`
}
