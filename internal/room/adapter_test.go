package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeHandle struct {
	mu           sync.Mutex
	disconnects  int
	participants []Participant
}

func (h *fakeHandle) Name() string          { return "r1" }
func (h *fakeHandle) LocalIdentity() string { return "u1" }
func (h *fakeHandle) RemoteParticipants() []Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.participants
}
func (h *fakeHandle) SetMicrophoneMuted(bool) error               { return nil }
func (h *fakeHandle) SetParticipantAudioMuted(string, bool) error { return nil }
func (h *fakeHandle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

type fakeTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
	handle   *fakeHandle
	block    chan struct{}
}

func (t *fakeTransport) Connect(ctx context.Context, _, _ string, _ Options, _ Callbacks) (Handle, error) {
	t.mu.Lock()
	t.calls++
	calls := t.calls
	block := t.block
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if calls <= t.failures {
		return nil, errors.New("connection refused")
	}
	if t.handle == nil {
		t.handle = &fakeHandle{}
	}
	return t.handle, nil
}

func (t *fakeTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func TestConnectSucceedsAfterTransientFailures(t *testing.T) {
	transport := &fakeTransport{failures: 2}
	a := NewAdapter(transport, 3, time.Millisecond, zerolog.Nop())

	handle, err := a.Connect(context.Background(), "ws://rooms", "tok", DefaultOptions(), Callbacks{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if handle == nil {
		t.Fatalf("Connect() returned nil handle")
	}
	if transport.Calls() != 3 {
		t.Fatalf("transport calls = %d, want 3", transport.Calls())
	}
}

func TestConnectExhaustsBoundedAttempts(t *testing.T) {
	transport := &fakeTransport{failures: 10}
	a := NewAdapter(transport, 3, time.Millisecond, zerolog.Nop())

	_, err := a.Connect(context.Background(), "ws://rooms", "tok", DefaultOptions(), Callbacks{})
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("Connect() error = %v, want *ConnectError", err)
	}
	if connErr.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", connErr.Attempts)
	}
	if transport.Calls() != 3 {
		t.Fatalf("transport calls = %d, want exactly 3", transport.Calls())
	}
}

func TestConnectReportsEachAttempt(t *testing.T) {
	transport := &fakeTransport{failures: 2}
	a := NewAdapter(transport, 3, time.Millisecond, zerolog.Nop())

	var mu sync.Mutex
	var attempts []int
	cb := Callbacks{
		OnConnectAttempt: func(attempt, maxAttempts int) {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
			if maxAttempts != 3 {
				t.Errorf("maxAttempts = %d, want 3", maxAttempts)
			}
		},
	}

	if _, err := a.Connect(context.Background(), "ws://rooms", "tok", DefaultOptions(), cb); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("attempts = %v, want [1 2 3]", attempts)
	}
}

func TestConnectAbortsOnDeviceError(t *testing.T) {
	transport := &deviceFailTransport{}
	a := NewAdapter(transport, 3, time.Millisecond, zerolog.Nop())

	_, err := a.Connect(context.Background(), "ws://rooms", "tok", DefaultOptions(), Callbacks{})
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("Connect() error = %v, want *DeviceError", err)
	}
	if transport.calls != 1 {
		t.Fatalf("transport calls = %d, device errors must not be retried", transport.calls)
	}
}

type deviceFailTransport struct {
	calls int
}

func (t *deviceFailTransport) Connect(context.Context, string, string, Options, Callbacks) (Handle, error) {
	t.calls++
	return nil, &DeviceError{Detail: "microphone permission denied"}
}

func TestConnectStopsOnContextCancel(t *testing.T) {
	transport := &fakeTransport{failures: 10, block: make(chan struct{})}
	a := NewAdapter(transport, 3, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := a.Connect(ctx, "ws://rooms", "tok", DefaultOptions(), Callbacks{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect() error = %v, want context.Canceled", err)
	}
	if calls := transport.Calls(); calls > 1 {
		t.Fatalf("transport calls = %d, cancellation must stop the loop", calls)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	a := NewAdapter(transport, 3, time.Millisecond, zerolog.Nop())

	// Disconnect before any connect is a no-op.
	a.Disconnect()

	if _, err := a.Connect(context.Background(), "ws://rooms", "tok", DefaultOptions(), Callbacks{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	a.Disconnect()
	a.Disconnect()

	if transport.handle.disconnects != 1 {
		t.Fatalf("handle disconnects = %d, want 1", transport.handle.disconnects)
	}
}
