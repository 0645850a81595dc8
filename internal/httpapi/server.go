package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/muselab/agentlink/internal/agent"
	"github.com/muselab/agentlink/internal/config"
	"github.com/muselab/agentlink/internal/observability"
	"github.com/muselab/agentlink/internal/transcript"
)

// Controller is the session surface the HTTP layer drives.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect()
	Status() agent.Status
	Subscribe() (<-chan agent.Event, func())
	SetMicrophoneMuted(muted bool)
	SetAgentAudioMuted(muted bool)
}

type Server struct {
	cfg        config.Config
	controller Controller
	store      transcript.Store
	metrics    *observability.Metrics
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, controller Controller, store transcript.Store, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		controller: controller,
		store:      store,
		metrics:    metrics,
		logger:     logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. This prevents other
				// websites from driving the user's agent session if the
				// daemon is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/agent/connect", s.handleConnect)
	r.Post("/v1/agent/disconnect", s.handleDisconnect)
	r.Get("/v1/agent/status", s.handleStatus)
	r.Post("/v1/agent/microphone", s.handleMicrophone)
	r.Post("/v1/agent/audio", s.handleAgentAudio)
	r.Get("/v1/agent/transcript", s.handleTranscript)
	r.Get("/v1/agent/events", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"state":  s.controller.Status().State,
	})
}

// handleConnect starts the connect sequence and returns immediately.
// The sequence is bounded by the configured connect timeout and its
// progress is observable on the status and events endpoints.
func (s *Server) handleConnect(w http.ResponseWriter, _ *http.Request) {
	go func() {
		if err := s.controller.Connect(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("connect request failed")
		}
	}()
	respondJSON(w, http.StatusAccepted, s.controller.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.controller.Disconnect()
	respondJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.controller.Status())
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

func (s *Server) handleMicrophone(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.controller.SetMicrophoneMuted(req.Muted)
	respondJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleAgentAudio(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.controller.SetAgentAudioMuted(req.Muted)
	respondJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	turns, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if turns == nil {
		turns = []transcript.Turn{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// wsEvent is the frame shape pushed to event subscribers.
type wsEvent struct {
	Type   string           `json:"type"`
	Status *agent.Status    `json:"status,omitempty"`
	Turn   *transcript.Turn `json:"turn,omitempty"`
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.controller.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader exists only to notice the peer going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(1 << 20)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// First frame is the current status so a late subscriber is not
	// blind until the next transition.
	status := s.controller.Status()
	if err := writeEvent(conn, wsEvent{Type: "status", Status: &status}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			frame := wsEvent{}
			switch {
			case evt.Status != nil:
				frame.Type = "status"
				frame.Status = evt.Status
			case evt.Turn != nil:
				frame.Type = "transcript_turn"
				frame.Turn = evt.Turn
			default:
				continue
			}
			if err := writeEvent(conn, frame); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, frame wsEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
