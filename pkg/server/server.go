// Package server is the gateway process: the call management API, the
// telephony provider's webhooks, and the media stream websocket endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.temporal.io/sdk/client"

	"github.com/vango-go/voicebridge/pkg/bridge"
	"github.com/vango-go/voicebridge/pkg/call"
	"github.com/vango-go/voicebridge/pkg/config"
	"github.com/vango-go/voicebridge/pkg/sessioncache"
	"github.com/vango-go/voicebridge/pkg/store"
	"github.com/vango-go/voicebridge/pkg/twilio"
)

// CallStore is the durable record surface the server reads and mirrors
// provider state into. Satisfied by *store.Store.
type CallStore interface {
	GetCallByWorkflowID(ctx context.Context, workflowID string) (*store.CallRecord, error)
	ListTranscripts(ctx context.Context, callID string) ([]call.TranscriptSegment, error)
	SetCallSid(ctx context.Context, workflowID, callSid string) error
	UpdateCallStatus(ctx context.Context, workflowID string, status call.Status) error
}

// Deps are the collaborators the server needs. Store is optional; without it
// the read API serves workflow queries only and provider callbacks are not
// mirrored into the record.
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	Temporal client.Client
	Sessions *sessioncache.Cache
	Bridges  *bridge.Manager
	Store    CallStore
}

// Server routes HTTP and websocket traffic.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	temporal client.Client
	sessions *sessioncache.Cache
	bridges  *bridge.Manager
	store    CallStore
	upgrader websocket.Upgrader
}

// New wires a server from its dependencies.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      deps.Config,
		logger:   logger,
		temporal: deps.Temporal,
		sessions: deps.Sessions,
		bridges:  deps.Bridges,
		store:    deps.Store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The telephony provider connects with no Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /calls", s.handleCreateCall)
	mux.HandleFunc("GET /calls/{workflowID}", s.handleGetCall)
	mux.HandleFunc("DELETE /calls/{workflowID}", s.handleCancelCall)
	mux.HandleFunc("POST /twilio/status/{workflowID}", s.handleStatusCallback)
	mux.HandleFunc("POST /twilio/stream-status/{workflowID}", s.handleStreamStatusCallback)
	mux.HandleFunc("POST /twilio/twiml/{workflowID}", s.handleTwiML)
	mux.HandleFunc("GET /twilio/ws/media/{workflowID}", s.handleMediaStream)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, prewarmed := s.bridges.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"active_sessions":    active,
		"prewarmed_sessions": prewarmed,
	})
}

type createCallRequest struct {
	PhoneNumber        string            `json:"phone_number"`
	Greeting           string            `json:"greeting,omitempty"`
	SystemPrompt       string            `json:"system_prompt,omitempty"`
	MaxDurationSeconds int               `json:"max_duration_seconds,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phone_number is required")
		return
	}
	if req.Greeting == "" {
		req.Greeting = s.cfg.DefaultGreeting
	}
	if req.SystemPrompt == "" {
		req.SystemPrompt = s.cfg.DefaultSystemPrompt
	}
	if req.MaxDurationSeconds <= 0 {
		req.MaxDurationSeconds = int(s.cfg.MaxCallDuration / time.Second)
	}

	workflowID := "call-" + uuid.NewString()
	run, err := s.temporal.ExecuteWorkflow(r.Context(), client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: s.cfg.TaskQueue,
	}, call.WorkflowName, call.WorkflowInput{
		PhoneNumber:        req.PhoneNumber,
		Greeting:           req.Greeting,
		SystemPrompt:       req.SystemPrompt,
		MaxDurationSeconds: req.MaxDurationSeconds,
		Metadata:           req.Metadata,
	})
	if err != nil {
		s.logger.Error("failed to start call workflow", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start call")
		return
	}

	// Warm the model session while the phone is still ringing. Best
	// effort; a failed prewarm just means a cold dial when media arrives.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.bridges.Prewarm(ctx, workflowID, bridge.SessionParams{
			Greeting:     req.Greeting,
			SystemPrompt: req.SystemPrompt,
			Model:        s.cfg.GeminiModel,
			Voice:        s.cfg.GeminiVoice,
			VAD:          s.cfg.VAD,
		})
		if err != nil && !errors.Is(err, bridge.ErrAlreadyPrewarmed) {
			s.logger.Warn("prewarm failed", "workflow_id", workflowID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": workflowID,
		"run_id":      run.GetRunID(),
		"status":      string(call.StatusInitiated),
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowID")

	resp := map[string]any{"workflow_id": workflowID}

	v, err := s.temporal.QueryWorkflow(r.Context(), workflowID, "", call.QueryCallStatus)
	if err == nil {
		var status string
		if err := v.Get(&status); err == nil {
			resp["status"] = status
		}
		if tv, err := s.temporal.QueryWorkflow(r.Context(), workflowID, "", call.QueryTranscriptCount); err == nil {
			var count int
			if err := tv.Get(&count); err == nil {
				resp["transcript_count"] = count
			}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// The workflow may be long gone; fall back to the durable record.
	if s.store != nil {
		rec, serr := s.store.GetCallByWorkflowID(r.Context(), workflowID)
		if serr == nil {
			resp["status"] = rec.Status
			resp["record"] = rec
			if transcripts, terr := s.store.ListTranscripts(r.Context(), rec.ID); terr == nil {
				resp["transcripts"] = transcripts
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		if !errors.Is(serr, store.ErrNotFound) {
			s.logger.Error("call record lookup failed", "workflow_id", workflowID, "error", serr)
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("call %s not found", workflowID))
}

func (s *Server) handleCancelCall(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowID")
	if err := s.temporal.CancelWorkflow(r.Context(), workflowID, ""); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("call %s not found", workflowID))
		return
	}
	s.bridges.CleanupPrewarm(workflowID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": workflowID,
		"status":      "canceling",
	})
}

// handleStatusCallback receives call progress webhooks. Always answers 200:
// a non-2xx makes the provider retry and eventually disable the callback.
func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowID")
	if err := r.ParseForm(); err != nil {
		s.logger.Warn("bad status callback form", "workflow_id", workflowID, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	status := r.PostForm.Get("CallStatus")
	callSid := r.PostForm.Get("CallSid")
	s.logger.Info("call status callback", "workflow_id", workflowID, "provider_status", status, "call_sid", callSid)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if callSid != "" {
		if err := s.temporal.SignalWorkflow(ctx, workflowID, "", call.SignalSetCallSid, callSid); err != nil {
			s.logger.Warn("set_call_sid signal failed", "workflow_id", workflowID, "error", err)
		}
	}
	if status != "" {
		if err := s.temporal.SignalWorkflow(ctx, workflowID, "", call.SignalCallStatusChanged, status); err != nil {
			s.logger.Warn("call_status_changed signal failed", "workflow_id", workflowID, "error", err)
		}
	}
	s.mirrorProviderState(ctx, workflowID, callSid, status)
	w.WriteHeader(http.StatusOK)
}

// mirrorProviderState writes webhook progress straight into the durable
// record so reads stay fresh even while the workflow is mid-flight. The
// workflow remains the authority on the final status.
func (s *Server) mirrorProviderState(ctx context.Context, workflowID, callSid, providerStatus string) {
	if s.store == nil {
		return
	}
	if callSid != "" {
		if err := s.store.SetCallSid(ctx, workflowID, callSid); err != nil {
			s.logger.Warn("recording call sid failed", "workflow_id", workflowID, "error", err)
		}
	}
	if mapped, ok := call.StatusFromProvider(providerStatus); ok {
		if err := s.store.UpdateCallStatus(ctx, workflowID, mapped); err != nil {
			s.logger.Warn("mirroring call status failed", "workflow_id", workflowID, "error", err)
		}
	}
}

func (s *Server) handleStreamStatusCallback(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowID")
	if err := r.ParseForm(); err == nil {
		s.logger.Info("stream status callback",
			"workflow_id", workflowID,
			"stream_event", r.PostForm.Get("StreamEvent"),
			"stream_sid", r.PostForm.Get("StreamSid"))
	}
	w.WriteHeader(http.StatusOK)
}

// handleTwiML serves call instructions for flows where the provider fetches
// them from a URL instead of receiving them inline.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowID")
	streamURL := wsBaseURL(s.cfg.PublicBaseURL) + "/twilio/ws/media/" + workflowID
	statusCallback := s.cfg.PublicBaseURL + "/twilio/stream-status/" + workflowID
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, twilio.StreamTwiML(streamURL, statusCallback))
}

func wsBaseURL(base string) string {
	switch {
	case len(base) > 8 && base[:8] == "https://":
		return "wss://" + base[8:]
	case len(base) > 7 && base[:7] == "http://":
		return "ws://" + base[7:]
	}
	return base
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
