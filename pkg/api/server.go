package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/selene-os/selene/core/pkg/dispatch"
	"github.com/selene-os/selene/core/pkg/envelope"
	"github.com/selene-os/selene/core/pkg/lifecycle"
)

// InvokeRequest is the body of POST /v1/invoke.
type InvokeRequest struct {
	CapabilityID string `json:"capability_id"`
	envelope.Envelope
}

// Server exposes the kernel over HTTP. Authentication, request ids and
// edge rate limiting are middleware concerns; the server itself only
// translates between HTTP and dispatch.
type Server struct {
	dispatcher *dispatch.Dispatcher
	projector  *lifecycle.Projector
	logger     *slog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(d *dispatch.Dispatcher, p *lifecycle.Projector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{dispatcher: d, projector: p, logger: logger}
}

// Routes registers the kernel endpoints on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/v1/invoke", s.HandleInvoke)
	mux.HandleFunc("/v1/state/", s.HandleState)
	return mux
}

// HandleHealth reports liveness. It is a public path.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleInvoke runs one capability invocation for the authenticated
// caller.
func (s *Server) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	principal, err := PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.CapabilityID == "" {
		WriteBadRequest(w, "Missing required field: capability_id")
		return
	}
	// The token's tenant binding wins over whatever the body claims.
	if req.TenantID != "" && req.TenantID != principal.TenantID {
		WriteForbidden(w, "Envelope tenant does not match caller tenant")
		return
	}
	req.TenantID = principal.TenantID

	resp, err := s.dispatcher.Invoke(r.Context(), req.CapabilityID, &req.Envelope, principal.Role)
	if err != nil {
		WriteRefusal(w, dispatch.CodeOf(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleState serves the projected lifecycle state of one entity:
// GET /v1/state/{engine_id}/{entity_id}.
func (s *Server) HandleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	principal, err := PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	if s.projector == nil {
		WriteProblem(w, http.StatusNotFound, "Not Found", "State projection is not enabled", "")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/state/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		WriteBadRequest(w, "Expected /v1/state/{engine_id}/{entity_id}")
		return
	}
	engineID, entityID := parts[0], parts[1]

	record, err := s.projector.Current(r.Context(), principal.TenantID, engineID, entityID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNoMachine) {
			WriteBadRequest(w, "Engine has no lifecycle state machine")
			return
		}
		WriteInternal(w, err)
		return
	}
	if record == nil {
		WriteProblem(w, http.StatusNotFound, "Not Found", "Entity has no recorded history", "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(record)
}
