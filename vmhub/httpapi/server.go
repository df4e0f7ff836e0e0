// Package httpapi exposes the lifecycle manager over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tomyedwab/vmhub/vmhub/api"
	"github.com/tomyedwab/vmhub/vmhub/audit"
	"github.com/tomyedwab/vmhub/vmhub/httpapi/middleware"
	"github.com/tomyedwab/vmhub/vmhub/lifecycle"
	"github.com/tomyedwab/vmhub/vmhub/processes"
	"github.com/tomyedwab/vmhub/vmhub/registry"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
)

// Lifecycle is the subset of *lifecycle.Manager the API calls.
type Lifecycle interface {
	Launch(ctx context.Context, req lifecycle.LaunchRequest) (*lifecycle.LaunchResult, error)
	List(ctx context.Context) ([]registry.InstanceRecord, error)
	Delete(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*lifecycle.InstanceStatus, error)
	Logs(ctx context.Context, id string, afterID int64) ([]processes.ConsoleEntry, error)
}

// AuditLog reads recorded lifecycle events.
type AuditLog interface {
	GetRecentEvents(limit int) ([]audit.AuditEvent, error)
	GetEventsByInstanceID(instanceID string, limit int) ([]audit.AuditEvent, error)
}

// Config holds the dependencies of a Server.
type Config struct {
	Lifecycle   Lifecycle
	Audit       AuditLog     // Optional, /audit-events is not served without it
	Metrics     http.Handler // Optional, /metrics is not served without it
	CORSOrigins []string
	Logger      *slog.Logger // Optional, defaults to slog.Default()
}

// Server routes HTTP requests to the lifecycle manager.
type Server struct {
	lifecycle Lifecycle
	audit     AuditLog
	logger    *slog.Logger
	handler   http.Handler
}

// NewServer builds the route table.
func NewServer(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		lifecycle: config.Lifecycle,
		audit:     config.Audit,
		logger:    logger.With("component", "HTTPServer"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /launch-vm", s.handleLaunch)
	mux.HandleFunc("GET /list-vms", s.handleList)
	mux.HandleFunc("DELETE /delete-vm", s.handleDelete)
	mux.HandleFunc("GET /vm-status", s.handleStatus)
	mux.HandleFunc("GET /vm-logs", s.handleLogs)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok")
	})
	if config.Audit != nil {
		mux.HandleFunc("GET /audit-events", s.handleAuditEvents)
	}
	if config.Metrics != nil {
		mux.Handle("GET /metrics", config.Metrics)
	}

	origins := config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = middleware.Chain(
		mux.ServeHTTP,
		middleware.EnableCrossOrigin(origins),
		middleware.LogRequests(s.logger),
	)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// statusFor maps a lifecycle error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNameInUse):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrInvalidName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAPIResponse(w http.ResponseWriter, r *http.Request, resp any, status int) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode response", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req api.LaunchVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.handleAPIResponse(w, r, api.LaunchVMResponse{
			Success: false,
			Message: fmt.Sprintf("Invalid request body: %v", err),
		}, http.StatusBadRequest)
		return
	}

	result, err := s.lifecycle.Launch(r.Context(), lifecycle.LaunchRequest{
		Name:         req.Name,
		InstanceType: req.InstanceType,
		Region:       req.Region,
	})
	if err != nil {
		s.handleAPIResponse(w, r, api.LaunchVMResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to launch VM: %v", err),
		}, statusFor(err))
		return
	}

	s.handleAPIResponse(w, r, api.LaunchVMResponse{
		Success:    true,
		Message:    result.Message,
		InstanceID: result.Record.ID,
		SSHPort:    result.Record.SSHPort,
		PID:        result.Record.PID,
	}, http.StatusOK)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.lifecycle.List(r.Context())
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.handleAPIResponse(w, r, records, http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req api.DeleteVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		// Also accept ?id= for clients that cannot send a DELETE body.
		req.ID = r.URL.Query().Get("id")
	}
	if req.ID == "" {
		http.Error(w, "Missing VM id", http.StatusBadRequest)
		return
	}

	err := s.lifecycle.Delete(r.Context(), req.ID)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, api.DeleteSuccessMessage)
	case errors.Is(err, lifecycle.ErrNotFound):
		http.Error(w, api.DeleteNotFoundMessage, http.StatusNotFound)
	default:
		s.logger.Error("Failed to delete VM", "instanceID", req.ID, "error", err)
		http.Error(w, fmt.Sprintf("Failed to delete VM: %v", err), http.StatusInternalServerError)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing VM id", http.StatusBadRequest)
		return
	}
	status, err := s.lifecycle.Status(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.handleAPIResponse(w, r, api.VMStatusResponse{
		ID:                 status.Record.ID,
		Name:               status.Record.Name,
		SSHPort:            status.Record.SSHPort,
		PID:                status.Record.PID,
		Status:             string(status.Record.Status),
		SSHReady:           status.SSHReady,
		HostKeyFingerprint: status.HostKeyFingerprint,
	}, http.StatusOK)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing VM id", http.StatusBadRequest)
		return
	}
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, fmt.Sprintf("Invalid after %s", v), http.StatusBadRequest)
			return
		}
		after = parsed
	}
	entries, err := s.lifecycle.Logs(r.Context(), id, after)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.handleAPIResponse(w, r, entries, http.StatusOK)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, fmt.Sprintf("Invalid limit %s", v), http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxAuditLimit)
	}

	var (
		events []audit.AuditEvent
		err    error
	)
	if id := r.URL.Query().Get("instance_id"); id != "" {
		events, err = s.audit.GetEventsByInstanceID(id, limit)
	} else {
		events, err = s.audit.GetRecentEvents(limit)
	}
	if err != nil {
		s.handleError(w, r, fmt.Errorf("read audit events: %w", err))
		return
	}
	s.handleAPIResponse(w, r, events, http.StatusOK)
}
