package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/pool"
	"github.com/fentz26/drydock/internal/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger checks the store connection. *store.Store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsProvider reports worker pool occupancy. *pool.Pool implements it.
type StatsProvider interface {
	Stats() pool.Stats
}

// Server provides the controller HTTP endpoint.
type Server struct {
	service *Service
	store   Pinger
	pool    StatsProvider
	addr    string
	server  *http.Server
	log     *zap.Logger
}

// NewServer creates a new HTTP server. pool may be nil when no worker pool
// runs in this process.
func NewServer(service *Service, st Pinger, p StatsProvider, addr string, log *zap.Logger) *Server {
	s := &Server{
		service: service,
		store:   st,
		pool:    p,
		addr:    addr,
		log:     log,
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/workers", s.handleWorkers)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/locks", s.handleLocks)

	return mux
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("Starting controller endpoint", zap.String("addr", s.addr))
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("Health check failed", zap.Error(err))
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.pool == nil {
		http.Error(w, "no worker pool in this process", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

// handleTasks handles POST /tasks and GET /tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskByID handles /tasks/{id}/*
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	taskID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case action == "runs" && r.Method == http.MethodGet:
		s.getTaskRuns(w, r, taskID)
	case action == "audit" && r.Method == http.MethodGet:
		s.getTaskAudit(w, r, taskID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelTask(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	locks, err := s.service.LockedServers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

// --- Task Handlers ---

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	t, err := s.service.CreateTask(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var states []models.TaskState
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			states = append(states, models.TaskState(st))
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	tasks, err := s.service.ListTasks(r.Context(), states, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	t, err := s.service.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) getTaskRuns(w http.ResponseWriter, r *http.Request, taskID string) {
	runs, err := s.service.TaskRuns(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getTaskAudit(w http.ResponseWriter, r *http.Request, taskID string) {
	entries, err := s.service.Audit(r.Context(), taskID, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type cancelRequest struct {
	ExecutionID string `json:"execution_id"`
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	t, err := s.service.CancelTask(r.Context(), taskID, req.ExecutionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrTaskFinished):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownTaskType):
		status = http.StatusBadRequest
	default:
		s.log.Error("Request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
