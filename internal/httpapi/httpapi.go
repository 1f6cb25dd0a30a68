// Package httpapi is a thin status/progress surface for the CLI commands
// this engine runs as background jobs: health, Prometheus
// metrics, a snapshot of recently started jobs, and a websocket a client
// can subscribe to for one job's progress events as they happen. Grounded
// on the teacher's internal/api/server.go (gorilla/mux routing, rs/cors,
// graceful Start/Stop) and internal/api/websocket.go (the Hub this package's
// Hub in hub.go is adapted from), re-pointed at the job/event model a
// backtest-active/optimize/reconcile-trades run needs instead of the
// teacher's order/position/trade streaming.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// JobStatus is the lifecycle state of one tracked background command run.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one tracked invocation of a long-running subcommand.
type Job struct {
	ID       string     `json:"id"`
	Command  string     `json:"command"`
	Status   JobStatus  `json:"status"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
	Error    string     `json:"error,omitempty"`
	Channel  string     `json:"channel"`
}

// Config controls the HTTP server's bind address and timeouts.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns conservative timeouts for a single-operator status
// surface, not a public-facing API.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         8090,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

// Server exposes job status, health, metrics, and a progress websocket.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	jobs       map[string]*Job
}

// NewServer constructs a Server and its routes. logger may be nil.
func NewServer(logger *zap.Logger, config Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger: logger,
		config: config,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		jobs:   make(map[string]*Job),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/progress", s.handleWebSocket)
}

// Start runs the HTTP server, first starting the hub's event loop in its
// own goroutine; it blocks until Stop is called or the server fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting status server", zap.String("addr", addr))
	go s.hub.Run()

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// StartJob registers a new running job under command, returning its id and
// the channel a caller should publish progress events to via Hub().
func (s *Server) StartJob(command string) *Job {
	job := &Job{
		ID:      uuid.NewString(),
		Command: command,
		Status:  JobRunning,
		Started: time.Now(),
	}
	job.Channel = "job:" + job.ID

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.hub.PublishToChannel(job.Channel, EventJobStarted, job)
	return job
}

// FinishJob marks job completed (err == nil) or failed, and publishes the
// terminal event on its channel.
func (s *Server) FinishJob(job *Job, err error) {
	now := time.Now()

	s.mu.Lock()
	job.Finished = &now
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
	} else {
		job.Status = JobCompleted
	}
	s.mu.Unlock()

	eventType := EventJobCompleted
	if err != nil {
		eventType = EventJobFailed
	}
	s.hub.PublishToChannel(job.Channel, eventType, job)
}

// PublishProgress publishes an arbitrary progress payload on job's channel,
// for a caller streaming per-item completion as it happens.
func (s *Server) PublishProgress(job *Job, data interface{}) {
	s.hub.PublishToChannel(job.Channel, EventJobProgress, data)
}

// Hub returns the underlying event hub, for callers that need to publish
// directly without a tracked Job (e.g. a one-shot global notice).
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan []byte, 64),
		subscriptions: make(map[string]bool),
	}
	s.hub.register <- c

	channel := r.URL.Query().Get("channel")
	if channel != "" {
		s.hub.Subscribe(c, channel)
	}

	go c.writePump()
	go c.readPump(s.hub)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
