// Package api is the hub's HTTP surface: job and run management for
// operators, the task queue controls, and the websocket endpoint agents
// connect to.
package api

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Syt100/bastion-sub005/internal/bus"
	"github.com/Syt100/bastion-sub005/internal/dispatch"
	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/logging"
	"github.com/Syt100/bastion-sub005/internal/protocol"
	"github.com/Syt100/bastion-sub005/internal/queue"
	"github.com/Syt100/bastion-sub005/internal/scheduler"
)

// Server wires the HTTP routes to the hub's components.
type Server struct {
	DB         *sql.DB
	Store      *jobs.Store
	Queue      *queue.Queue
	Bus        *bus.Bus
	Dispatcher *dispatch.Dispatcher
	Scanner    *scheduler.Scanner
	AgentToken string
	// PublishWake broadcasts a scheduler wake to other hub instances.
	PublishWake func()

	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewServer(db *sql.DB, store *jobs.Store, q *queue.Queue, b *bus.Bus, d *dispatch.Dispatcher, sc *scheduler.Scanner, agentToken string) *Server {
	return &Server{
		DB:         db,
		Store:      store,
		Queue:      q,
		Bus:        b,
		Dispatcher: d,
		Scanner:    sc,
		AgentToken: agentToken,
		log:        logging.With("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Patch("/", s.handleUpdateJob)
				r.Delete("/", s.handleArchiveJob)
				r.Post("/run", s.handleRunNow)
				r.Get("/runs", s.handleListRuns)
			})
		})
		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Get("/events", s.handleRunEvents)
			r.Post("/cancel", s.handleCancelRun)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/events", s.handleTaskEvents)
				r.Post("/retry", s.taskAction(s.Queue.RetryNow))
				r.Post("/ignore", s.taskAction(s.Queue.Ignore))
				r.Post("/unignore", s.taskAction(s.Queue.Unignore))
				r.Post("/abandon", s.taskAction(s.Queue.Abandon))
			})
		})
		r.Post("/deletions", s.handleCreateDeletion)
		r.Get("/agents", s.handleListAgents)
		r.Get("/agents/{agentID}/artifacts/*", s.handleDownloadArtifact)
		r.Get("/agent/ws", s.handleAgentWS)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "hub"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.DB.PingContext(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleAgentWS authenticates and upgrades an agent connection, then hands
// the socket to the dispatcher for the life of the session.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	env, err := readFrame(conn)
	if err != nil || env.Type != protocol.TypeHello {
		_ = conn.Close()
		return
	}
	var hello protocol.Hello
	if err := protocol.DecodePayload(env, &hello); err != nil || hello.AgentID == "" {
		_ = conn.Close()
		return
	}
	if s.AgentToken == "" || subtle.ConstantTimeCompare([]byte(hello.Token), []byte(s.AgentToken)) != 1 {
		s.log.Warn().Str("agent_id", hello.AgentID).Msg("agent auth rejected")
		_ = conn.Close()
		return
	}

	s.Dispatcher.ServeAgent(r.Context(), hello.AgentID, conn)
}

func readFrame(conn *websocket.Conn) (protocol.Envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	return protocol.Decode(data)
}

// ---------- helpers ----------

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// mapStoreErr translates store errors to HTTP statuses.
func mapStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, queue.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, queue.ErrConflict):
		writeError(w, http.StatusConflict, "conflicting state")
	case errors.Is(err, jobs.ErrTerminal):
		writeError(w, http.StatusConflict, "run already terminal")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
