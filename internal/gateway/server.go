// Package gateway serves a read-only HTTP view of the engine and a
// WebSocket that streams bus events and accepts control requests.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/conductor/internal/deliveries"
	"github.com/dohr-michael/conductor/internal/events"
	"github.com/dohr-michael/conductor/internal/gateway/ws"
	"github.com/dohr-michael/conductor/internal/hub"
	"github.com/dohr-michael/conductor/internal/scheduler"
	"github.com/dohr-michael/conductor/internal/storage"
	"github.com/dohr-michael/conductor/internal/tasks"
	"github.com/dohr-michael/conductor/internal/teams"
	"github.com/dohr-michael/conductor/internal/tmux"
)

// Schedules is the scheduler surface the gateway reads.
type Schedules interface {
	ListMessages(f scheduler.Filter) ([]*scheduler.ScheduledMessage, error)
	ListCheckIns(f scheduler.Filter) ([]*scheduler.CheckIn, error)
	NextFirings() ([]scheduler.Firing, error)
}

// Deliveries is the delivery log surface the gateway reads.
type Deliveries interface {
	List(ctx context.Context, f deliveries.Filter) ([]deliveries.Entry, error)
}

// Tasks is the task surface the gateway reads.
type Tasks interface {
	List(f tasks.Filter) ([]*tasks.Task, error)
	Read(ref string) (*tasks.Task, error)
}

// Subscriptions is the hub surface the gateway reads.
type Subscriptions interface {
	List() []*hub.Subscription
}

// Deps are the components exposed by the gateway. Nil components answer
// 503 on their routes.
type Deps struct {
	Bus           *events.Bus
	Supervisor    tmux.Supervisor
	Teams         teams.Store
	Schedules     Schedules
	Deliveries    Deliveries
	Tasks         Tasks
	Subscriptions Subscriptions

	// Control serves mutating requests sent over /api/ws.
	Control ws.Handler
}

// Server is the conductor gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	deps       Deps
}

// NewServer creates a new gateway server.
func NewServer(deps Deps, host string, port int) *Server {
	s := &Server{
		hub:  ws.NewHub(deps.Bus),
		deps: deps,
	}
	if deps.Control != nil {
		s.hub.SetHandler(deps.Control)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", s.hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/sessions", s.handleSessions)

	r.Get("/api/teams", s.handleTeams)
	r.Get("/api/teams/{id}", s.handleTeam)
	r.Get("/api/orchestrator", s.handleOrchestrator)

	r.Get("/api/schedules", s.handleSchedules)
	r.Get("/api/checkins", s.handleCheckIns)
	r.Get("/api/firings", s.handleFirings)
	r.Get("/api/deliveries", s.handleDeliveries)

	r.Get("/api/tasks", s.handleTasks)
	r.Get("/api/tasks/{id}", s.handleTask)

	r.Get("/api/subscriptions", s.handleSubscriptions)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("gateway: listening", "addr", ln.Addr().String())
	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, tasks.ErrNotFound),
		errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, teams.ErrTeamNotFound),
		errors.Is(err, hub.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, tasks.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, storage.ErrUnavailable):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

func unavailable(w http.ResponseWriter, what string) {
	http.Error(w, what+" not available", http.StatusServiceUnavailable)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		unavailable(w, "event bus")
		return
	}
	history := s.deps.Bus.History(queryInt(r, "limit", 50))
	if t := r.URL.Query().Get("type"); t != "" {
		filtered := history[:0:0]
		for _, e := range history {
			if string(e.Type) == t {
				filtered = append(filtered, e)
			}
		}
		history = filtered
	}

	type eventJSON struct {
		ID        string             `json:"id"`
		SessionID string             `json:"session_id,omitempty"`
		Type      string             `json:"type"`
		Timestamp string             `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		Payload   map[string]any     `json:"payload"`
	}
	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			SessionID: e.SessionID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Payload:   e.Payload,
		}
	}
	writeJSON(w, result)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Supervisor == nil {
		unavailable(w, "tmux")
		return
	}
	list, err := s.deps.Supervisor.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []tmux.Session{}
	}
	writeJSON(w, list)
}

func (s *Server) handleTeams(w http.ResponseWriter, r *http.Request) {
	if s.deps.Teams == nil {
		unavailable(w, "team store")
		return
	}
	list, err := s.deps.Teams.ListTeams()
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*teams.Team{}
	}
	writeJSON(w, list)
}

func (s *Server) handleTeam(w http.ResponseWriter, r *http.Request) {
	if s.deps.Teams == nil {
		unavailable(w, "team store")
		return
	}
	t, err := s.deps.Teams.GetTeam(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, t)
}

func (s *Server) handleOrchestrator(w http.ResponseWriter, r *http.Request) {
	if s.deps.Teams == nil {
		unavailable(w, "team store")
		return
	}
	m, err := s.deps.Teams.Orchestrator()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, m)
}

func scheduleFilter(r *http.Request) scheduler.Filter {
	q := r.URL.Query()
	return scheduler.Filter{
		Target:     q.Get("target"),
		ActiveOnly: q.Get("active") == "true",
	}
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w, "scheduler")
		return
	}
	list, err := s.deps.Schedules.ListMessages(scheduleFilter(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*scheduler.ScheduledMessage{}
	}
	writeJSON(w, list)
}

func (s *Server) handleCheckIns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w, "scheduler")
		return
	}
	list, err := s.deps.Schedules.ListCheckIns(scheduleFilter(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*scheduler.CheckIn{}
	}
	writeJSON(w, list)
}

func (s *Server) handleFirings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w, "scheduler")
		return
	}
	list, err := s.deps.Schedules.NextFirings()
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []scheduler.Firing{}
	}
	writeJSON(w, list)
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deliveries == nil {
		unavailable(w, "delivery log")
		return
	}
	q := r.URL.Query()
	list, err := s.deps.Deliveries.List(r.Context(), deliveries.Filter{
		ScheduleID: q.Get("schedule"),
		Target:     q.Get("target"),
		Limit:      queryInt(r, "limit", 100),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []deliveries.Entry{}
	}
	writeJSON(w, list)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		unavailable(w, "task system")
		return
	}
	q := r.URL.Query()
	list, err := s.deps.Tasks.List(tasks.Filter{
		Status:    tasks.Status(q.Get("status")),
		Milestone: q.Get("milestone"),
		Assignee:  q.Get("assignee"),
		Member:    q.Get("member"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	writeJSON(w, list)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		unavailable(w, "task system")
		return
	}
	t, err := s.deps.Tasks.Read(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, t)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Subscriptions == nil {
		unavailable(w, "event hub")
		return
	}
	writeJSON(w, s.deps.Subscriptions.List())
}
