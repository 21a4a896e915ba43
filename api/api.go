// Package api implements the management HTTP surface: a thin chi-routed
// collaborator over the Task Tracker and Order Orchestrator, authenticated
// by a static header-carried key, translating every failure into an RFC
// 7807 problem+json body.
//
// Grounded on the teacher's use of github.com/go-chi/chi/v5 nowhere (the
// teacher is an interactive shell with no HTTP server of its own) but on
// chi itself as retrieved from the example pack (the router caddyserver/caddy
// uses for its admin API), generalized here from a REPL command dispatch
// table into an HTTP route table with the same "one handler per verb"
// shape the teacher's shell/commands package uses for its ishell commands.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/cpu/acmed/acmeproblem"
	"github.com/cpu/acmed/orchestrator"
	"github.com/cpu/acmed/tasktracker"
)

// RevokeFunc revokes the certificate identified by domainSetFingerprint for
// the given RFC 5280 reason code.
type RevokeFunc func(ctx context.Context, domainSetFingerprint string, reason int) error

// Server wires the management API's dependencies: a Task Tracker to submit
// and poll provisioning work, an Orchestrator to drive new orders, and a
// RevokeFunc for certificate revocation.
type Server struct {
	tracker   *tasktracker.Tracker
	orch      *orchestrator.Orchestrator
	revoke    RevokeFunc
	apiKey    string
	log       *logrus.Entry
	startedAt func() bool
}

// NewServer builds a Server. apiKey is the expected value of the
// X-API-Key request header; every route except /health requires it. An
// empty apiKey disables the check, so every route is then open.
// ready reports whether the server is prepared to accept issuance work
// (used by /health).
func NewServer(tracker *tasktracker.Tracker, orch *orchestrator.Orchestrator, revoke RevokeFunc, apiKey string, ready func() bool, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		tracker:   tracker,
		orch:      orch,
		revoke:    revoke,
		apiKey:    apiKey,
		log:       log.WithField("component", "management-api"),
		startedAt: ready,
	}
}

// Router builds the chi route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/orders", s.handleCreateOrder)
		r.Get("/orders/{taskID}", s.handleGetOrder)
		r.Post("/orders/{taskID}/cancel", s.handleCancelOrder)
		r.Post("/certificates/{id}/revoke", s.handleRevoke)
	})

	return r
}

// recoverer is chi's panic recovery middleware, wrapped so an unhandled
// panic is rendered as a problem+json 502 (KindProtocol) instead of chi's default plain
// text response, per the error handling design's "never crash the process
// on a single bad request" requirement.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.WithField("panic", rec).Error("recovered from handler panic")
				writeProblem(w, acmeproblem.New(acmeproblem.KindProtocol, "internal error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), []byte(s.apiKey)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		writeProblem(w, acmeproblem.New(acmeproblem.KindUnauthorized, "missing or invalid X-API-Key", nil))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok"}
	if !s.startedAt() {
		status = http.StatusServiceUnavailable
		body["status"] = "not_ready"
	}
	writeJSON(w, status, body)
}

type createOrderRequest struct {
	Domains []string `json:"domains"`
}

type taskAcceptedResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, acmeproblem.New(acmeproblem.KindProtocol, "invalid JSON body", err))
		return
	}
	if len(req.Domains) == 0 {
		writeProblem(w, acmeproblem.New(acmeproblem.KindProtocol, "domains must be non-empty", nil))
		return
	}

	taskID, err := s.tracker.Submit("order", tasktracker.PriorityNormal, func(ctx context.Context, report func(string)) (interface{}, error) {
		report("provisioning")
		return s.orch.Run(ctx, req.Domains)
	})
	if err != nil {
		writeProblemErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskAcceptedResponse{TaskID: taskID})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, ok := s.tracker.Status(taskID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, taskView(task))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, ok := s.tracker.Status(taskID); !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.tracker.Cancel(taskID)
	w.WriteHeader(http.StatusNoContent)
}

type revokeRequest struct {
	Reason int `json:"reason"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, acmeproblem.New(acmeproblem.KindProtocol, "invalid JSON body", err))
		return
	}

	taskID, err := s.tracker.Submit("revoke", tasktracker.PriorityHigh, func(ctx context.Context, report func(string)) (interface{}, error) {
		report("revoking")
		return nil, s.revoke(ctx, id, req.Reason)
	})
	if err != nil {
		writeProblemErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskAcceptedResponse{TaskID: taskID})
}

type taskResponse struct {
	TaskID   string `json:"task_id"`
	Kind     string `json:"kind"`
	State    string `json:"state"`
	Progress string `json:"progress,omitempty"`
	Error    string `json:"error,omitempty"`
}

func taskView(t tasktracker.Task) taskResponse {
	view := taskResponse{
		TaskID:   t.ID,
		Kind:     t.Kind,
		State:    string(t.State),
		Progress: t.Progress,
	}
	if t.Err != nil {
		view.Error = t.Err.Error()
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeProblemErr(w http.ResponseWriter, err error) {
	var perr *acmeproblem.Error
	if acmeproblem.As(err, &perr) {
		writeProblem(w, perr)
		return
	}
	writeProblem(w, acmeproblem.New(acmeproblem.KindProtocol, err.Error(), err))
}

func writeProblem(w http.ResponseWriter, err *acmeproblem.Error) {
	doc := err.ToDocument()
	w.Header().Set("Content-Type", "application/problem+json")
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	w.WriteHeader(doc.Status)
	_ = json.NewEncoder(w).Encode(doc)
}
