// Package httpapi serves the TeleVPS operator REST API, health check and
// Prometheus metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jxucoder/TeleVPS/internal/metrics"
	"github.com/jxucoder/TeleVPS/pkg/audit"
	"github.com/jxucoder/TeleVPS/pkg/lifecycle"
	"github.com/jxucoder/TeleVPS/pkg/model"
)

// Controller is the lifecycle surface exposed over HTTP. Destroy is not
// part of it; it is only reachable through the confirmation gate.
type Controller interface {
	Provision(ctx context.Context, req lifecycle.ProvisionRequest) (*lifecycle.Provisioned, error)
	Start(ctx context.Context, ref string) error
	Stop(ctx context.Context, ref string) error
	Restart(ctx context.Context, ref string) error
	Logs(ctx context.Context, ref string, tail, maxChars int) (string, error)
	Link(ctx context.Context, ref string) (string, error)
	List(ctx context.Context) ([]model.VPS, error)
	ListOwned(ctx context.Context, ownerID uint64) ([]model.VPS, error)
}

// Journal records API actions and lists recent ones.
type Journal interface {
	Record(ctx context.Context, e *audit.Entry) error
	Recent(ctx context.Context, limit int) ([]*audit.Entry, error)
}

// Platform is the audit platform name for API actions.
const Platform = "api"

// Server is the HTTP handler.
type Server struct {
	ctrl     Controller
	journal  Journal
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	token    string
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithJournal records API lifecycle actions and serves GET /api/audit.
func WithJournal(j Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithToken enables the /api routes behind bearer authentication.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithMetrics counts requests into m and serves g at /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// New builds the router.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, gatherer: prometheus.DefaultGatherer}
	for _, o := range opts {
		o(s)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	if s.metrics != nil {
		r.Use(s.instrument)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	if s.token == "" {
		return r
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/vps", s.handleList)
		r.Post("/vps", s.handleProvision)
		r.Get("/vps/{id}/link", s.handleLink)
		r.Get("/vps/{id}/logs", s.handleLogs)
		r.Post("/vps/{id}/start", s.handleSimple(audit.ActionStart, Controller.Start))
		r.Post("/vps/{id}/stop", s.handleSimple(audit.ActionStop, Controller.Stop))
		r.Post("/vps/{id}/restart", s.handleSimple(audit.ActionRestart, Controller.Restart))
		r.Get("/audit", s.handleAudit)
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(status))
	})
}

// --- Request/Response types ---

type provisionRequest struct {
	OwnerID  uint64 `json:"owner_id"`
	OwnerTag string `json:"owner_tag"`
	Image    string `json:"image,omitempty"`
}

type provisionResponse struct {
	ContainerID string         `json:"container_id"`
	Name        string         `json:"name"`
	Image       string         `json:"image"`
	Owner       model.Identity `json:"owner"`
	Token       string         `json:"token,omitempty"`
	Ready       bool           `json:"ready"`
}

type linkResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Ready bool   `json:"ready"`
}

type logsResponse struct {
	ID   string `json:"id"`
	Logs string `json:"logs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var (
		vpses []model.VPS
		err   error
	)
	if owner := r.URL.Query().Get("owner"); owner != "" {
		id, perr := strconv.ParseUint(owner, 10, 64)
		if perr != nil || id == 0 {
			writeError(w, http.StatusBadRequest, "owner must be a non-zero user id")
			return
		}
		vpses, err = s.ctrl.ListOwned(r.Context(), id)
	} else {
		vpses, err = s.ctrl.List(r.Context())
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	if vpses == nil {
		vpses = []model.VPS{}
	}
	writeJSON(w, http.StatusOK, vpses)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OwnerTag == "" {
		req.OwnerTag = strconv.FormatUint(req.OwnerID, 10)
	}
	owner := model.Identity{ID: req.OwnerID, Tag: req.OwnerTag}

	p, err := s.ctrl.Provision(r.Context(), lifecycle.ProvisionRequest{Owner: owner, Image: req.Image})
	switch {
	case err == nil:
		s.record(r.Context(), audit.ActionCreate, p.Name, audit.OutcomeOK, "")
		writeJSON(w, http.StatusCreated, provisionResponseFor(p, true))
	case errors.Is(err, model.ErrReadinessTimeout) && p != nil:
		s.record(r.Context(), audit.ActionCreate, p.Name, audit.OutcomeTimeout, err.Error())
		writeJSON(w, http.StatusAccepted, provisionResponseFor(p, false))
	case errors.Is(err, model.ErrResolution):
		writeError(w, http.StatusBadRequest, "owner_id is required")
	default:
		s.record(r.Context(), audit.ActionCreate, owner.Tag, audit.OutcomeFailed, err.Error())
		writeFailure(w, err)
	}
}

func provisionResponseFor(p *lifecycle.Provisioned, ready bool) provisionResponse {
	return provisionResponse{
		ContainerID: p.ContainerID,
		Name:        p.Name,
		Image:       p.Image,
		Owner:       p.Owner,
		Token:       p.Token,
		Ready:       ready,
	}
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token, err := s.ctrl.Link(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linkResponse{ID: id, Token: token, Ready: token != ""})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tail, err := intParam(r, "tail")
	if err != nil {
		writeError(w, http.StatusBadRequest, "tail must be an integer")
		return
	}
	maxChars, err := intParam(r, "max_chars")
	if err != nil {
		writeError(w, http.StatusBadRequest, "max_chars must be an integer")
		return
	}
	out, err := s.ctrl.Logs(r.Context(), id, tail, maxChars)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{ID: id, Logs: out})
}

func (s *Server) handleSimple(action string, call func(Controller, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := call(s.ctrl, r.Context(), id); err != nil {
			s.record(r.Context(), action, id, audit.OutcomeFailed, err.Error())
			writeFailure(w, err)
			return
		}
		s.record(r.Context(), action, id, audit.OutcomeOK, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, []*audit.Entry{})
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) record(ctx context.Context, action, target, outcome, detail string) {
	if s.journal == nil {
		return
	}
	err := s.journal.Record(ctx, &audit.Entry{
		Action:   action,
		Target:   target,
		Platform: Platform,
		ActorTag: Platform,
		Outcome:  outcome,
		Detail:   detail,
	})
	if err != nil {
		log.Printf("HTTP API: recording %s %s: %v", action, target, err)
	}
}

// --- Helpers ---

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// writeFailure maps controller errors to HTTP statuses. Engine stderr is
// returned verbatim.
func writeFailure(w http.ResponseWriter, err error) {
	var opErr *model.OperationError
	switch {
	case errors.As(err, &opErr) && strings.TrimSpace(opErr.Stderr) != "":
		writeError(w, http.StatusBadGateway, strings.TrimSpace(opErr.Stderr))
	case errors.Is(err, model.ErrOperationFailed), errors.Is(err, model.ErrLaunchFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
