package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"github.com/VictorNLopes/SAGE-TreeView/api/metrics"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/catalog"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/session"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/topology"
)

const (
	// RootToken addresses the root node in tree routes.
	RootToken = "root"

	defaultQueryTimeout = 60 * time.Second
	defaultWindow       = 24 * time.Hour
)

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Sessions *session.Manager

	ProfilePath string
	// Location is the zone history timestamps are rendered in.
	Location     *time.Location
	QueryTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Sessions == nil {
		return errors.New("session manager is required")
	}
	if cfg.ProfilePath == "" {
		return errors.New("profile path is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	return nil
}

// Server serves the tree and query API over one session manager. Requests that touch the
// database run one at a time.
type Server struct {
	log     *slog.Logger
	cfg     Config
	nav     *topology.Navigator
	catalog *catalog.Catalog

	mu   sync.Mutex
	tree *tree
	// lost holds a transport failure the navigator swallowed during the current request.
	lost error
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg}

	nav, err := topology.NewNavigator(topology.Config{
		Logger:      cfg.Logger,
		OnTransient: func(err error) { s.lost = err },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create navigator: %w", err)
	}
	cat, err := catalog.New(catalog.Config{Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}
	s.nav = nav
	s.catalog = cat
	return s, nil
}

// Routes registers the API on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/api/version", GetVersion)
	r.Get("/api/tables", s.GetTables)

	r.Get("/api/profile", s.GetProfile)
	r.Put("/api/profile", s.PutProfile)

	r.Get("/api/connection", s.GetConnection)
	r.Post("/api/connection", s.PostConnection)
	r.Post("/api/connection/reconnect", s.PostReconnect)
	r.Delete("/api/connection", s.DeleteConnection)

	r.Get("/api/tree", s.GetRoot)
	r.Get("/api/tree/{token}", s.GetNode)
	r.Get("/api/tree/{token}/children", s.GetChildren)
	r.Get("/api/tree/{token}/has-children", s.GetHasChildren)
	r.Post("/api/tree/{token}/history", s.PostHistory)
	r.Post("/api/tree/{token}/alarms", s.PostAlarms)
	r.Post("/api/tree/{token}/aggregate", s.PostAggregate)
}

// Handler returns a router serving only the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.Routes(r)
	return r
}

// Close tears down the open session.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = nil
	return s.cfg.Sessions.Close()
}

// current returns the open session and the tree cache bound to it. The cache is rebuilt
// whenever the session changed since the last request. Callers hold s.mu.
func (s *Server) current() (*session.Session, *tree, error) {
	sess := s.cfg.Sessions.Current()
	if sess == nil {
		s.tree = nil
		return nil, nil, errNotConnected
	}
	if s.tree == nil || s.tree.sessionID != sess.ID {
		s.tree = newTree(sess.ID)
	}
	return sess, s.tree, nil
}

// fail writes err. A transport failure first gets exactly one health check; the action
// is abandoned either way and the client decides whether to reconnect and retry.
func (s *Server) fail(w http.ResponseWriter, sess *session.Session, err error) {
	status, body := errorResponse(err)
	if body.Outcome == "transient" {
		healthy := s.cfg.Sessions.HealthCheck(sess)
		metrics.TransientErrorsTotal.WithLabelValues(strconv.FormatBool(healthy)).Inc()
		body.Reconnect = !healthy
		s.log.Warn("handlers: transient database failure", "session_healthy", healthy, "error", err)
	} else if status == http.StatusInternalServerError {
		s.log.Error("handlers: request failed", "error", err)
	}
	writeJSON(w, status, body)
}

// takeLost returns and clears the transport failure recorded by the navigator.
func (s *Server) takeLost() error {
	err := s.lost
	s.lost = nil
	return err
}

func (s *Server) queryContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
}

// window resolves an optional time range. The default is the last 24 hours. Reversed
// and zero-width ranges are passed through; they simply select no rows.
func (s *Server) window(start, end *time.Time) (time.Time, time.Time) {
	e := s.cfg.Clock.Now()
	if end != nil {
		e = *end
	}
	st := e.Add(-defaultWindow)
	if start != nil {
		st = *start
	}
	// SAGE stores timestamps as UTC wall time.
	return st.UTC(), e.UTC()
}
