package handlers

import (
	"fmt"
	"net/http"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/profile"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/session"
)

type ConnectionResponse struct {
	session.Status
	Healthy bool `json:"healthy"`
}

// GetConnection reports the session state after one health check.
func (s *Server) GetConnection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.cfg.Sessions.Current()
	healthy := s.cfg.Sessions.HealthCheck(sess)
	writeJSON(w, http.StatusOK, ConnectionResponse{Status: sess.Status(), Healthy: healthy})
}

// PostConnection opens a new session, closing the current one. A profile in the body is
// saved before connecting; without a body the saved profile is used.
func (s *Server) PostConnection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.requestProfile(r)
	if err != nil {
		s.fail(w, nil, err)
		return
	}

	sess, err := s.cfg.Sessions.Connect(r.Context(), p)
	s.tree = nil
	if err != nil {
		s.fail(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectionResponse{Status: sess.Status(), Healthy: true})
}

// PostReconnect keeps a healthy session and replaces a stale one.
func (s *Server) PostReconnect(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.requestProfile(r)
	if err != nil {
		s.fail(w, nil, err)
		return
	}

	sess, err := s.cfg.Sessions.Reconnect(r.Context(), p)
	if err != nil {
		s.tree = nil
		s.fail(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectionResponse{Status: sess.Status(), Healthy: true})
}

// DeleteConnection closes the session.
func (s *Server) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tree = nil
	if err := s.cfg.Sessions.Close(); err != nil {
		s.log.Warn("handlers: error while closing session", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requestProfile(r *http.Request) (profile.Profile, error) {
	var p *profile.Profile
	if err := decodeJSON(r, &p); err != nil {
		return profile.Profile{}, fmt.Errorf("%w: %v", profile.ErrConfig, err)
	}
	if p == nil {
		return profile.Load(s.cfg.ProfilePath)
	}
	if err := profile.Save(s.cfg.ProfilePath, *p); err != nil {
		return profile.Profile{}, err
	}
	return *p, nil
}
