package handlers

import (
	"fmt"
	"net/http"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/profile"
)

// GetProfile returns the saved connection profile.
func (s *Server) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := profile.Load(s.cfg.ProfilePath)
	if err != nil {
		s.fail(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PutProfile replaces the saved connection profile. Fields are stored as given; ports are
// checked when connecting.
func (s *Server) PutProfile(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength == 0 {
		s.fail(w, nil, fmt.Errorf("%w: profile body is required", errBadRequest))
		return
	}
	var p profile.Profile
	if err := decodeJSON(r, &p); err != nil {
		s.fail(w, nil, fmt.Errorf("%w: %v", profile.ErrConfig, err))
		return
	}
	if err := profile.Save(s.cfg.ProfilePath, p); err != nil {
		s.fail(w, nil, err)
		return
	}
	s.log.Info("handlers: profile saved", "path", s.cfg.ProfilePath)
	writeJSON(w, http.StatusOK, p)
}
