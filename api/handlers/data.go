package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/query"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/result"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/session"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/topology"
)

// DefaultAlarmColumns are the event columns shown when a request names none.
var DefaultAlarmColumns = []string{"severidade", "tipo", "mensagem"}

type HistoryRequest struct {
	// Attributes are historied attribute names as the catalog lists them.
	Attributes []string `json:"attributes"`
	// Static are static attribute names, resolved from the node's current values.
	Static []string   `json:"static"`
	Start  *time.Time `json:"start"`
	End    *time.Time `json:"end"`
}

type AlarmRequest struct {
	Columns    []string   `json:"columns"`
	Severities []string   `json:"severities"`
	Start      *time.Time `json:"start"`
	End        *time.Time `json:"end"`
}

type AggregateRequest struct {
	Attributes []string   `json:"attributes"`
	BucketSize int        `json:"bucket_size"`
	BucketUnit string     `json:"bucket_unit"`
	Start      *time.Time `json:"start"`
	End        *time.Time `json:"end"`
}

type AggregateResponse struct {
	TableResponse
	ExpectedBuckets int `json:"expected_buckets"`
}

type TablesResponse struct {
	Severities      []string `json:"severities"`
	BucketUnits     []string `json:"bucket_units"`
	TimeColumn      string   `json:"time_column"`
	DisplayTimezone string   `json:"display_timezone"`
}

// GetTables returns the built-in label tables the query forms offer.
func (s *Server) GetTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TablesResponse{
		Severities:      query.SeverityLabels(),
		BucketUnits:     query.UnitLabels(),
		TimeColumn:      query.TimeColumn,
		DisplayTimezone: s.cfg.Location.String(),
	})
}

// dataNode resolves the node a data request targets. The root carries no data.
func (s *Server) dataNode(r *http.Request) (*session.Session, *tree, *topology.Node, error) {
	sess, t, err := s.current()
	if err != nil {
		return nil, nil, nil, err
	}
	n, err := t.node(chi.URLParam(r, "token"))
	if err != nil {
		return sess, nil, nil, err
	}
	if n.IsRoot() {
		return sess, nil, nil, fmt.Errorf("%w: the root node has no data", errBadRequest)
	}
	return sess, t, n, nil
}

// PostHistory runs a consult: the history of the selected historied attributes, joined
// with the selected static values repeated on every row.
func (s *Server) PostHistory(w http.ResponseWriter, r *http.Request) {
	var req HistoryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, nil, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if len(req.Attributes) == 0 && len(req.Static) == 0 {
		s.fail(w, nil, fmt.Errorf("%w: select at least one attribute", errBadRequest))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, t, n, err := s.dataNode(r)
	if err != nil {
		s.fail(w, sess, err)
		return
	}
	start, end := s.window(req.Start, req.End)

	ctx, cancel := s.queryContext(r)
	defer cancel()
	began := s.cfg.Clock.Now()

	var names []string
	var values []any
	var warnings []string
	if len(req.Static) > 0 {
		d, ok := t.details[tokenOf(n)]
		if !ok {
			d, err = s.catalog.Fetch(ctx, sess.Querier(), n)
			if err != nil {
				s.fail(w, sess, err)
				return
			}
			t.details[tokenOf(n)] = d
		}
		names, values = d.Resolve(req.Static)
		warnings = d.Warnings
	}

	var history *result.Table
	if len(req.Attributes) > 0 {
		history, err = result.Execute(ctx, sess.Querier(), query.History{
			Entity:     n.Entity,
			Key:        n.Key,
			Attributes: req.Attributes,
			Start:      start,
			End:        end,
		})
		if err != nil {
			s.fail(w, sess, err)
			return
		}
		history = history.InLocation(s.cfg.Location)
	}

	resp := newTableResponse(result.Merge(history, names, values), s.cfg.Clock.Since(began))
	resp.Warnings = warnings
	writeJSON(w, http.StatusOK, resp)
}

// PostAlarms returns the alarm log of a node, optionally filtered by severity.
func (s *Server) PostAlarms(w http.ResponseWriter, r *http.Request) {
	var req AlarmRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, nil, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if len(req.Columns) == 0 {
		req.Columns = DefaultAlarmColumns
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _, n, err := s.dataNode(r)
	if err != nil {
		s.fail(w, sess, err)
		return
	}
	start, end := s.window(req.Start, req.End)

	ctx, cancel := s.queryContext(r)
	defer cancel()
	began := s.cfg.Clock.Now()

	alarms, err := result.Execute(ctx, sess.Querier(), query.Alarm{
		MRID:       n.MRID,
		Columns:    req.Columns,
		Start:      start,
		End:        end,
		Severities: req.Severities,
	})
	if err != nil {
		s.fail(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, newTableResponse(alarms.InLocation(s.cfg.Location), s.cfg.Clock.Since(began)))
}

// PostAggregate averages historied attributes over fixed-width buckets. Every bucket in
// the window is returned, empty ones with null averages.
func (s *Server) PostAggregate(w http.ResponseWriter, r *http.Request) {
	var req AggregateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, nil, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	unit, err := query.ParseUnit(req.BucketUnit)
	if err != nil {
		s.fail(w, nil, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _, n, err := s.dataNode(r)
	if err != nil {
		s.fail(w, sess, err)
		return
	}
	start, end := s.window(req.Start, req.End)

	ctx, cancel := s.queryContext(r)
	defer cancel()
	began := s.cfg.Clock.Now()

	buckets, err := result.Execute(ctx, sess.Querier(), query.Aggregation{
		Entity:     n.Entity,
		Key:        n.Key,
		Attributes: req.Attributes,
		BucketSize: req.BucketSize,
		BucketUnit: unit,
		Start:      start,
		End:        end,
	})
	if err != nil {
		s.fail(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, AggregateResponse{
		TableResponse:   newTableResponse(buckets.InLocation(s.cfg.Location), s.cfg.Clock.Since(began)),
		ExpectedBuckets: query.ExpectedBuckets(start, end, req.BucketSize, unit),
	})
}
