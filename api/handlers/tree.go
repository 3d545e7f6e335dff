package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/catalog"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/topology"
)

// tree holds the nodes handed out for one session. Expanding a node yields its children
// only once, so the first expansion is kept here and served to later requests.
type tree struct {
	sessionID string
	nodes     map[string]*topology.Node
	children  map[string][]*topology.Node
	details   map[string]*catalog.Details
}

func newTree(sessionID string) *tree {
	return &tree{
		sessionID: sessionID,
		nodes:     map[string]*topology.Node{RootToken: topology.Root()},
		children:  map[string][]*topology.Node{},
		details:   map[string]*catalog.Details{},
	}
}

func tokenOf(n *topology.Node) string {
	if n.IsRoot() {
		return RootToken
	}
	return n.MRID
}

func (t *tree) node(token string) (*topology.Node, error) {
	n, ok := t.nodes[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownNode, token)
	}
	return n, nil
}

func (t *tree) remember(token string, children []*topology.Node) {
	t.children[token] = children
	for _, c := range children {
		if _, ok := t.nodes[tokenOf(c)]; !ok {
			t.nodes[tokenOf(c)] = c
		}
	}
}

// forget swaps the node for an unexpanded copy so an abandoned expansion can be retried.
func (t *tree) forget(token string) {
	n, ok := t.nodes[token]
	if !ok {
		return
	}
	t.nodes[token] = &topology.Node{Entity: n.Entity, Identifier: n.Identifier, MRID: n.MRID, Index: n.Index, Key: n.Key}
	delete(t.children, token)
	delete(t.details, token)
}

type NodeResponse struct {
	Token      string `json:"token"`
	Entity     string `json:"entity"`
	Identifier string `json:"identifier"`
	MRID       string `json:"mrid"`
	Index      int    `json:"index"`
	Key        int64  `json:"key"`
	Expanded   bool   `json:"expanded"`
}

func newNodeResponse(n *topology.Node) NodeResponse {
	return NodeResponse{
		Token:      tokenOf(n),
		Entity:     n.Entity,
		Identifier: n.Identifier,
		MRID:       n.MRID,
		Index:      n.Index,
		Key:        n.Key,
		Expanded:   n.Expanded(),
	}
}

type ChildrenResponse struct {
	Parent   NodeResponse   `json:"parent"`
	Children []NodeResponse `json:"children"`
	Total    int            `json:"total"`
	Limit    int            `json:"limit"`
	Offset   int            `json:"offset"`
}

type HasChildrenResponse struct {
	Token       string `json:"token"`
	HasChildren bool   `json:"has_children"`
}

// GetRoot returns the root of the topology for the open session.
func (s *Server) GetRoot(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, t, err := s.current()
	if err != nil {
		s.fail(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, newNodeResponse(t.nodes[RootToken]))
}

// GetChildren expands a node. Children come back sorted by identifier and paged with
// limit/offset; a node whose children were already fetched is answered from the tree
// cache.
func (s *Server) GetChildren(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, t, err := s.current()
	if err != nil {
		s.fail(w, nil, err)
		return
	}
	token := chi.URLParam(r, "token")
	n, err := t.node(token)
	if err != nil {
		s.fail(w, sess, err)
		return
	}

	children, ok := t.children[token]
	if !ok {
		ctx, cancel := s.queryContext(r)
		defer cancel()

		children = s.nav.Expand(ctx, sess.Querier(), n)
		if err := s.takeLost(); err != nil {
			t.forget(token)
			s.fail(w, sess, err)
			return
		}
		t.remember(token, children)
		s.log.Debug("handlers: expanded node", "token", token, "children", len(children))
	}

	page := ParsePagination(r, DefaultLimit)
	resp := ChildrenResponse{Parent: newNodeResponse(n), Total: len(children), Limit: page.Limit, Offset: page.Offset}
	for _, c := range Page(children, page) {
		resp.Children = append(resp.Children, newNodeResponse(c))
	}
	if resp.Children == nil {
		resp.Children = []NodeResponse{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHasChildren asks the database whether a node has children. It does not expand it.
func (s *Server) GetHasChildren(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, t, err := s.current()
	if err != nil {
		s.fail(w, nil, err)
		return
	}
	token := chi.URLParam(r, "token")
	n, err := t.node(token)
	if err != nil {
		s.fail(w, sess, err)
		return
	}

	ctx, cancel := s.queryContext(r)
	defer cancel()

	has := s.nav.HasChildren(ctx, sess.Querier(), n)
	if err := s.takeLost(); err != nil {
		s.fail(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, HasChildrenResponse{Token: token, HasChildren: has})
}

// GetNode returns the selection details of a node: template, description, attribute
// catalog and current static values.
func (s *Server) GetNode(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, t, err := s.current()
	if err != nil {
		s.fail(w, nil, err)
		return
	}
	token := chi.URLParam(r, "token")
	n, err := t.node(token)
	if err != nil {
		s.fail(w, sess, err)
		return
	}

	ctx, cancel := s.queryContext(r)
	defer cancel()

	d, err := s.catalog.Fetch(ctx, sess.Querier(), n)
	if err != nil {
		s.fail(w, sess, err)
		return
	}
	t.details[token] = d
	writeJSON(w, http.StatusOK, d)
}
