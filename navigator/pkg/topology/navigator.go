// Package topology navigates the SAGE entity hierarchy lazily: children are fetched from
// the relationship table only when a node is asked for them.
package topology

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/dberror"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/query"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/result"
)

type Config struct {
	Logger *slog.Logger

	// OnTransient, when set, is called with transport failures swallowed during
	// navigation so the owner of the session can check its health.
	OnTransient func(err error)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

type Navigator struct {
	log *slog.Logger
	cfg Config
}

func NewNavigator(cfg Config) (*Navigator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Navigator{log: cfg.Logger, cfg: cfg}, nil
}

// FetchChildren returns the direct children of n in relationship-table order. Rows whose
// key lookup fails or cannot be converted are skipped. Database failures never propagate:
// a failed relationship query, or any transport failure, yields no children.
func (nav *Navigator) FetchChildren(ctx context.Context, q result.Querier, n *Node) []*Node {
	rels, err := result.Execute(ctx, q, query.Children{MRID: n.MRID})
	if err != nil {
		nav.swallow(err, "relationships", n)
		return []*Node{}
	}

	children := make([]*Node, 0, len(rels.Rows))
	for _, rec := range rels.Records() {
		child, ok := AsString(rec["filho"])
		if !ok || child == "" {
			nav.log.Debug("topology: skipping relationship without child", "parent", n.MRID)
			continue
		}
		if child == n.MRID {
			continue
		}

		keys, err := result.Execute(ctx, q, query.KeyLookup{MRID: child})
		if err != nil {
			if nav.swallow(err, "keys", n) {
				return []*Node{}
			}
			continue
		}
		if keys.Empty() {
			nav.log.Debug("topology: skipping orphaned relationship", "parent", n.MRID, "child", child)
			continue
		}
		node, err := nodeFromRecord(keys.Records()[0])
		if err != nil {
			nav.log.Debug("topology: skipping unconvertible key row", "child", child, "error", err)
			continue
		}
		children = append(children, node)
	}
	return children
}

// HasChildren reissues the children query and reports whether anything came back.
func (nav *Navigator) HasChildren(ctx context.Context, q result.Querier, n *Node) bool {
	return len(nav.FetchChildren(ctx, q, n)) > 0
}

// Expand marks n expanded and returns its children sorted by identifier. Only the first
// call on a node fetches; later calls return an empty slice.
func (nav *Navigator) Expand(ctx context.Context, q result.Querier, n *Node) []*Node {
	if !n.markExpanded() {
		return []*Node{}
	}
	children := nav.FetchChildren(ctx, q, n)
	SortByIdentifier(children)
	return children
}

// SortByIdentifier orders nodes by identifier, then master record id and index so the
// order does not depend on the order rows arrived in.
func SortByIdentifier(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Identifier != b.Identifier {
			return a.Identifier < b.Identifier
		}
		if a.MRID != b.MRID {
			return a.MRID < b.MRID
		}
		return a.Index < b.Index
	})
}

// swallow logs err and reports whether it was a transport failure.
func (nav *Navigator) swallow(err error, stage string, n *Node) bool {
	if errors.Is(err, dberror.ErrTransient) {
		nav.log.Warn("topology: transient failure while fetching children", "stage", stage, "mrid", n.MRID, "error", err)
		if nav.cfg.OnTransient != nil {
			nav.cfg.OnTransient(err)
		}
		return true
	}
	nav.log.Debug("topology: query failed while fetching children", "stage", stage, "mrid", n.MRID, "error", err)
	return false
}
