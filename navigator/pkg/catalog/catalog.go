// Package catalog assembles what the operator sees when selecting a node: the entity
// template, its static and historied attribute descriptors and the record's current
// values. The resulting attribute table is also the source of static values for consults.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/dberror"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/query"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/result"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/topology"
)

// descriptionColumn is the static attribute holding an instance's free-text description.
const descriptionColumn = "descr"

// Attribute is one descriptor row of atributo_bh.
type Attribute struct {
	// Name is the operator-facing attribute name (atrbd). For historied attributes it is
	// also the history column, after remapping.
	Name string `json:"name"`
	// Column is the current-value table column (nome).
	Column      string `json:"column"`
	Description string `json:"description"`
}

// Row is one line of the attribute table.
type Row struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

// Details is everything shown for a selected node.
type Details struct {
	Entity      string      `json:"entity"`
	Identifier  string      `json:"identifier"`
	MRID        string      `json:"mrid"`
	Key         int64       `json:"key"`
	Template    string      `json:"template"`
	Description string      `json:"description"`
	Static      []Attribute `json:"static"`
	Historied   []Attribute `json:"historied"`
	Attributes  []Row       `json:"attributes"`

	// Partial is set when part of the fetch failed and a fallback was used.
	Partial  bool     `json:"partial"`
	Warnings []string `json:"warnings,omitempty"`
}

func (d *Details) warn(format string, args ...any) {
	d.Partial = true
	d.Warnings = append(d.Warnings, fmt.Sprintf(format, args...))
}

// StaticNames returns the names of the static attributes in catalog order.
func (d *Details) StaticNames() []string {
	out := make([]string, len(d.Static))
	for i, a := range d.Static {
		out[i] = a.Name
	}
	return out
}

// HistoriedNames returns the names of the historied attributes in catalog order.
func (d *Details) HistoriedNames() []string {
	out := make([]string, len(d.Historied))
	for i, a := range d.Historied {
		out[i] = a.Name
	}
	return out
}

// Resolve looks up already materialized static values by attribute name, without a query.
// Results follow attribute table order; unknown names are ignored.
func (d *Details) Resolve(names []string) ([]string, []any) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.TrimSpace(n)] = true
	}
	var cols []string
	var values []any
	for _, r := range d.Attributes {
		if wanted[r.Name] {
			cols = append(cols, r.Name)
			values = append(values, r.Value)
		}
	}
	return cols, values
}

type Config struct {
	Logger *slog.Logger
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

type Catalog struct {
	log *slog.Logger
}

func New(cfg Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Catalog{log: cfg.Logger}, nil
}

// Fetch runs the template, descriptor and current-value queries for n. Query errors
// degrade the result (marked Partial); a transport failure aborts the fetch and is
// returned so the caller can check the session.
func (c *Catalog) Fetch(ctx context.Context, q result.Querier, n *topology.Node) (*Details, error) {
	d := &Details{
		Entity:     n.Entity,
		Identifier: n.Identifier,
		MRID:       n.MRID,
		Key:        n.Key,
		Static:     []Attribute{},
		Historied:  []Attribute{},
		Attributes: []Row{},
	}
	if n.IsRoot() {
		d.Description = n.Identifier
		return d, nil
	}

	tmpl, err := result.Execute(ctx, q, query.Template{Entity: n.Entity})
	switch {
	case errors.Is(err, dberror.ErrTransient):
		return nil, err
	case err != nil:
		c.log.Debug("catalog: template lookup failed", "entity", n.Entity, "error", err)
		d.warn("template unavailable for %s", n.Entity)
	case !tmpl.Empty():
		if v, ok := tmpl.Value(0, "descr"); ok {
			d.Template = formatValue(v)
		}
	}

	cat, err := result.Execute(ctx, q, query.AttributeCatalog{Entity: n.Entity})
	switch {
	case errors.Is(err, dberror.ErrTransient):
		return nil, err
	case err != nil:
		c.log.Debug("catalog: attribute catalog failed", "entity", n.Entity, "error", err)
		d.warn("attribute catalog unavailable for %s", n.Entity)
	default:
		d.Static, d.Historied = splitCatalog(cat)
	}

	cur, err := result.Execute(ctx, q, query.CurrentValue{Entity: n.Entity, Key: n.Key})
	switch {
	case errors.Is(err, dberror.ErrTransient):
		return nil, err
	case err != nil:
		c.log.Debug("catalog: current value fetch failed", "entity", n.Entity, "key", n.Key, "error", err)
		d.Description = n.Identifier
		d.warn("current values unavailable for %s %d", n.Entity, n.Key)
		return d, nil
	case cur.Empty():
		d.Description = n.Identifier
		d.warn("no current-value row for %s %d", n.Entity, n.Key)
		return d, nil
	}

	current := cur.Records()[0]
	for _, a := range d.Static {
		v, ok := current[a.Column]
		if !ok {
			d.warn("column %s missing from %s_r", a.Column, n.Entity)
		}
		if a.Column == descriptionColumn {
			d.Description = formatValue(v)
		}
		d.Attributes = append(d.Attributes, Row{Name: a.Name, Value: formatValue(v), Description: a.Description})
	}
	return d, nil
}

// splitCatalog separates static from historied descriptors. Each list ends at its first
// descriptor with a blank name.
func splitCatalog(t *result.Table) (static, historied []Attribute) {
	static, historied = []Attribute{}, []Attribute{}
	var staticDone, historiedDone bool

	for _, rec := range t.Records() {
		a := Attribute{
			Name:        formatValue(rec["atrbd"]),
			Column:      formatValue(rec["nome"]),
			Description: formatValue(rec["descr"]),
		}
		isHistoried, _ := rec["historied"].(bool)

		if isHistoried {
			if historiedDone {
				continue
			}
			if a.Name == "" {
				historiedDone = true
				continue
			}
			historied = append(historied, a)
			continue
		}

		if staticDone {
			continue
		}
		if a.Name == "" {
			staticDone = true
			continue
		}
		static = append(static, a)
	}
	return static, historied
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case time.Time:
		return val.Format(time.RFC3339)
	case bool:
		if val {
			return "true"
		}
		return "false"
	}
	if s, ok := topology.AsString(v); ok {
		return s
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
