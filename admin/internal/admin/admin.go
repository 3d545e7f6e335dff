// Package admin holds the operator CLI helpers: path resolution over the topology and
// table rendering for terminal output.
package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/catalog"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/result"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/topology"
)

// PathSeparator separates identifiers in a node path such as "Subestação Norte/DJ-01".
const PathSeparator = "/"

var ErrNodeNotFound = errors.New("node not found")

// Walk resolves path from the root, one identifier per level. An empty path is the root.
func Walk(ctx context.Context, nav *topology.Navigator, q result.Querier, path string) (*topology.Node, error) {
	node := topology.Root()
	for _, seg := range strings.Split(path, PathSeparator) {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		var next *topology.Node
		for _, child := range nav.FetchChildren(ctx, q, node) {
			if child.Identifier == seg {
				next = child
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %q under %q", ErrNodeNotFound, seg, node.Identifier)
		}
		node = next
	}
	return node, nil
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(header)
	return table
}

// RenderNodes prints one line per node. hasChildren may be nil.
func RenderNodes(w io.Writer, nodes []*topology.Node, hasChildren func(*topology.Node) bool) {
	header := []string{"Identificador", "Entidade", "MRID", "Índice", "Chave"}
	if hasChildren != nil {
		header = append(header, "Filhos")
	}
	table := newTable(w, header)
	for _, n := range nodes {
		row := []string{n.Identifier, n.Entity, n.MRID, strconv.Itoa(n.Index), strconv.FormatInt(n.Key, 10)}
		if hasChildren != nil {
			row = append(row, yesNo(hasChildren(n)))
		}
		table.Append(row)
	}
	table.Render()
}

// RenderDetails prints the node header followed by its attribute table.
func RenderDetails(w io.Writer, d *catalog.Details) {
	fmt.Fprintf(w, "%s (%s)\n", d.Identifier, d.Entity)
	if d.Template != "" {
		fmt.Fprintf(w, "Tipo: %s\n", d.Template)
	}
	fmt.Fprintf(w, "Descrição: %s\n", d.Description)
	if len(d.Historied) > 0 {
		fmt.Fprintf(w, "Atributos históricos: %s\n", strings.Join(d.HistoriedNames(), ", "))
	}

	table := newTable(w, []string{"Atributo", "Valor", "Descrição"})
	for _, r := range d.Attributes {
		table.Append([]string{r.Name, r.Value, r.Description})
	}
	table.Render()

	for _, warning := range d.Warnings {
		fmt.Fprintf(w, "aviso: %s\n", warning)
	}
}

// RenderTable prints a materialized result with timestamps expressed in loc.
func RenderTable(w io.Writer, t *result.Table, loc *time.Location) {
	if loc != nil {
		t = t.InLocation(loc)
	}
	table := newTable(w, t.Columns)
	for _, row := range t.Rows {
		cells := make([]string, len(t.Columns))
		for j := range cells {
			if j < len(row) {
				cells[j] = FormatValue(row[j])
			}
		}
		table.Append(cells)
	}
	table.Render()
	fmt.Fprintf(w, "%d linha(s)\n", len(t.Rows))
}

// FormatValue renders a cell. Missing and non-finite values print as empty cells.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format("2006-01-02 15:04:05")
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return FormatValue(float64(x))
	case bool:
		return yesNo(x)
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func yesNo(b bool) string {
	if b {
		return "sim"
	}
	return "não"
}
