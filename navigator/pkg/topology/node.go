package topology

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	RootEntity     = "sistema"
	RootIdentifier = "Sistema Elétrico"
)

// Node is one entity of the topology. Everything but the expansion flag is fixed at
// creation.
type Node struct {
	Entity     string `json:"entity"`
	Identifier string `json:"identifier"`
	MRID       string `json:"mrid"`
	Index      int    `json:"index"`
	Key        int64  `json:"key"`

	expanded atomic.Bool
}

// Root returns a fresh root node. The root has no master record id; its children are the
// top-level relationship rows.
func Root() *Node {
	return &Node{Entity: RootEntity, Identifier: RootIdentifier}
}

func (n *Node) IsRoot() bool {
	return n.MRID == ""
}

func (n *Node) Expanded() bool {
	return n.expanded.Load()
}

// markExpanded flips the expansion flag and reports whether this call did it.
func (n *Node) markExpanded() bool {
	return n.expanded.CompareAndSwap(false, true)
}

func (n *Node) String() string {
	return n.Identifier
}

// nodeFromRecord converts a keys table row. Every field must be present and convertible.
func nodeFromRecord(rec map[string]any) (*Node, error) {
	entity, err := stringField(rec, "entidade")
	if err != nil {
		return nil, err
	}
	identifier, err := stringField(rec, "identificador")
	if err != nil {
		return nil, err
	}
	mrid, err := stringField(rec, "bh_mrid")
	if err != nil {
		return nil, err
	}
	index, err := intField(rec, "indice")
	if err != nil {
		return nil, err
	}
	key, err := intField(rec, "bh_chave")
	if err != nil {
		return nil, err
	}
	if mrid == "" {
		return nil, fmt.Errorf("empty bh_mrid")
	}
	return &Node{
		Entity:     entity,
		Identifier: identifier,
		MRID:       mrid,
		Index:      int(index),
		Key:        key,
	}, nil
}

func stringField(rec map[string]any, name string) (string, error) {
	v, ok := rec[name]
	if !ok || v == nil {
		return "", fmt.Errorf("missing column %s", name)
	}
	s, ok := AsString(v)
	if !ok {
		return "", fmt.Errorf("column %s: unsupported type %T", name, v)
	}
	return s, nil
}

func intField(rec map[string]any, name string) (int64, error) {
	v, ok := rec[name]
	if !ok || v == nil {
		return 0, fmt.Errorf("missing column %s", name)
	}
	i, ok := AsInt64(v)
	if !ok {
		return 0, fmt.Errorf("column %s: cannot convert %v (%T) to integer", name, v, v)
	}
	return i, nil
}

// AsString renders a scalar database value as trimmed text.
func AsString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), true
	case []byte:
		return strings.TrimSpace(string(val)), true
	case int16, int32, int64, int, uint32:
		return fmt.Sprint(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case fmt.Stringer:
		return strings.TrimSpace(val.String()), true
	}
	return "", false
}

// AsInt64 converts integral database values.
func AsInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int32:
		return int64(val), true
	case int16:
		return int64(val), true
	case int:
		return int64(val), true
	case uint32:
		return int64(val), true
	case float64:
		if val != float64(int64(val)) {
			return 0, false
		}
		return int64(val), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return i, err == nil
	}
	return 0, false
}
