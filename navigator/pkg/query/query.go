// Package query builds the parameterized statements issued against the SAGE database.
// Table and column names derived from entity types and attribute names are checked
// against an identifier allow-list; every value travels as a bind parameter.
package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrInvalidSpec       = errors.New("invalid query spec")
	ErrInvalidIdentifier = fmt.Errorf("%w: invalid identifier", ErrInvalidSpec)
)

// TimeColumn is the name every time-series projection gives its time column.
const TimeColumn = "tempo"

// Statement is a ready-to-run SQL text with its bind arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Spec is implemented by every query family.
type Spec interface {
	Family() string
	Statement() (Statement, error)
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s can be emitted as an unquoted SQL identifier.
func ValidIdentifier(s string) bool {
	return len(s) <= 63 && identifierRe.MatchString(s)
}

func identifier(kind, s string) (string, error) {
	if !ValidIdentifier(s) {
		return "", fmt.Errorf("%w: %s %q", ErrInvalidIdentifier, kind, s)
	}
	return s, nil
}

func table(entity, suffix string) (string, error) {
	e, err := identifier("entity", strings.TrimSpace(entity))
	if err != nil {
		return "", err
	}
	return identifier("table", e+suffix)
}

// columns trims, remaps (when remap is set) and validates attribute names.
func columns(attrs []string, remap bool) ([]string, error) {
	out := make([]string, 0, len(attrs))
	for _, a := range attrs {
		a = strings.TrimSpace(a)
		if remap {
			a = Remap(a)
		}
		c, err := identifier("column", a)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// AttributeCatalog lists the attribute descriptors of an entity type. Each row carries the
// atributo_bh columns plus a boolean "historied" column; rows keep the table's order.
type AttributeCatalog struct {
	Entity string
}

func (AttributeCatalog) Family() string { return "attribute_catalog" }

func (s AttributeCatalog) Statement() (Statement, error) {
	if strings.TrimSpace(s.Entity) == "" {
		return Statement{}, fmt.Errorf("%w: entity is required", ErrInvalidSpec)
	}
	return Statement{
		SQL: "SELECT a.*, EXISTS (SELECT 1 FROM entidade_bh h WHERE h.nome = a.ent AND h.entbd = $1 AND h.esqgrv <> '') AS historied " +
			"FROM atributo_bh a WHERE a.ent IN (SELECT nome FROM entidade_bh WHERE entbd = $1)",
		Args: []any{strings.TrimSpace(s.Entity)},
	}, nil
}

// History selects the remapped historied attributes of one record between Start and End.
type History struct {
	Entity     string
	Key        int64
	Attributes []string
	Start      time.Time
	End        time.Time
}

func (History) Family() string { return "history" }

func (s History) Statement() (Statement, error) {
	tbl, err := table(s.Entity, "_h")
	if err != nil {
		return Statement{}, err
	}
	cols, err := columns(s.Attributes, true)
	if err != nil {
		return Statement{}, err
	}

	var b strings.Builder
	b.WriteString("SELECT bh_dthr AS " + TimeColumn)
	for _, c := range cols {
		b.WriteString(", " + c)
	}
	b.WriteString(" FROM " + tbl)
	b.WriteString(" WHERE bh_chave = $1 AND bh_dthr BETWEEN $2 AND $3")
	b.WriteString(" ORDER BY " + TimeColumn)

	return Statement{SQL: b.String(), Args: []any{s.Key, s.Start, s.End}}, nil
}

// Alarm selects event rows for one master record. Severities holds labels or codes; when
// none of them maps to a known code the severity clause is omitted.
type Alarm struct {
	MRID       string
	Columns    []string
	Start      time.Time
	End        time.Time
	Severities []string
}

func (Alarm) Family() string { return "alarm" }

func (s Alarm) Statement() (Statement, error) {
	if strings.TrimSpace(s.MRID) == "" {
		return Statement{}, fmt.Errorf("%w: mrid is required", ErrInvalidSpec)
	}
	cols, err := columns(s.Columns, false)
	if err != nil {
		return Statement{}, err
	}

	args := []any{s.MRID, s.Start, s.End}

	var b strings.Builder
	b.WriteString("SELECT bh_dthr AS " + TimeColumn)
	for _, c := range cols {
		b.WriteString(", " + c)
	}
	b.WriteString(" FROM eve_h WHERE mrid = $1 AND bh_dthr BETWEEN $2 AND $3")

	var terms []string
	seen := make(map[string]bool)
	for _, label := range s.Severities {
		code, ok := SeverityCode(label)
		if !ok || seen[code] {
			continue
		}
		seen[code] = true
		args = append(args, code)
		terms = append(terms, fmt.Sprintf("severidade = $%d", len(args)))
	}
	if len(terms) > 0 {
		b.WriteString(" AND (" + strings.Join(terms, " OR ") + ")")
	}
	b.WriteString(" ORDER BY " + TimeColumn)

	return Statement{SQL: b.String(), Args: args}, nil
}

// Aggregation averages the remapped attributes of one record over fixed-width buckets
// anchored at Start. Every bucket in [Start, End) yields a row, with nulls where no
// samples fell.
type Aggregation struct {
	Entity     string
	Key        int64
	Attributes []string
	BucketSize int
	BucketUnit Unit
	Start      time.Time
	End        time.Time
}

func (Aggregation) Family() string { return "aggregation" }

func (s Aggregation) Statement() (Statement, error) {
	tbl, err := table(s.Entity, "_h")
	if err != nil {
		return Statement{}, err
	}
	cols, err := columns(s.Attributes, true)
	if err != nil {
		return Statement{}, err
	}
	interval, err := Interval(s.BucketSize, s.BucketUnit)
	if err != nil {
		return Statement{}, err
	}

	var b strings.Builder
	b.WriteString("SELECT b.tempo AS " + TimeColumn)
	for _, c := range cols {
		b.WriteString(", avg(h." + c + ") AS " + c)
	}
	b.WriteString(" FROM generate_series($2::timestamp, $3::timestamp, $4::interval) AS b(tempo)")
	b.WriteString(" LEFT JOIN " + tbl + " h ON h.bh_chave = $1 AND h.bh_dthr BETWEEN $2::timestamp AND $3::timestamp")
	b.WriteString(" AND h.bh_dthr >= b.tempo AND h.bh_dthr < b.tempo + $4::interval")
	b.WriteString(" WHERE b.tempo < $3::timestamp")
	b.WriteString(" GROUP BY b.tempo ORDER BY b.tempo")

	return Statement{SQL: b.String(), Args: []any{s.Key, s.Start, s.End, interval}}, nil
}

// Children selects the relationship rows below a master record; an empty MRID selects
// the top-level rows, which point to themselves.
type Children struct {
	MRID string
}

func (Children) Family() string { return "children" }

func (s Children) Statement() (Statement, error) {
	if s.MRID == "" {
		return Statement{SQL: "SELECT * FROM relacionamentos_mrid WHERE pai = filho"}, nil
	}
	return Statement{SQL: "SELECT * FROM relacionamentos_mrid WHERE pai = $1", Args: []any{s.MRID}}, nil
}

// KeyLookup resolves a master record id to its entry in the keys table.
type KeyLookup struct {
	MRID string
}

func (KeyLookup) Family() string { return "key_lookup" }

func (s KeyLookup) Statement() (Statement, error) {
	if s.MRID == "" {
		return Statement{}, fmt.Errorf("%w: mrid is required", ErrInvalidSpec)
	}
	return Statement{SQL: "SELECT * FROM chaves WHERE bh_mrid = $1", Args: []any{s.MRID}}, nil
}

// Template fetches the entity-type description row of the current-value table.
type Template struct {
	Entity string
}

func (Template) Family() string { return "template" }

func (s Template) Statement() (Statement, error) {
	tbl, err := table(s.Entity, "_r")
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: "SELECT * FROM entidade_bh WHERE nome = $1", Args: []any{tbl}}, nil
}

// CurrentValue fetches the current-value row of one record.
type CurrentValue struct {
	Entity string
	Key    int64
}

func (CurrentValue) Family() string { return "current_value" }

func (s CurrentValue) Statement() (Statement, error) {
	tbl, err := table(s.Entity, "_r")
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: "SELECT * FROM " + tbl + " WHERE bh_chave = $1", Args: []any{s.Key}}, nil
}
