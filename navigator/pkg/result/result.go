// Package result runs query specs against the active session and materializes the rows
// into a column-named table.
package result

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/dberror"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/metrics"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/query"
)

// Querier is the part of a database handle the materializer needs. *pgx.Conn satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Table is a materialized result: ordered column names and row-major values.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Empty reports whether the query succeeded without returning rows.
func (t *Table) Empty() bool {
	return t == nil || len(t.Rows) == 0
}

// Index returns the position of the first column named name, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Value returns the value of column name in row i.
func (t *Table) Value(i int, name string) (any, bool) {
	if i < 0 || i >= len(t.Rows) {
		return nil, false
	}
	j := t.Index(name)
	if j < 0 || j >= len(t.Rows[i]) {
		return nil, false
	}
	return t.Rows[i][j], true
}

// Records returns each row as a column-name map. Duplicate names keep the first value.
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, len(t.Rows))
	for i, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for j, c := range t.Columns {
			if _, ok := rec[c]; ok || j >= len(row) {
				continue
			}
			rec[c] = row[j]
		}
		out[i] = rec
	}
	return out
}

// InLocation returns a copy of the table with every timestamp expressed in loc.
func (t *Table) InLocation(loc *time.Location) *Table {
	out := &Table{Columns: append([]string(nil), t.Columns...), Rows: make([][]any, len(t.Rows))}
	for i, row := range t.Rows {
		r := make([]any, len(row))
		for j, v := range row {
			if ts, ok := v.(time.Time); ok && loc != nil {
				v = ts.In(loc)
			}
			r[j] = v
		}
		out.Rows[i] = r
	}
	return out
}

// Execute builds spec and runs it as exactly one query. A statement that cannot be built
// is a query error; driver failures are classified by dberror. A successful query with
// no rows returns an empty table and no error.
func Execute(ctx context.Context, q Querier, spec query.Spec) (*Table, error) {
	family := spec.Family()

	stmt, err := spec.Statement()
	if err != nil {
		metrics.RecordQuery(family, 0, 0, dberror.OutcomeQueryError.String())
		return nil, &dberror.Error{Class: dberror.ClassQuery, Err: fmt.Errorf("failed to build %s query: %w", family, err)}
	}

	start := time.Now()
	table, err := collect(ctx, q, stmt)
	duration := time.Since(start)
	if err != nil {
		err = dberror.Wrap(fmt.Errorf("failed to execute %s query: %w", family, err))
		metrics.RecordQuery(family, duration, 0, dberror.OutcomeOf(0, err).String())
		return nil, err
	}

	metrics.RecordQuery(family, duration, len(table.Rows), dberror.OutcomeOf(len(table.Rows), nil).String())
	return table, nil
}

func collect(ctx context.Context, q Querier, stmt query.Statement) (*Table, error) {
	rows, err := q.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	table := &Table{Columns: make([]string, len(fields)), Rows: [][]any{}}
	for i, fd := range fields {
		table.Columns[i] = fd.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		for i, v := range values {
			values[i] = normalize(v)
		}
		table.Rows = append(table.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return table, nil
}

// normalize turns driver-specific value types into plain Go values.
func normalize(v any) any {
	switch val := v.(type) {
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(val).String()
	}
	return v
}

// Merge joins history rows column-wise with static attribute values, repeating the static
// values on every row. With no history rows and at least one static value the result is a
// single row holding the static values.
func Merge(history *Table, names []string, values []any) *Table {
	out := &Table{Rows: [][]any{}}
	if history != nil {
		out.Columns = append(out.Columns, history.Columns...)
	}
	out.Columns = append(out.Columns, names...)

	width := len(out.Columns)
	static := make([]any, len(names))
	copy(static, values)

	if history.Empty() {
		if len(names) == 0 {
			return out
		}
		row := make([]any, width)
		copy(row[width-len(names):], static)
		out.Rows = append(out.Rows, row)
		return out
	}

	for _, h := range history.Rows {
		row := make([]any, 0, width)
		row = append(row, h...)
		for len(row) < width-len(names) {
			row = append(row, nil)
		}
		row = append(row, static...)
		out.Rows = append(out.Rows, row)
	}
	return out
}
