// Package sagetest provides an in-memory stand-in for the SAGE database handle. Responses
// are registered against SQL fragments (and optionally arguments) and returned as pgx.Rows.
package sagetest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrUnexpectedQuery = errors.New("sagetest: unexpected query")

// Response is what a matching query returns. Err fails the Query call itself; RowsErr is
// reported by Rows.Err after iteration, the way a connection dropped mid-stream would be.
type Response struct {
	Columns []string
	Rows    [][]any
	Err     error
	RowsErr error
}

// Call records one Query invocation.
type Call struct {
	SQL  string
	Args []any
}

type rule struct {
	fragment string
	args     []any
	resp     Response
}

// Querier matches queries against registered rules in registration order. The first rule
// whose fragment is contained in the SQL (and whose args equal the call's args, when set)
// wins.
type Querier struct {
	mu    sync.Mutex
	rules []rule
	calls []Call
}

func NewQuerier() *Querier {
	return &Querier{}
}

// On registers a response for any query containing fragment.
func (q *Querier) On(fragment string, resp Response) *Querier {
	return q.OnArgs(fragment, nil, resp)
}

// OnArgs registers a response for queries containing fragment called with exactly args.
func (q *Querier) OnArgs(fragment string, args []any, resp Response) *Querier {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rules = append(q.rules, rule{fragment: fragment, args: args, resp: resp})
	return q
}

func (q *Querier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.calls = append(q.calls, Call{SQL: sql, Args: append([]any(nil), args...)})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, r := range q.rules {
		if !strings.Contains(sql, r.fragment) {
			continue
		}
		if r.args != nil && !reflect.DeepEqual(r.args, args) {
			continue
		}
		if r.resp.Err != nil {
			return nil, r.resp.Err
		}
		return NewRows(r.resp.Columns, r.resp.Rows, r.resp.RowsErr), nil
	}
	return nil, fmt.Errorf("%w: %s %v", ErrUnexpectedQuery, sql, args)
}

// Calls returns a copy of the recorded calls.
func (q *Querier) Calls() []Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Call(nil), q.calls...)
}

// CallCount returns how many recorded calls contained fragment.
func (q *Querier) CallCount(fragment string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, c := range q.calls {
		if strings.Contains(c.SQL, fragment) {
			n++
		}
	}
	return n
}

// Rows is a pgx.Rows over fixed values.
type Rows struct {
	fields  []pgconn.FieldDescription
	values  [][]any
	pos     int
	err     error
	lateErr error
	closed  bool
}

var _ pgx.Rows = (*Rows)(nil)

func NewRows(columns []string, values [][]any, lateErr error) *Rows {
	fields := make([]pgconn.FieldDescription, len(columns))
	for i, c := range columns {
		fields[i] = pgconn.FieldDescription{Name: c}
	}
	return &Rows{fields: fields, values: values, pos: -1, lateErr: lateErr}
}

func (r *Rows) Close() {
	r.closed = true
}

func (r *Rows) Err() error {
	return r.err
}

func (r *Rows) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", len(r.values)))
}

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription {
	return r.fields
}

func (r *Rows) Next() bool {
	if r.closed {
		return false
	}
	r.pos++
	if r.pos >= len(r.values) {
		r.err = r.lateErr
		r.Close()
		return false
	}
	return true
}

func (r *Rows) Values() ([]any, error) {
	if r.pos < 0 || r.pos >= len(r.values) {
		return nil, errors.New("sagetest: no current row")
	}
	row := r.values[r.pos]
	if len(row) != len(r.fields) {
		return nil, fmt.Errorf("sagetest: row has %d values, want %d", len(row), len(r.fields))
	}
	return append([]any(nil), row...), nil
}

// Scan assigns current-row values to pointer destinations with reflection. Nil values
// zero the destination.
func (r *Rows) Scan(dest ...any) error {
	row, err := r.Values()
	if err != nil {
		return err
	}
	if len(dest) != len(row) {
		return fmt.Errorf("number of field descriptions must equal number of destinations, got %d and %d", len(row), len(dest))
	}
	for i, d := range dest {
		if d == nil {
			continue
		}
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("cannot scan into non-pointer destination %d", i)
		}
		target := dv.Elem()
		if row[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		v := reflect.ValueOf(row[i])
		switch {
		case v.Type().AssignableTo(target.Type()):
			target.Set(v)
		case v.Type().ConvertibleTo(target.Type()):
			target.Set(v.Convert(target.Type()))
		default:
			return fmt.Errorf("cannot scan %T into %s", row[i], target.Type())
		}
	}
	return nil
}

func (r *Rows) RawValues() [][]byte {
	return nil
}

func (r *Rows) Conn() *pgx.Conn {
	return nil
}
