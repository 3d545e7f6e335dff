package topology_test

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/sagetest"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/topology"
	sagetesting "github.com/VictorNLopes/SAGE-TreeView/utils/pkg/testing"
)

var (
	relColumns = []string{"pai", "filho"}
	keyColumns = []string{"entidade", "identificador", "bh_mrid", "indice", "bh_chave"}
)

func newNavigator(t *testing.T, onTransient func(error)) *topology.Navigator {
	t.Helper()
	nav, err := topology.NewNavigator(topology.Config{
		Logger:      sagetesting.NewLogger(),
		OnTransient: onTransient,
	})
	require.NoError(t, err)
	return nav
}

func keyRow(q *sagetest.Querier, entity, identifier, mrid string, index int32, key int32) {
	q.OnArgs("FROM chaves", []any{mrid}, sagetest.Response{
		Columns: keyColumns,
		Rows:    [][]any{{entity, identifier, mrid, index, key}},
	})
}

// substationFixture: "SE" has children C, A, B (in that row order) plus its own self row.
func substationFixture(rows [][]any) *sagetest.Querier {
	q := sagetest.NewQuerier()
	q.OnArgs("WHERE pai = $1", []any{"SE"}, sagetest.Response{Columns: relColumns, Rows: rows})
	keyRow(q, "dis", "DJ-C", "C", 3, 30)
	keyRow(q, "dis", "DJ-A", "A", 1, 10)
	keyRow(q, "tr2", "TR-B", "B", 2, 20)
	return q
}

func identifiers(nodes []*topology.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Identifier
	}
	return out
}

func TestRoot(t *testing.T) {
	t.Parallel()

	root := topology.Root()
	assert.True(t, root.IsRoot())
	assert.Equal(t, "sistema", root.Entity)
	assert.Equal(t, "Sistema Elétrico", root.Identifier)
	assert.False(t, root.Expanded())
}

func TestNavigator_RootChildrenAreSelfRelatedRows(t *testing.T) {
	t.Parallel()

	q := sagetest.NewQuerier()
	q.On("WHERE pai = filho", sagetest.Response{Columns: relColumns, Rows: [][]any{{"SE", "SE"}, {"USINA", "USINA"}}})
	keyRow(q, "sub", "Subestação Norte", "SE", 0, 1)
	keyRow(q, "usi", "Usina Sul", "USINA", 0, 2)

	children := newNavigator(t, nil).FetchChildren(context.Background(), q, topology.Root())
	require.Len(t, children, 2)
	assert.Equal(t, "SE", children[0].MRID)
	assert.Equal(t, int64(1), children[0].Key)
	assert.Equal(t, "sub", children[0].Entity)
}

func TestNavigator_ExpandTwice(t *testing.T) {
	t.Parallel()

	q := substationFixture([][]any{{"SE", "C"}, {"SE", "A"}, {"SE", "SE"}, {"SE", "B"}})
	nav := newNavigator(t, nil)
	node := &topology.Node{Entity: "sub", Identifier: "Subestação", MRID: "SE"}

	first := nav.Expand(context.Background(), q, node)
	assert.Equal(t, []string{"DJ-A", "DJ-C", "TR-B"}, identifiers(first))
	assert.True(t, node.Expanded())

	before := len(q.Calls())
	second := nav.Expand(context.Background(), q, node)
	assert.NotNil(t, second)
	assert.Empty(t, second)
	assert.Len(t, q.Calls(), before)
}

func TestNavigator_ExpandSortedRegardlessOfRowOrder(t *testing.T) {
	t.Parallel()

	orders := [][][]any{
		{{"SE", "A"}, {"SE", "B"}, {"SE", "C"}},
		{{"SE", "C"}, {"SE", "B"}, {"SE", "A"}},
		{{"SE", "B"}, {"SE", "SE"}, {"SE", "C"}, {"SE", "A"}},
	}
	for _, rows := range orders {
		q := substationFixture(rows)
		node := &topology.Node{MRID: "SE"}
		got := newNavigator(t, nil).Expand(context.Background(), q, node)
		assert.Equal(t, []string{"DJ-A", "DJ-C", "TR-B"}, identifiers(got))
	}
}

func TestNavigator_ExpandConcurrentCallsFetchOnce(t *testing.T) {
	t.Parallel()

	q := substationFixture([][]any{{"SE", "A"}})
	nav := newNavigator(t, nil)
	node := &topology.Node{MRID: "SE"}

	var wg sync.WaitGroup
	results := make([][]*topology.Node, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = nav.Expand(context.Background(), q, node)
		}()
	}
	wg.Wait()

	nonEmpty := 0
	for _, r := range results {
		if len(r) > 0 {
			nonEmpty++
		}
	}
	assert.Equal(t, 1, nonEmpty)
	assert.Equal(t, 1, q.CallCount("FROM relacionamentos_mrid"))
}

func TestNavigator_LeafWithoutChildren(t *testing.T) {
	t.Parallel()

	q := sagetest.NewQuerier().OnArgs("WHERE pai = $1", []any{"7"}, sagetest.Response{Columns: relColumns})
	nav := newNavigator(t, func(err error) { t.Errorf("unexpected transient report: %v", err) })
	node := &topology.Node{Entity: "dis", Identifier: "DJ-7", MRID: "7"}

	assert.False(t, nav.HasChildren(context.Background(), q, node))
	got := nav.Expand(context.Background(), q, node)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestNavigator_HasChildrenReissuesQuery(t *testing.T) {
	t.Parallel()

	q := substationFixture([][]any{{"SE", "A"}})
	nav := newNavigator(t, nil)
	node := &topology.Node{MRID: "SE"}

	assert.True(t, nav.HasChildren(context.Background(), q, node))
	assert.True(t, nav.HasChildren(context.Background(), q, node))
	assert.Equal(t, 2, q.CallCount("FROM relacionamentos_mrid"))
	assert.False(t, node.Expanded())
}

func TestNavigator_SkipsOrphansAndBadRows(t *testing.T) {
	t.Parallel()

	q := substationFixture([][]any{{"SE", "A"}, {"SE", "ORPHAN"}, {"SE", "BAD"}, {"SE", "BROKEN"}, {"SE", nil}})
	q.OnArgs("FROM chaves", []any{"ORPHAN"}, sagetest.Response{Columns: keyColumns})
	q.OnArgs("FROM chaves", []any{"BAD"}, sagetest.Response{
		Columns: keyColumns,
		Rows:    [][]any{{"dis", "DJ-BAD", "BAD", "not a number", int32(1)}},
	})
	q.OnArgs("FROM chaves", []any{"BROKEN"}, sagetest.Response{Err: &pgconn.PgError{Code: "42703"}})

	children := newNavigator(t, nil).FetchChildren(context.Background(), q, &topology.Node{MRID: "SE"})
	assert.Equal(t, []string{"DJ-A"}, identifiers(children))
}

func TestNavigator_DatabaseErrorsYieldEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{name: "missing table", err: &pgconn.PgError{Code: "42P01"}},
		{name: "dropped connection", err: io.EOF, wantTransient: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := sagetest.NewQuerier().On("FROM relacionamentos_mrid", sagetest.Response{Err: tt.err})

			var reported []error
			nav := newNavigator(t, func(err error) { reported = append(reported, err) })

			got := nav.Expand(context.Background(), q, &topology.Node{MRID: "SE"})
			assert.NotNil(t, got)
			assert.Empty(t, got)
			if tt.wantTransient {
				assert.Len(t, reported, 1)
			} else {
				assert.Empty(t, reported)
			}
		})
	}
}

func TestNavigator_TransientDuringKeyLookupReportsOnce(t *testing.T) {
	t.Parallel()

	q := sagetest.NewQuerier()
	q.OnArgs("WHERE pai = $1", []any{"SE"}, sagetest.Response{Columns: relColumns, Rows: [][]any{{"SE", "A"}, {"SE", "B"}}})
	q.On("FROM chaves", sagetest.Response{Err: io.ErrUnexpectedEOF})

	var reported int
	nav := newNavigator(t, func(error) { reported++ })

	got := nav.FetchChildren(context.Background(), q, &topology.Node{MRID: "SE"})
	assert.Empty(t, got)
	assert.Equal(t, 1, reported)
	assert.Equal(t, 1, q.CallCount("FROM chaves"))
}

func TestSortByIdentifier_TiesBrokenByMRID(t *testing.T) {
	t.Parallel()

	nodes := []*topology.Node{
		{Identifier: "X", MRID: "2"},
		{Identifier: "A", MRID: "9"},
		{Identifier: "X", MRID: "1"},
	}
	topology.SortByIdentifier(nodes)
	assert.Equal(t, "9", nodes[0].MRID)
	assert.Equal(t, "1", nodes[1].MRID)
	assert.Equal(t, "2", nodes[2].MRID)
}
