package catalog_test

import (
	"context"
	"io"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/catalog"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/dberror"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/sagetest"
	"github.com/VictorNLopes/SAGE-TreeView/navigator/pkg/topology"
	sagetesting "github.com/VictorNLopes/SAGE-TreeView/utils/pkg/testing"
)

var catalogColumns = []string{"ent", "nome", "atrbd", "descr", "historied"}

func breaker() *topology.Node {
	return &topology.Node{Entity: "dis", Identifier: "DJ-01", MRID: "M1", Index: 1, Key: 42}
}

func newCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(catalog.Config{Logger: sagetesting.NewLogger()})
	require.NoError(t, err)
	return c
}

func fixture() *sagetest.Querier {
	q := sagetest.NewQuerier()
	q.On("FROM entidade_bh WHERE nome = $1", sagetest.Response{
		Columns: []string{"nome", "descr", "entbd", "esqgrv"},
		Rows:    [][]any{{"dis_r", "  Disjuntor  ", "dis", ""}},
	})
	q.On("FROM atributo_bh", sagetest.Response{
		Columns: catalogColumns,
		Rows: [][]any{
			{"dis_r", "id", "Identificador", "Identificador do equipamento", false},
			{"dis_h", "kv", "kv", "Tensão", true},
			{"dis_r", "descr", "Descricao", "Descrição da instância", false},
			{"dis_h", "estad", "estad", "Estado", true},
			{"dis_r", "", " ", "", false},
			{"dis_r", "oculto", "Oculto", "", false},
			{"dis_h", "", "", "", true},
			{"dis_h", "Isupa", "Isupa", "Corrente", true},
		},
	})
	q.On("FROM dis_r WHERE bh_chave = $1", sagetest.Response{
		Columns: []string{"bh_chave", "id", "descr", "oculto"},
		Rows:    [][]any{{int32(42), "DJ-01 ", "Disjuntor de entrada", "x"}},
	})
	return q
}

func TestCatalog_Fetch(t *testing.T) {
	t.Parallel()

	d, err := newCatalog(t).Fetch(context.Background(), fixture(), breaker())
	require.NoError(t, err)

	assert.False(t, d.Partial)
	assert.Empty(t, d.Warnings)
	assert.Equal(t, "Disjuntor", d.Template)
	assert.Equal(t, "Disjuntor de entrada", d.Description)
	assert.Equal(t, []string{"Identificador", "Descricao"}, d.StaticNames())
	assert.Equal(t, []string{"kv", "estad"}, d.HistoriedNames())
	assert.Equal(t, []catalog.Row{
		{Name: "Identificador", Value: "DJ-01", Description: "Identificador do equipamento"},
		{Name: "Descricao", Value: "Disjuntor de entrada", Description: "Descrição da instância"},
	}, d.Attributes)
}

func TestCatalog_FetchFallsBackWhenCurrentValuesFail(t *testing.T) {
	t.Parallel()

	q := sagetest.NewQuerier()
	q.On("FROM entidade_bh WHERE nome = $1", sagetest.Response{Columns: []string{"descr"}, Rows: [][]any{{"Disjuntor"}}})
	q.On("FROM atributo_bh", sagetest.Response{Columns: catalogColumns})
	q.On("FROM dis_r", sagetest.Response{Err: &pgconn.PgError{Code: "42P01"}})

	d, err := newCatalog(t).Fetch(context.Background(), q, breaker())
	require.NoError(t, err)
	assert.Equal(t, "DJ-01", d.Description)
	assert.True(t, d.Partial)
	require.Len(t, d.Warnings, 1)
	assert.Empty(t, d.Attributes)
}

func TestCatalog_FetchNoCurrentRowIsPartial(t *testing.T) {
	t.Parallel()

	q := sagetest.NewQuerier()
	q.On("FROM entidade_bh WHERE nome = $1", sagetest.Response{Columns: []string{"descr"}})
	q.On("FROM atributo_bh", sagetest.Response{Columns: catalogColumns})
	q.On("FROM dis_r", sagetest.Response{Columns: []string{"bh_chave"}})

	d, err := newCatalog(t).Fetch(context.Background(), q, breaker())
	require.NoError(t, err)
	assert.Equal(t, "DJ-01", d.Description)
	assert.Empty(t, d.Template)
	assert.True(t, d.Partial)
}

func TestCatalog_FetchTransientAborts(t *testing.T) {
	t.Parallel()

	q := sagetest.NewQuerier()
	q.On("FROM entidade_bh WHERE nome = $1", sagetest.Response{Err: io.EOF})

	d, err := newCatalog(t).Fetch(context.Background(), q, breaker())
	require.ErrorIs(t, err, dberror.ErrTransient)
	assert.Nil(t, d)
	assert.Len(t, q.Calls(), 1)
}

func TestCatalog_FetchRootIssuesNoQueries(t *testing.T) {
	t.Parallel()

	q := sagetest.NewQuerier()
	d, err := newCatalog(t).Fetch(context.Background(), q, topology.Root())
	require.NoError(t, err)
	assert.Equal(t, topology.RootIdentifier, d.Description)
	assert.Empty(t, q.Calls())
}

func TestDetails_Resolve(t *testing.T) {
	t.Parallel()

	d, err := newCatalog(t).Fetch(context.Background(), fixture(), breaker())
	require.NoError(t, err)

	before := len(d.Attributes)
	cols, values := d.Resolve([]string{"Descricao", "Desconhecido", " Identificador "})
	assert.Equal(t, []string{"Identificador", "Descricao"}, cols)
	assert.Equal(t, []any{"DJ-01", "Disjuntor de entrada"}, values)
	assert.Len(t, d.Attributes, before)

	cols, values = d.Resolve(nil)
	assert.Empty(t, cols)
	assert.Empty(t, values)
}
