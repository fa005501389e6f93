package sqlparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/pgmcp/internal/errs"
)

func TestParseSimpleSelect(t *testing.T) {
	p, err := Parse("SELECT id, name FROM public.customers WHERE id = 1")
	require.NoError(t, err)
	assert.Equal(t, KindSelect, p.Kind)
	require.Len(t, p.Tables, 1)
	assert.Equal(t, "public.customers", p.Tables[0].FullName())
	assert.False(t, p.SelectStar)
	assert.False(t, p.HasLimit)
}

func TestParseSelectStar(t *testing.T) {
	p, err := Parse("SELECT * FROM orders")
	require.NoError(t, err)
	assert.True(t, p.SelectStar)
	require.Len(t, p.Tables, 1)
	assert.Equal(t, "orders", p.Tables[0].FullName())
}

func TestParseJoinWithAlias(t *testing.T) {
	p, err := Parse("SELECT a.id, c.name FROM orders a JOIN customers c ON a.customer_id = c.id")
	require.NoError(t, err)
	require.Len(t, p.Tables, 2)
	names := []string{p.Tables[0].Name, p.Tables[1].Name}
	assert.Contains(t, names, "orders")
	assert.Contains(t, names, "customers")
}

func TestParseLimit(t *testing.T) {
	p, err := Parse("SELECT id FROM orders LIMIT 10")
	require.NoError(t, err)
	assert.True(t, p.HasLimit)
}

func TestParseMultiStatementRejected(t *testing.T) {
	_, err := Parse("SELECT 1; SELECT 2")
	require.Error(t, err)
	pgErr, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.UnsafeSQL, pgErr.Code)
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse("SELEC * FORM orders")
	require.Error(t, err)
	pgErr, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.SyntaxError, pgErr.Code)
}

func TestParseNonSelect(t *testing.T) {
	p, err := Parse("INSERT INTO orders (id) VALUES (1)")
	require.NoError(t, err)
	assert.Equal(t, KindOther, p.Kind)
}

func TestParseUnionSetsIsSetOperation(t *testing.T) {
	p, err := Parse("SELECT id FROM orders UNION SELECT id FROM archived_orders")
	require.NoError(t, err)
	assert.True(t, p.IsSetOperation)
	names := []string{}
	for _, tbl := range p.Tables {
		names = append(names, tbl.Name)
	}
	assert.Contains(t, names, "orders")
	assert.Contains(t, names, "archived_orders")
}

func TestCanonicalizeLimitInjectsWhenMissing(t *testing.T) {
	p, err := Parse("SELECT id FROM orders")
	require.NoError(t, err)
	got := p.CanonicalizeLimit("SELECT id FROM orders", 100)
	assert.Equal(t, "SELECT id FROM orders LIMIT 100", got)
}

func TestCanonicalizeLimitSkipsWhenPresent(t *testing.T) {
	p, err := Parse("SELECT id FROM orders LIMIT 5")
	require.NoError(t, err)
	got := p.CanonicalizeLimit("SELECT id FROM orders LIMIT 5", 100)
	assert.Equal(t, "SELECT id FROM orders LIMIT 5", got)
}

func TestCanonicalizeLimitSkipsUnion(t *testing.T) {
	p, err := Parse("SELECT id FROM orders UNION SELECT id FROM archived_orders")
	require.NoError(t, err)
	sql := "SELECT id FROM orders UNION SELECT id FROM archived_orders"
	got := p.CanonicalizeLimit(sql, 100)
	assert.Equal(t, sql, got)
}

func TestCTENotTreatedAsTable(t *testing.T) {
	p, err := Parse("WITH recent AS (SELECT id FROM orders) SELECT id FROM recent")
	require.NoError(t, err)
	names := []string{}
	for _, tbl := range p.Tables {
		names = append(names, tbl.Name)
	}
	assert.Contains(t, names, "orders")
	assert.NotContains(t, names, "recent")
}

func TestRewriteRedactsNamedColumn(t *testing.T) {
	sql := "SELECT o.ssn, o.id FROM orders o"
	p, err := Parse(sql)
	require.NoError(t, err)

	got, ok := p.Rewrite(sql, nil, map[string]string{"o.ssn": "NULL AS ssn"})
	require.True(t, ok)
	assert.Equal(t, "SELECT NULL AS ssn, o.id FROM orders o", got)
}

func TestRewriteExpandsBareStar(t *testing.T) {
	sql := "SELECT * FROM orders o WHERE o.id > 1"
	p, err := Parse(sql)
	require.NoError(t, err)

	got, ok := p.Rewrite(sql, map[string]string{"": "o.id, o.total"}, nil)
	require.True(t, ok)
	assert.Equal(t, "SELECT o.id, o.total FROM orders o WHERE o.id > 1", got)
}

func TestRewriteExpandsQualifiedStar(t *testing.T) {
	sql := "SELECT o.*, c.name FROM orders o JOIN customers c ON o.customer_id = c.id"
	p, err := Parse(sql)
	require.NoError(t, err)

	got, ok := p.Rewrite(sql, map[string]string{"o": "o.id, o.total"}, nil)
	require.True(t, ok)
	assert.Equal(t, "SELECT o.id, o.total, c.name FROM orders o JOIN customers c ON o.customer_id = c.id", got)
}

func TestRewriteNoopWhenNothingToChange(t *testing.T) {
	sql := "SELECT id FROM orders"
	p, err := Parse(sql)
	require.NoError(t, err)

	got, ok := p.Rewrite(sql, nil, nil)
	require.True(t, ok)
	assert.Equal(t, sql, got)
}

func TestRewriteRejectsUnionQuery(t *testing.T) {
	sql := "SELECT * FROM orders UNION SELECT * FROM archived_orders"
	p, err := Parse(sql)
	require.NoError(t, err)

	_, ok := p.Rewrite(sql, map[string]string{"": "id, total"}, nil)
	assert.False(t, ok)
}

func TestRewriteRejectsCTEQuery(t *testing.T) {
	sql := "WITH recent AS (SELECT id FROM orders) SELECT * FROM recent"
	p, err := Parse(sql)
	require.NoError(t, err)

	_, ok := p.Rewrite(sql, map[string]string{"": "id"}, nil)
	assert.False(t, ok)
}

func TestRewriteFailsWhenTokenNotFound(t *testing.T) {
	sql := "SELECT o.id FROM orders o"
	p, err := Parse(sql)
	require.NoError(t, err)

	_, ok := p.Rewrite(sql, nil, map[string]string{"o.ssn": "NULL AS ssn"})
	assert.False(t, ok)
}
