package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/pgmcp/internal/config"
	"github.com/you/pgmcp/internal/schema"
	"github.com/you/pgmcp/internal/sqlparse"
)

func TestSchemaDenied(t *testing.T) {
	pol, err := New(config.AccessPolicyConfig{AllowedSchemas: []string{"public"}})
	require.NoError(t, err)
	parsed, err := sqlparse.Parse("SELECT id FROM reporting.secret_table")
	require.NoError(t, err)

	res := pol.Evaluate(parsed, nil)
	assert.False(t, res.Allowed)
	assert.Equal(t, "SCHEMA_ACCESS_DENIED", string(res.Violation.Code))
}

func TestTableDeniedWinsOverAllow(t *testing.T) {
	pol, err := New(config.AccessPolicyConfig{
		Tables: config.TableAccessConfig{Allowed: []string{"orders"}, Denied: []string{"orders"}},
	})
	require.NoError(t, err)
	parsed, err := sqlparse.Parse("SELECT id FROM orders")
	require.NoError(t, err)

	res := pol.Evaluate(parsed, nil)
	assert.False(t, res.Allowed)
	assert.Equal(t, "TABLE_ACCESS_DENIED", string(res.Violation.Code))
}

func TestTableNotInAllowList(t *testing.T) {
	pol, err := New(config.AccessPolicyConfig{Tables: config.TableAccessConfig{Allowed: []string{"orders"}}})
	require.NoError(t, err)
	parsed, err := sqlparse.Parse("SELECT id FROM customers")
	require.NoError(t, err)

	res := pol.Evaluate(parsed, nil)
	assert.False(t, res.Allowed)
}

func TestSelectStarDenied(t *testing.T) {
	pol, err := New(config.AccessPolicyConfig{SelectStarPolicy: config.SelectStarDeny})
	require.NoError(t, err)
	parsed, err := sqlparse.Parse("SELECT * FROM orders")
	require.NoError(t, err)

	res := pol.Evaluate(parsed, nil)
	assert.False(t, res.Allowed)
	assert.Equal(t, "UNSAFE_SQL", string(res.Violation.Code))
}

func TestColumnDeniedRejectByDefault(t *testing.T) {
	pol, err := New(config.AccessPolicyConfig{Columns: config.ColumnAccessConfig{DeniedPatterns: []string{"*.ssn"}}})
	require.NoError(t, err)
	parsed, err := sqlparse.Parse("SELECT o.ssn FROM orders o")
	require.NoError(t, err)

	res := pol.Evaluate(parsed, nil)
	assert.False(t, res.Allowed)
	assert.Equal(t, "COLUMN_ACCESS_DENIED", string(res.Violation.Code))
}

func TestColumnDeniedRedacted(t *testing.T) {
	pol, err := New(config.AccessPolicyConfig{
		Columns:  config.ColumnAccessConfig{DeniedPatterns: []string{"*.ssn"}},
		OnDenied: config.OnDeniedRedact,
	})
	require.NoError(t, err)
	parsed, err := sqlparse.Parse("SELECT o.ssn, o.id FROM orders o")
	require.NoError(t, err)

	res := pol.Evaluate(parsed, nil)
	assert.True(t, res.Allowed)
	assert.Contains(t, res.RedactedColumns, "ssn")

	// Evaluate only decides the column is redactable — it must not be
	// read as having rewritten anything; ColumnsToRedact plus sqlparse.Rewrite
	// is what actually changes the executed SQL (the gap a prior review
	// found unwired).
	toRedact := pol.ColumnsToRedact(parsed)
	require.Len(t, toRedact, 1)
	assert.Equal(t, RedactedColumn{Qualifier: "o", Column: "ssn"}, toRedact[0])

	rewritten, ok := parsed.Rewrite("SELECT o.ssn, o.id FROM orders o",
		nil, map[string]string{"o.ssn": "NULL AS ssn"})
	require.True(t, ok)
	assert.Equal(t, "SELECT NULL AS ssn, o.id FROM orders o", rewritten)
	assert.NotContains(t, rewritten, "o.ssn")
}

func TestColumnDeniedRejectProducesNothingToRedact(t *testing.T) {
	pol, err := New(config.AccessPolicyConfig{Columns: config.ColumnAccessConfig{DeniedPatterns: []string{"*.ssn"}}})
	require.NoError(t, err)
	parsed, err := sqlparse.Parse("SELECT o.ssn FROM orders o")
	require.NoError(t, err)

	assert.Empty(t, pol.ColumnsToRedact(parsed))
}

func TestExpandStarColumnsRedactsDeniedColumn(t *testing.T) {
	pol, err := New(config.AccessPolicyConfig{
		SelectStarPolicy: config.SelectStarExpand,
		Columns:          config.ColumnAccessConfig{DeniedPatterns: []string{"*.ssn"}},
		OnDenied:         config.OnDeniedRedact,
	})
	require.NoError(t, err)
	parsed, err := sqlparse.Parse("SELECT * FROM orders o")
	require.NoError(t, err)

	snap := schema.Snapshot{Tables: []schema.Table{{
		Schema: "public", Name: "orders",
		Columns: []schema.Column{{Name: "id"}, {Name: "ssn"}},
	}}}

	cols, redacted, ok := pol.ExpandStarColumns(parsed, &snap, "")
	require.True(t, ok)
	assert.Equal(t, []string{"o.id", "NULL AS ssn"}, cols)
	assert.Equal(t, []string{"ssn"}, redacted)

	rewritten, ok := parsed.Rewrite("SELECT * FROM orders o", map[string]string{"": "o.id, NULL AS ssn"}, nil)
	require.True(t, ok)
	assert.Equal(t, "SELECT o.id, NULL AS ssn FROM orders o", rewritten)
}

func TestAllowedQueryPasses(t *testing.T) {
	pol, err := New(config.DefaultAccessPolicy())
	require.NoError(t, err)
	parsed, err := sqlparse.Parse("SELECT id, name FROM orders")
	require.NoError(t, err)

	res := pol.Evaluate(parsed, nil)
	assert.True(t, res.Allowed)
}
