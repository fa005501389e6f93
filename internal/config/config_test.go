package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("PGMCP_TEST_HOST", "db.internal")
	defer os.Unsetenv("PGMCP_TEST_HOST")

	got := expandEnvVars("host: ${PGMCP_TEST_HOST}\nport: ${PGMCP_TEST_PORT:-5432}\nmissing: ${PGMCP_TEST_UNSET}")
	assert.Contains(t, got, "host: db.internal")
	assert.Contains(t, got, "port: 5432")
	assert.Contains(t, got, "missing: ${PGMCP_TEST_UNSET}")
}

func TestLoadFile(t *testing.T) {
	yamlContent := `
databases:
  - name: analytics
    host: localhost
    port: 5432
    dbname: analytics
    user: reader
    password: ${PGMCP_TEST_PW:-changeme}
    access_policy:
      allowed_schemas: [public]
      tables:
        allowed: [orders, customers]
      columns:
        denied_patterns: ["*.ssn", "*.password"]
server:
  max_result_rows: 500
`
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := LoadFile(f.Name())
	require.NoError(t, err)
	require.Len(t, cfg.Databases, 1)

	db := cfg.Databases[0]
	assert.Equal(t, "analytics", db.Name)
	assert.Equal(t, "changeme", string(db.Password))
	assert.Equal(t, "***", db.Password.String())
	assert.Equal(t, 500, cfg.Server.MaxResultRows)
	assert.ElementsMatch(t, []string{"orders", "customers"}, db.AccessPolicy.Tables.Allowed)
}

func TestDatabaseConfigValidate(t *testing.T) {
	db := DatabaseConfig{Name: "bad name", Host: "h", Database: "d", MinPoolSize: 2, MaxPoolSize: 10}
	assert.Error(t, db.Validate())

	db2 := DatabaseConfig{Name: "ok", Host: "h", Database: "d", MinPoolSize: 2, MaxPoolSize: 10}
	assert.NoError(t, db2.Validate())

	db3 := DatabaseConfig{Name: "ok", URL: "postgresql://x", MinPoolSize: 1, MaxPoolSize: 1}
	assert.NoError(t, db3.Validate())
}

func TestValidateDuplicateAndConflict(t *testing.T) {
	db := DatabaseConfig{
		Name: "main", Host: "h", Database: "d", MinPoolSize: 2, MaxPoolSize: 10,
		AccessPolicy: AccessPolicyConfig{
			Tables: TableAccessConfig{Allowed: []string{"orders"}, Denied: []string{"orders"}},
		},
	}
	cfg := AppConfig{Databases: []DatabaseConfig{db, db}}
	res := Validate(cfg)
	assert.False(t, res.Valid())
	assert.Len(t, res.Errors, 3) // duplicate name + allow/deny conflict x2
}

func TestValidateColumnPatternWarnings(t *testing.T) {
	db := DatabaseConfig{
		Name: "main", Host: "h", Database: "d", MinPoolSize: 2, MaxPoolSize: 10,
		AccessPolicy: AccessPolicyConfig{
			Columns: ColumnAccessConfig{DeniedPatterns: []string{"*.*"}},
		},
	}
	res := Validate(AppConfig{Databases: []DatabaseConfig{db}})
	assert.True(t, res.Valid())
	assert.NotEmpty(t, res.Warnings)
}
