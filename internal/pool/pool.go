// Package pool is the Pool Manager (spec.md C1): one pgxpool.Pool per
// configured database, health-checked and closed together.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/you/pgmcp/internal/config"
	"github.com/you/pgmcp/internal/errs"
)

// Manager owns one pool per database name, matching
// infrastructure/database.py's DatabasePoolManager. Pools are built once at
// Register and never resized; CloseAll is idempotent.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*pgxpool.Pool
}

func NewManager() *Manager {
	return &Manager{pools: make(map[string]*pgxpool.Pool)}
}

// Register builds and pings a pool for one database descriptor, the
// generalization of the teacher's newServer pgxpool.ParseConfig block to
// many named databases.
func (m *Manager) Register(ctx context.Context, cfg config.DatabaseConfig) error {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return errs.ConfigurationErr(fmt.Sprintf("invalid DSN for database %q: %v", cfg.Name, err))
	}
	pcfg.MinConns = int32(minNonZero(cfg.MinPoolSize, 2))
	pcfg.MaxConns = int32(minNonZero(cfg.MaxPoolSize, 10))
	pcfg.MaxConnLifetime = 30 * time.Minute
	pcfg.MaxConnIdleTime = 5 * time.Minute
	pcfg.HealthCheckPeriod = 30 * time.Second

	p, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return errs.ConnectionErr(cfg.Name, err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return errs.ConnectionErr(cfg.Name, err)
	}

	m.mu.Lock()
	m.pools[cfg.Name] = p
	m.mu.Unlock()
	return nil
}

func minNonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (m *Manager) Get(name string) (*pgxpool.Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pools))
	for n := range m.pools {
		names = append(names, n)
	}
	return names
}

// HealthCheck runs SELECT 1 against the named pool, matching database.py's
// health_check / the teacher's /healthz.
func (m *Manager) HealthCheck(ctx context.Context, name string) error {
	p, ok := m.Get(name)
	if !ok {
		return errs.UnknownDatabaseErr(name, m.Names())
	}
	var one int
	if err := p.QueryRow(ctx, "select 1").Scan(&one); err != nil {
		return errs.ConnectionErr(name, err)
	}
	return nil
}

func (m *Manager) HealthCheckAll(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, name := range m.Names() {
		out[name] = m.HealthCheck(ctx, name)
	}
	return out
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.Close()
	}
	m.pools = make(map[string]*pgxpool.Pool)
}

// Result is a fully materialized read-only query result: columns and rows
// as plain Go values, ready for JSON encoding and for the explain/access
// policy layers to reason about without reaching into pgx types.
type Result struct {
	Columns []string
	Rows    [][]any
}

// ExecuteReadOnly runs sql inside a READ ONLY transaction with a
// statement_timeout, matching database.py's fetch_readonly and the
// teacher's runReadOnlyQuery/guardReadOnly pairing (the safety guard itself
// lives in internal/sqlparse and internal/policy; this is pure execution).
func (m *Manager) ExecuteReadOnly(ctx context.Context, name, sql string, timeoutSeconds float64, args ...any) (Result, error) {
	p, ok := m.Get(name)
	if !ok {
		return Result{}, errs.UnknownDatabaseErr(name, m.Names())
	}

	conn, err := p.Acquire(ctx)
	if err != nil {
		return Result{}, errs.ConnectionErr(name, err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Result{}, errs.ConnectionErr(name, err)
	}
	defer tx.Rollback(ctx)

	if timeoutSeconds > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", int64(timeoutSeconds*1000))
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return Result{}, errs.InternalErr(err)
		}
	}

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		if isTimeoutErr(err) {
			return Result{}, errs.ExecutionTimeoutErr(timeoutSeconds)
		}
		return Result{}, errs.SyntaxErr(0, err.Error())
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = string(f.Name)
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return Result{}, errs.InternalErr(err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		if isTimeoutErr(err) {
			return Result{}, errs.ExecutionTimeoutErr(timeoutSeconds)
		}
		return Result{}, errs.InternalErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, errs.InternalErr(err)
	}
	return Result{Columns: cols, Rows: out}, nil
}

func isTimeoutErr(err error) bool {
	return err == context.DeadlineExceeded || contains(err.Error(), "statement timeout") || contains(err.Error(), "canceling statement")
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
