// Package explainval is the Explain Validator (spec.md C5): runs
// EXPLAIN (FORMAT JSON, COSTS TRUE) on a candidate query and denies it
// only when the estimated plan clearly exceeds configured budgets. Any
// failure to obtain a plan (syntax the planner rejects for reasons the
// parser missed, a timeout, a closed connection) passes the query through
// with a warning rather than blocking it — explain_validator.py's
// validate() does the same: this layer narrows, it never gatekeeps alone.
package explainval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/you/pgmcp/internal/config"
	"github.com/you/pgmcp/internal/errs"
	"github.com/you/pgmcp/internal/schema"
)

type SeqScanInfo struct {
	Table string
	Rows  int64
}

// Result is one EXPLAIN outcome, cached by query text.
type Result struct {
	Passed        bool
	EstimatedRows int64
	EstimatedCost float64
	SeqScans      []SeqScanInfo
	Warning       string
}

// Validator holds a TTL cache of Results keyed by sha256(sql) and the
// latest known row counts per table (kept fresh by UpdateTableRowCounts,
// called whenever the schema cache refreshes) so a seq scan on a table the
// planner underestimates can still be flagged using the catalog's
// reltuples.
type Validator struct {
	cfg       config.ExplainPolicyConfig
	cache     *expirable.LRU[string, Result]
	mu        sync.RWMutex
	rowCounts map[string]int64
}

func New(cfg config.ExplainPolicyConfig) *Validator {
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	size := cfg.CacheMaxSize
	if size <= 0 {
		size = 512
	}
	return &Validator{
		cfg:       cfg,
		cache:     expirable.NewLRU[string, Result](size, nil, ttl),
		rowCounts: make(map[string]int64),
	}
}

// UpdateTableRowCounts indexes by bare table name since EXPLAIN's
// "Relation Name" is never schema-qualified, even for non-public tables.
func (v *Validator) UpdateTableRowCounts(snap schema.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, t := range snap.Tables {
		v.rowCounts[t.Name] = t.RowCount
	}
}

func cacheKey(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])[:16]
}

// Validate runs EXPLAIN against pool, consulting the cache first.
func (v *Validator) Validate(ctx context.Context, pool *pgxpool.Pool, sql string) Result {
	if !v.cfg.Enabled {
		return Result{Passed: true}
	}

	key := cacheKey(sql)
	if r, ok := v.cache.Get(key); ok {
		return r
	}

	timeout := v.cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 5
	}
	ectx, cancel := context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
	defer cancel()

	row := pool.QueryRow(ectx, "EXPLAIN (FORMAT JSON, COSTS TRUE) "+sql)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return Result{Passed: true, Warning: fmt.Sprintf("explain failed, skipping cost validation: %v", err)}
	}

	result := v.parseAndValidate(raw)
	v.cache.Add(key, result)
	return result
}

type planDoc struct {
	Plan planNode `json:"Plan"`
}

type planNode struct {
	NodeType      string     `json:"Node Type"`
	RelationName  string     `json:"Relation Name"`
	PlanRows      int64      `json:"Plan Rows"`
	TotalCost     float64    `json:"Total Cost"`
	Plans         []planNode `json:"Plans"`
}

func (v *Validator) parseAndValidate(raw string) Result {
	var docs []planDoc
	if err := json.Unmarshal([]byte(raw), &docs); err != nil || len(docs) == 0 {
		return Result{Passed: true, Warning: "could not parse explain output, skipping cost validation"}
	}

	root := docs[0].Plan
	var seqScans []SeqScanInfo
	collectSeqScans(root, &seqScans)

	result := Result{
		EstimatedRows: root.PlanRows,
		EstimatedCost: root.TotalCost,
		SeqScans:      seqScans,
		Passed:        true,
	}

	if v.cfg.MaxEstimatedRows > 0 && root.PlanRows > v.cfg.MaxEstimatedRows {
		result.Passed = false
		result.Warning = "estimated rows exceed budget"
		return result
	}
	if v.cfg.MaxEstimatedCost > 0 && root.TotalCost > v.cfg.MaxEstimatedCost {
		// cost budget is advisory only, matching explain_validator.py:
		// only the row budget and large-table seq scan denial actually
		// deny a query.
		result.Warning = "estimated cost exceeds budget"
	}

	if v.cfg.DenySeqScanOnLargeTables {
		v.mu.RLock()
		defer v.mu.RUnlock()
		for _, s := range seqScans {
			rows := s.Rows
			if cached, ok := v.rowCounts[s.Table]; ok && cached > rows {
				rows = cached
			}
			if rows > v.cfg.LargeTableThreshold {
				result.Passed = false
				result.Warning = fmt.Sprintf("sequential scan on large table %q (~%d rows)", s.Table, rows)
				return result
			}
		}
	}
	return result
}

func collectSeqScans(n planNode, out *[]SeqScanInfo) {
	if n.NodeType == "Seq Scan" && n.RelationName != "" {
		*out = append(*out, SeqScanInfo{Table: n.RelationName, Rows: n.PlanRows})
	}
	for _, child := range n.Plans {
		collectSeqScans(child, out)
	}
}

// ToError converts a failing Result into the matching *errs.Error; callers
// (the orchestrator) only call this once Passed is false.
func ToError(table string, r Result) *errs.Error {
	for _, s := range r.SeqScans {
		prefix := fmt.Sprintf("sequential scan on large table %q", s.Table)
		if len(r.Warning) >= len(prefix) && r.Warning[:len(prefix)] == prefix {
			return errs.SeqScanDeniedErr(s.Table, s.Rows)
		}
	}
	return errs.QueryTooExpensiveErr(r.EstimatedRows, r.EstimatedCost, 0)
}
