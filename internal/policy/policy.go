// Package policy is the Access Policy (spec.md C4): four ordered checks —
// schema, table, SELECT * handling, column — run against a parsed
// statement. Table denial always wins over an allow list; column denial
// either rejects the query or redacts the column, per OnDenied.
package policy

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/you/pgmcp/internal/config"
	"github.com/you/pgmcp/internal/errs"
	"github.com/you/pgmcp/internal/schema"
	"github.com/you/pgmcp/internal/sqlparse"
)

const defaultSchema = "public"

// Policy evaluates one database's AccessPolicyConfig against parsed SQL.
type Policy struct {
	cfg          config.AccessPolicyConfig
	deniedCols   []glob.Glob
	allowedTbl   map[string]bool
	deniedTbl    map[string]bool
	allowedSchem map[string]bool
}

// New compiles the column deny patterns once so Evaluate never errors on
// bad glob syntax mid-request; config.Validate should already have caught
// malformed patterns before this is called.
func New(cfg config.AccessPolicyConfig) (*Policy, error) {
	p := &Policy{
		cfg:          cfg,
		allowedTbl:   toSet(cfg.Tables.Allowed),
		deniedTbl:    toSet(cfg.Tables.Denied),
		allowedSchem: toSet(cfg.AllowedSchemas),
	}
	for _, pattern := range cfg.Columns.DeniedPatterns {
		g, err := glob.Compile(strings.ToLower(pattern), '.')
		if err != nil {
			return nil, fmt.Errorf("compile column deny pattern %q: %w", pattern, err)
		}
		p.deniedCols = append(p.deniedCols, g)
	}
	return p, nil
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[strings.ToLower(s)] = true
	}
	return m
}

// Result is the outcome of Evaluate.
type Result struct {
	Allowed    bool
	Violation  *errs.Error // first denial encountered, checks run in fixed order
	RedactedColumns []string
}

// Evaluate runs the four checks in order against parsed, resolving
// unqualified table schemas to "public" the way Postgres itself would with
// a default search_path. snap may be nil; it is only consulted to check the
// columns a SELECT * would expand to under SelectStarExpand. Evaluate never
// rewrites the SQL.
func (p *Policy) Evaluate(parsed *sqlparse.ParsedSQL, snap *schema.Snapshot) Result {
	// 1. schema check
	if len(p.allowedSchem) > 0 {
		for _, t := range parsed.Tables {
			sch := t.Schema
			if sch == "" {
				sch = defaultSchema
			}
			if !p.allowedSchem[strings.ToLower(sch)] {
				return Result{Violation: errs.SchemaAccessDeniedErr(sch)}
			}
		}
	}

	// 2. table check — denied always wins, even over an explicit allow.
	for _, t := range parsed.Tables {
		name := strings.ToLower(t.Name)
		if p.deniedTbl[name] {
			return Result{Violation: errs.TableAccessDeniedErr(t.FullName())}
		}
		if len(p.allowedTbl) > 0 && !p.allowedTbl[name] {
			return Result{Violation: errs.TableAccessDeniedErr(t.FullName())}
		}
	}

	// 3. SELECT * handling
	if parsed.SelectStar {
		switch p.cfg.SelectStarPolicy {
		case config.SelectStarDeny:
			return Result{Violation: errs.UnsafeSQLErr("SELECT * is not permitted by this database's access policy")}
		case config.SelectStarExpand:
			// Expansion itself is the orchestrator's job (it rewrites the
			// SQL using snap before execution); here we only verify every
			// resolvable column of the referenced tables passes the
			// column check below once expanded.
			if snap != nil {
				if v := p.checkExpandedStar(parsed, snap); v != nil {
					return Result{Violation: v}
				}
			}
		case config.SelectStarAllow, "":
			// fall through to column check on explicitly named columns only
		}
	}

	// 4. column check
	var redacted []string
	for _, c := range parsed.Columns {
		if c.Column == "*" {
			continue // handled by the SELECT * branch above
		}
		qualified := strings.ToLower(c.Column)
		if c.TableAlias != "" {
			qualified = strings.ToLower(c.TableAlias) + "." + qualified
		}
		if p.columnDenied(qualified, strings.ToLower(c.Column)) {
			if p.cfg.OnDenied == config.OnDeniedRedact {
				redacted = append(redacted, c.Column)
				continue
			}
			return Result{Violation: errs.ColumnAccessDeniedErr(c.Column)}
		}
	}

	return Result{Allowed: true, RedactedColumns: redacted}
}

// SelectStarPolicy exposes the configured SELECT * handling so the
// orchestrator knows whether a rewrite-time expansion applies at all —
// Evaluate only consults it internally.
func (p *Policy) SelectStarPolicy() config.SelectStarPolicy {
	return p.cfg.SelectStarPolicy
}

func (p *Policy) columnDenied(qualified, bare string) bool {
	for _, g := range p.deniedCols {
		if g.Match(qualified) || g.Match(bare) {
			return true
		}
	}
	return false
}

func (p *Policy) checkExpandedStar(parsed *sqlparse.ParsedSQL, snap *schema.Snapshot) *errs.Error {
	for _, t := range parsed.Tables {
		tbl, ok := snap.GetTable(t.FullName())
		if !ok {
			continue
		}
		for _, col := range tbl.Columns {
			qualified := strings.ToLower(t.Name) + "." + strings.ToLower(col.Name)
			if p.columnDenied(qualified, strings.ToLower(col.Name)) && p.cfg.OnDenied != config.OnDeniedRedact {
				return errs.ColumnAccessDeniedErr(col.Name)
			}
		}
	}
	return nil
}

// ExpandStarColumns returns the ordered column-list text that a SELECT *
// (tableAlias == "") or qualified "alias.*" (tableAlias == that alias)
// should expand to once the column policy is applied, for the orchestrator
// to splice into the executed SQL (spec.md §4.4.3). redacted lists the
// subset of those columns emitted as "NULL AS col" rather than their real
// reference, so the caller can fold them into the audit record the same
// way an explicitly redacted column is. ok is false when tableAlias can't
// be resolved to a known table or the table has no columns to expand —
// the caller must treat that as unable to safely rewrite the query.
//
// By the time this runs, Evaluate has already rejected the query outright
// when OnDenied is anything but redact and an expanded column is denied
// (see checkExpandedStar above), so a denied column reaching this method
// only happens under OnDeniedRedact.
func (p *Policy) ExpandStarColumns(parsed *sqlparse.ParsedSQL, snap *schema.Snapshot, tableAlias string) ([]string, []string, bool) {
	var refs []sqlparse.TableRef
	if tableAlias == "" {
		refs = parsed.Tables
	} else {
		for _, t := range parsed.Tables {
			if strings.EqualFold(t.Alias, tableAlias) || strings.EqualFold(t.Name, tableAlias) {
				refs = append(refs, t)
			}
		}
	}
	if len(refs) == 0 {
		return nil, nil, false
	}

	var columns, redacted []string
	for _, t := range refs {
		tbl, ok := snap.GetTable(t.FullName())
		if !ok {
			return nil, nil, false
		}
		qualifier := t.Alias
		if qualifier == "" {
			qualifier = t.Name
		}
		for _, col := range tbl.Columns {
			qualified := strings.ToLower(t.Name) + "." + strings.ToLower(col.Name)
			if p.columnDenied(qualified, strings.ToLower(col.Name)) {
				if p.cfg.OnDenied != config.OnDeniedRedact {
					continue // should already have been denied by Evaluate; omit defensively
				}
				columns = append(columns, "NULL AS "+col.Name)
				redacted = append(redacted, col.Name)
				continue
			}
			columns = append(columns, qualifier+"."+col.Name)
		}
	}
	return columns, redacted, len(columns) > 0
}

// RedactedColumn is one explicitly-named column Evaluate decided to redact
// rather than reject, paired with the table alias it was qualified by (if
// any) so the caller can locate the matching text in the generated SQL.
type RedactedColumn struct {
	Qualifier string
	Column    string
}

// ColumnsToRedact re-walks parsed.Columns the same way Evaluate's column
// check does, returning just the ones that should be replaced with
// NULL in the executed SQL. It only applies under OnDeniedRedact — under
// OnDeniedReject, Evaluate already denies the whole query for any of
// these, so there is nothing left to rewrite.
func (p *Policy) ColumnsToRedact(parsed *sqlparse.ParsedSQL) []RedactedColumn {
	if p.cfg.OnDenied != config.OnDeniedRedact {
		return nil
	}
	var out []RedactedColumn
	for _, c := range parsed.Columns {
		if c.Column == "*" {
			continue
		}
		qualified := strings.ToLower(c.Column)
		if c.TableAlias != "" {
			qualified = strings.ToLower(c.TableAlias) + "." + qualified
		}
		if p.columnDenied(qualified, strings.ToLower(c.Column)) {
			out = append(out, RedactedColumn{Qualifier: c.TableAlias, Column: c.Column})
		}
	}
	return out
}
