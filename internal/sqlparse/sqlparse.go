// Package sqlparse is the SQL Parser (spec.md C3): validates that generated
// SQL is a single read-only statement, extracts the tables/columns it
// touches for the access policy, and injects a LIMIT when one is missing.
//
// It parses with the real PostgreSQL grammar via pg_query_go rather than
// regex matching, the way the teacher's guardReadOnly/validateSQLBasic
// approximate it with keyword blocklists — here the AST makes that
// approximation exact.
package sqlparse

import (
	"fmt"
	"strings"

	pgquery "github.com/pganalyze/pg_query_go/v6"

	"github.com/you/pgmcp/internal/errs"
)

// StatementKind classifies the single top-level statement.
type StatementKind string

const (
	KindSelect StatementKind = "select"
	KindOther  StatementKind = "other" // insert/update/delete/ddl/etc — always rejected downstream
)

// TableRef is one relation touched by the statement, resolved to its
// schema-qualified name (schema defaults to "" when unqualified, resolved
// by the access policy against allowed_schemas).
type TableRef struct {
	Schema string
	Name   string
	Alias  string
}

func (t TableRef) FullName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// ColumnRef is one column reference, qualified by table alias when the
// query uses one.
type ColumnRef struct {
	TableAlias string // empty when unqualified
	Column     string
}

// ParsedSQL is the result of Parse: everything the access policy and
// explain validator need, without either of them re-parsing.
type ParsedSQL struct {
	Raw            string
	Kind           StatementKind
	Tables         []TableRef
	Columns        []ColumnRef
	SelectStar     bool
	HasLimit       bool
	IsSetOperation bool // UNION/INTERSECT/EXCEPT at the top level
	CTENames       map[string]bool
}

// Parse parses sql, requiring exactly one statement. A SyntaxError is
// returned (errs.SyntaxErr) on any parse failure; multiple statements are
// reported through the same path since the grammar surfaces them as
// multiple RawStmt entries.
func Parse(sql string) (*ParsedSQL, error) {
	tree, err := pgquery.Parse(sql)
	if err != nil {
		return nil, errs.SyntaxErr(0, err.Error())
	}
	if len(tree.Stmts) == 0 {
		return nil, errs.SyntaxErr(0, "empty statement")
	}
	if len(tree.Stmts) > 1 {
		return nil, errs.UnsafeSQLErr("multiple statements are not allowed")
	}

	raw := tree.Stmts[0]
	node := raw.Stmt

	p := &ParsedSQL{Raw: sql, CTENames: map[string]bool{}}

	sel := node.GetSelectStmt()
	if sel == nil {
		p.Kind = KindOther
		return p, nil
	}
	p.Kind = KindSelect
	walkSelect(sel, p, map[string]bool{})
	p.HasLimit = topLevelLimit(sel)
	return p, nil
}

// topLevelLimit reports whether the statement has a LIMIT clause. For a
// UNION/INTERSECT/EXCEPT chain, pg_query attaches LimitCount to the
// outermost SelectStmt (the one passed in here), not to Larg/Rarg.
func topLevelLimit(sel *pgquery.SelectStmt) bool {
	return sel.LimitCount != nil
}

func walkSelect(sel *pgquery.SelectStmt, p *ParsedSQL, aliasScope map[string]bool) {
	if sel.Op != pgquery.SetOperation_SETOP_NONE {
		p.IsSetOperation = true
		if sel.Larg != nil {
			walkSelect(sel.Larg, p, aliasScope)
		}
		if sel.Rarg != nil {
			walkSelect(sel.Rarg, p, aliasScope)
		}
		return
	}

	if sel.WithClause != nil {
		for _, cteNode := range sel.WithClause.Ctes {
			cte := cteNode.GetCommonTableExpr()
			if cte == nil {
				continue
			}
			p.CTENames[cte.Ctename] = true
			if q := cte.Ctequery.GetSelectStmt(); q != nil {
				walkSelect(q, p, aliasScope)
			}
		}
	}

	for _, fromNode := range sel.FromClause {
		walkFromItem(fromNode, p)
	}

	for _, tgt := range sel.TargetList {
		rt := tgt.GetResTarget()
		if rt == nil {
			continue
		}
		walkExprForColumns(rt.Val, p)
	}

	walkExprForColumns(sel.WhereClause, p)
}

func walkFromItem(n *pgquery.Node, p *ParsedSQL) {
	switch {
	case n.GetRangeVar() != nil:
		rv := n.GetRangeVar()
		if p.CTENames[rv.Relname] {
			return // CTE reference, not a real table
		}
		alias := ""
		if rv.Alias != nil {
			alias = rv.Alias.Aliasname
		}
		p.Tables = append(p.Tables, TableRef{Schema: rv.Schemaname, Name: rv.Relname, Alias: alias})
	case n.GetJoinExpr() != nil:
		je := n.GetJoinExpr()
		walkFromItem(je.Larg, p)
		walkFromItem(je.Rarg, p)
		walkExprForColumns(je.Quals, p)
	case n.GetRangeSubselect() != nil:
		rs := n.GetRangeSubselect()
		if sub := rs.Subquery.GetSelectStmt(); sub != nil {
			walkSelect(sub, p, map[string]bool{})
		}
	}
}

func walkExprForColumns(n *pgquery.Node, p *ParsedSQL) {
	if n == nil {
		return
	}
	switch {
	case n.GetColumnRef() != nil:
		cr := n.GetColumnRef()
		var parts []string
		star := false
		for _, f := range cr.Fields {
			if f.GetAStar() != nil {
				star = true
				continue
			}
			if s := f.GetString_(); s != nil {
				parts = append(parts, s.Sval)
			}
		}
		if star {
			p.SelectStar = true
			if len(parts) > 0 {
				// qualified star, e.g. "orders.*" — still a star, recorded
				// against that alias for the access policy to expand.
				p.Columns = append(p.Columns, ColumnRef{TableAlias: strings.Join(parts, "."), Column: "*"})
			}
			return
		}
		if len(parts) == 1 {
			p.Columns = append(p.Columns, ColumnRef{Column: parts[0]})
		} else if len(parts) >= 2 {
			p.Columns = append(p.Columns, ColumnRef{TableAlias: parts[len(parts)-2], Column: parts[len(parts)-1]})
		}
	case n.GetAExpr() != nil:
		ae := n.GetAExpr()
		walkExprForColumns(ae.Lexpr, p)
		walkExprForColumns(ae.Rexpr, p)
	case n.GetBoolExpr() != nil:
		for _, arg := range n.GetBoolExpr().Args {
			walkExprForColumns(arg, p)
		}
	case n.GetFuncCall() != nil:
		for _, arg := range n.GetFuncCall().Args {
			walkExprForColumns(arg, p)
		}
	case n.GetSubLink() != nil:
		if sub := n.GetSubLink().Subselect.GetSelectStmt(); sub != nil {
			walkSelect(sub, p, map[string]bool{})
		}
	case n.GetCaseExpr() != nil:
		ce := n.GetCaseExpr()
		for _, w := range ce.Args {
			if cw := w.GetCaseWhen(); cw != nil {
				walkExprForColumns(cw.Expr, p)
				walkExprForColumns(cw.Result, p)
			}
		}
		walkExprForColumns(ce.Defresult, p)
	}
}

// CanonicalizeLimit appends "LIMIT n" when the statement has none, skipping
// set-operation (UNION/INTERSECT/EXCEPT) statements per the Open Question
// in spec.md §9(a): a LIMIT on one arm of a UNION changes result semantics,
// so injection is only safe on a plain SELECT.
func (p *ParsedSQL) CanonicalizeLimit(sql string, defaultLimit int) string {
	if p.Kind != KindSelect || p.HasLimit || p.IsSetOperation || defaultLimit <= 0 {
		return sql
	}
	trimmed := strings.TrimRight(strings.TrimSpace(sql), ";")
	return fmt.Sprintf("%s LIMIT %d", trimmed, defaultLimit)
}

// Rewrite splices a policy-driven SELECT * expansion and/or column
// redaction into sql's target list. Like CanonicalizeLimit it operates on
// the literal SQL text rather than reconstructing the statement from the
// AST: pg_query_go's Deparse path has no precedent anywhere in this
// codebase's dependency corpus to build against, so mutating and
// re-serializing the parse tree would mean guessing at an unverifiable
// API. A positional splice, scoped to the target list only, keeps the
// same risk profile CanonicalizeLimit already accepts.
//
// starExpand maps a table alias ("" for a bare, unqualified "*") to the
// replacement column-list text for that star. redact maps a column
// reference exactly as it appears in sql (qualified "alias.col" or bare
// "col") to its replacement expression (typically "NULL AS col").
//
// ok is false when the rewrite can't be performed safely: the statement
// isn't a plain SELECT, it's part of a set operation, it has a WITH
// clause (a CTE's own SELECT can precede the outer one in the text, which
// would fool the target-list scan below), or the target list's extent —
// or one of the expected tokens within it — can't be located. The caller
// must treat ok == false as "deny the query" rather than execute sql
// unrewritten; silently falling back would leak whatever the rewrite was
// meant to hide.
func (p *ParsedSQL) Rewrite(sql string, starExpand, redact map[string]string) (string, bool) {
	if len(starExpand) == 0 && len(redact) == 0 {
		return sql, true
	}
	if p.Kind != KindSelect || p.IsSetOperation || len(p.CTENames) > 0 {
		return sql, false
	}
	start, end, ok := selectListBounds(sql)
	if !ok {
		return sql, false
	}
	list := sql[start:end]
	for alias, replacement := range starExpand {
		token := "*"
		if alias != "" {
			token = alias + ".*"
		}
		newList, replaced := spliceToken(list, token, replacement)
		if !replaced {
			return sql, false
		}
		list = newList
	}
	for column, replacement := range redact {
		newList, replaced := spliceToken(list, column, replacement)
		if !replaced {
			return sql, false
		}
		list = newList
	}
	return sql[:start] + list + sql[end:], true
}

// selectListBounds finds the [start,end) byte range of the target list,
// from just past the leading SELECT keyword to the top-level FROM,
// tracking parenthesis depth and single-quoted strings so a scalar
// subquery or a string literal containing "from" in the list doesn't fool
// the scan. ok is false when no top-level FROM is found.
func selectListBounds(sql string) (start, end int, ok bool) {
	upper := strings.ToUpper(sql)
	selIdx := strings.Index(upper, "SELECT")
	if selIdx == -1 {
		return 0, 0, false
	}
	start = selIdx + len("SELECT")
	depth := 0
	inString := false
	for i := start; i < len(sql); i++ {
		c := sql[i]
		switch {
		case inString:
			if c == '\'' {
				inString = false
			}
		case c == '\'':
			inString = true
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0 && matchesWordAt(upper, i, "FROM"):
			return start, i, true
		}
	}
	return 0, 0, false
}

// matchesWordAt reports whether word occurs at upper[i:] bounded by
// non-identifier characters on both sides.
func matchesWordAt(upper string, i int, word string) bool {
	if i+len(word) > len(upper) || upper[i:i+len(word)] != word {
		return false
	}
	if i > 0 && isIdentChar(upper[i-1]) {
		return false
	}
	end := i + len(word)
	if end < len(upper) && isIdentChar(upper[end]) {
		return false
	}
	return true
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '.' || c == '*' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// spliceToken replaces the first occurrence of token in s that isn't part
// of a larger identifier, matched case-insensitively. This is the same
// "scan for a bounded word" shape as schema.containsWord, just with the
// boundary check added so "ssn" doesn't match inside "lessn".
func spliceToken(s, token, replacement string) (string, bool) {
	lowerS := strings.ToLower(s)
	lowerTok := strings.ToLower(token)
	for i := 0; i+len(lowerTok) <= len(lowerS); i++ {
		if lowerS[i:i+len(lowerTok)] != lowerTok {
			continue
		}
		if i > 0 && isIdentChar(s[i-1]) {
			continue
		}
		end := i + len(lowerTok)
		if end < len(s) && isIdentChar(s[end]) {
			continue
		}
		return s[:i] + replacement + s[end:], true
	}
	return s, false
}
