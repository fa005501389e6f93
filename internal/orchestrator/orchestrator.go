// Package orchestrator is the Query Orchestrator (spec.md C8): the single
// place that sequences every other component, per the state machine in
// spec.md §4.8 — INIT → RATE_LIMITED → SCHEMA_READY → SQL_GENERATED →
// PARSED → POLICY_OK → PLAN_OK → EXECUTED → AUDITED → DONE, with a bounded
// SYNTAX_RETRY loop and DENIED/FAILED branches that still audit before
// returning.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/you/pgmcp/internal/audit"
	"github.com/you/pgmcp/internal/config"
	"github.com/you/pgmcp/internal/errs"
	"github.com/you/pgmcp/internal/explainval"
	"github.com/you/pgmcp/internal/llm"
	"github.com/you/pgmcp/internal/policy"
	"github.com/you/pgmcp/internal/pool"
	"github.com/you/pgmcp/internal/ratelimit"
	"github.com/you/pgmcp/internal/resultval"
	"github.com/you/pgmcp/internal/retry"
	"github.com/you/pgmcp/internal/schema"
	"github.com/you/pgmcp/internal/sqlparse"
)

// ReturnType mirrors spec.md §6's query tool parameter.
type ReturnType string

const (
	ReturnSQL    ReturnType = "sql"
	ReturnResult ReturnType = "result"
	ReturnBoth   ReturnType = "both"
)

// Request is one query() tool invocation.
type Request struct {
	ClientID   string
	Database   string
	Question   string
	ReturnType ReturnType
	Limit      int
}

// ResultPayload is the `result` field of a successful response.
type ResultPayload struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

// Response is the deterministic wire shape from spec.md §4.8.
type Response struct {
	Success      bool               `json:"success"`
	SQL          string             `json:"sql,omitempty"`
	Result       *ResultPayload     `json:"result,omitempty"`
	Explanation  string             `json:"explanation,omitempty"`
	Validation   *resultval.Verdict `json:"validation,omitempty"`
	ErrorCode    errs.Code          `json:"error_code,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Details      map[string]any     `json:"details,omitempty"`
}

// perDatabase bundles the components whose configuration varies by
// database (access policy, explain budgets) so Orchestrator doesn't
// re-derive them on every request.
type perDatabase struct {
	policy    *policy.Policy
	explainer *explainval.Validator
	cfg       config.DatabaseConfig
}

// Orchestrator wires every component together. Construct with New, then
// call Query per request; all methods are safe for concurrent use.
type Orchestrator struct {
	cfg         config.AppConfig
	pools       *pool.Manager
	schemaCache *schema.Cache
	llmClient   *llm.Client
	limiter     *ratelimit.Limiter
	audit       *audit.Logger
	resultVal   *resultval.Validator
	byDB        map[string]*perDatabase
}

func New(cfg config.AppConfig, pools *pool.Manager, schemaCache *schema.Cache,
	llmClient *llm.Client, limiter *ratelimit.Limiter, auditLogger *audit.Logger) (*Orchestrator, error) {

	o := &Orchestrator{
		cfg: cfg, pools: pools, schemaCache: schemaCache,
		llmClient: llmClient, limiter: limiter, audit: auditLogger,
		byDB: make(map[string]*perDatabase),
	}
	if cfg.Server.EnableResultValidation {
		o.resultVal = resultval.New(cfg.OpenAI)
	}
	for _, db := range cfg.Databases {
		pol, err := policy.New(db.AccessPolicy)
		if err != nil {
			return nil, errs.ConfigurationErr(err.Error())
		}
		o.byDB[db.Name] = &perDatabase{
			policy:    pol,
			explainer: explainval.New(db.AccessPolicy.ExplainPolicy),
			cfg:       db,
		}
	}
	return o, nil
}

// resolveDatabase implements the "omitted database name" rule: if exactly
// one database is configured, it's implied; otherwise the caller must
// specify one, and an unknown name is reported with the available list.
func (o *Orchestrator) resolveDatabase(name string) (string, error) {
	if name != "" {
		if _, ok := o.byDB[strings.ToLower(name)]; !ok {
			return "", errs.UnknownDatabaseErr(name, o.cfg.DatabaseNames())
		}
		return strings.ToLower(name), nil
	}
	if len(o.cfg.Databases) == 1 {
		return o.cfg.Databases[0].Name, nil
	}
	return "", errs.AmbiguousQueryErr(o.cfg.DatabaseNames())
}

func (o *Orchestrator) audited(typ audit.EventType, req Request, database string, start time.Time,
	generatedSQL string, polCheck *audit.PolicyCheckInfo, result audit.ResultInfo) {
	e := audit.NewEvent(typ)
	e.Client = audit.ClientInfo{ClientID: req.ClientID}
	e.Query = audit.QueryInfo{Database: database, Question: req.Question, GeneratedSQL: generatedSQL}
	e.Policy = polCheck
	e.Result = result
	e.Result.DurationMs = time.Since(start).Milliseconds()
	o.audit.Log(e)
}

// asErr extracts a *errs.Error from any error, falling back to a generic
// internal error if err somehow isn't one of ours — every component in this
// module raises *errs.Error, so the fallback should never trigger in
// practice.
func asErr(err error) *errs.Error {
	if pgErr, ok := errs.As(err); ok {
		return pgErr
	}
	return errs.InternalErr(err)
}

func errResponse(e *errs.Error) Response {
	r := e.ToResponse()
	return Response{Success: false, ErrorCode: r.ErrorCode, ErrorMessage: r.ErrorMessage, Details: r.Details}
}

// applyAccessPolicyRewrite turns the SELECT * expand / column redact
// decisions the access policy computed during Evaluate into the SQL text
// that actually gets executed (spec.md §4.4.3, §4.4.4). pol.Evaluate only
// says whether the query is allowed; it never rewrites anything, so
// without this step a "redact" policy would still return real column
// values and an "expand" policy would never constrain SELECT * at all.
//
// It returns the rewritten SQL, the list of columns that ended up
// replaced with NULL (for the audit record), and ok — false when the
// rewrite can't be safely applied, which the caller must treat as a
// denial rather than fall back to executing the unrewritten SQL.
func applyAccessPolicyRewrite(pol *policy.Policy, parsed *sqlparse.ParsedSQL, snap *schema.Snapshot, sql string) (string, []string, bool) {
	starTargets := map[string]bool{}
	if parsed.SelectStar && pol.SelectStarPolicy() == config.SelectStarExpand {
		for _, c := range parsed.Columns {
			if c.Column == "*" {
				starTargets[c.TableAlias] = true
			}
		}
		if len(starTargets) == 0 {
			starTargets[""] = true // bare, unqualified "SELECT *"
		}
	}

	var redactedCols []string
	starExpand := map[string]string{}
	for alias := range starTargets {
		cols, redacted, ok := pol.ExpandStarColumns(parsed, snap, alias)
		if !ok {
			return sql, nil, false
		}
		starExpand[alias] = strings.Join(cols, ", ")
		redactedCols = append(redactedCols, redacted...)
	}

	redact := map[string]string{}
	for _, rc := range pol.ColumnsToRedact(parsed) {
		target := rc.Column
		if rc.Qualifier != "" {
			target = rc.Qualifier + "." + rc.Column
		}
		redact[target] = "NULL AS " + rc.Column
		redactedCols = append(redactedCols, rc.Column)
	}

	if len(starExpand) == 0 && len(redact) == 0 {
		return sql, nil, true
	}
	rewritten, ok := parsed.Rewrite(sql, starExpand, redact)
	if !ok {
		return sql, nil, false
	}
	return rewritten, redactedCols, true
}

// Query runs one full pipeline pass, per spec.md §4.8.
func (o *Orchestrator) Query(ctx context.Context, req Request) Response {
	start := time.Now()

	if ctx.Err() != nil {
		return errResponse(errs.CancelledErr())
	}

	database, err := o.resolveDatabase(req.Database)
	if err != nil {
		pgErr := asErr(err)
		return errResponse(pgErr)
	}
	dbInfo := o.byDB[database]

	// 1. INIT -> RATE_LIMITED
	if rlErr := o.limiter.CheckRequest(req.ClientID); rlErr != nil {
		pgErr := asErr(rlErr)
		o.audited(audit.EventQueryFailed, req, database, start, "", nil,
			audit.ResultInfo{ErrorCode: string(pgErr.Code), ErrorMessage: pgErr.Message})
		return errResponse(pgErr)
	}
	estimatedTokens := estimateTokens(req.Question)
	if !o.limiter.CheckTokens(req.ClientID, estimatedTokens) {
		pgErr := errs.RateLimitErr("minute", "tokens", o.cfg.Server.RateLimit.OpenAITokensPerMin, 0, time.Now().Add(time.Minute).Unix())
		o.audited(audit.EventQueryFailed, req, database, start, "", nil,
			audit.ResultInfo{ErrorCode: string(pgErr.Code), ErrorMessage: pgErr.Message})
		return errResponse(pgErr)
	}

	// 2. RATE_LIMITED -> SCHEMA_READY
	p, ok := o.pools.Get(database)
	if !ok {
		pgErr := errs.ConnectionErr(database, nil)
		o.audited(audit.EventQueryFailed, req, database, start, "", nil,
			audit.ResultInfo{ErrorCode: string(pgErr.Code), ErrorMessage: pgErr.Message})
		return errResponse(pgErr)
	}
	snap, err := o.schemaCache.Get(ctx, database, p)
	if err != nil {
		pgErr := asErr(err)
		o.audited(audit.EventQueryFailed, req, database, start, "", nil,
			audit.ResultInfo{ErrorCode: string(pgErr.Code), ErrorMessage: pgErr.Message})
		return errResponse(pgErr)
	}
	dbInfo.explainer.UpdateTableRowCounts(snap)

	// 3-5. SQL_GENERATED -> PARSED, with bounded SYNTAX_RETRY
	maxRetries := o.cfg.Server.MaxSQLRetry
	var genSQL string
	var explanation string
	var parsed *sqlparse.ParsedSQL
	var errorContext string

	for attempt := 0; ; attempt++ {
		genResult, genErr := o.llmClient.GenerateSQL(ctx, req.Question, snap.ToPromptText(), errorContext)
		if genErr != nil {
			pgErr := asErr(genErr)
			o.audited(audit.EventQueryFailed, req, database, start, "", nil,
				audit.ResultInfo{ErrorCode: string(pgErr.Code), ErrorMessage: pgErr.Message})
			return errResponse(pgErr)
		}
		o.limiter.RecordTokens(req.ClientID, int(genResult.TokensUsed))
		genSQL = genResult.SQL
		explanation = genResult.Explanation

		parsedStmt, parseErr := sqlparse.Parse(genSQL)
		if parseErr != nil {
			pgErr := asErr(parseErr)
			if pgErr.Code == errs.SyntaxError && attempt < maxRetries {
				errorContext = pgErr.Message
				continue
			}
			o.audited(audit.EventQueryFailed, req, database, start, genSQL, nil,
				audit.ResultInfo{ErrorCode: string(pgErr.Code), ErrorMessage: pgErr.Message})
			return errResponse(pgErr)
		}
		parsed = parsedStmt
		break
	}

	if parsed.Kind != sqlparse.KindSelect {
		pgErr := errs.UnsafeSQLErr("only SELECT statements are permitted")
		o.audited(audit.EventQueryDenied, req, database, start, genSQL, nil,
			audit.ResultInfo{ErrorCode: string(pgErr.Code), ErrorMessage: pgErr.Message})
		return errResponse(pgErr)
	}

	// 6. PARSED -> POLICY_OK
	polResult := dbInfo.policy.Evaluate(parsed, &snap)
	if !polResult.Allowed {
		o.audited(audit.EventPolicyViolation, req, database, start, genSQL,
			&audit.PolicyCheckInfo{Passed: false, ViolationCode: string(polResult.Violation.Code)},
			audit.ResultInfo{ErrorCode: string(polResult.Violation.Code), ErrorMessage: polResult.Violation.Message})
		return errResponse(polResult.Violation)
	}

	// 6b. apply the access policy's SELECT * expansion and column redaction
	// to the SQL actually executed — Evaluate above only decided whether
	// the query is allowed, it never rewrites anything itself.
	rewrittenSQL, redactedCols, rewriteOK := applyAccessPolicyRewrite(dbInfo.policy, parsed, &snap, genSQL)
	if !rewriteOK {
		violation := errs.UnsafeSQLErr("cannot safely rewrite this query's SELECT * or redacted columns before execution")
		o.audited(audit.EventQueryDenied, req, database, start, genSQL,
			&audit.PolicyCheckInfo{Passed: false, ViolationCode: string(violation.Code)},
			audit.ResultInfo{ErrorCode: string(violation.Code), ErrorMessage: violation.Message})
		return errResponse(violation)
	}

	canonicalSQL := parsed.CanonicalizeLimit(rewrittenSQL, o.cfg.Server.MaxResultRows)

	// 7. POLICY_OK -> PLAN_OK
	explainRes := dbInfo.explainer.Validate(ctx, p, canonicalSQL)
	if !explainRes.Passed {
		violation := explainval.ToError(database, explainRes)
		o.audited(audit.EventQueryDenied, req, database, start, genSQL,
			&audit.PolicyCheckInfo{Passed: false, ViolationCode: string(violation.Code)},
			audit.ResultInfo{ErrorCode: string(violation.Code), ErrorMessage: violation.Message})
		return errResponse(violation)
	}

	// 8. PLAN_OK -> EXECUTED
	limit := req.Limit
	if limit <= 0 || limit > o.cfg.Server.MaxResultRows {
		limit = o.cfg.Server.MaxResultRows
	}

	var execRes pool.Result
	dbRetryCfg := retry.DefaultDatabaseConfig(isRetryableDBError)
	execErr := retry.Execute(ctx, dbRetryCfg, func(ctx context.Context) error {
		var innerErr error
		execRes, innerErr = o.pools.ExecuteReadOnly(ctx, database, canonicalSQL, o.cfg.Server.QueryTimeout)
		return innerErr
	})
	if execErr != nil {
		if ctx.Err() != nil {
			// cancellation, not a real execution failure — no EXECUTED audit
			// event, per the round-trip property that a cancelled request
			// never produces one.
			return errResponse(errs.CancelledErr())
		}
		pgErr := asErr(execErr)
		o.audited(audit.EventQueryFailed, req, database, start, genSQL, nil,
			audit.ResultInfo{ErrorCode: string(pgErr.Code), ErrorMessage: pgErr.Message})
		return errResponse(pgErr)
	}

	truncated := false
	rows := execRes.Rows
	if len(rows) > limit {
		rows = rows[:limit]
		truncated = true
	}

	// 9. EXECUTED -> AUDITED -> DONE
	var execPolCheck *audit.PolicyCheckInfo
	if len(redactedCols) > 0 {
		execPolCheck = &audit.PolicyCheckInfo{Passed: true, RedactedColumns: redactedCols}
	}
	o.audited(audit.EventQueryExecuted, req, database, start, genSQL, execPolCheck,
		audit.ResultInfo{RowCount: len(rows)})

	resp := Response{Success: true}
	if req.ReturnType != ReturnResult {
		resp.SQL = canonicalSQL
		resp.Explanation = explanation
	}
	if req.ReturnType != ReturnSQL {
		resp.Result = &ResultPayload{
			Columns:   execRes.Columns,
			Rows:      rows,
			RowCount:  len(rows),
			Truncated: truncated,
		}
	}

	if o.resultVal != nil {
		summary := summarizeRows(execRes.Columns, rows)
		verdict := o.resultVal.Validate(ctx, req.Question, canonicalSQL, summary, len(rows))
		resp.Validation = &verdict
	}
	return resp
}

// RefreshSchema forces a schema reload for one database, or all of them
// when name is empty, matching the refresh_schema tool in spec.md §6.
func (o *Orchestrator) RefreshSchema(ctx context.Context, name string) ([]string, error) {
	names := []string{name}
	if name == "" {
		names = o.cfg.DatabaseNames()
	}
	var refreshed []string
	for _, n := range names {
		p, ok := o.pools.Get(n)
		if !ok {
			return refreshed, errs.UnknownDatabaseErr(n, o.cfg.DatabaseNames())
		}
		o.schemaCache.Invalidate(n)
		snap, err := o.schemaCache.Get(ctx, n, p)
		if err != nil {
			return refreshed, err
		}
		if info := o.byDB[n]; info != nil {
			info.explainer.UpdateTableRowCounts(snap)
		}
		refreshed = append(refreshed, n)
		o.audit.Log(audit.NewEvent(audit.EventSchemaRefreshed))
	}
	return refreshed, nil
}

func (o *Orchestrator) DatabaseNames() []string { return o.cfg.DatabaseNames() }

func isRetryableDBError(err error) bool {
	pgErr, ok := errs.As(err)
	if !ok {
		return false
	}
	return pgErr.Code == errs.ConnectionError
}

// estimateTokens is a cheap heuristic (roughly 4 bytes/token) used only to
// pre-check the token bucket before the real usage is known; the bucket is
// corrected with RecordTokens once the model call returns.
func estimateTokens(question string) int {
	n := len(question)/4 + 200 // + prompt/schema overhead floor
	if n < 1 {
		n = 1
	}
	return n
}

func summarizeRows(columns []string, rows [][]any) string {
	var b strings.Builder
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString("\n")
	max := len(rows)
	if max > 20 {
		max = 20
	}
	for _, row := range rows[:max] {
		parts := make([]string, len(row))
		for i, v := range row {
			parts[i] = toStringValue(v)
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("\n")
	}
	return b.String()
}

func toStringValue(v any) string {
	if v == nil {
		return "NULL"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
