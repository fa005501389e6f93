// Package errs defines the error taxonomy shared across pg-mcp components.
//
// Every component raises a *Error carrying a Code drawn from this package's
// constants; the orchestrator is the only layer that turns a Code into the
// wire {success, error_code, error_message, details} shape (see
// internal/orchestrator).
package errs

import "fmt"

// Code is a wire error code, one of the values spec.md §6 enumerates.
type Code string

const (
	UnknownDatabase    Code = "UNKNOWN_DATABASE"
	AmbiguousQuery     Code = "AMBIGUOUS_QUERY"
	UnsafeSQL          Code = "UNSAFE_SQL"
	SyntaxError        Code = "SYNTAX_ERROR"
	ExecutionTimeout   Code = "EXECUTION_TIMEOUT"
	ConnectionError    Code = "CONNECTION_ERROR"
	OpenAIError        Code = "OPENAI_ERROR"
	ResultTooLarge     Code = "RESULT_TOO_LARGE"
	ValidationError    Code = "VALIDATION_ERROR"
	RateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	AccessDenied       Code = "ACCESS_DENIED"
	TableAccessDenied  Code = "TABLE_ACCESS_DENIED"
	ColumnAccessDenied Code = "COLUMN_ACCESS_DENIED"
	SchemaAccessDenied Code = "SCHEMA_ACCESS_DENIED"
	QueryTooExpensive  Code = "QUERY_TOO_EXPENSIVE"
	SeqScanDenied      Code = "SEQ_SCAN_DENIED"
	ConfigurationError Code = "CONFIGURATION_ERROR"
	InternalError      Code = "INTERNAL_ERROR"
	Cancelled          Code = "CANCELLED"
)

// Error is the base error type. Every derived constructor below returns one.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

// Wrap attaches an underlying error for errors.Is/As chains without changing
// the message or code.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

func newErr(code Code, msg string, details map[string]any) *Error {
	return &Error{Code: code, Message: msg, Details: details}
}

func UnknownDatabaseErr(database string, available []string) *Error {
	return newErr(UnknownDatabase,
		fmt.Sprintf("database %q not found", database),
		map[string]any{"available_databases": available})
}

func AmbiguousQueryErr(available []string) *Error {
	return newErr(AmbiguousQuery,
		"database not specified and multiple databases are configured",
		map[string]any{"available_databases": available})
}

func UnsafeSQLErr(reason string) *Error {
	return newErr(UnsafeSQL, "generated SQL is not safe for execution: "+reason, nil)
}

func SyntaxErr(position int, detail string) *Error {
	return newErr(SyntaxError, "SQL syntax error: "+detail,
		map[string]any{"position": position})
}

func ExecutionTimeoutErr(timeoutSeconds float64) *Error {
	return newErr(ExecutionTimeout,
		fmt.Sprintf("query execution timed out after %.1fs", timeoutSeconds),
		map[string]any{"timeout_seconds": timeoutSeconds})
}

func ConnectionErr(database string, cause error) *Error {
	e := newErr(ConnectionError,
		fmt.Sprintf("failed to connect to database %q", database),
		map[string]any{"database": database})
	return e.Wrap(cause)
}

func OpenAIErr(detail string, cause error) *Error {
	return newErr(OpenAIError, "language-model request failed: "+detail, nil).Wrap(cause)
}

func RateLimitErr(window, limitType string, limit, remaining int, resetAt int64) *Error {
	return newErr(RateLimitExceeded,
		fmt.Sprintf("rate limit exceeded: %d %s per %s", limit, limitType, window),
		map[string]any{
			"window":     window,
			"limit_type": limitType,
			"limit":      limit,
			"remaining":  remaining,
			"reset_at":   resetAt,
		})
}

func SchemaAccessDeniedErr(schema string) *Error {
	return newErr(SchemaAccessDenied,
		fmt.Sprintf("schema %q is not in the allowed list", schema),
		map[string]any{"schema": schema})
}

func TableAccessDeniedErr(table string) *Error {
	return newErr(TableAccessDenied,
		fmt.Sprintf("table %q is not accessible", table),
		map[string]any{"table": table})
}

func ColumnAccessDeniedErr(column string) *Error {
	return newErr(ColumnAccessDenied,
		fmt.Sprintf("column %q is not accessible", column),
		map[string]any{"column": column})
}

func QueryTooExpensiveErr(estimatedRows int64, estimatedCost float64, maxRows int64) *Error {
	return newErr(QueryTooExpensive,
		fmt.Sprintf("query exceeds resource limits: estimated rows %d, cost %.2f", estimatedRows, estimatedCost),
		map[string]any{
			"estimated_rows": estimatedRows,
			"estimated_cost": estimatedCost,
			"max_rows":       maxRows,
		})
}

func SeqScanDeniedErr(table string, estimatedRows int64) *Error {
	return newErr(SeqScanDenied,
		fmt.Sprintf("sequential scan on large table %q denied (~%d rows)", table, estimatedRows),
		map[string]any{"table": table, "estimated_rows": estimatedRows})
}

func ConfigurationErr(detail string) *Error {
	return newErr(ConfigurationError, "configuration error: "+detail, nil)
}

func InternalErr(cause error) *Error {
	return newErr(InternalError, "internal error", nil).Wrap(cause)
}

func CancelledErr() *Error {
	return newErr(Cancelled, "request cancelled", nil)
}

func ValidationErr(detail string) *Error {
	return newErr(ValidationError, detail, nil)
}

// Response is the wire shape from spec.md §6/§8.
type Response struct {
	Success      bool           `json:"success"`
	ErrorCode    Code           `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
	Details      map[string]any `json:"details,omitempty"`
}

func (e *Error) ToResponse() Response {
	return Response{Success: false, ErrorCode: e.Code, ErrorMessage: e.Message, Details: e.Details}
}

// As extracts a *Error from any error chain, mirroring models/errors.py's
// single exception hierarchy.
func As(err error) (*Error, bool) {
	var target *Error
	if err == nil {
		return nil, false
	}
	for {
		if e, ok := err.(*Error); ok {
			target = e
			return target, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
		if err == nil {
			return nil, false
		}
	}
}
