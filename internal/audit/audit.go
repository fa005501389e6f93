// Package audit is the audit trail: one AuditEvent per query attempt,
// written to a pluggable Sink. Grounded on tests/unit/security/
// test_audit_logger.py (the Python AuditLogger's source itself was
// filtered from the retrieval pack) and spec.md §3/§6's event shape; the
// Sink abstraction itself is a supplemented feature (SPEC_FULL.md §4).
package audit

import (
	"encoding/json"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the four canonical outcomes spec.md §3/§8 requires
// every request to produce exactly one of, plus one supplemented type for
// the refresh_schema tool (not itself a query, so exempt from the
// one-event-per-query invariant).
type EventType string

const (
	EventQueryExecuted   EventType = "query_executed"
	EventQueryDenied     EventType = "query_denied"
	EventQueryFailed     EventType = "query_failed"
	EventPolicyViolation EventType = "policy_violation"
	EventSchemaRefreshed EventType = "schema_refreshed"
)

type ClientInfo struct {
	ClientID  string
	RemoteIP  string
}

type PolicyCheckInfo struct {
	Passed          bool
	ViolationCode   string
	RedactedColumns []string
}

type QueryInfo struct {
	Database     string
	Question     string
	GeneratedSQL string
}

type ResultInfo struct {
	RowCount      int
	DurationMs    int64
	ErrorCode     string
	ErrorMessage  string
}

// Event is one append-only audit record.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Client    ClientInfo
	Query     QueryInfo
	Policy    *PolicyCheckInfo
	Result    ResultInfo
}

// NewEvent stamps a fresh event ID, matching the original's uuid4()
// event_id field.
func NewEvent(typ EventType) Event {
	return Event{ID: uuid.NewString(), Type: typ, Timestamp: time.Now()}
}

var sensitivePattern = regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key|auth|credential|private[_-]?key)`)

// redactSensitive walks a map and masks any key matching the sensitive
// pattern, mirroring utils/serialization.py's redact_sensitive_fields.
func redactSensitive(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitivePattern.MatchString(k) {
			out[k] = "***REDACTED***"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactSensitive(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

// TruncateSQL mirrors observability/logging.py's SlowQueryLogger: SQL text
// over the limit is truncated rather than logged in full, bounding audit
// record size without dropping the query entirely.
func TruncateSQL(sql string, limit int) string {
	if limit <= 0 {
		limit = 500
	}
	if len(sql) <= limit {
		return sql
	}
	return sql[:limit] + "... (truncated, full length " + itoa(len(sql)) + " bytes)"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Sink receives completed events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Write(Event)
}

// RingBufferSink keeps the last N events in memory, dropping the oldest on
// overflow and counting drops. It does no I/O, so writes to it never block
// query execution. NewLogger installs no sink by default.
type RingBufferSink struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	dropped  int64
}

func NewRingBufferSink(capacity int) *RingBufferSink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RingBufferSink{capacity: capacity}
}

func (s *RingBufferSink) Write(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= s.capacity {
		s.events = s.events[1:]
		s.dropped++
	}
	s.events = append(s.events, e)
}

func (s *RingBufferSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *RingBufferSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// FileSink appends one JSON object per line to a file, used for durable
// audit trails outside the process.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

type fileRecord struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Client    ClientInfo     `json:"client"`
	Query     queryRecord    `json:"query"`
	Policy    *PolicyCheckInfo `json:"policy,omitempty"`
	Result    ResultInfo     `json:"result"`
}

type queryRecord struct {
	Database     string `json:"database"`
	Question     string `json:"question"`
	GeneratedSQL string `json:"generated_sql"`
}

func (s *FileSink) Write(e Event) {
	rec := fileRecord{
		ID: e.ID, Type: e.Type, Timestamp: e.Timestamp, Client: e.Client,
		Query: queryRecord{
			Database:     e.Query.Database,
			Question:     e.Query.Question,
			GeneratedSQL: TruncateSQL(e.Query.GeneratedSQL, 500),
		},
		Policy: e.Policy,
		Result: e.Result,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	s.f.Write(line)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Logger fans one event out to every configured sink, matching the
// original AuditLogger's multi-storage-backend design.
type Logger struct {
	sinks []Sink
}

func NewLogger(sinks ...Sink) *Logger {
	return &Logger{sinks: sinks}
}

func (l *Logger) Log(e Event) {
	for _, s := range l.sinks {
		s.Write(e)
	}
}
