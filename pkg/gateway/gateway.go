// Package gateway executes aggregation pipelines against a MongoDB backend,
// either through a JSON-RPC proxy or directly with the Go driver.
package gateway

import (
	"context"
	"strings"

	"github.com/malbeclabs/mongoagent/pkg/parser"
)

// Kind classifies a failed execution. The orchestrator routes on Kind and
// never inspects message text.
type Kind int

const (
	KindNone Kind = iota
	// KindConnectivity is an infrastructure failure that a rewritten query
	// cannot fix.
	KindConnectivity
	// KindQuerySyntax is a failure the backend attributed to the query itself.
	KindQuerySyntax
	// KindNoQuery means no query was ever produced.
	KindNoQuery
	// KindBackend is any other backend failure. It is treated as recoverable.
	KindBackend
	// KindFatal is a failure the backend marked as unrecoverable.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnectivity:
		return "connectivity"
	case KindQuerySyntax:
		return "query_syntax"
	case KindNoQuery:
		return "no_query"
	case KindBackend:
		return "backend"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Terminal reports whether a failure of this kind must not be retried.
func (k Kind) Terminal() bool {
	return k == KindConnectivity || k == KindNoQuery || k == KindFatal
}

// ExecutionErrorClass is the tag shown to the model when asking it to repair
// a failed query.
const ExecutionErrorClass = "MCPExecutionError"

type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// connectivityMarkers are substrings of remote error messages that identify
// infrastructure failures. Matching is case-sensitive and happens once, here,
// when a free-text message enters the system.
var connectivityMarkers = []string{
	"No valid content in MCP result",
	"Failed to connect to",
	"Connection error",
	"HTTP 401",
	"HTTP 403",
	"HTTP 500",
	"Timeout",
	"Authentication failed",
}

// noQueryMarkers identify completions that never produced a query.
var noQueryMarkers = []string{
	parser.NoQueryFound,
	"No SQL found",
	"No SQL query found",
}

// Classify tags a free-text failure message received from a remote service.
func Classify(msg string) Kind {
	for _, m := range noQueryMarkers {
		if strings.Contains(msg, m) {
			return KindNoQuery
		}
	}
	for _, m := range connectivityMarkers {
		if strings.Contains(msg, m) {
			return KindConnectivity
		}
	}
	if strings.Contains(strings.ToLower(msg), "fatal_error") {
		return KindFatal
	}
	return KindBackend
}

// Target holds the identifiers a backend needs to address a query, such as
// dbName, userName, applicationName or collection.
type Target map[string]string

// First returns the first non-empty value among keys.
func (t Target) First(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(t[k]); v != "" {
			return v
		}
	}
	return ""
}

// Merge returns a copy of t overlaid with other.
func (t Target) Merge(other map[string]string) Target {
	out := make(Target, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Query is a pipeline to execute. Text carries the raw generated query and is
// used when Pipeline is empty.
type Query struct {
	Pipeline parser.Pipeline
	Text     string
}

// Payload returns the value sent to the backend.
func (q Query) Payload() any {
	if len(q.Pipeline) > 0 {
		return q.Pipeline
	}
	return q.Text
}

// Result is the envelope every backend returns. Failures are reported here,
// never as Go errors.
type Result struct {
	Success bool
	Rows    []map[string]any
	Err     *Error
}

// Failure returns a failed result classified from msg.
func Failure(msg string) Result {
	return FailureKind(Classify(msg), msg)
}

func FailureKind(kind Kind, msg string) Result {
	return Result{Err: &Error{Kind: kind, Message: msg}}
}

// ErrorMessage returns the failure message or "".
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Message
}

// Executor runs queries against one backend.
type Executor interface {
	Execute(ctx context.Context, q Query, target Target) Result
	Close(ctx context.Context) error
}
