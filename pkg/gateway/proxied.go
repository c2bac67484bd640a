package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultProxiedTimeout     = 30 * time.Second
	DefaultApplicationName    = "MongoDB-Agent-REST-API"
	maxErrorBodyLogLength     = 500
	noValidContentMessage     = "No valid content in MCP result"
	proxiedToolName           = "execute_query"
	proxiedJSONRPCVersion     = "2.0"
	proxiedJSONRPCToolsMethod = "tools/call"
)

// TokenSource supplies bearer tokens for the proxied backend.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type ProxiedConfig struct {
	Logger   *slog.Logger
	Endpoint string

	// Tokens is optional. When set, every request carries a bearer token and
	// a 401 response invalidates the cached token.
	Tokens TokenSource

	HTTPClient *http.Client
	Timeout    time.Duration
}

func (c *ProxiedConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultProxiedTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return nil
}

// Proxied sends pipelines to a JSON-RPC query service that owns the database
// connection.
type Proxied struct {
	log *slog.Logger
	cfg ProxiedConfig
}

func NewProxied(cfg ProxiedConfig) (*Proxied, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Proxied{log: cfg.Logger, cfg: cfg}, nil
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name            string       `json:"name"`
	DBName          string       `json:"dbName"`
	UserName        string       `json:"userName"`
	ApplicationName string       `json:"applicationName"`
	Arguments       rpcArguments `json:"arguments"`
}

type rpcArguments struct {
	Query      any            `json:"query"`
	Parameters map[string]any `json:"parameters"`
}

func (p *Proxied) Execute(ctx context.Context, q Query, target Target) Result {
	envelope := rpcRequest{
		JSONRPC: proxiedJSONRPCVersion,
		Method:  proxiedJSONRPCToolsMethod,
		Params: rpcParams{
			Name:            proxiedToolName,
			DBName:          target.First("dbName", "db_name", "database"),
			UserName:        target.First("userName", "schema_name", "schema"),
			ApplicationName: target.First("applicationName", "app_name"),
			Arguments: rpcArguments{
				Query:      q.Payload(),
				Parameters: map[string]any{},
			},
		},
	}
	if envelope.Params.ApplicationName == "" {
		envelope.Params.ApplicationName = DefaultApplicationName
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return FailureKind(KindBackend, "Failed to encode MCP request: "+err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return FailureKind(KindConnectivity, "Failed to create request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Tokens != nil {
		token, err := p.cfg.Tokens.Token(ctx)
		if err != nil {
			return FailureKind(KindConnectivity, "Authentication failed: "+err.Error())
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	p.log.Debug("gateway: proxied request", "endpoint", p.cfg.Endpoint, "dbName", envelope.Params.DBName, "userName", envelope.Params.UserName, "query", truncate(fmt.Sprint(q.Payload()), 200))

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return FailureKind(KindConnectivity, "Timeout calling MCP endpoint: "+err.Error())
		}
		return FailureKind(KindConnectivity, "Failed to connect to MCP endpoint: "+err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return FailureKind(KindConnectivity, "Timeout reading MCP response: "+err.Error())
		}
		return FailureKind(KindConnectivity, "Connection error reading MCP response: "+err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized && p.cfg.Tokens != nil {
			p.cfg.Tokens.Invalidate()
		}
		p.log.Warn("gateway: proxied request failed", "status", resp.StatusCode, "body", truncate(string(data), maxErrorBodyLogLength))
		return Failure(fmt.Sprintf("MCP request failed: HTTP %d", resp.StatusCode))
	}

	var envelopeResp map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelopeResp); err != nil {
		// Some deployments answer with a bare array of documents.
		rows, nerr := normalizeRows(data)
		if nerr != nil {
			return FailureKind(KindBackend, "Failed to parse MCP response: "+err.Error())
		}
		return Result{Success: true, Rows: rows}
	}

	if raw, ok := envelopeResp["error"]; ok && !isNull(raw) {
		msg := rpcErrorMessage(raw)
		p.log.Warn("gateway: proxied query error", "error", msg)
		return Failure(msg)
	}

	payload := json.RawMessage(data)
	if raw, ok := envelopeResp["result"]; ok {
		payload = raw
	}
	rows, err := normalizeRows(payload)
	if err != nil {
		var gerr *Error
		if errors.As(err, &gerr) {
			return Result{Err: gerr}
		}
		return FailureKind(KindBackend, "Failed to parse MCP result: "+err.Error())
	}
	p.log.Debug("gateway: proxied response", "rows", len(rows))
	return Result{Success: true, Rows: rows}
}

func (p *Proxied) Close(context.Context) error {
	p.cfg.HTTPClient.CloseIdleConnections()
	return nil
}

// normalizeRows turns a result payload into rows: arrays of documents pass
// through, a single document becomes one row, and MCP content lists are
// decoded item by item.
func normalizeRows(raw json.RawMessage) ([]map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || isNull(raw) {
		return []map[string]any{}, nil
	}
	switch raw[0] {
	case '[':
		var items []any
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return rowsOf(items), nil
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		content, isMCP := obj["content"].([]any)
		if !isMCP {
			return []map[string]any{obj}, nil
		}
		text := contentText(content)
		if isErr, _ := obj["isError"].(bool); isErr {
			return nil, &Error{Kind: Classify(text), Message: firstNonEmpty(text, "MCP tool reported an error")}
		}
		if len(content) == 0 {
			return nil, &Error{Kind: KindConnectivity, Message: noValidContentMessage}
		}
		var rows []map[string]any
		for _, item := range content {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			s, ok := m["text"].(string)
			if !ok {
				continue
			}
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				rows = append(rows, map[string]any{"text": s})
				continue
			}
			if list, ok := decoded.([]any); ok {
				rows = append(rows, rowsOf(list)...)
			} else {
				rows = append(rows, rowsOf([]any{decoded})...)
			}
		}
		if rows == nil {
			return nil, &Error{Kind: KindConnectivity, Message: noValidContentMessage}
		}
		return rows, nil
	default:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return rowsOf([]any{v}), nil
	}
}

func rowsOf(items []any) []map[string]any {
	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			rows = append(rows, m)
		} else {
			rows = append(rows, map[string]any{"value": item})
		}
	}
	return rows
}

func contentText(content []any) string {
	var parts []string
	for _, item := range content {
		if m, ok := item.(map[string]any); ok {
			if s, ok := m["text"].(string); ok {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func rpcErrorMessage(raw json.RawMessage) string {
	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
