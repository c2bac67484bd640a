package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/malbeclabs/mongoagent/pkg/pipeline"
	"github.com/malbeclabs/mongoagent/pkg/semantic"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

type QueryRequest struct {
	Question     string            `json:"question"`
	YAMLFileName string            `json:"yaml_file_name"`
	DBDetails    map[string]string `json:"db_details,omitempty"`
	IncludeDebug bool              `json:"include_debug"`
}

type QueryResponse struct {
	RequestID               string           `json:"request_id"`
	Question                string           `json:"question"`
	YAMLFileName            string           `json:"yaml_file_name"`
	MongoDBQuery            string           `json:"mongodb_query"`
	QueryResult             []map[string]any `json:"query_result"`
	NaturalLanguageResponse string           `json:"natural_language_response"`
	ExecutionTimeMs         float64          `json:"execution_time_ms"`
	Status                  string           `json:"status"`
	Timestamp               string           `json:"timestamp"`
	DebugInfo               *DebugInfo       `json:"debug_info,omitempty"`
}

type DebugInfo struct {
	pipeline.Debug
	Collection string `json:"collection_name"`
	Database   string `json:"database"`
	Route      string `json:"route"`
	Iterations int    `json:"iterations"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

type ValidateRequest struct {
	YAMLFileName string `json:"yaml_file_name"`
}

type ValidateResponse struct {
	YAMLFileName string `json:"yaml_file_name"`
	semantic.Report
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	req.YAMLFileName = strings.TrimSpace(req.YAMLFileName)

	start := s.cfg.Clock.Now()
	res, err := s.cfg.Runner.Run(r.Context(), pipeline.Request{
		Question: req.Question,
		Model:    req.YAMLFileName,
		Details:  req.DBDetails,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, pipeline.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, pipeline.ErrInvalidRequest):
			status = http.StatusBadRequest
		}
		s.log.Warn("server: query failed", "status", status, "model", req.YAMLFileName, "error", err)
		s.writeJSON(w, status, errorResponse{Error: err.Error(), RequestID: RequestIDFrom(r.Context())})
		return
	}

	resp := QueryResponse{
		RequestID:               RequestIDFrom(r.Context()),
		Question:                req.Question,
		YAMLFileName:            req.YAMLFileName,
		MongoDBQuery:            res.Query,
		QueryResult:             res.Rows,
		NaturalLanguageResponse: res.Summary,
		ExecutionTimeMs:         float64(s.cfg.Clock.Since(start).Microseconds()) / 1000,
		Status:                  statusSuccess,
		Timestamp:               s.cfg.Clock.Now().UTC().Format(time.RFC3339),
	}
	if resp.QueryResult == nil {
		resp.QueryResult = []map[string]any{}
	}
	if res.Error != "" {
		resp.Status = statusError
	}
	if req.IncludeDebug {
		resp.DebugInfo = &DebugInfo{
			Debug:      res.Debug,
			Collection: res.Collection,
			Database:   res.Database,
			Route:      res.Route.String(),
			Iterations: res.Iterations,
			Error:      res.Error,
		}
		if res.Error != "" {
			resp.DebugInfo.ErrorKind = res.ErrorKind.String()
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.YAMLFileName) == "" {
		s.writeError(w, http.StatusBadRequest, "yaml_file_name is required")
		return
	}

	doc, err := s.cfg.Lookup.Search(r.Context(), req.YAMLFileName)
	if err != nil {
		s.log.Error("server: validation lookup failed", "model", req.YAMLFileName, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if doc == nil {
		s.writeError(w, http.StatusNotFound, "semantic model not found: "+req.YAMLFileName)
		return
	}
	s.writeJSON(w, http.StatusOK, ValidateResponse{
		YAMLFileName: req.YAMLFileName,
		Report:       semantic.Validate([]byte(doc.Text)),
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"mongodb_agent": map[string]any{
			"description": "Natural language to MongoDB aggregation pipelines",
			"version":     s.cfg.Version,
			"features": []string{
				"YAML semantic models",
				"Business rules and verified queries",
				"Question-driven schema optimization",
				"One-shot query refinement",
				"Aggregation pipelines",
				"Debug output",
			},
			"supported_databases": []string{"MongoDB"},
		},
		"endpoints": map[string]string{
			"/api/query":    "Answer a natural language question",
			"/api/mongodb":  "Alias of /api/query",
			"/api/validate": "Validate a semantic model",
			"/mcp":          "MCP streamable HTTP endpoint",
			"/health":       "Health check",
			"/metrics":      "Prometheus metrics",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "mongo-agent",
		"version":   s.cfg.Version,
		"timestamp": s.cfg.Clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write healthz response", "error", err)
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("server not ready\n")); err != nil {
			s.log.Error("server: failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write readyz response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
