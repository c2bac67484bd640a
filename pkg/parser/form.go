package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Pipeline is an ordered list of aggregation stages. Stages are kept as raw
// JSON so operator key order survives the trip to the backend.
type Pipeline []json.RawMessage

// String renders the pipeline as indented JSON for display.
func (p Pipeline) String() string {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Sprint([]json.RawMessage(p))
	}
	return string(b)
}

// Compact renders the pipeline as single-line JSON.
func (p Pipeline) Compact() string {
	if p == nil {
		return "[]"
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// CountPipeline is the fallback used whenever no usable pipeline can be
// recovered.
func CountPipeline() Pipeline {
	return Pipeline{json.RawMessage(`{"$count":"total"}`)}
}

func limitPipeline(n int) Pipeline {
	return Pipeline{json.RawMessage(`{"$limit":` + strconv.Itoa(n) + `}`)}
}

// Form tags the shape of the mongodb_query value in a generated response.
type Form int

const (
	FormUnrecognized Form = iota
	FormPipeline
	FormLegacyCall
)

func (f Form) String() string {
	switch f {
	case FormPipeline:
		return "pipeline"
	case FormLegacyCall:
		return "legacy_call"
	default:
		return "unrecognized"
	}
}

// QueryForm is the decoded mongodb_query value. Exactly one of Stages or Call
// is meaningful, selected by Kind.
type QueryForm struct {
	Kind   Form
	Stages Pipeline
	Call   string
}

func decodeForm(raw json.RawMessage) QueryForm {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return QueryForm{}
	}
	switch raw[0] {
	case '[':
		var stages Pipeline
		if err := json.Unmarshal(raw, &stages); err == nil {
			return QueryForm{Kind: FormPipeline, Stages: stages}
		}
	case '"':
		var call string
		if err := json.Unmarshal(raw, &call); err == nil && call != "" {
			return QueryForm{Kind: FormLegacyCall, Call: call}
		}
	}
	return QueryForm{}
}

// Pipeline converts the form into aggregation stages. The returned notes
// describe any fallback taken.
func (f QueryForm) Pipeline() (Pipeline, []string) {
	switch f.Kind {
	case FormPipeline:
		if f.Stages == nil {
			return Pipeline{}, nil
		}
		return f.Stages, nil
	case FormLegacyCall:
		return convertLegacyCall(f.Call)
	default:
		return CountPipeline(), []string{"no valid MongoDB query found, using default count"}
	}
}

var (
	legacyCollectionRe = regexp.MustCompile(`db\.([^.]+)\.`)
	legacyLimitRe      = regexp.MustCompile(`\.limit\(\s*(\d+)\s*\)`)
)

func convertLegacyCall(call string) (Pipeline, []string) {
	notes := []string{"legacy string query converted to aggregation pipeline"}
	switch {
	case strings.Contains(call, ".countDocuments("):
		return CountPipeline(), notes

	case strings.Contains(call, ".find(") && strings.Contains(call, ".limit("):
		filter, ok := balanced(call, strings.Index(call, ".find(")+len(".find("), '{', '}')
		limit := legacyLimitRe.FindStringSubmatch(call)
		if !ok || limit == nil {
			return CountPipeline(), append(notes, "malformed find().limit() query, using default count")
		}
		filter = NormalizeISODates(filter)
		var match map[string]json.RawMessage
		if err := json.Unmarshal([]byte(filter), &match); err != nil {
			return CountPipeline(), append(notes, "malformed find() filter, using default count")
		}
		n, err := strconv.Atoi(limit[1])
		if err != nil {
			return CountPipeline(), append(notes, "malformed limit(), using default count")
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, []byte(filter)); err != nil {
			return CountPipeline(), append(notes, "malformed find() filter, using default count")
		}
		matchStage := json.RawMessage(`{"$match":` + compact.String() + `}`)
		return Pipeline{matchStage, limitPipeline(n)[0]}, notes

	case strings.Contains(call, ".aggregate("):
		text, ok := balanced(call, strings.Index(call, ".aggregate(")+len(".aggregate("), '[', ']')
		if !ok {
			return limitPipeline(100), append(notes, "could not extract aggregation pipeline, using default limit")
		}
		var stages Pipeline
		if err := json.Unmarshal([]byte(NormalizeISODates(text)), &stages); err != nil {
			return limitPipeline(100), append(notes, "could not parse aggregation pipeline, using default limit")
		}
		return stages, notes

	default:
		return CountPipeline(), append(notes, "unsupported query format, using default count")
	}
}

// balanced returns the bracketed text that starts at the first lb byte at or
// after from, through its matching rb byte. Brackets inside JSON strings are
// ignored.
func balanced(s string, from int, lb, rb byte) (string, bool) {
	if from < 0 || from > len(s) {
		return "", false
	}
	start := strings.IndexByte(s[from:], lb)
	if start < 0 {
		return "", false
	}
	start += from
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case lb:
			depth++
		case rb:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
