// Package parser recovers an aggregation pipeline from text produced by a
// language model.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultCollection = "default_collection"
	DefaultDatabase   = "default_database"

	// QueryTypeError marks a result from which no query could be recovered.
	QueryTypeError = "error"

	// NoQueryFound prefixes every failure message so callers can recognize an
	// unrecoverable response.
	NoQueryFound = "No MongoDB query found"
)

var (
	jsonBlockRe = regexp.MustCompile("(?s)```json(.*?)```")
	bareCallRe  = regexp.MustCompile(`db\.[^.]+\.(find|aggregate|updateOne|deleteOne|insertOne)\([^)]*\)`)
	fullCallRe  = regexp.MustCompile(`(db\.[^.]+\.[^;]+)`)
)

type Entity struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Result is the outcome of parsing a generated response. Pipeline is never
// nil; when nothing could be recovered it holds a single count stage and
// QueryType is "error".
type Result struct {
	Form       Form
	Query      string
	Pipeline   Pipeline
	Collection string
	Database   string
	Parameters map[string]any
	Entities   []Entity
	QueryType  string
	Err        string
	Notes      []string
}

// Failed reports whether no query could be recovered.
func (r *Result) Failed() bool {
	return r.QueryType == QueryTypeError
}

// Parse extracts the structured query from text. The last ```json block wins;
// without one the whole text is tried as JSON, then a bare db.<coll>.<call>
// expression.
func Parse(text string) Result {
	if blocks := jsonBlockRe.FindAllStringSubmatch(text, -1); len(blocks) > 0 {
		doc := []byte(strings.TrimSpace(blocks[len(blocks)-1][1]))
		fields, err := decodeObject(doc)
		if err != nil {
			return failure(fmt.Sprintf("%s: invalid JSON in response: %v", NoQueryFound, err))
		}
		return fromDocument(fields)
	}

	if fields, err := decodeObject([]byte(strings.TrimSpace(text))); err == nil {
		return fromDocument(fields)
	}

	if bareCallRe.MatchString(text) {
		if m := fullCallRe.FindStringSubmatch(text); m != nil {
			return Result{
				Form:       FormLegacyCall,
				Query:      strings.TrimSpace(m[1]),
				Pipeline:   Pipeline{},
				Collection: DefaultCollection,
				Database:   DefaultDatabase,
				Parameters: map[string]any{},
				Entities:   []Entity{},
				QueryType:  "find",
				Notes:      []string{"bare query expression found outside a JSON block"},
			}
		}
	}
	return failure(NoQueryFound + " in input string")
}

func failure(msg string) Result {
	return Result{
		Form:       FormUnrecognized,
		Query:      "error: " + msg,
		Pipeline:   CountPipeline(),
		Collection: DefaultCollection,
		Database:   DefaultDatabase,
		Parameters: map[string]any{},
		Entities:   []Entity{},
		QueryType:  QueryTypeError,
		Err:        msg,
	}
}

// decodeObject decodes a JSON object. Bare ISODate("...") literals, which are
// not JSON, are rewritten as extended JSON dates when the first attempt fails.
func decodeObject(doc []byte) (map[string]json.RawMessage, error) {
	if len(doc) == 0 || doc[0] != '{' {
		return nil, errors.New("expected a JSON object")
	}
	var fields map[string]json.RawMessage
	err := json.Unmarshal(doc, &fields)
	if err == nil {
		return fields, nil
	}
	if normalized := NormalizeISODates(string(doc)); normalized != string(doc) {
		if json.Unmarshal([]byte(normalized), &fields) == nil {
			return fields, nil
		}
	}
	return nil, err
}

func fromDocument(fields map[string]json.RawMessage) Result {
	form := decodeForm(fields["mongodb_query"])
	pipeline, notes := form.Pipeline()

	r := Result{
		Form:       form.Kind,
		Pipeline:   pipeline,
		Collection: DefaultCollection,
		Database:   firstString(fields["database_name"], DefaultDatabase),
		Parameters: map[string]any{},
		Entities:   decodeEntities(fields["entities"]),
		QueryType:  firstString(fields["query_type"], "aggregate"),
		Notes:      notes,
	}
	if raw, ok := fields["parameters"]; ok {
		var params map[string]any
		if err := json.Unmarshal(raw, &params); err == nil && params != nil {
			r.Parameters = params
		}
	}

	named := firstString(fields["collection_name"], "")
	switch form.Kind {
	case FormPipeline:
		r.Query = pipeline.Compact()
		for _, e := range r.Entities {
			if e.Type == "collection" && e.Name != "" {
				r.Collection = e.Name
				break
			}
		}
		if r.Collection == DefaultCollection && named != "" {
			r.Collection = named
		}
	case FormLegacyCall:
		r.Query = form.Call
		if m := legacyCollectionRe.FindStringSubmatch(form.Call); m != nil {
			r.Collection = m[1]
		} else if named != "" {
			r.Collection = named
		}
	default:
		r.Query = string(bytes.TrimSpace(fields["mongodb_query"]))
		if named != "" {
			r.Collection = named
		}
	}
	return r
}

func decodeEntities(raw json.RawMessage) []Entity {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []Entity{}
	}
	out := make([]Entity, 0, len(items))
	for _, item := range items {
		var e struct {
			Type any `json:"type"`
			Name any `json:"name"`
		}
		if err := json.Unmarshal(item, &e); err != nil {
			continue
		}
		out = append(out, Entity{Type: stringOf(e.Type), Name: stringOf(e.Name)})
	}
	return out
}

func stringOf(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func firstString(raw json.RawMessage, def string) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return def
	}
	return s
}
