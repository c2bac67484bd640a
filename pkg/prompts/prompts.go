// Package prompts renders the prompts sent to the language model. Templates
// are embedded markdown files with {{NAME}} placeholders.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

//go:embed *.md
var FS embed.FS

// Apology is the fixed answer for an empty result.
const Apology = "Apologies, I am unable to assist you with this right now."

var (
	selectorTemplate  = mustLoad("SELECTOR.md")
	refinerTemplate   = mustLoad("REFINER.md")
	explainerTemplate = mustLoad("EXPLAINER.md")
)

func mustLoad(name string) string {
	data, err := FS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("prompts: failed to read %s: %v", name, err))
	}
	return strings.TrimSpace(string(data)) + "\n"
}

// render substitutes placeholders in a single pass, so text supplied by the
// caller is never scanned for placeholders itself.
func render(tmpl string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for name, value := range values {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

type SelectorInput struct {
	Schema          string
	ArrayHints      string
	Relationships   string
	Question        string
	Instructions    string
	Metrics         string
	VerifiedQueries string
	Date            time.Time
}

// Selector renders the query generation prompt.
func Selector(in SelectorInput) string {
	hints := in.ArrayHints
	if strings.TrimSpace(hints) == "" {
		hints = "None"
	}
	return render(selectorTemplate, map[string]string{
		"DATE":             in.Date.Format(time.DateOnly),
		"SCHEMA":           in.Schema,
		"ARRAY_HINTS":      hints,
		"RELATIONSHIPS":    in.Relationships,
		"QUESTION":         in.Question,
		"INSTRUCTIONS":     in.Instructions,
		"METRICS":          in.Metrics,
		"VERIFIED_QUERIES": in.VerifiedQueries,
	})
}

type RefinerInput struct {
	Question      string
	Schema        string
	Relationships string
	Query         string
	Collection    string
	Database      string
	Error         string
	ErrorClass    string
}

// Refiner renders the prompt that asks for a corrected query after a failed
// execution.
func Refiner(in RefinerInput) string {
	return render(refinerTemplate, map[string]string{
		"QUESTION":      in.Question,
		"SCHEMA":        in.Schema,
		"RELATIONSHIPS": in.Relationships,
		"QUERY":         in.Query,
		"COLLECTION":    in.Collection,
		"DATABASE":      in.Database,
		"ERROR":         in.Error,
		"ERROR_CLASS":   in.ErrorClass,
	})
}

// Explainer renders the prompt that turns a query result into an answer.
func Explainer(question string, result any) string {
	return render(explainerTemplate, map[string]string{
		"QUESTION": question,
		"RESULT":   FormatResult(result),
		"APOLOGY":  Apology,
	})
}

// FormatResult serializes a result for a prompt. Strings pass through;
// everything else is indented JSON, or its default formatting when it cannot
// be encoded.
func FormatResult(result any) string {
	switch v := result.(type) {
	case nil:
		return "[]"
	case string:
		return v
	}
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Sprint(result)
	}
	return string(b)
}
