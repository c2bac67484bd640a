package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/malbeclabs/mongoagent/pkg/semantic"
)

// ValidatePipeline reports whether p is a non-empty list of operator stages.
func ValidatePipeline(p Pipeline) bool {
	ok, _ := Validate(p)
	return ok
}

// Validate is ValidatePipeline with diagnostics. A stage with more than one
// operator is accepted but reported.
func Validate(p Pipeline) (bool, []string) {
	if len(p) == 0 {
		return false, []string{"pipeline is empty"}
	}
	var notes []string
	for i, raw := range p {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			return false, append(notes, fmt.Sprintf("stage %d must be an object", i))
		}
		var stage map[string]json.RawMessage
		if err := json.Unmarshal(raw, &stage); err != nil {
			return false, append(notes, fmt.Sprintf("stage %d is not valid JSON: %v", i, err))
		}
		if len(stage) == 0 {
			return false, append(notes, fmt.Sprintf("stage %d has no operator", i))
		}
		if len(stage) > 1 {
			notes = append(notes, fmt.Sprintf("stage %d should have exactly one operator, has %d", i, len(stage)))
		}
		for key := range stage {
			if !strings.HasPrefix(key, "$") {
				return false, append(notes, fmt.Sprintf("stage %d operator %q must start with $", i, key))
			}
		}
	}
	return true, notes
}

// ExtractMultiValuedFieldPaths returns the document paths of array-typed
// fields. These need an $unwind before per-element matching.
func ExtractMultiValuedFieldPaths(fields []*semantic.Field) []string {
	var paths []string
	for _, f := range fields {
		if f.IsMultiValued() {
			paths = append(paths, f.Path())
		}
	}
	return paths
}
