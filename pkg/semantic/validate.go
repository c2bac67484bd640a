package semantic

import (
	"errors"
	"fmt"
	"sort"
)

// Report is the outcome of validating a semantic model document.
type Report struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"validation_errors"`
	Warnings []string `json:"warnings"`
	Summary  *Summary `json:"schema_summary,omitempty"`
}

type Summary struct {
	Collections      int    `json:"collections"`
	Fields           int    `json:"fields"`
	Relationships    int    `json:"relationships"`
	VerifiedQueries  int    `json:"verified_queries"`
	Database         string `json:"database,omitempty"`
	HasBusinessRules bool   `json:"has_business_rules"`
}

var (
	knownImportance = []string{"critical", "high", "normal", "low"}
	knownFrequency  = []string{"very_high", "high", "medium", "low"}
)

// Validate parses data and checks the structure the pipeline depends on.
func Validate(data []byte) Report {
	m, err := Parse(data)
	if err != nil {
		kind := "schema"
		if errors.Is(err, ErrParse) {
			kind = "parse"
		}
		return Report{Valid: false, Errors: []string{fmt.Sprintf("%s error: %v", kind, err)}, Warnings: []string{}}
	}
	return ValidateModel(m)
}

func ValidateModel(m *Model) Report {
	r := Report{Errors: []string{}, Warnings: []string{}}

	for _, c := range m.Collections {
		if len(c.Fields) == 0 {
			r.Errors = append(r.Errors, fmt.Sprintf("collection %s has no fields", c.Name))
		}
		if c.BusinessImportance != "" && !contains(knownImportance, c.BusinessImportance) {
			r.Warnings = append(r.Warnings, fmt.Sprintf("collection %s has unknown business_importance %q", c.Name, c.BusinessImportance))
		}
		if c.QueryFrequency != "" && !contains(knownFrequency, c.QueryFrequency) {
			r.Warnings = append(r.Warnings, fmt.Sprintf("collection %s has unknown query_frequency %q", c.Name, c.QueryFrequency))
		}
	}

	for i, rel := range m.Relationships {
		if rel.Text != "" {
			continue
		}
		for _, name := range []string{rel.FromCollection, rel.ToCollection} {
			if name != "" && m.Collection(name) == nil {
				r.Warnings = append(r.Warnings, fmt.Sprintf("relationship %d references unknown collection %s", i, name))
			}
		}
	}

	if m.BusinessRules == nil {
		r.Warnings = append(r.Warnings, "missing business_rules section, schema will not be optimized per question")
	} else {
		categories := make([]string, 0, len(m.BusinessRules.QueryTypeRules))
		for category := range m.BusinessRules.QueryTypeRules {
			categories = append(categories, category)
		}
		sort.Strings(categories)
		for _, category := range categories {
			for _, name := range m.BusinessRules.QueryTypeRules[category].EssentialCollections {
				if m.Collection(name) == nil {
					r.Errors = append(r.Errors, fmt.Sprintf("query_type_rules.%s names unknown collection %s", category, name))
				}
			}
		}
		var core []string
		for name := range m.BusinessRules.coreCollectionNames() {
			core = append(core, name)
		}
		sort.Strings(core)
		for _, name := range core {
			if m.Collection(name) == nil {
				r.Warnings = append(r.Warnings, fmt.Sprintf("core_collections names unknown collection %s", name))
			}
		}
	}

	db := ""
	if details := m.TargetDetails(); details != nil {
		db = details["db_name"]
	}
	r.Summary = &Summary{
		Collections:      len(m.Collections),
		Fields:           m.FieldCount(),
		Relationships:    len(m.Relationships),
		VerifiedQueries:  len(m.VerifiedQueries),
		Database:         db,
		HasBusinessRules: m.BusinessRules != nil,
	}
	r.Valid = len(r.Errors) == 0
	return r
}
