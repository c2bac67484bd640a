package semantic

import "strings"

// Model is the in-memory form of one semantic model document. Collections and
// fields keep their document order so that classification ties and rendering
// are deterministic.
type Model struct {
	Collections        []*Collection
	Relationships      []Relationship
	BusinessRules      *BusinessRules
	VerifiedQueries    []VerifiedQuery
	CustomInstructions string
	Metrics            string

	Database       string
	Schema         string
	CollectionInfo CollectionInfo
	Metadata       Metadata
}

type CollectionInfo struct {
	Database     string
	BusinessFlow string
	SchemaName   string
}

type Metadata struct {
	Database       string
	SourceDatabase string
	SchemaName     string
}

type Collection struct {
	Name               string
	Description        string
	Fields             []*Field
	BusinessImportance string
	QueryFrequency     string
	Categories         []string
	VerifiedQueries    []VerifiedQuery
	CustomInstructions string
	DocumentCount      string
}

type Field struct {
	Name         string
	DataType     string
	Description  string
	NestedPath   string
	SampleValues []string
}

// Path returns the dotted document path of the field, falling back to its name.
func (f *Field) Path() string {
	if f.NestedPath != "" {
		return f.NestedPath
	}
	return f.Name
}

// IsMultiValued reports whether the field holds a list of values and needs an
// $unwind before per-element matching.
func (f *Field) IsMultiValued() bool {
	t := strings.ToLower(f.DataType)
	return strings.Contains(t, "array") || t == "list"
}

type Relationship struct {
	FromCollection string
	FromField      string
	ToCollection   string
	ToField        string
	Kind           string
	Description    string

	// Text is set for relationships authored as preformatted strings.
	Text string
}

type VerifiedQuery struct {
	Name     string
	Question string
	Query    string

	// Text is set for verified queries authored as plain strings.
	Text string
}

type BusinessRules struct {
	CoreCollections CoreCollections
	DomainKeywords  []KeywordCategory
	FieldPriorities map[string]FieldPriority
	QueryTypeRules  map[string]QueryTypeRule
}

type CoreCollections struct {
	Primary   []CoreCollection
	Bridge    []CoreCollection
	Dependent []CoreCollection
}

type CoreCollection struct {
	Name      string
	Mandatory bool
	Priority  string
}

type KeywordCategory struct {
	Name     string
	Keywords []string
}

type FieldPriority struct {
	Essential    []string
	HighPriority []string
}

type QueryTypeRule struct {
	EssentialCollections []string
	MaxCollections       int
	RelevanceThreshold   *float64
}

// Collection returns the named collection or nil.
func (m *Model) Collection(name string) *Collection {
	for _, c := range m.Collections {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// FieldCount returns the number of fields across all collections.
func (m *Model) FieldCount() int {
	n := 0
	for _, c := range m.Collections {
		n += len(c.Fields)
	}
	return n
}

// Clone returns a copy whose collection and field slices can be filtered
// without touching the receiver.
func (m *Model) Clone() *Model {
	out := *m
	out.Collections = make([]*Collection, len(m.Collections))
	for i, c := range m.Collections {
		cc := *c
		cc.Fields = append([]*Field(nil), c.Fields...)
		out.Collections[i] = &cc
	}
	out.Relationships = append([]Relationship(nil), m.Relationships...)
	out.VerifiedQueries = append([]VerifiedQuery(nil), m.VerifiedQueries...)
	return &out
}

// coreCollectionNames returns primary and bridge collections plus dependents
// marked mandatory or critical.
func (r *BusinessRules) coreCollectionNames() map[string]bool {
	core := make(map[string]bool)
	for _, c := range r.CoreCollections.Primary {
		core[c.Name] = true
	}
	for _, c := range r.CoreCollections.Bridge {
		core[c.Name] = true
	}
	for _, c := range r.CoreCollections.Dependent {
		if c.Mandatory || c.Priority == "critical" {
			core[c.Name] = true
		}
	}
	return core
}

func (r *BusinessRules) fieldPriority(category string) FieldPriority {
	if fp, ok := r.FieldPriorities[category]; ok {
		return fp
	}
	return r.FieldPriorities[DefaultCategory]
}

func (r *BusinessRules) queryTypeRule(category string) QueryTypeRule {
	if rule, ok := r.QueryTypeRules[category]; ok {
		return rule
	}
	return r.QueryTypeRules[DefaultCategory]
}
