package semantic

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrParse is returned when the semantic model text is not well-formed YAML
	// or its top level is not a mapping.
	ErrParse = errors.New("semantic model is not well-formed")

	// ErrSchema is returned when required top-level keys are absent or empty.
	ErrSchema = errors.New("semantic model is invalid")
)

// LoadFile reads and parses the semantic model at path.
func LoadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read semantic model %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a semantic model document.
func Parse(data []byte) (*Model, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: document is empty", ErrSchema)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping", ErrParse)
	}

	var raw rawModel
	if err := root.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(raw.Collections) == 0 {
		return nil, fmt.Errorf("%w: no collections found", ErrSchema)
	}
	return raw.model()
}

type entry[V any] struct {
	Key   string
	Value V
}

// ordered decodes a YAML mapping while keeping key order.
type ordered[V any] []entry[V]

func (o *ordered[V]) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", n.Line)
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		var v V
		if err := n.Content[i+1].Decode(&v); err != nil {
			return fmt.Errorf("%s: %w", n.Content[i].Value, err)
		}
		*o = append(*o, entry[V]{Key: n.Content[i].Value, Value: v})
	}
	return nil
}

type rawModel struct {
	Collections        ordered[rawCollection] `yaml:"collections"`
	Relationships      yaml.Node              `yaml:"relationships"`
	BusinessRules      *rawBusinessRules      `yaml:"business_rules"`
	VerifiedQueries    []yaml.Node            `yaml:"verified_queries"`
	CustomInstructions yaml.Node              `yaml:"custom_instructions"`
	Metrics            yaml.Node              `yaml:"metrics"`
	Database           string                 `yaml:"database"`
	Schema             string                 `yaml:"schema"`
	CollectionInfo     struct {
		Database     string `yaml:"database"`
		BusinessFlow string `yaml:"business_flow"`
		SchemaName   string `yaml:"schema_name"`
	} `yaml:"collection_info"`
	Metadata struct {
		Database       string `yaml:"database"`
		SourceDatabase string `yaml:"source_database"`
		SchemaName     string `yaml:"schema_name"`
	} `yaml:"metadata"`
}

type rawCollection struct {
	Description   string            `yaml:"description"`
	Fields        ordered[rawField] `yaml:"fields"`
	FieldMappings struct {
		Fields ordered[rawField] `yaml:"fields"`
	} `yaml:"field_mappings"`
	BusinessImportance string      `yaml:"business_importance"`
	QueryFrequency     string      `yaml:"query_frequency"`
	Categories         []string    `yaml:"categories"`
	VerifiedQueries    []yaml.Node `yaml:"verified_queries"`
	CustomInstructions yaml.Node   `yaml:"custom_instructions"`
	Metadata           struct {
		DocumentCount yaml.Node `yaml:"document_count"`
	} `yaml:"metadata"`
}

type rawField struct {
	DataType     string `yaml:"data_type"`
	Type         string `yaml:"type"`
	Description  string `yaml:"description"`
	NestedPath   string `yaml:"nested_path"`
	Path         string `yaml:"path"`
	SampleValues []any  `yaml:"sample_values"`
}

func (f *rawField) UnmarshalYAML(n *yaml.Node) error {
	// A bare scalar is shorthand for the field's path.
	if n.Kind == yaml.ScalarNode {
		*f = rawField{NestedPath: n.Value, DataType: "String"}
		return nil
	}
	type plain rawField
	return n.Decode((*plain)(f))
}

type rawBusinessRules struct {
	CoreCollections struct {
		Primary   []rawCoreCollection `yaml:"primary"`
		Bridge    []rawCoreCollection `yaml:"bridge"`
		Dependent []rawCoreCollection `yaml:"dependent"`
	} `yaml:"core_collections"`
	DomainKeywords  ordered[[]string] `yaml:"domain_keywords"`
	FieldPriorities map[string]struct {
		Essential    []string `yaml:"essential_fields"`
		HighPriority []string `yaml:"high_priority_fields"`
	} `yaml:"field_priorities"`
	QueryTypeRules map[string]struct {
		EssentialCollections []string `yaml:"essential_collections"`
		MaxCollections       int      `yaml:"max_collections"`
		RelevanceThreshold   *float64 `yaml:"relevance_threshold"`
	} `yaml:"query_type_rules"`
}

type rawCoreCollection struct {
	Name      string `yaml:"name"`
	Mandatory bool   `yaml:"mandatory"`
	Priority  string `yaml:"priority"`
}

func (r *rawModel) model() (*Model, error) {
	m := &Model{
		Database: r.Database,
		Schema:   r.Schema,
		CollectionInfo: CollectionInfo{
			Database:     r.CollectionInfo.Database,
			BusinessFlow: r.CollectionInfo.BusinessFlow,
			SchemaName:   r.CollectionInfo.SchemaName,
		},
		Metadata: Metadata{
			Database:       r.Metadata.Database,
			SourceDatabase: r.Metadata.SourceDatabase,
			SchemaName:     r.Metadata.SchemaName,
		},
	}

	for _, e := range r.Collections {
		c, err := e.Value.collection(e.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: collection %s: %v", ErrSchema, e.Key, err)
		}
		m.Collections = append(m.Collections, c)
	}

	var err error
	if m.Relationships, err = decodeRelationships(&r.Relationships); err != nil {
		return nil, fmt.Errorf("%w: relationships: %v", ErrSchema, err)
	}
	if m.VerifiedQueries, err = decodeVerifiedQueries(r.VerifiedQueries); err != nil {
		return nil, fmt.Errorf("%w: verified_queries: %v", ErrSchema, err)
	}
	if m.CustomInstructions, err = decodeText(&r.CustomInstructions); err != nil {
		return nil, fmt.Errorf("%w: custom_instructions: %v", ErrSchema, err)
	}
	if r.Metrics.Kind == yaml.MappingNode && len(r.Metrics.Content) > 0 {
		out, err := yaml.Marshal(&r.Metrics)
		if err != nil {
			return nil, fmt.Errorf("%w: metrics: %v", ErrSchema, err)
		}
		m.Metrics = strings.TrimSpace(string(out))
	}
	if r.BusinessRules != nil {
		m.BusinessRules = r.BusinessRules.rules()
	}
	return m, nil
}

func (r *rawCollection) collection(name string) (*Collection, error) {
	c := &Collection{
		Name:               name,
		Description:        r.Description,
		BusinessImportance: r.BusinessImportance,
		QueryFrequency:     r.QueryFrequency,
		Categories:         r.Categories,
	}
	fields := r.Fields
	if len(fields) == 0 {
		fields = r.FieldMappings.Fields
	}
	for _, e := range fields {
		f := &Field{
			Name:        e.Key,
			DataType:    firstNonEmpty(e.Value.DataType, e.Value.Type),
			Description: e.Value.Description,
			NestedPath:  firstNonEmpty(e.Value.NestedPath, e.Value.Path),
		}
		for _, v := range e.Value.SampleValues {
			f.SampleValues = append(f.SampleValues, fmt.Sprint(v))
		}
		c.Fields = append(c.Fields, f)
	}

	var err error
	if c.VerifiedQueries, err = decodeVerifiedQueries(r.VerifiedQueries); err != nil {
		return nil, err
	}
	if c.CustomInstructions, err = decodeText(&r.CustomInstructions); err != nil {
		return nil, err
	}
	if r.Metadata.DocumentCount.Kind == yaml.ScalarNode {
		c.DocumentCount = r.Metadata.DocumentCount.Value
	}
	return c, nil
}

func (r *rawBusinessRules) rules() *BusinessRules {
	br := &BusinessRules{
		FieldPriorities: make(map[string]FieldPriority, len(r.FieldPriorities)),
		QueryTypeRules:  make(map[string]QueryTypeRule, len(r.QueryTypeRules)),
	}
	core := func(in []rawCoreCollection) []CoreCollection {
		out := make([]CoreCollection, 0, len(in))
		for _, c := range in {
			out = append(out, CoreCollection(c))
		}
		return out
	}
	br.CoreCollections = CoreCollections{
		Primary:   core(r.CoreCollections.Primary),
		Bridge:    core(r.CoreCollections.Bridge),
		Dependent: core(r.CoreCollections.Dependent),
	}
	for _, e := range r.DomainKeywords {
		br.DomainKeywords = append(br.DomainKeywords, KeywordCategory{Name: e.Key, Keywords: e.Value})
	}
	for k, v := range r.FieldPriorities {
		br.FieldPriorities[k] = FieldPriority{Essential: v.Essential, HighPriority: v.HighPriority}
	}
	for k, v := range r.QueryTypeRules {
		br.QueryTypeRules[k] = QueryTypeRule{
			EssentialCollections: v.EssentialCollections,
			MaxCollections:       v.MaxCollections,
			RelevanceThreshold:   v.RelevanceThreshold,
		}
	}
	return br
}

func decodeRelationships(n *yaml.Node) ([]Relationship, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.SequenceNode:
		var out []Relationship
		for _, item := range n.Content {
			if item.Kind == yaml.ScalarNode {
				out = append(out, Relationship{Text: item.Value})
				continue
			}
			var r struct {
				FromCollection string `yaml:"from_collection"`
				FromField      string `yaml:"from_field"`
				ToCollection   string `yaml:"to_collection"`
				ToField        string `yaml:"to_field"`
				Kind           string `yaml:"relationship_type"`
				Description    string `yaml:"description"`
			}
			if err := item.Decode(&r); err != nil {
				return nil, err
			}
			out = append(out, Relationship{
				FromCollection: r.FromCollection,
				FromField:      r.FromField,
				ToCollection:   r.ToCollection,
				ToField:        r.ToField,
				Kind:           r.Kind,
				Description:    r.Description,
			})
		}
		return out, nil
	case yaml.MappingNode:
		var named ordered[struct {
			From           string `yaml:"from"`
			To             string `yaml:"to"`
			Type           string `yaml:"type"`
			ReferenceField string `yaml:"reference_field"`
			Description    string `yaml:"description"`
		}]
		if err := n.Decode(&named); err != nil {
			return nil, err
		}
		out := make([]Relationship, 0, len(named))
		for _, e := range named {
			text := fmt.Sprintf("%s: %s -> %s (%s) via %s", e.Key, e.Value.From, e.Value.To, e.Value.Type, e.Value.ReferenceField)
			if e.Value.Description != "" {
				text += " - " + e.Value.Description
			}
			out = append(out, Relationship{
				FromCollection: e.Value.From,
				FromField:      e.Value.ReferenceField,
				ToCollection:   e.Value.To,
				Kind:           e.Value.Type,
				Description:    e.Value.Description,
				Text:           text,
			})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("line %d: expected a list or mapping", n.Line)
	}
}

func decodeVerifiedQueries(nodes []yaml.Node) ([]VerifiedQuery, error) {
	var out []VerifiedQuery
	for i := range nodes {
		n := &nodes[i]
		if n.Kind == yaml.ScalarNode {
			out = append(out, VerifiedQuery{Text: n.Value})
			continue
		}
		var q struct {
			Name         string `yaml:"name"`
			Question     string `yaml:"question"`
			Description  string `yaml:"description"`
			MongoDBQuery any    `yaml:"mongodb_query"`
			Query        any    `yaml:"query"`
		}
		if err := n.Decode(&q); err != nil {
			return nil, err
		}
		query := q.MongoDBQuery
		if query == nil {
			query = q.Query
		}
		out = append(out, VerifiedQuery{
			Name:     firstNonEmpty(q.Name, "Unknown"),
			Question: firstNonEmpty(q.Question, q.Description, "Unknown"),
			Query:    queryText(query),
		})
	}
	return out, nil
}

func queryText(v any) string {
	switch q := v.(type) {
	case nil:
		return "No query provided"
	case string:
		return q
	default:
		b, err := json.Marshal(q)
		if err != nil {
			return fmt.Sprint(q)
		}
		return string(b)
	}
}

func decodeText(n *yaml.Node) (string, error) {
	switch n.Kind {
	case 0:
		return "", nil
	case yaml.ScalarNode:
		return n.Value, nil
	case yaml.SequenceNode:
		var lines []string
		if err := n.Decode(&lines); err != nil {
			return "", err
		}
		return strings.Join(lines, "\n"), nil
	default:
		return "", fmt.Errorf("line %d: expected text or a list of text", n.Line)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
