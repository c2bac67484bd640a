package semantic

import (
	"fmt"
	"sort"
	"strings"
)

const maxSampleValues = 3

// PromptContext is the text rendering of a model used by the prompt compiler.
type PromptContext struct {
	Schema          string
	Relationships   string
	VerifiedQueries string
	Instructions    string
	Metrics         string
	// ArrayHints lists the multi-valued field paths per collection; empty
	// when the model has none.
	ArrayHints string
}

// Render formats a model for inclusion in a generation prompt.
func Render(m *Model) PromptContext {
	return PromptContext{
		Schema:          renderSchema(m),
		Relationships:   renderRelationships(m),
		VerifiedQueries: renderVerifiedQueries(m),
		Instructions:    renderInstructions(m),
		Metrics:         renderMetrics(m),
		ArrayHints:      renderArrayHints(m),
	}
}

func renderSchema(m *Model) string {
	var sb strings.Builder
	for _, c := range m.Collections {
		fmt.Fprintf(&sb, "# MongoDB Collection: %s\n", c.Name)
		fmt.Fprintf(&sb, "Database: %s\n", orUnknown(m.CollectionInfo.Database))
		fmt.Fprintf(&sb, "Business Flow: %s\n\n", orUnknown(m.CollectionInfo.BusinessFlow))
		fmt.Fprintf(&sb, "## Collection: %s\n[\n", c.Name)

		groups := make(map[string][]*Field)
		for _, f := range c.Fields {
			base := "root"
			if i := strings.Index(f.Path(), "."); i >= 0 {
				base = f.Path()[:i]
			}
			groups[base] = append(groups[base], f)
		}
		bases := make([]string, 0, len(groups))
		for b := range groups {
			bases = append(bases, b)
		}
		sort.Strings(bases)

		var entries []string
		for _, b := range bases {
			for _, f := range groups[b] {
				entries = append(entries, fieldEntry(f))
			}
		}
		sb.WriteString(strings.Join(entries, ",\n"))
		sb.WriteString("\n]\n\n")
	}
	return sb.String()
}

func fieldEntry(f *Field) string {
	parts := []string{
		f.Path(),
		"name: " + f.Name,
		"type: " + orDefault(f.DataType, "Unknown"),
	}
	description := f.Description
	samples := ""
	if len(f.SampleValues) > 0 {
		n := min(len(f.SampleValues), maxSampleValues)
		safe := make([]string, 0, n)
		for _, v := range f.SampleValues[:n] {
			safe = append(safe, strings.ReplaceAll(v, `"`, "'"))
		}
		samples = "Value examples: " + strings.Join(safe, ", ") + "..."
	} else if i := strings.Index(strings.ToLower(description), "sample values:"); i >= 0 {
		text := strings.TrimSpace(description[i+len("sample values:"):])
		if len(text) > 100 {
			text = text[:100]
		}
		samples = "Value examples: " + strings.ReplaceAll(text, `"`, "'") + "..."
		description = strings.TrimSpace(description[:i])
	}
	if description != "" && description != "Data field" {
		parts = append(parts, description)
	}
	if samples != "" {
		parts = append(parts, samples)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func renderRelationships(m *Model) string {
	if len(m.Relationships) == 0 {
		return "No explicit relationships defined in semantic model"
	}
	lines := make([]string, 0, len(m.Relationships))
	for _, r := range m.Relationships {
		if r.Text != "" {
			lines = append(lines, r.Text)
			continue
		}
		line := fmt.Sprintf("%s.%s -> %s.%s (%s)", r.FromCollection, r.FromField, r.ToCollection, r.ToField, r.Kind)
		if r.Description != "" {
			line += " - " + r.Description
		}
		lines = append(lines, line)
	}
	return "MongoDB Collection Relationships:\n" + strings.Join(lines, "\n")
}

func renderVerifiedQueries(m *Model) string {
	queries := m.VerifiedQueries
	if len(queries) == 0 && len(m.Collections) > 0 {
		queries = m.Collections[0].VerifiedQueries
	}
	var sb strings.Builder
	sb.WriteString("Queries:\n")
	if len(queries) == 0 {
		sb.WriteString("# No predefined queries in semantic model\n")
		return sb.String()
	}
	for _, q := range queries {
		if q.Text != "" {
			fmt.Fprintf(&sb, "- %s\n", q.Text)
			continue
		}
		fmt.Fprintf(&sb, "- Name: %s\n", q.Name)
		fmt.Fprintf(&sb, "  Question: %s\n", q.Question)
		fmt.Fprintf(&sb, "  MongoDB Query: %s\n\n", q.Query)
	}
	return sb.String()
}

func renderInstructions(m *Model) string {
	if m.CustomInstructions != "" {
		return m.CustomInstructions
	}
	if len(m.Collections) > 0 && m.Collections[0].CustomInstructions != "" {
		return m.Collections[0].CustomInstructions
	}

	primary, docCount := "Unknown", "Unknown"
	if len(m.Collections) > 0 {
		primary = m.Collections[0].Name
		docCount = orDefault(m.Collections[0].DocumentCount, "Unknown")
	}
	var sb strings.Builder
	sb.WriteString("MongoDB Semantic Model Instructions:\n")
	fmt.Fprintf(&sb, "- Primary Collection: %s\n", primary)
	fmt.Fprintf(&sb, "- Database: %s\n", orDefault(m.CollectionInfo.Database, "Unknown"))
	fmt.Fprintf(&sb, "- Business Flow: %s\n", orDefault(m.CollectionInfo.BusinessFlow, "Unknown"))
	fmt.Fprintf(&sb, "- Document Count: %s\n\n", docCount)
	sb.WriteString(`General MongoDB Query Guidelines:
1. Use the collection schemas provided above for accurate field paths
2. Follow the relationship patterns specified in the semantic model
3. Use appropriate aggregation pipeline stages for complex queries
4. Reference field paths exactly as shown in the collection schemas
5. Apply filters using the correct field data types
`)
	return sb.String()
}

func renderMetrics(m *Model) string {
	if m.Metrics == "" {
		return "### Metrics\nNo predefined metrics in semantic model - can calculate from monetary/value and count fields\n"
	}
	return "### Metrics\n" + m.Metrics + "\n"
}

func renderArrayHints(m *Model) string {
	var sb strings.Builder
	for _, c := range m.Collections {
		var paths []string
		for _, f := range c.Fields {
			if f.IsMultiValued() {
				paths = append(paths, f.Path())
			}
		}
		if len(paths) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "[ARRAY FIELDS IN %s]\n", c.Name)
		for _, p := range paths {
			fmt.Fprintf(&sb, "  - %s is an ARRAY → Use $unwind: \"$%s\"\n", p, p)
		}
	}
	return sb.String()
}

func orUnknown(s string) string {
	return orDefault(s, "unknown")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
