package semantic

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
)

// DefaultCategory is the query category used when no domain keyword matches.
const DefaultCategory = "default"

const (
	defaultMaxFields          = 30
	defaultMaxCollections     = 5
	defaultRelevanceThreshold = 0.7
)

// Weights holds the scoring heuristics used by the optimizer.
type Weights struct {
	Importance        map[string]float64
	DefaultImportance float64
	Frequency         map[string]float64
	DefaultFrequency  float64

	CategoryMatch    float64
	DescriptionMatch float64
	NameMatch        float64

	FieldNameMatch        float64
	FieldDescriptionMatch float64
	FieldTypeBonus        float64
	FieldPreferredTypes   []string

	RelevanceThreshold float64
	MaxCollections     int
	MaxFields          int

	// NameStopwords are question tokens ignored when matching collection names.
	NameStopwords []string
}

func DefaultWeights() Weights {
	return Weights{
		Importance:        map[string]float64{"critical": 0.3, "high": 0.2, "normal": 0.1, "low": 0.05},
		DefaultImportance: 0.1,
		Frequency:         map[string]float64{"very_high": 0.3, "high": 0.2, "medium": 0.1, "low": 0.05},
		DefaultFrequency:  0.1,

		CategoryMatch:    0.4,
		DescriptionMatch: 0.2,
		NameMatch:        0.2,

		FieldNameMatch:        0.4,
		FieldDescriptionMatch: 0.3,
		FieldTypeBonus:        0.1,
		FieldPreferredTypes:   []string{"string", "date", "datetime"},

		RelevanceThreshold: defaultRelevanceThreshold,
		MaxCollections:     defaultMaxCollections,
		MaxFields:          defaultMaxFields,

		NameStopwords: []string{"details", "information", "data"},
	}
}

type OptimizerConfig struct {
	Logger  *slog.Logger
	Weights *Weights
}

func (c *OptimizerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Weights == nil {
		w := DefaultWeights()
		c.Weights = &w
	}
	if c.Weights.MaxFields <= 0 {
		c.Weights.MaxFields = defaultMaxFields
	}
	if c.Weights.MaxCollections <= 0 {
		c.Weights.MaxCollections = defaultMaxCollections
	}
	if c.Weights.RelevanceThreshold <= 0 {
		c.Weights.RelevanceThreshold = defaultRelevanceThreshold
	}
	return nil
}

// Optimizer reduces a semantic model to the subset relevant to a question.
// It never mutates its input.
type Optimizer struct {
	log *slog.Logger
	w   Weights
}

func NewOptimizer(cfg *OptimizerConfig) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Optimizer{log: cfg.Logger, w: *cfg.Weights}, nil
}

// Optimize applies field optimization followed by collection filtering. Models
// without business rules are returned as-is.
func (o *Optimizer) Optimize(m *Model, question string, maxFields int) *Model {
	if m.BusinessRules == nil {
		o.log.Warn("semantic: model has no business_rules, using unoptimized schema")
		return m
	}
	if question == "" {
		return m
	}
	m = o.OptimizeFields(m, question, maxFields)
	return o.FilterCollections(m, question, 0)
}

// Classify returns the query category whose domain keywords best match the
// question. Ties go to the category listed first.
func (o *Optimizer) Classify(m *Model, question string) string {
	if m.BusinessRules == nil {
		return DefaultCategory
	}
	q := strings.ToLower(question)
	best, bestScore := DefaultCategory, 0
	for _, cat := range m.BusinessRules.DomainKeywords {
		score := 0
		for _, kw := range cat.Keywords {
			if strings.Contains(q, strings.ToLower(kw)) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = cat.Name, score
		}
	}
	return best
}

// OptimizeFields trims every collection with more than maxFields fields:
// essential fields first, then high-priority fields, then the best scoring
// remaining fields.
func (o *Optimizer) OptimizeFields(m *Model, question string, maxFields int) *Model {
	if m.BusinessRules == nil {
		return m
	}
	if maxFields <= 0 {
		maxFields = o.w.MaxFields
	}
	category := o.Classify(m, question)
	priority := m.BusinessRules.fieldPriority(category)
	tokens := strings.Fields(strings.ToLower(question))

	out := m.Clone()
	for _, c := range out.Collections {
		if len(c.Fields) <= maxFields {
			continue
		}
		before := len(c.Fields)
		c.Fields = o.selectFields(c.Fields, priority, tokens, maxFields)
		o.log.Debug("semantic: optimized fields", "collection", c.Name, "before", before, "after", len(c.Fields), "category", category)
	}
	return out
}

func (o *Optimizer) selectFields(fields []*Field, priority FieldPriority, tokens []string, budget int) []*Field {
	byName := make(map[string]*Field, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	selected := make(map[string]bool)
	var picked []*Field
	take := func(name string) {
		if f, ok := byName[name]; ok && !selected[name] && len(picked) < budget {
			selected[name] = true
			picked = append(picked, f)
		}
	}
	for _, name := range priority.Essential {
		take(name)
	}
	for _, name := range priority.HighPriority {
		take(name)
	}

	type scored struct {
		field *Field
		score float64
	}
	var rest []scored
	for _, f := range fields {
		if !selected[f.Name] {
			rest = append(rest, scored{f, o.fieldRelevance(f, tokens)})
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].score > rest[j].score })
	for _, s := range rest {
		if len(picked) >= budget {
			break
		}
		picked = append(picked, s.field)
	}
	return picked
}

func (o *Optimizer) fieldRelevance(f *Field, tokens []string) float64 {
	score := 0.0
	if anyContained(strings.ToLower(f.Name), tokens) {
		score += o.w.FieldNameMatch
	}
	if anyContained(strings.ToLower(f.Description), tokens) {
		score += o.w.FieldDescriptionMatch
	}
	dt := strings.ToLower(f.DataType)
	for _, t := range o.w.FieldPreferredTypes {
		if dt == t {
			score += o.w.FieldTypeBonus
			break
		}
	}
	return min(score, 1.0)
}

// FilterCollections keeps core and category-essential collections and adds
// the best scoring remaining collections above the category threshold, up to
// maxCollections in total. A non-positive maxCollections uses the category
// rule, then the default.
func (o *Optimizer) FilterCollections(m *Model, question string, maxCollections int) *Model {
	rules := m.BusinessRules
	if rules == nil {
		return m
	}
	category := o.Classify(m, question)
	rule := rules.queryTypeRule(category)
	if maxCollections <= 0 {
		maxCollections = rule.MaxCollections
	}
	if maxCollections <= 0 {
		maxCollections = o.w.MaxCollections
	}
	threshold := o.w.RelevanceThreshold
	if rule.RelevanceThreshold != nil {
		threshold = *rule.RelevanceThreshold
	}

	core := rules.coreCollectionNames()
	essential := make(map[string]bool, len(rule.EssentialCollections))
	for _, name := range rule.EssentialCollections {
		essential[name] = true
	}

	keep := make(map[string]bool)
	type scored struct {
		name  string
		score float64
	}
	var candidates []scored
	q := strings.ToLower(question)
	for _, c := range m.Collections {
		if len(c.Fields) == 0 {
			o.log.Debug("semantic: skipping collection without fields", "collection", c.Name)
			continue
		}
		if core[c.Name] || essential[c.Name] {
			keep[c.Name] = true
			continue
		}
		score := o.collectionRelevance(c, rules, q)
		if score >= threshold {
			candidates = append(candidates, scored{c.Name, score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	for _, s := range candidates {
		if len(keep) >= maxCollections {
			break
		}
		keep[s.name] = true
	}

	out := m.Clone()
	filtered := out.Collections[:0]
	for _, c := range out.Collections {
		if keep[c.Name] {
			filtered = append(filtered, c)
		}
	}
	out.Collections = filtered
	o.log.Debug("semantic: filtered collections", "category", category, "kept", len(out.Collections), "total", len(m.Collections))
	return out
}

func (o *Optimizer) collectionRelevance(c *Collection, rules *BusinessRules, q string) float64 {
	score := o.w.DefaultImportance
	if w, ok := o.w.Importance[c.BusinessImportance]; ok {
		score = w
	}
	if w, ok := o.w.Frequency[c.QueryFrequency]; ok {
		score += w
	} else {
		score += o.w.DefaultFrequency
	}

	for _, cat := range rules.DomainKeywords {
		if !matchesAny(q, cat.Keywords) {
			continue
		}
		for _, tag := range c.Categories {
			if tag == cat.Name {
				score += o.w.CategoryMatch
				break
			}
		}
	}

	var long, specific []string
	for _, tok := range strings.Fields(q) {
		if len(tok) <= 3 {
			continue
		}
		long = append(long, tok)
		if !contains(o.w.NameStopwords, tok) {
			specific = append(specific, tok)
		}
	}
	if anyContained(strings.ToLower(c.Description), long) {
		score += o.w.DescriptionMatch
	}
	if anyContained(strings.ToLower(c.Name), specific) {
		score += o.w.NameMatch
	}
	return min(score, 1.0)
}

// anyContained reports whether any token is a substring of s.
func anyContained(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func matchesAny(q string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(q, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
