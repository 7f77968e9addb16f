// Package classifier maps raw change events to creations and deletions.
package classifier

import (
	"strings"

	"github.com/yairfalse/churn/types"
)

// StatusFields and OperationFields are the spellings the provider has used
// for the two fields classification reads.
var (
	StatusFields = types.FieldCandidates{
		{"status", "value"},
		{"status"},
	}
	OperationFields = types.FieldCandidates{
		{"operationName", "value"},
		{"operation_name", "value"},
		{"operationName"},
		{"operation_name"},
	}
)

// SucceededStatus is the only status eligible for classification
const SucceededStatus = "succeeded"

// Rule matches a lower-cased operation name
type Rule struct {
	Name  string
	Kind  types.Classification
	Match func(operation string) bool
}

// Contains matches operations containing substr
func Contains(substr string) func(string) bool {
	return func(op string) bool { return strings.Contains(op, substr) }
}

// HasSuffix matches operations ending with suffix
func HasSuffix(suffix string) func(string) bool {
	return func(op string) bool { return strings.HasSuffix(op, suffix) }
}

// DefaultRules is evaluated top to bottom; the first match wins, so delete
// takes precedence over write/create.
var DefaultRules = []Rule{
	{Name: "delete", Kind: types.Deletion, Match: Contains("delete")},
	{Name: "write", Kind: types.Creation, Match: Contains("write")},
	{Name: "create", Kind: types.Creation, Match: Contains("create")},
	{Name: "write-suffix", Kind: types.Creation, Match: HasSuffix("/write")},
}

// Result explains a classification
type Result struct {
	Kind      types.Classification
	Status    string
	Operation string
	// Matched lists every rule that matched, winner first
	Matched []string
}

// Ambiguous reports an operation that matched both a deletion and a creation
// rule. Deletion still wins; callers log these as a data-quality signal.
func (r Result) Ambiguous(rules []Rule) bool {
	var deletion, creation bool
	for _, name := range r.Matched {
		for _, rule := range rules {
			if rule.Name != name {
				continue
			}
			switch rule.Kind {
			case types.Deletion:
				deletion = true
			case types.Creation:
				creation = true
			}
		}
	}
	return deletion && creation
}

// Classifier applies an ordered rule table. It holds no state besides the
// rules and is safe for concurrent use.
type Classifier struct {
	rules []Rule
}

// New creates a classifier; with no rules it uses DefaultRules
func New(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Classifier{rules: rules}
}

// Rules returns the rule table in evaluation order
func (c *Classifier) Rules() []Rule {
	return c.rules
}

// Classify returns the classification of one event
func (c *Classifier) Classify(e types.RawEvent) types.Classification {
	return c.Explain(e).Kind
}

// Explain classifies an event and reports which rules matched
func (c *Classifier) Explain(e types.RawEvent) Result {
	status, _ := StatusFields.First(e)
	operation, _ := OperationFields.First(e)

	result := Result{Kind: types.Ignored, Status: status, Operation: operation}
	if !strings.EqualFold(status, SucceededStatus) {
		return result
	}

	op := strings.ToLower(operation)
	for _, rule := range c.rules {
		if !rule.Match(op) {
			continue
		}
		if len(result.Matched) == 0 {
			result.Kind = rule.Kind
		}
		result.Matched = append(result.Matched, rule.Name)
	}

	return result
}

var defaultClassifier = New()

// Classify classifies with DefaultRules
func Classify(e types.RawEvent) types.Classification {
	return defaultClassifier.Classify(e)
}
