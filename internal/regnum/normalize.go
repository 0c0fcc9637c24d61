// Package regnum turns a company's registration numbers into the identifier
// format a national registry (and GLEIF's registeredAs field) uses.
package regnum

import (
	"strings"

	"github.com/sells-group/apihub/internal/model"
)

// Rule selects a registration number by D&B type code and formats it.
type Rule struct {
	TypeCodes []int
	// Format returns the registry representation of raw, or false when raw
	// does not have the expected shape.
	Format func(raw string) (string, bool)
}

func (r Rule) matches(typeCode int) bool {
	for _, tc := range r.TypeCodes {
		if tc == typeCode {
			return true
		}
	}
	return false
}

// Normalizer applies per-country rules. The zero value has no rules.
type Normalizer struct {
	rules map[string]Rule
}

// New returns a Normalizer with the default rules. typeCodes overrides the
// type codes of individual countries (keyed by ISO alpha-2 code).
func New(typeCodes map[string][]int) *Normalizer {
	rules := DefaultRules()
	for country, codes := range typeCodes {
		country = strings.ToUpper(strings.TrimSpace(country))
		r, ok := rules[country]
		if !ok || len(codes) == 0 {
			continue
		}
		r.TypeCodes = append([]int(nil), codes...)
		rules[country] = r
	}
	return &Normalizer{rules: rules}
}

var defaultNormalizer = New(nil)

// Normalize uses the default rules. See Normalizer.Normalize.
func Normalize(numbers []model.RegNumber, country string, try model.Try) *string {
	return defaultNormalizer.Normalize(numbers, country, try)
}

// Canonical uses the default rules. See Normalizer.Canonical.
func Canonical(country, value string) string {
	return defaultNormalizer.Canonical(country, value)
}

// Canonical formats value with the country rule regardless of type code, so
// "123456789" and "1234.567.89" compare equal for BE. Values the rule cannot
// format, and countries without a rule, come back trimmed.
func (n *Normalizer) Canonical(country, value string) string {
	rule, ok := n.Rule(country)
	if !ok {
		return strings.TrimSpace(value)
	}
	return *format(rule, value)
}

// Rule returns the rule configured for country.
func (n *Normalizer) Rule(country string) (Rule, bool) {
	r, ok := n.rules[strings.ToUpper(strings.TrimSpace(country))]
	return r, ok
}

// Normalize returns the identifier to submit for try, or nil when the entity
// has nothing usable.
//
// The preferred try formats the preferred number when its type matches the
// country rule and otherwise returns it raw. The custom try picks the first
// number whose type the country rule selects; without a rule or such a number
// it falls back to the raw preferred number. Numbers that fail formatting are
// passed through unchanged.
func (n *Normalizer) Normalize(numbers []model.RegNumber, country string, try model.Try) *string {
	rule, hasRule := n.Rule(country)
	preferred := preferredNumber(numbers)

	switch try {
	case model.TryPreferredRegNum:
		if preferred == nil {
			return nil
		}
		if hasRule && rule.matches(preferred.Type) {
			return format(rule, preferred.Value)
		}
		return raw(preferred.Value)
	case model.TryCustomRegNum:
		if hasRule {
			for _, rn := range numbers {
				if strings.TrimSpace(rn.Value) == "" || !rule.matches(rn.Type) {
					continue
				}
				return format(rule, rn.Value)
			}
		}
		if preferred == nil {
			return nil
		}
		return raw(preferred.Value)
	case model.TryNameCountry:
		return nil
	default:
		return nil
	}
}

func preferredNumber(numbers []model.RegNumber) *model.RegNumber {
	for i := range numbers {
		if numbers[i].IsPreferred && strings.TrimSpace(numbers[i].Value) != "" {
			return &numbers[i]
		}
	}
	return nil
}

func format(rule Rule, value string) *string {
	if rule.Format != nil {
		if out, ok := rule.Format(strings.TrimSpace(value)); ok {
			return &out
		}
	}
	return raw(value)
}

func raw(value string) *string {
	v := strings.TrimSpace(value)
	return &v
}
