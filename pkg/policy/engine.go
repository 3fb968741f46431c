package policy

import (
	"fmt"
	"strconv"
	"strings"
)

type Rule struct {
	Name   string `yaml:"name" json:"name"`
	Check  string `yaml:"check" json:"check"`
	Action string `yaml:"action" json:"action,omitempty"` // "deny" (default) or "warn"
}

type Policy struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

type Evaluation struct {
	Compliant  bool     `json:"compliant"`
	Violations []string `json:"violations"`
	Warnings   []string `json:"warnings,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// operators in match order: two-character operators first.
var operators = []string{"==", "!=", ">=", "<=", ">", "<"}

// Evaluate checks every rule against facts. A check has the form
// "<fact> <op> <value>", for example "update_age_days < 30". A rule whose
// check cannot be parsed or names an unknown fact counts as a violation.
func Evaluate(facts map[string]any, policy *Policy) *Evaluation {
	eval := &Evaluation{
		Compliant:  true,
		Violations: []string{},
	}
	if policy == nil {
		return eval
	}

	for _, rule := range policy.Rules {
		ok, err := checkRule(facts, rule.Check)
		if err != nil {
			eval.Errors = append(eval.Errors, fmt.Sprintf("%s: %v", rule.Name, err))
		}
		if ok {
			continue
		}
		if strings.EqualFold(rule.Action, "warn") {
			eval.Warnings = append(eval.Warnings, rule.Name)
			continue
		}
		eval.Compliant = false
		eval.Violations = append(eval.Violations, rule.Name)
	}

	return eval
}

// ParseCheck splits a check expression into fact, operator and operand.
func ParseCheck(check string) (fact, op, value string, err error) {
	check = strings.TrimSpace(check)
	for _, candidate := range operators {
		if i := strings.Index(check, candidate); i > 0 {
			fact = strings.TrimSpace(check[:i])
			value = strings.Trim(strings.TrimSpace(check[i+len(candidate):]), `"'`)
			if fact == "" || value == "" {
				break
			}
			return fact, candidate, value, nil
		}
	}
	return "", "", "", fmt.Errorf("invalid check %q", check)
}

func checkRule(facts map[string]any, check string) (bool, error) {
	fact, op, want, err := ParseCheck(check)
	if err != nil {
		return false, err
	}
	got, ok := facts[fact]
	if !ok {
		return false, fmt.Errorf("unknown fact %q", fact)
	}

	switch v := got.(type) {
	case bool:
		b, err := strconv.ParseBool(want)
		if err != nil {
			return false, fmt.Errorf("fact %q is boolean, got %q", fact, want)
		}
		return compareEquality(op, v == b)
	case float64:
		return compareNumber(v, op, want)
	case int:
		return compareNumber(float64(v), op, want)
	case string:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			if _, err := strconv.ParseFloat(want, 64); err == nil {
				return compareNumber(n, op, want)
			}
		}
		return compareEquality(op, strings.EqualFold(v, want))
	default:
		return false, fmt.Errorf("fact %q has unsupported type %T", fact, got)
	}
}

func compareEquality(op string, equal bool) (bool, error) {
	switch op {
	case "==":
		return equal, nil
	case "!=":
		return !equal, nil
	}
	return false, fmt.Errorf("operator %s needs a numeric fact", op)
}

func compareNumber(got float64, op, raw string) (bool, error) {
	want, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, fmt.Errorf("expected number, got %q", raw)
	}
	switch op {
	case "==":
		return got == want, nil
	case "!=":
		return got != want, nil
	case ">=":
		return got >= want, nil
	case "<=":
		return got <= want, nil
	case ">":
		return got > want, nil
	case "<":
		return got < want, nil
	}
	return false, fmt.Errorf("unknown operator %s", op)
}

func (e *Evaluation) String() string {
	if e.Compliant {
		return "✅ Compliant"
	}
	return fmt.Sprintf("❌ Non-compliant: %v", e.Violations)
}
