package results

import (
	"fmt"
	"strconv"
	"strings"
)

// Filters is a conjunctive predicate bag keyed by item field name.
type Filters map[string]any

var comparisonOps = []string{">=", "<=", ">", "<", "="}

// ValidateFilters rejects malformed filter expressions up front so the API
// can surface them synchronously. An operator-prefixed string must be
// followed by a decimal.
func ValidateFilters(filters Filters) error {
	for field, value := range filters {
		s, ok := value.(string)
		if !ok {
			continue
		}
		op, operand, found := splitComparison(s)
		if !found {
			continue
		}
		if _, err := strconv.ParseFloat(operand, 64); err != nil {
			return fmt.Errorf("filter %s: %q is not a valid %q comparison", field, s, op)
		}
	}
	return nil
}

// Matches reports whether the item satisfies every filter.
func (f Filters) Matches(item Item) bool {
	for field, want := range f {
		if !matchField(item[field], want) {
			return false
		}
	}
	return true
}

func matchField(have, want any) bool {
	switch w := want.(type) {
	case string:
		if op, operand, ok := splitComparison(w); ok {
			threshold, err := strconv.ParseFloat(operand, 64)
			if err != nil {
				return false
			}
			value, ok := toFloat(have)
			if !ok {
				return false
			}
			return compare(value, op, threshold)
		}
		switch h := have.(type) {
		case string:
			return strings.Contains(strings.ToLower(h), strings.ToLower(w))
		case []string:
			for _, elem := range h {
				if strings.Contains(strings.ToLower(elem), strings.ToLower(w)) {
					return true
				}
			}
			return false
		default:
			return fmt.Sprint(have) == w
		}
	case bool:
		h, ok := have.(bool)
		return ok && h == w
	default:
		if wf, ok := toFloat(want); ok {
			if hf, ok := toFloat(have); ok {
				return hf == wf
			}
			return false
		}
		return fmt.Sprint(have) == fmt.Sprint(want)
	}
}

func splitComparison(s string) (op, operand string, ok bool) {
	for _, candidate := range comparisonOps {
		if strings.HasPrefix(s, candidate) {
			return candidate, strings.TrimSpace(s[len(candidate):]), true
		}
	}
	return "", "", false
}

func compare(value float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "=":
		return value == threshold
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
