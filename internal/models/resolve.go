package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var templateToken = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// ResolveField walks a dotted path ("a.b.c") into the given JSON data tree
// and returns the resolved gjson.Result. A path through a non-object
// intermediate, or a missing key, yields a result where .Exists() is false.
func ResolveField(data []byte, path string) gjson.Result {
	return gjson.GetBytes(data, path)
}

// EvaluateCondition resolves c.Field against data and applies c.Operator.
// Per spec: comparisons against a missing/null field are false for every
// operator except "neq" and "exists".
func EvaluateCondition(data []byte, c Condition) bool {
	field := ResolveField(data, c.Field)
	exists := field.Exists() && field.Type != gjson.Null

	switch c.Operator {
	case OpExists:
		return exists
	case OpNeq:
		if !exists {
			return true
		}
		return !valuesEqual(field, c.Value)
	}

	if !exists {
		return false
	}

	switch c.Operator {
	case OpEq:
		return valuesEqual(field, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		fv, ok1 := field.Value().(float64)
		cv, ok2 := toFloat(c.Value)
		if !ok1 {
			fv, ok1 = parseFloat(field.String())
		}
		if !ok1 || !ok2 {
			return false
		}
		switch c.Operator {
		case OpGt:
			return fv > cv
		case OpGte:
			return fv >= cv
		case OpLt:
			return fv < cv
		case OpLte:
			return fv <= cv
		}
	case OpContains:
		if field.IsArray() {
			found := false
			field.ForEach(func(_, v gjson.Result) bool {
				if valuesEqual(v, c.Value) {
					found = true
					return false
				}
				return true
			})
			return found
		}
		return strings.Contains(field.String(), fmt.Sprintf("%v", c.Value))
	}
	return false
}

func valuesEqual(field gjson.Result, want interface{}) bool {
	switch w := want.(type) {
	case string:
		return field.String() == w && field.Type == gjson.String
	case bool:
		return (field.Type == gjson.True || field.Type == gjson.False) && field.Bool() == w
	case float64, int, int64:
		fv, ok1 := toFloat(want)
		cv, ok2 := parseFloat(field.Raw)
		if field.Type == gjson.Number {
			return ok1 && field.Num == fv
		}
		return ok1 && ok2 && fv == cv
	default:
		return field.String() == fmt.Sprintf("%v", want)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		return parseFloat(n)
	default:
		return 0, false
	}
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ResolveTemplate replaces every {{dotted.path}} token in s with its
// resolved value from data, rendered as a plain string. A token that fails
// to resolve is left in the output unchanged, matching
// shared/connectors/template.py's behavior.
func ResolveTemplate(data []byte, s string) string {
	return templateToken.ReplaceAllStringFunc(s, func(tok string) string {
		m := templateToken.FindStringSubmatch(tok)
		if len(m) != 2 {
			return tok
		}
		field := ResolveField(data, m[1])
		if !field.Exists() {
			return tok
		}
		return field.String()
	})
}

// ResolveConfig recursively resolves template tokens in every string value
// of cfg against data. Maps are walked fully; list items are walked one
// level deep (strings and maps inside a list are resolved, nested lists are
// left as-is), matching shared/connectors/template.py's resolve_config.
func ResolveConfig(data []byte, cfg map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = resolveValue(data, v)
	}
	return out
}

func resolveValue(data []byte, v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return ResolveTemplate(data, val)
	case map[string]interface{}:
		return ResolveConfig(data, val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			switch iv := item.(type) {
			case string:
				out[i] = ResolveTemplate(data, iv)
			case map[string]interface{}:
				out[i] = ResolveConfig(data, iv)
			default:
				out[i] = item
			}
		}
		return out
	default:
		return v
	}
}
