package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// tokenPattern matches {{name}}, {{step.output}} and {{step.output.field.0}}.
var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// UnresolvedError reports a placeholder with no matching output or parameter.
type UnresolvedError struct {
	Token string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved placeholder {{%s}}", e.Token)
}

// scope is what placeholders resolve against: outputs of completed steps
// first, then workflow parameters.
type scope struct {
	outputs map[string]any
	params  map[string]any
}

// Substitute returns a copy of params with every placeholder replaced. A
// string that is exactly one placeholder takes the referenced value with its
// type intact; placeholders embedded in longer strings are stringified.
func Substitute(params, outputs, workflowParams map[string]any) (map[string]any, error) {
	s := scope{outputs: outputs, params: workflowParams}
	out, err := s.value(params)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.(map[string]any), nil
}

// References returns the step names referenced through {{step.output}}
// placeholders anywhere in params.
func References(params map[string]any) []string {
	seen := make(map[string]bool)
	var refs []string
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, m := range tokenPattern.FindAllStringSubmatch(val, -1) {
				parts := strings.Split(m[1], ".")
				if len(parts) >= 2 && parts[1] == "output" && !seen[parts[0]] {
					seen[parts[0]] = true
					refs = append(refs, parts[0])
				}
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(params)
	return refs
}

func (s scope) value(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return s.str(val)
	case map[string]any:
		if val == nil {
			return map[string]any(nil), nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := s.value(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := s.value(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (s scope) str(in string) (any, error) {
	matches := tokenPattern.FindAllStringSubmatchIndex(in, -1)
	if len(matches) == 0 {
		return in, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(in) {
		return s.resolve(in[matches[0][2]:matches[0][3]])
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(in[last:m[0]])
		v, err := s.resolve(in[m[2]:m[3]])
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
		last = m[1]
	}
	b.WriteString(in[last:])
	return b.String(), nil
}

func (s scope) resolve(token string) (any, error) {
	parts := strings.Split(token, ".")

	if out, ok := s.outputs[parts[0]]; ok {
		rest := parts[1:]
		if len(rest) > 0 && rest[0] == "output" {
			rest = rest[1:]
		}
		if v, ok := lookup(out, rest); ok {
			return v, nil
		}
		return nil, &UnresolvedError{Token: token}
	}
	if v, ok := s.params[parts[0]]; ok {
		if v, ok := lookup(v, parts[1:]); ok {
			return v, nil
		}
	}
	return nil, &UnresolvedError{Token: token}
}

// lookup walks path through nested maps and slices. Structs and other
// values are normalised through JSON first.
func lookup(v any, path []string) (any, bool) {
	for i, key := range path {
		switch cur := v.(type) {
		case map[string]any:
			next, ok := cur[key]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(cur) {
				return nil, false
			}
			v = cur[i]
		default:
			norm, ok := normalise(cur)
			if !ok {
				return nil, false
			}
			return lookup(norm, path[i:])
		}
	}
	return v, true
}

func normalise(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Struct, reflect.Slice, reflect.Array, reflect.Ptr:
	default:
		return nil, false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	switch out.(type) {
	case map[string]any, []any:
		return out, true
	}
	return nil, false
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
