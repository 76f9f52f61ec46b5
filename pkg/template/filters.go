package template

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// applyFilter dispatches the fixed filter set. default() is handled
// by the evaluator because it must observe missing receivers.
func applyFilter(name string, x any, args []any, src string) (any, error) {
	switch name {
	case "int":
		if i, ok := toInt(x); ok {
			return i, nil
		}
		if f, ok := toFloat(x); ok {
			return int64(f), nil
		}
		if s, ok := x.(string); ok {
			i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return nil, errf(src, "int filter: cannot parse %q", s)
			}
			return i, nil
		}
		return nil, errf(src, "int filter: cannot convert %T", x)

	case "float":
		if f, ok := toFloat(x); ok {
			return f, nil
		}
		if s, ok := x.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, errf(src, "float filter: cannot parse %q", s)
			}
			return f, nil
		}
		return nil, errf(src, "float filter: cannot convert %T", x)

	case "string":
		return stringify(x), nil

	case "length":
		switch v := x.(type) {
		case string:
			return int64(len(v)), nil
		case nil:
			return int64(0), nil
		}
		rv := reflect.ValueOf(x)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array, reflect.Map:
			return int64(rv.Len()), nil
		}
		return nil, errf(src, "length filter: unsupported type %T", x)

	case "tojson":
		b, err := json.Marshal(x)
		if err != nil {
			return nil, errf(src, "tojson filter: %v", err)
		}
		return string(b), nil

	case "fromjson":
		s, ok := x.(string)
		if !ok {
			return nil, errf(src, "fromjson filter: expected string, got %T", x)
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, errf(src, "fromjson filter: %v", err)
		}
		return out, nil

	case "lower":
		s, ok := x.(string)
		if !ok {
			return nil, errf(src, "lower filter: expected string, got %T", x)
		}
		return strings.ToLower(s), nil

	case "upper":
		s, ok := x.(string)
		if !ok {
			return nil, errf(src, "upper filter: expected string, got %T", x)
		}
		return strings.ToUpper(s), nil

	case "trim":
		s, ok := x.(string)
		if !ok {
			return nil, errf(src, "trim filter: expected string, got %T", x)
		}
		return strings.TrimSpace(s), nil

	case "join":
		if len(args) != 1 {
			return nil, errf(src, "join filter takes exactly one argument")
		}
		sep, ok := args[0].(string)
		if !ok {
			return nil, errf(src, "join filter: separator must be a string")
		}
		rv := reflect.ValueOf(x)
		if x == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
			return nil, errf(src, "join filter: expected sequence, got %T", x)
		}
		parts := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			parts[i] = stringify(rv.Index(i).Interface())
		}
		return strings.Join(parts, sep), nil

	case "split":
		if len(args) != 1 {
			return nil, errf(src, "split filter takes exactly one argument")
		}
		sep, ok := args[0].(string)
		if !ok {
			return nil, errf(src, "split filter: separator must be a string")
		}
		s, ok := x.(string)
		if !ok {
			return nil, errf(src, "split filter: expected string, got %T", x)
		}
		parts := strings.Split(s, sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	}

	return nil, errf(src, "unknown filter %q", name)
}
