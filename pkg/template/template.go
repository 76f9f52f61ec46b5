package template

import (
	"errors"
	"strings"
	"sync"
)

// compiled ASTs are cached per expression source. Rendering is pure,
// so a cached AST is always safe to share.
var astCache sync.Map // string → node

func compile(src string) (node, error) {
	if cached, ok := astCache.Load(src); ok {
		return cached.(node), nil
	}
	n, err := parse(src)
	if err != nil {
		return nil, err
	}
	astCache.Store(src, n)
	return n, nil
}

// Eval evaluates a bare expression (no surrounding braces).
func Eval(expr string, ctx *Context) (any, error) {
	n, err := compile(strings.TrimSpace(expr))
	if err != nil {
		return nil, err
	}
	return n.eval(ctx, expr)
}

// RenderString interpolates {{ expr }} blocks in s. When the whole
// string is exactly one expression, the result keeps the expression's
// type; otherwise all parts are stringified and concatenated.
func RenderString(s string, ctx *Context) (any, error) {
	open := strings.Index(s, "{{")
	if open < 0 {
		return s, nil
	}

	// Whole-string expression preserves the value type.
	if trimmed := strings.TrimSpace(s); strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := trimmed[2 : len(trimmed)-2]
		if !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			return Eval(inner, ctx)
		}
	}

	var sb strings.Builder
	rest := s
	for {
		open = strings.Index(rest, "{{")
		if open < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:open])
		rest = rest[open+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return nil, errf(s, "unclosed {{ in template")
		}
		v, err := Eval(rest[:end], ctx)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(v))
		rest = rest[end+2:]
	}
}

// RenderValue renders templates recursively through maps, slices and
// strings. Non-string scalars pass through unchanged.
func RenderValue(v any, ctx *Context) (any, error) {
	switch x := v.(type) {
	case string:
		return RenderString(x, ctx)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			r, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			r, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

// RenderMap renders every value of a string-keyed map.
func RenderMap(m map[string]any, ctx *Context) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out, err := RenderValue(m, ctx)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// EvalWhen evaluates a routing condition. A missing name anywhere in
// the expression makes the edge not fire (false, nil) instead of
// failing the step; all other errors are surfaced.
func EvalWhen(expr string, ctx *Context) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	// Conditions may be written with or without braces.
	if strings.HasPrefix(expr, "{{") && strings.HasSuffix(expr, "}}") {
		expr = expr[2 : len(expr)-2]
	}
	v, err := Eval(expr, ctx)
	if err != nil {
		var miss *errMissing
		if errors.As(err, &miss) {
			return false, nil
		}
		return false, err
	}
	return truthy(v), nil
}
