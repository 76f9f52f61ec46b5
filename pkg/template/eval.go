package template

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strconv"
)

func (n *litNode) eval(_ *Context, _ string) (any, error) {
	return n.value, nil
}

func (n *identNode) eval(ctx *Context, src string) (any, error) {
	v, ok := ctx.Lookup(n.name)
	if !ok {
		return nil, missingf(src, n.name)
	}
	return v, nil
}

func (n *attrNode) eval(ctx *Context, src string) (any, error) {
	obj, err := n.obj.eval(ctx, src)
	if err != nil {
		return nil, err
	}
	v, ok, err := lookupKey(obj, n.name, src)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, missingf(src, n.name)
	}
	return v, nil
}

func (n *indexNode) eval(ctx *Context, src string) (any, error) {
	obj, err := n.obj.eval(ctx, src)
	if err != nil {
		return nil, err
	}
	idx, err := n.idx.eval(ctx, src)
	if err != nil {
		return nil, err
	}

	if key, ok := idx.(string); ok {
		v, found, err := lookupKey(obj, key, src)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, missingf(src, key)
		}
		return v, nil
	}

	i, ok := toInt(idx)
	if !ok {
		return nil, errf(src, "index must be an integer or string, got %T", idx)
	}
	rv := reflect.ValueOf(obj)
	if obj == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, errf(src, "cannot index value of type %T", obj)
	}
	if i < 0 || int(i) >= rv.Len() {
		return nil, errf(src, "index %d out of range (length %d)", i, rv.Len())
	}
	return rv.Index(int(i)).Interface(), nil
}

func (n *unaryNode) eval(ctx *Context, src string) (any, error) {
	x, err := n.x.eval(ctx, src)
	if n.op == "not" {
		// `not missing` is true: routing robustness relies on it.
		var miss *errMissing
		if err != nil {
			if errors.As(err, &miss) {
				return true, nil
			}
			return nil, err
		}
		return !truthy(x), nil
	}
	if err != nil {
		return nil, err
	}
	if i, ok := toInt(x); ok {
		return -i, nil
	}
	if f, ok := toFloat(x); ok {
		return -f, nil
	}
	return nil, errf(src, "cannot negate value of type %T", x)
}

func (n *condNode) eval(ctx *Context, src string) (any, error) {
	cond, err := n.cond.eval(ctx, src)
	if err != nil {
		return nil, err
	}
	if truthy(cond) {
		return n.then.eval(ctx, src)
	}
	return n.els.eval(ctx, src)
}

func (n *binaryNode) eval(ctx *Context, src string) (any, error) {
	// Short-circuit boolean logic.
	if n.op == "and" || n.op == "or" {
		l, err := n.l.eval(ctx, src)
		if err != nil {
			return nil, err
		}
		lt := truthy(l)
		if (n.op == "and" && !lt) || (n.op == "or" && lt) {
			return lt, nil
		}
		r, err := n.r.eval(ctx, src)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	l, err := n.l.eval(ctx, src)
	if err != nil {
		return nil, err
	}
	r, err := n.r.eval(ctx, src)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equals(l, r), nil
	case "!=":
		return !equals(l, r), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, l, r, src)
	case "+":
		if ls, ok := l.(string); ok {
			rs, ok := r.(string)
			if !ok {
				return nil, errf(src, "cannot concatenate string and %T", r)
			}
			return ls + rs, nil
		}
		return arith(n.op, l, r, src)
	case "~":
		return stringify(l) + stringify(r), nil
	case "-", "*", "/", "%":
		return arith(n.op, l, r, src)
	}
	return nil, errf(src, "unsupported operator %q", n.op)
}

func (n *filterNode) eval(ctx *Context, src string) (any, error) {
	// default() is special: a missing receiver takes the fallback.
	if n.name == "default" {
		x, err := n.x.eval(ctx, src)
		var miss *errMissing
		if err != nil && !errors.As(err, &miss) {
			return nil, err
		}
		if err == nil && x != nil {
			return x, nil
		}
		if len(n.args) != 1 {
			return nil, errf(src, "default filter takes exactly one argument")
		}
		return n.args[0].eval(ctx, src)
	}

	x, err := n.x.eval(ctx, src)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(ctx, src)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return applyFilter(n.name, x, args, src)
}

// lookupKey resolves a string key on any map-shaped value.
func lookupKey(obj any, key string, src string) (any, bool, error) {
	switch m := obj.(type) {
	case map[string]any:
		v, ok := m[key]
		return v, ok, nil
	case nil:
		return nil, false, nil
	}
	rv := reflect.ValueOf(obj)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		v := rv.MapIndex(reflect.ValueOf(key))
		if !v.IsValid() {
			return nil, false, nil
		}
		return v.Interface(), true, nil
	}
	return nil, false, errf(src, "cannot access attribute %q on value of type %T", key, obj)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if i, ok := toInt(v); ok {
		return i != 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	}
	return true
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint64:
		return int64(x), true
	case json.Number:
		i, err := x.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func equals(l, r any) bool {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		return lf == rf
	}
	return reflect.DeepEqual(l, r)
}

func compare(op string, l, r any, src string) (bool, error) {
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		if !ok {
			return false, errf(src, "cannot compare number with %T", r)
		}
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	if ls, ok := l.(string); ok {
		rs, ok := r.(string)
		if !ok {
			return false, errf(src, "cannot compare string with %T", r)
		}
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return false, errf(src, "cannot order values of type %T", l)
}

func arith(op string, l, r any, src string) (any, error) {
	li, lok := toInt(l)
	ri, rok := toInt(r)
	if lok && rok && op != "/" {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "%":
			if ri == 0 {
				return nil, errf(src, "modulo by zero")
			}
			return li % ri, nil
		}
	}
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if !lok || !rok {
		return nil, errf(src, "arithmetic on non-numeric values (%T, %T)", l, r)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, errf(src, "division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, errf(src, "modulo by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, errf(src, "unsupported arithmetic operator %q", op)
}

// stringify converts a value to its interpolated string form.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	}
	if i, ok := toInt(v); ok {
		return strconv.FormatInt(i, 10)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
