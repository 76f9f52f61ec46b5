package template

import (
	"testing"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *Context {
	return NewContext(models.RenderContext{
		ExecutionID: 42,
		Locals:      map[string]any{"element": "berlin", "count": 3},
		Vars:        map[string]any{"region": "eu", "count": 99}, // shadowed by locals
		Results: map[string]any{
			"s1": map[string]any{"x": 5, "tags": []any{"a", "b", "c"}},
		},
		Workload: map[string]any{
			"cities": []any{"A", "B", "C"},
			"limit":  10,
			"name":   "  Maestro  ",
			"rate":   0.5,
		},
	})
}

func TestRenderStringTypePreservation(t *testing.T) {
	ctx := testContext()

	// Whole-string expressions keep the value type.
	v, err := RenderString("{{ workload_missing | default(7) }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = RenderString("{{ limit }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	v, err = RenderString("{{ cities }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "B", "C"}, v)

	// Embedded expressions stringify.
	v, err = RenderString("city={{ element }}, n={{ count }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "city=berlin, n=3", v)

	// No braces: pass-through.
	v, err = RenderString("plain", ctx)
	require.NoError(t, err)
	assert.Equal(t, "plain", v)
}

func TestLayerPrecedence(t *testing.T) {
	ctx := testContext()

	// Locals shadow vars.
	v, err := Eval("count", ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = Eval("region", ctx)
	require.NoError(t, err)
	assert.Equal(t, "eu", v)

	v, err = Eval("execution_id", ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestOperators(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want any
	}{
		{"1 + 2", int64(3)},
		{"7 - 2 * 3", int64(1)},
		{"(7 - 2) * 3", int64(15)},
		{"10 / 4", 2.5},
		{"7 % 3", int64(1)},
		{"-limit", int64(-10)},
		{"rate * 2", 1.0},
		{"'foo' + 'bar'", "foobar"},
		{"'n=' ~ limit", "n=10"},
		{"s1.x > 3", true},
		{"s1.x <= 3", false},
		{"s1.x == 5", true},
		{"s1.x != 5", false},
		{"s1.x == 5.0", true},
		{"'a' < 'b'", true},
		{"true and s1.x > 1", true},
		{"false or s1.x > 100", false},
		{"not (s1.x > 100)", true},
		{"'hot' if s1.x > 3 else 'cold'", "hot"},
		{"'hot' if s1.x > 30 else 'cold'", "cold"},
		{"s1.tags[1]", "b"},
		{"cities[0]", "A"},
		{"s1['x']", 5},
		{"null == null", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			v, err := Eval(tt.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestFilters(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want any
	}{
		{"'42' | int", int64(42)},
		{"rate | int", int64(0)},
		{"'2.5' | float", 2.5},
		{"limit | string", "10"},
		{"cities | length", int64(3)},
		{"name | trim", "Maestro"},
		{"name | trim | lower", "maestro"},
		{"name | trim | upper", "MAESTRO"},
		{"cities | join('-')", "A-B-C"},
		{"'a,b,c' | split(',') | length", int64(3)},
		{"s1.tags | tojson", `["a","b","c"]`},
		{`'{"k":1}' | fromjson`, map[string]any{"k": float64(1)}},
		{"missing_name | default('fallback')", "fallback"},
		{"limit | default(99)", 10},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			v, err := Eval(tt.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestFailClosed(t *testing.T) {
	ctx := testContext()

	// Unresolved names are errors for rendering...
	_, err := RenderString("{{ nope }}", ctx)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, models.ErrorKindTemplate, terr.Structured().Kind)

	// ...including missing attributes on present values.
	_, err = RenderString("{{ s1.nope }}", ctx)
	require.Error(t, err)

	// Type errors fail too.
	_, err = Eval("'a' + 1", ctx)
	require.Error(t, err)
	_, err = Eval("limit | lower", ctx)
	require.Error(t, err)
	_, err = Eval("1 / 0", ctx)
	require.Error(t, err)
	_, err = Eval("cities[9]", ctx)
	require.Error(t, err)
}

func TestEvalWhen(t *testing.T) {
	ctx := testContext()

	// Missing names make the condition false, not an error.
	ok, err := EvalWhen("{{ absent.x > 3 }}", ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = EvalWhen("{{ s1.x > 3 }}", ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Bare expressions (no braces) are accepted.
	ok, err = EvalWhen("s1.x <= 3", ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// Empty condition is unconditional.
	ok, err = EvalWhen("", ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Real type errors still surface.
	_, err = EvalWhen("{{ 'a' + 1 }}", ctx)
	require.Error(t, err)
}

func TestRenderValueRecursion(t *testing.T) {
	ctx := testContext()

	in := map[string]any{
		"url":    "https://api/{{ element }}",
		"n":      "{{ limit }}",
		"nested": map[string]any{"list": []any{"{{ region }}", 7}},
		"static": true,
	}
	out, err := RenderMap(in, ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://api/berlin", out["url"])
	assert.Equal(t, 10, out["n"])
	assert.Equal(t, map[string]any{"list": []any{"eu", 7}}, out["nested"])
	assert.Equal(t, true, out["static"])
}

func TestRenderingIsIdempotent(t *testing.T) {
	ctx := testContext()
	first, err := RenderString("{{ s1.x * 2 }} in {{ region | upper }}", ctx)
	require.NoError(t, err)
	second, err := RenderString("{{ s1.x * 2 }} in {{ region | upper }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "10 in EU", first)
}

func TestParseErrors(t *testing.T) {
	ctx := testContext()
	for _, expr := range []string{
		"1 +",
		"foo bar",
		"'unterminated",
		"(1 + 2",
		"a | ",
		"x if y",
		"a[",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Eval(expr, ctx)
			assert.Error(t, err)
		})
	}
}
