// Package template implements the expression engine used to render
// playbook arguments, routing conditions, and save blocks.
//
// Expressions are embedded in strings as {{ ... }} and evaluated
// against a layered context. Lookup precedence, highest first:
//
//	step locals → extracted variables → step results → workload
//
// Rendering is pure and deterministic: the broker and workers render
// the same inputs and obtain identical results. The engine fails
// closed — unresolved names and type errors yield a template_error —
// except in routing conditions, where EvalWhen treats a missing name
// as false.
package template

import "github.com/maestro-run/maestro/pkg/models"

// Context is an ordered list of immutable mappings. Lookup is
// first-hit by layer order.
type Context struct {
	layers      []map[string]any
	executionID int64
}

// NewContext builds a Context from a queue entry's render context.
func NewContext(rc models.RenderContext) *Context {
	return &Context{
		layers:      []map[string]any{rc.Locals, rc.Vars, rc.Results, rc.Workload},
		executionID: rc.ExecutionID,
	}
}

// NewContextFromLayers builds a Context from explicit layers, highest
// precedence first.
func NewContextFromLayers(layers ...map[string]any) *Context {
	return &Context{layers: layers}
}

// WithLocal returns a copy of the context with an extra highest-
// precedence layer binding name to value. The receiver is unchanged.
func (c *Context) WithLocal(name string, value any) *Context {
	layers := make([]map[string]any, 0, len(c.layers)+1)
	layers = append(layers, map[string]any{name: value})
	layers = append(layers, c.layers...)
	return &Context{layers: layers, executionID: c.executionID}
}

// WithLocals returns a copy of the context with an extra highest-
// precedence layer.
func (c *Context) WithLocals(locals map[string]any) *Context {
	if len(locals) == 0 {
		return c
	}
	layers := make([]map[string]any, 0, len(c.layers)+1)
	layers = append(layers, locals)
	layers = append(layers, c.layers...)
	return &Context{layers: layers, executionID: c.executionID}
}

// Lookup resolves a top-level name. The reserved name execution_id
// is always available.
func (c *Context) Lookup(name string) (any, bool) {
	if name == "execution_id" {
		return c.executionID, true
	}
	for _, layer := range c.layers {
		if layer == nil {
			continue
		}
		if v, ok := layer[name]; ok {
			return v, true
		}
	}
	return nil, false
}
