package template

import (
	"fmt"

	"github.com/maestro-run/maestro/pkg/models"
)

// Error is a structured rendering failure. Kind is always
// template_error; Expr is the offending expression text.
type Error struct {
	Expr    string
	Message string
}

func (e *Error) Error() string {
	if e.Expr == "" {
		return "template error: " + e.Message
	}
	return fmt.Sprintf("template error in %q: %s", e.Expr, e.Message)
}

// Structured converts the error to the event error shape.
func (e *Error) Structured() *models.StructuredError {
	return &models.StructuredError{
		Kind:      models.ErrorKindTemplate,
		Message:   e.Error(),
		Retryable: false,
	}
}

func errf(expr, format string, args ...any) *Error {
	return &Error{Expr: expr, Message: fmt.Sprintf(format, args...)}
}

// tmplError aliases Error so errMissing can embed it without the
// embedded field name shadowing the promoted Error() method.
type tmplError = Error

// errMissing marks unresolved-name failures so EvalWhen can treat
// them as false instead of surfacing an error.
type errMissing struct {
	*tmplError
	name string
}

func (e *errMissing) Unwrap() error { return e.tmplError }

func missingf(expr, name string) error {
	return &errMissing{tmplError: errf(expr, "undefined name %q", name), name: name}
}
