// Package validation implements the request validation pipeline for discovery
// rules: a rule-table schema engine over decoded JSON followed by cross-field
// checks. Every failure is an *Error addressed by a 1-based path into the
// submitted document, and validation stops at the first failure.
package validation

import (
	"errors"
	"fmt"
)

// Kind classifies a validation failure.
type Kind string

const (
	KindShape                Kind = "shape"
	KindRequiredField        Kind = "required_field"
	KindUnexpectedField      Kind = "unexpected_field"
	KindEnumMembership       Kind = "enum_membership"
	KindUniqueness           Kind = "uniqueness"
	KindCrossFieldConstraint Kind = "cross_field_constraint"
	KindReferentialIntegrity Kind = "referential_integrity"
	KindNamedDependency      Kind = "named_dependency"
)

// Error is a terminal, caller-facing failure of an API call.
type Error struct {
	Kind   Kind
	Path   string
	Reason string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Reason
	}
	return fmt.Sprintf("Invalid parameter \"%s\": %s.", e.Path, e.Reason)
}

// Errorf returns a path-addressed error.
func Errorf(kind Kind, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Message returns an error rendered without a parameter path.
func Message(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// ErrNoPermissions is reported for any referenced object that does not exist
// or is not accessible to the caller.
var ErrNoPermissions = Message(KindReferentialIntegrity, "No permissions to referred object or it does not exist!")

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var verr *Error
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
