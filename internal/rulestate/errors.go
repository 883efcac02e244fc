package rulestate

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrStaleEpoch     = errors.New("stale epoch")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Field != "" && e.Value != "":
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	default:
		return "validation failed: " + e.Reason
	}
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError reports a rule, ruleset or organization that is absent from
// the local Resource Tree.
type NotFoundError struct {
	Kind         string
	Organization string
	ID           string
}

func (e *NotFoundError) Error() string {
	if e.Organization == "" {
		return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
	}
	return fmt.Sprintf("%s %s not found in organization %s", e.Kind, e.ID, e.Organization)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type ConflictError struct {
	Organization string
	Local        string
	Remote       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("organization %s epoch %q is stale (remote %q)", e.Organization, e.Local, e.Remote)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrStaleEpoch
}

func invalid(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}
