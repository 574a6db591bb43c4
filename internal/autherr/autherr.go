// Package autherr defines the error taxonomy shared by the store, the token
// manager, and the ACL/pagination components. The HTTP edge is responsible
// for mapping a Kind to a status code; nothing below that edge depends on
// net/http.
package autherr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of domain error. The zero value is not a valid Kind.
type Kind int

const (
	_ Kind = iota

	KindUnknownUser
	KindUnknownPolicy
	KindUnknownToken
	KindUnknownTenant
	KindUnknownGroup
	KindUnknownUsername
	KindUnknownUserPolicy

	KindConflict
	KindDuplicatePolicy
	KindDuplicateTemplate

	KindInvalidLimit
	KindInvalidOffset
	KindInvalidSortColumn
	KindInvalidSortDirection

	KindInvalidCredentials
	KindUnauthorizedBackend

	KindBadRequest
)

var kindNames = map[Kind]string{
	KindUnknownUser:          "unknown_user",
	KindUnknownPolicy:        "unknown_policy",
	KindUnknownToken:         "unknown_token",
	KindUnknownTenant:        "unknown_tenant",
	KindUnknownGroup:         "unknown_group",
	KindUnknownUsername:      "unknown_username",
	KindUnknownUserPolicy:    "unknown_user_policy",
	KindConflict:             "conflict",
	KindDuplicatePolicy:      "duplicate_policy",
	KindDuplicateTemplate:    "duplicate_template",
	KindInvalidLimit:         "invalid_limit",
	KindInvalidOffset:        "invalid_offset",
	KindInvalidSortColumn:    "invalid_sort_column",
	KindInvalidSortDirection: "invalid_sort_direction",
	KindInvalidCredentials:   "invalid_credentials",
	KindUnauthorizedBackend:  "unauthorized_backend",
	KindBadRequest:           "bad_request",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error is a classified domain error. Details carries structured context
// (entity, field, value, uuid, ...) for the HTTP edge to render without
// re-parsing the message string.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

// New builds an *Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details and returns the same *Error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Unknown builds a not-found error for the given entity kind.
func Unknown(kind Kind, entity string, id any) *Error {
	return New(kind, "%s not found: %v", entity, id).WithDetails(map[string]any{
		"entity": entity,
		"id":     id,
	})
}

// Conflict builds a uniqueness-violation error.
func Conflict(entity, field string, value any) *Error {
	return New(KindConflict, "%s already exists with %s=%v", entity, field, value).WithDetails(map[string]any{
		"entity": entity,
		"field":  field,
		"value":  value,
	})
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// As extracts the *Error from err, unwrapping fmt.Errorf("...: %w", err)
// chains the way the token manager and store wrap errors on the way up.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
