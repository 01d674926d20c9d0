package errors

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/Gobusters/ectoerror/httperror"
)

type Kind string

const (
	KindValidation            Kind = "validation"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindBacklogBlocked        Kind = "backlog_blocked"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrValidation            = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrNotFound              = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict              = &Error{Kind: KindConflict, Message: "conflict"}
	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable, Message: "dependency unavailable"}
	ErrBacklogBlocked        = &Error{Kind: KindBacklogBlocked, Message: "backlog blocked"}
)

// Error is a governance failure surfaced to callers.
type Error struct {
	Kind    Kind
	Message string
	Meta    map[string]string
	cause   error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return Newf(KindConflict, format, args...)
}

func BacklogBlocked(format string, args ...any) *Error {
	return Newf(KindBacklogBlocked, format, args...)
}

// DependencyUnavailable wraps the failure of an optional collaborator.
func DependencyUnavailable(dependency string, cause error) *Error {
	e := Newf(KindDependencyUnavailable, "%s unavailable", dependency)
	e.cause = cause
	return e.With("dependency", dependency)
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// With attaches a metadata value and returns e for chaining.
func (e *Error) With(key, value string) *Error {
	if e.Meta == nil {
		e.Meta = map[string]string{}
	}
	e.Meta[key] = value
	return e
}

func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	case KindBacklogBlocked:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (e *Error) ToHTTPError() *httperror.HTTPError {
	httpErr := httperror.NewHTTPError(e.StatusCode(), e.Message).AddMetaValue("kind", string(e.Kind))

	keys := make([]string, 0, len(e.Meta))
	for k := range e.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		httpErr = httpErr.AddMetaValue(k, e.Meta[k])
	}
	return httpErr
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

func IsDependencyUnavailable(err error) bool { return errors.Is(err, ErrDependencyUnavailable) }

func IsBacklogBlocked(err error) bool { return errors.Is(err, ErrBacklogBlocked) }
