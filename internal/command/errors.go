// SPDX-License-Identifier: MIT

package command

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies command failures so ingress layers can map them to
// their own vocabulary (HTTP status codes, bus error payloads).
type Kind int

const (
	// KindValidation: the command envelope or payload is malformed.
	KindValidation Kind = iota
	// KindNotFound: the device or scene does not exist.
	KindNotFound
	// KindTransport: the device could not be reached or is busy.
	KindTransport
	// KindScene: a scene lifecycle operation failed.
	KindScene
	// KindPersistence: the state journal could not be written.
	KindPersistence
	// KindFatal: an invariant broke; the caller should alarm.
	KindFatal
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	case KindScene:
		return "scene"
	case KindPersistence:
		return "persistence"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// HTTPStatus maps the kind to a REST status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified command failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError classifies an underlying error.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to fatal
// for unclassified errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindFatal
}
