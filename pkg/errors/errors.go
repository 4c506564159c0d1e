/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors defines the domain error taxonomy. Handlers and API layers
// branch on Kind instead of string matching; HTTP status codes derive from it.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation        Kind = "Validation"
	KindNotFound          Kind = "NotFound"
	KindForbidden         Kind = "Forbidden"
	KindConflict          Kind = "Conflict"
	KindTransientExternal Kind = "TransientExternal"
	KindPermanentExternal Kind = "PermanentExternal"
	KindInternal          Kind = "Internal"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, "invalid_request", format, args...)
}

func NotFound(resource, id string) *Error {
	return New(KindNotFound, "not_found", "%s %q not found", resource, id)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, "forbidden", format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, "conflict", format, args...)
}

func Transient(err error, format string, args ...any) *Error {
	return Wrap(err, KindTransientExternal, "transient_external", format, args...)
}

func Permanent(err error, format string, args ...any) *Error {
	return Wrap(err, KindPermanentExternal, "permanent_external", format, args...)
}

func Internal(err error, format string, args ...any) *Error {
	return Wrap(err, KindInternal, "internal", format, args...)
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsNotFound(err error) bool  { return IsKind(err, KindNotFound) }
func IsConflict(err error) bool  { return IsKind(err, KindConflict) }
func IsTransient(err error) bool { return IsKind(err, KindTransientExternal) }

// HTTPStatus maps the error kind to a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindTransientExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code extracts the machine-readable code for the API envelope.
func Code(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "internal"
}
