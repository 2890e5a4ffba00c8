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

// Package errors defines the error kinds shared across the request lifecycle
// components. Backends and handlers classify failures into one of these kinds;
// the frontend maps kinds onto HTTP status codes at the edge.
package errors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidArgument    Kind = "InvalidArgument"
	KindUnauthorized       Kind = "Unauthorized"
	KindForbidden          Kind = "Forbidden"
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
	KindServiceUnavailable Kind = "ServiceUnavailable"
	KindInternal           Kind = "Internal"
)

// Error is an error tagged with a kind. The kind survives wrapping with
// fmt.Errorf("...%w") so classification helpers work at any depth.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string {
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Kind() Kind {
	return e.kind
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

func InvalidArgument(format string, args ...interface{}) *Error {
	return newError(KindInvalidArgument, format, args...)
}

func Unauthorized(format string, args ...interface{}) *Error {
	return newError(KindUnauthorized, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return newError(KindForbidden, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newError(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newError(KindConflict, format, args...)
}

func ServiceUnavailable(format string, args ...interface{}) *Error {
	return newError(KindServiceUnavailable, format, args...)
}

func Internal(format string, args ...interface{}) *Error {
	return newError(KindInternal, format, args...)
}

// KindOf returns the kind of the error, walking the wrap chain. Untagged
// errors classify as Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind()
	}
	return KindInternal
}

func is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind() == kind
	}
	return false
}

// IsInvalidArgument returns true if the error is tagged InvalidArgument (even if it's wrapped)
func IsInvalidArgument(err error) bool {
	return is(err, KindInvalidArgument)
}

// IsUnauthorized returns true if the error is tagged Unauthorized (even if it's wrapped)
func IsUnauthorized(err error) bool {
	return is(err, KindUnauthorized)
}

// IsForbidden returns true if the error is tagged Forbidden (even if it's wrapped)
func IsForbidden(err error) bool {
	return is(err, KindForbidden)
}

// IsNotFound returns true if the error is tagged NotFound (even if it's
// wrapped) as opposed to a more serious or unexpected error
func IsNotFound(err error) bool {
	return is(err, KindNotFound)
}

// IsConflict returns true if the error is tagged Conflict (even if it's wrapped)
func IsConflict(err error) bool {
	return is(err, KindConflict)
}

// IsServiceUnavailable returns true if the error is tagged ServiceUnavailable
// (even if it's wrapped). Callers treat these as retriable.
func IsServiceUnavailable(err error) bool {
	return is(err, KindServiceUnavailable)
}
