// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mps

import (
	"fmt"

	baseerrors "github.com/grailbio/base/errors"
)

// Kind is the error taxonomy every propagated error is classified into. It
// is not a type hierarchy; every propagated error names exactly one Kind.
type Kind string

const (
	// KindMemory: out of virtual address space or committed memory.
	// Propagated; the arena may retry after collection.
	KindMemory Kind = "memory"
	// KindResource: a bounded resource (trace slot, zone) exhausted.
	// Propagated; caller may park and retry.
	KindResource Kind = "resource"
	// KindParam: contract violation by the caller.
	KindParam Kind = "param"
	// KindFail: the operation did not apply, but this is not an error (e.g.
	// "this access cannot be single-scanned"); caller falls back.
	KindFail Kind = "fail"
	// KindUnimpl: assertion target, indicates a programming error (a pool
	// class method invoked on a pool that does not support it).
	KindUnimpl Kind = "unimpl"
)

// Error pairs a Kind with the underlying base/errors error, so callers can
// switch on Kind without parsing messages.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

// ErrKind returns the error kind of err, or "" if err does not carry one.
func ErrKind(err error) Kind {
	var e *Error
	for err != nil {
		if ek, ok := err.(*Error); ok {
			e = ek
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return ""
	}
	return e.kind
}

// E constructs an error of the given kind, formatting args with base/errors'
// E, which accepts a mix of strings, errors, and detail values.
func E(kind Kind, args ...interface{}) error {
	return &Error{kind: kind, err: baseerrors.E(args...)}
}

// Errorf constructs an error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, err: baseerrors.E(fmt.Sprintf(format, args...))}
}

// IsFail reports whether err is a KindFail sentinel: not an error, just a
// signal for the caller to fall back (e.g. retry a Reserve after a Fill).
func IsFail(err error) bool { return ErrKind(err) == KindFail }
