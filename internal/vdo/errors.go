// Copyright 2026 The VDO Authors
// This file is part of the vdo library.
//
// The vdo library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The vdo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the vdo library. If not, see <http://www.gnu.org/licenses/>.

// Package vdo holds the types, error taxonomy and configuration shared by
// every package implementing the write-path core: logical/physical block
// numbers, the operation and mapping-state enums, and the sentinel error
// kinds of the propagation policy.
package vdo

import "errors"

// Kind classifies an error by the propagation policy it is subject to.
// Names are semantic, not Go types, mirroring the teacher's sentinel-error
// style (triedb/pathdb/journal.go's errMissJournal, errUnexpectedVersion).
type Kind int

const (
	// KindNone is the zero value; never returned from a failing call.
	KindNone Kind = iota
	KindNoSpace
	KindOutOfRange
	KindInvalidAdminState
	KindReadOnly
	KindIoError
	KindMetadataCorruption
	KindParameterMismatch
	KindComponentBusy
)

func (k Kind) String() string {
	switch k {
	case KindNoSpace:
		return "NoSpace"
	case KindOutOfRange:
		return "OutOfRange"
	case KindInvalidAdminState:
		return "InvalidAdminState"
	case KindReadOnly:
		return "ReadOnly"
	case KindIoError:
		return "IoError"
	case KindMetadataCorruption:
		return "MetadataCorruption"
	case KindParameterMismatch:
		return "ParameterMismatch"
	case KindComponentBusy:
		return "ComponentBusy"
	default:
		return "None"
	}
}

// Error wraps a Kind with the underlying cause, if any. It implements
// Unwrap so errors.Is/errors.As work against the sentinel kinds below.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is the sentinel for e's Kind, so callers can
// write errors.Is(err, vdo.ErrNoSpace) without type-asserting *Error.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*sentinel)
	return ok && sentinel.kind == e.Kind
}

// sentinel is a comparable marker usable with errors.Is.
type sentinel struct{ kind Kind }

func (s *sentinel) Error() string { return s.kind.String() }

var (
	ErrNoSpace            = &sentinel{KindNoSpace}
	ErrOutOfRange         = &sentinel{KindOutOfRange}
	ErrInvalidAdminState  = &sentinel{KindInvalidAdminState}
	ErrReadOnly           = &sentinel{KindReadOnly}
	ErrIoError            = &sentinel{KindIoError}
	ErrMetadataCorruption = &sentinel{KindMetadataCorruption}
	ErrParameterMismatch  = &sentinel{KindParameterMismatch}
	ErrComponentBusy      = &sentinel{KindComponentBusy}
)

// New builds an *Error of the given kind wrapping cause, which may be nil.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error or one of
// the sentinels below, else KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var s *sentinel
	if errors.As(err, &s) {
		return s.kind
	}
	return KindNone
}

// IsMetadata reports whether err's kind is one that must transition the
// device to read-only mode per spec.md §7 (IoError or MetadataCorruption
// on a metadata block).
func IsMetadata(err error) bool {
	k := KindOf(err)
	return k == KindIoError || k == KindMetadataCorruption
}
