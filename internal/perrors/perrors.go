// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package perrors implements the error taxonomy of the orchestrator: a
// closed set of Kinds that callers branch on, plus a Join combinator for
// collect-many paths that report every failure instead of the first.
package perrors

import (
	"errors"
	"fmt"
)

// Kind is the taxonomy of error categories the orchestrator distinguishes.
type Kind int

const (
	// ConfigError marks invalid workspace paths, missing roots, bad thresholds.
	ConfigError Kind = iota
	// IndexError marks a per-file header/metadata parse failure. Never fatal for the index as a whole.
	IndexError
	// PlanError marks a recoverable planning failure: no eligible masters for a light,
	// or no eligible dark-flat for a flat.
	PlanError
	// StageError marks a per-group IPE primitive failure. Other groups continue.
	StageError
	// StageFatal marks a condition with no correct resumption without operator action:
	// missing reference file, empty or overfull TOP-N folder, missing drizzle sidecar.
	StageFatal
	// CancelledError marks cooperative cancellation.
	CancelledError
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case IndexError:
		return "IndexError"
	case PlanError:
		return "PlanError"
	case StageError:
		return "StageError"
	case StageFatal:
		return "StageFatal"
	case CancelledError:
		return "CancelledError"
	default:
		return "UnknownError"
	}
}

// Error is a taxonomy-tagged error carrying a human-readable reason and an
// optional operator remediation hint.
type Error struct {
	Kind       Kind
	Reason     string
	Remedy     string
	Underlying error
}

func (e *Error) Error() string {
	if e.Remedy != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Reason, e.Remedy)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Underlying }

// New builds a taxonomy error with no remediation hint.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf builds a taxonomy error from a format string.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WithRemedy attaches an operator remediation hint.
func WithRemedy(kind Kind, reason, remedy string) *Error {
	return &Error{Kind: kind, Reason: reason, Remedy: remedy}
}

// Wrap tags an existing error with a taxonomy kind, preserving it for errors.Is/As.
func Wrap(kind Kind, underlying error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Underlying: underlying}
}

// Is reports whether the first *Error in err's chain has the given Kind.
// Kinds of *Error values wrapped deeper inside that one are not consulted.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// Join combines multiple non-nil errors into one, for the collect-many
// paths that must report every failure instead of the first.
func Join(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		msgs := make([]string, len(nonNil))
		for i, e := range nonNil {
			msgs[i] = e.Error()
		}
		joined := errors.Join(nonNil...)
		return &Error{Kind: StageError, Reason: fmt.Sprintf("multiple errors: %v", msgs), Underlying: joined}
	}
}
