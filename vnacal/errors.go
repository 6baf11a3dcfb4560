// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vnacal

import (
	"errors"
	"fmt"
)

// Sentinel failures recognized with errors.Is.
var (
	// ErrInvalidDimensions reports a layout whose row/column ordering
	// violates the model family: T types need rows ≤ columns, U types
	// need rows ≥ columns.
	ErrInvalidDimensions = errors.New("invalid error-term dimensions")
	// ErrSingularSystem reports a rank-deficient assembled linear system.
	ErrSingularSystem = errors.New("singular linear system")
	// ErrSingularMatrix reports a non-invertible term combination during
	// a V-matrix update.
	ErrSingularMatrix = errors.New("singular matrix")
	// ErrNotEnoughStandards reports fewer independent measurement
	// equations than unknowns, detected before any solve is attempted.
	ErrNotEnoughStandards = errors.New("not enough standards")
	// ErrIterationLimit reports that the nonlinear refinement did not
	// converge within the configured iteration limit.
	ErrIterationLimit = errors.New("iteration limit exceeded")
	// ErrUnsolved reports access to an unknown parameter value before a
	// successful solve.
	ErrUnsolved = errors.New("calibration not solved")
)

// SolveError is the failure returned by Solve, carrying enough context to
// identify the offending standard, frequency and iteration.
type SolveError struct {
	// Reason is one of the sentinel failures above.
	Reason error
	// Standard is the index of the standard that caused the failure,
	// or -1 when the failure is not tied to one standard.
	Standard int
	// FIndex is the frequency index, or -1.
	FIndex int
	// Iteration is the refinement iteration, or -1 for the initial solve.
	Iteration int
}

func (e *SolveError) Error() string {
	s := e.Reason.Error()
	if e.Standard >= 0 {
		s = fmt.Sprintf("%s: standard %d", s, e.Standard)
	}
	if e.FIndex >= 0 {
		s = fmt.Sprintf("%s: frequency %d", s, e.FIndex)
	}
	if e.Iteration >= 0 {
		s = fmt.Sprintf("%s: iteration %d", s, e.Iteration)
	}
	return s
}

func (e *SolveError) Unwrap() error { return e.Reason }

func solveErr(reason error, std, findex, iter int) *SolveError {
	return &SolveError{Reason: reason, Standard: std, FIndex: findex, Iteration: iter}
}
