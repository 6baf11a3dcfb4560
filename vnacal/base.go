// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vnacal derives the systematic error terms of a vector network
// analyzer from measurements of known and partially-known calibration
// standards, and applies the solved terms to correct raw measurements of a
// device under test.
//
// The calibration is posed as an alternating least-squares problem over the
// error terms of one of the classical error models (8, 10, 12, 14 or 16
// term) and the values of any unknown standard parameters, iterated to
// convergence and checked against the configured measurement-error model.
package vnacal

const (
	zero = 0.0
	one  = 1.0
)

// ErrorTermType selects one of the classical VNA error-term models.
// The model determines which named sub-blocks of error terms exist,
// their shapes, and the defining measurement equation.
type ErrorTermType int

const (
	// T8 is the 8-term model M(TxS + Tm) = TsS + Ti with diagonal blocks.
	T8 ErrorTermType = iota + 1
	// U8 is the 8-term model UmM - Ui = S(UxM - Us) with diagonal blocks.
	U8
	// TE10 extends T8 with off-diagonal leakage terms.
	TE10
	// UE10 extends U8 with off-diagonal leakage terms.
	UE10
	// T16 is the 16-term model with full (non-diagonal) blocks.
	T16
	// U16 is the dual 16-term model with full blocks.
	U16
	// UE14 is the 14-term model: one independent column system per
	// driven port, each with diagonal blocks.
	UE14
	// E12 is the classic 12-term model, solved as a normalized alias of
	// UE14 and stored in the per-column el/er/em form.
	E12
)

func (t ErrorTermType) String() string {
	switch t {
	case T8:
		return "T8"
	case U8:
		return "U8"
	case TE10:
		return "TE10"
	case UE10:
		return "UE10"
	case T16:
		return "T16"
	case U16:
		return "U16"
	case UE14:
		return "UE14"
	case E12:
		return "E12"
	}
	return "invalid"
}

// tFamily reports whether the defining equation is the T form
// M(TxS + Tm) = TsS + Ti.
func (t ErrorTermType) tFamily() bool {
	return t == T8 || t == TE10 || t == T16
}

// diagonal reports whether the error-term blocks are diagonal.
func (t ErrorTermType) diagonal() bool {
	return t != T16 && t != U16
}

// leakage reports whether the model carries an off-diagonal leakage block
// estimated outside the linear system.
func (t ErrorTermType) leakage() bool {
	return t == TE10 || t == UE10
}

// perColumn reports whether each driven port forms an independent
// column system.
func (t ErrorTermType) perColumn() bool {
	return t == UE14 || t == E12
}

func (t ErrorTermType) valid() bool {
	return t >= T8 && t <= E12
}
