// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vnacal

import "fmt"

// block describes one named sub-matrix of error terms packed into the flat
// per-frequency term vector: its logical shape, whether only the diagonal is
// stored, and its starting offset within one column system.
type block struct {
	rows, cols int
	offset     int
	diag       bool
}

// terms is the number of stored elements of the block.
func (b block) terms() int {
	if b.diag {
		return min(b.rows, b.cols)
	}
	return b.rows * b.cols
}

// index returns the within-system offset of element (i,j), or -1 when the
// element is structurally zero (off-diagonal of a diagonal block).
func (b block) index(i, j int) int {
	if b.diag {
		if i != j {
			return -1
		}
		return b.offset + i
	}
	return b.offset + i*b.cols + j
}

// Layout is the computed offset table of an error-term model: for a given
// (type, mRows, mColumns) it fixes the total term count and the position of
// every named sub-block inside the flat per-frequency error-term vector.
// A Layout is immutable and safely shared.
//
// For per-column types (UE14, E12) each driven port owns an independent
// column system of sysTerms terms; block offsets are relative to the system
// base sys × SysTerms().
type Layout struct {
	typ              ErrorTermType
	mRows, mColumns  int
	ts, ti, tx, tm   block // T family
	um, ui, ux, us   block // U family
	el               block // TE10/UE10 leakage, estimated outside the system
	el12, er12, em12 block // E12 storage form
	systems          int
	sysTerms         int
	elTerms          int
}

// ComputeLayout derives the layout for the given model type and VNA
// detector/driver port counts. It fails with ErrInvalidDimensions when the
// ordering inequality of the family is violated: T types need
// mRows ≤ mColumns, U types need mRows ≥ mColumns.
func ComputeLayout(typ ErrorTermType, mRows, mColumns int) (Layout, error) {
	if !typ.valid() || mRows < 1 || mColumns < 1 {
		return Layout{}, fmt.Errorf("%w: %s %dx%d", ErrInvalidDimensions, typ, mRows, mColumns)
	}
	if typ.tFamily() && mRows > mColumns {
		return Layout{}, fmt.Errorf("%w: %s requires rows <= columns", ErrInvalidDimensions, typ)
	}
	if !typ.tFamily() && mRows < mColumns {
		return Layout{}, fmt.Errorf("%w: %s requires rows >= columns", ErrInvalidDimensions, typ)
	}

	l := Layout{typ: typ, mRows: mRows, mColumns: mColumns, systems: 1}
	r, c := mRows, mColumns
	off := 0
	next := func(b *block, rows, cols int, diag bool) {
		*b = block{rows: rows, cols: cols, offset: off, diag: diag}
		off += b.terms()
	}

	switch typ {
	case T8, TE10, T16:
		diag := typ != T16
		next(&l.ts, r, c, diag)
		next(&l.ti, r, c, diag)
		next(&l.tx, c, c, diag)
		next(&l.tm, c, c, diag)
		l.sysTerms = off
	case U8, UE10, U16:
		diag := typ != U16
		next(&l.um, r, r, diag)
		next(&l.ui, r, c, diag)
		next(&l.ux, r, r, diag)
		next(&l.us, r, c, diag)
		l.sysTerms = off
	case UE14:
		next(&l.um, r, r, true)
		next(&l.ui, r, 1, false)
		next(&l.ux, r, r, true)
		next(&l.us, 1, 1, false)
		l.sysTerms = off
		l.systems = c
	case E12:
		next(&l.el12, r, 1, false)
		next(&l.er12, r, 1, false)
		next(&l.em12, r, 1, false)
		l.sysTerms = off
		l.systems = c
	}

	if typ.leakage() {
		l.el = block{rows: r, cols: c, offset: l.systems * l.sysTerms}
		l.elTerms = r*c - min(r, c)
	}
	return l, nil
}

// Type returns the error-term model type of the layout.
func (l *Layout) Type() ErrorTermType { return l.typ }

// MRows returns the VNA detector port count.
func (l *Layout) MRows() int { return l.mRows }

// MColumns returns the VNA driver port count.
func (l *Layout) MColumns() int { return l.mColumns }

// Ports returns the VNA port count max(mRows, mColumns).
func (l *Layout) Ports() int { return max(l.mRows, l.mColumns) }

// Terms returns the total error-term count per frequency, all systems and
// the leakage block included.
func (l *Layout) Terms() int { return l.systems*l.sysTerms + l.elTerms }

// Systems returns the number of independent column systems: mColumns for
// UE14/E12, 1 otherwise.
func (l *Layout) Systems() int { return l.systems }

// SysTerms returns the term count of one column system, the unity term
// included and the leakage block excluded.
func (l *Layout) SysTerms() int { return l.sysTerms }

// FreeTerms returns the number of free unknowns of one column system:
// one term per system is normalized to unity and is not solved for.
func (l *Layout) FreeTerms() int { return l.sysTerms - 1 }

// UnityOffset returns the global index of the term fixed to 1.0 in the
// given column system: tm[0] for T types, um[0] for U types, and the driven
// port's own diagonal position of um for UE14.
func (l *Layout) UnityOffset(sys int) int {
	switch {
	case l.typ == E12:
		panic("vnacal: E12 storage layout has no unity term")
	case l.typ.tFamily():
		return l.tm.offset
	case l.typ.perColumn():
		return sys*l.sysTerms + l.um.offset + sys
	default:
		return l.um.offset
	}
}

// ElTerms returns the leakage term count (0 unless TE10/UE10).
func (l *Layout) ElTerms() int { return l.elTerms }

// ElOffset returns the starting offset of the leakage block.
func (l *Layout) ElOffset() int { return l.el.offset }

// ElIndex returns the global index of leakage term (i,j), or -1 on the
// diagonal where no leakage term exists.
func (l *Layout) ElIndex(i, j int) int {
	if !l.typ.leakage() || i == j {
		return -1
	}
	// Row-major enumeration of the off-diagonal cells.
	idx := 0
	for k := 0; k < l.mRows; k++ {
		for m := 0; m < l.mColumns; m++ {
			if k == m {
				continue
			}
			if k == i && m == j {
				return l.el.offset + idx
			}
			idx++
		}
	}
	return -1
}

// T-family block accessors. They panic when the layout is not a T type,
// matching the misuse contract of the workspace slicing helpers.

func (l *Layout) tBlock(b block) block {
	if !l.typ.tFamily() {
		panic("vnacal: not a T-family layout")
	}
	return b
}

func (l *Layout) TsOffset() int  { return l.tBlock(l.ts).offset }
func (l *Layout) TsRows() int    { return l.tBlock(l.ts).rows }
func (l *Layout) TsColumns() int { return l.tBlock(l.ts).cols }
func (l *Layout) TiOffset() int  { return l.tBlock(l.ti).offset }
func (l *Layout) TiRows() int    { return l.tBlock(l.ti).rows }
func (l *Layout) TiColumns() int { return l.tBlock(l.ti).cols }
func (l *Layout) TxOffset() int  { return l.tBlock(l.tx).offset }
func (l *Layout) TxRows() int    { return l.tBlock(l.tx).rows }
func (l *Layout) TxColumns() int { return l.tBlock(l.tx).cols }
func (l *Layout) TmOffset() int  { return l.tBlock(l.tm).offset }
func (l *Layout) TmRows() int    { return l.tBlock(l.tm).rows }
func (l *Layout) TmColumns() int { return l.tBlock(l.tm).cols }

// U-family block accessors take the column system index; pass 0 for the
// single-system types.

func (l *Layout) uBlock(b block, sys int) block {
	if l.typ.tFamily() || l.typ == E12 {
		panic("vnacal: not a U-family layout")
	}
	if sys < 0 || sys >= l.systems {
		panic("vnacal: system index out of range")
	}
	b.offset += sys * l.sysTerms
	return b
}

func (l *Layout) UmOffset(sys int) int { return l.uBlock(l.um, sys).offset }
func (l *Layout) UmRows() int          { return l.um.rows }
func (l *Layout) UmColumns() int       { return l.um.cols }
func (l *Layout) UiOffset(sys int) int { return l.uBlock(l.ui, sys).offset }
func (l *Layout) UiRows() int          { return l.ui.rows }
func (l *Layout) UiColumns() int       { return l.ui.cols }
func (l *Layout) UxOffset(sys int) int { return l.uBlock(l.ux, sys).offset }
func (l *Layout) UxRows() int          { return l.ux.rows }
func (l *Layout) UxColumns() int       { return l.ux.cols }
func (l *Layout) UsOffset(sys int) int { return l.uBlock(l.us, sys).offset }
func (l *Layout) UsRows() int          { return l.us.rows }
func (l *Layout) UsColumns() int       { return l.us.cols }

// E12 storage block accessors.

func (l *Layout) eBlock(b block, sys int) block {
	if l.typ != E12 {
		panic("vnacal: not an E12 layout")
	}
	if sys < 0 || sys >= l.systems {
		panic("vnacal: system index out of range")
	}
	b.offset += sys * l.sysTerms
	return b
}

func (l *Layout) El12Offset(sys int) int { return l.eBlock(l.el12, sys).offset }
func (l *Layout) Er12Offset(sys int) int { return l.eBlock(l.er12, sys).offset }
func (l *Layout) Em12Offset(sys int) int { return l.eBlock(l.em12, sys).offset }

// NeededStandards returns the minimum number of measured standards required
// to determine all free error terms of the model, assuming each standard
// contributes its full complement of measurement equations. A 1×1 layout
// needs exactly 3 standards for every type.
func NeededStandards(typ ErrorTermType, mRows, mColumns int) (int, error) {
	solve := typ
	if solve == E12 {
		solve = UE14
	}
	l, err := ComputeLayout(solve, mRows, mColumns)
	if err != nil {
		return 0, err
	}
	eqs := mRows * mColumns // equations one standard adds per frequency
	if typ.perColumn() {
		eqs = mRows // per column system
	}
	return (l.FreeTerms() + eqs - 1) / eqs, nil
}
