// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vnacal

import (
	"github.com/curioloop/vnacal/cmat"
)

// msvMatrix pairs one measured standard with its per-system V matrices: the
// auxiliary inverses linearizing the standard's measurement equation around
// the current error-term estimate.
type msvMatrix struct {
	std      *Standard
	stdIndex int
	// m is the leakage-subtracted measurement, mRows × mColumns.
	m []complex128
	// s is the current S value matrix in VNA space, refreshed whenever a
	// parameter estimate changes.
	s []complex128
	// v holds one V matrix per column system:
	// (Tx·S + Tm)⁻¹ for T types, (Um − S·Ux)⁻¹ for U types.
	v [][]complex128
}

// termSet is the dense expansion of one column system's error terms,
// including the unity term. Only the blocks of the layout's family are
// populated.
type termSet struct {
	ts, ti, tx, tm []complex128 // r×c, r×c, c×c, c×c
	um, ui, ux, us []complex128 // r×r, r×c, r×r, r×c
}

// term returns the value of the term at within-system index widx for the
// given system: 1 for the normalized unity term, the current estimate
// otherwise.
func (st *solveState) term(sys, widx int) complex128 {
	l := &st.cal.layout
	unity := l.UnityOffset(sys) - sys*l.SysTerms()
	switch {
	case widx == unity:
		return one
	case widx > unity:
		return st.x[sys][widx-1]
	default:
		return st.x[sys][widx]
	}
}

// xcol maps a within-system term index to its column in the free-term
// vector, or -1 for the unity term.
func (st *solveState) xcol(sys, widx int) int {
	l := &st.cal.layout
	unity := l.UnityOffset(sys) - sys*l.SysTerms()
	switch {
	case widx == unity:
		return -1
	case widx > unity:
		return widx - 1
	default:
		return widx
	}
}

// denseTerms expands the current estimate of one column system into dense
// matrices. For the per-column types the ui and us vectors are placed into
// the driven column so the U-family equations read uniformly.
func (st *solveState) denseTerms(sys int) *termSet {
	l := &st.cal.layout
	r, c := l.mRows, l.mColumns
	set := new(termSet)

	if l.typ.tFamily() {
		set.ts = make([]complex128, r*c)
		set.ti = make([]complex128, r*c)
		set.tx = make([]complex128, c*c)
		set.tm = make([]complex128, c*c)
		st.fillBlock(set.ts, l.ts, c, sys, -1)
		st.fillBlock(set.ti, l.ti, c, sys, -1)
		st.fillBlock(set.tx, l.tx, c, sys, -1)
		st.fillBlock(set.tm, l.tm, c, sys, -1)
		return set
	}

	set.um = make([]complex128, r*r)
	set.ui = make([]complex128, r*c)
	set.ux = make([]complex128, r*r)
	set.us = make([]complex128, r*c)
	st.fillBlock(set.um, l.um, r, sys, -1)
	st.fillBlock(set.ux, l.ux, r, sys, -1)
	if l.typ.perColumn() {
		st.fillBlock(set.ui, l.ui, c, sys, sys)
		st.fillBlock(set.us, l.us, c, sys, sys)
	} else {
		st.fillBlock(set.ui, l.ui, c, sys, -1)
		st.fillBlock(set.us, l.us, c, sys, -1)
	}
	return set
}

// fillBlock writes the block's terms into a dense row-major matrix with the
// given column stride. When col is non-negative the block is a per-column
// vector placed into that column; for the 1×1 us block of UE14 the single
// term lands on the driven row.
func (st *solveState) fillBlock(dst []complex128, b block, stride, sys, col int) {
	for i := 0; i < b.rows; i++ {
		for j := 0; j < b.cols; j++ {
			w := b.index(i, j)
			if w < 0 {
				continue
			}
			v := st.term(sys, w)
			row, cc := i, j
			if col >= 0 {
				cc = col
				if b.rows == 1 { // us scalar sits on the driven row
					row = col
				}
			}
			dst[row*stride+cc] = v
		}
	}
}

// updateV recomputes the V matrix of one measured standard for one column
// system from the current error-term estimate:
//
//	T types:  𝐕 = (𝐓𝐱𝐒 + 𝐓𝐦)⁻¹        (mColumns × mColumns)
//	U types:  𝐕 = (𝐔𝐦 - 𝐒𝐔𝐱)⁻¹        (mRows × mRows)
//
// Known S cells contribute their (current) values; cells still unknown
// contribute their running estimate, zero before the first refinement.
// A non-invertible combination fails with ErrSingularMatrix.
func (st *solveState) updateV(msv *msvMatrix, sys int) error {
	l := &st.cal.layout
	r, c := l.mRows, l.mColumns
	set := st.denseTerms(sys)

	if l.typ.tFamily() {
		a := make([]complex128, c*c)
		cmat.Mul(a, set.tx, msv.s, c, c, c)
		for i := range a {
			a[i] += set.tm[i]
		}
		v := make([]complex128, c*c)
		if cmat.Inv(v, a, c) == 0 {
			return ErrSingularMatrix
		}
		msv.v[sys] = v
		return nil
	}

	a := make([]complex128, r*r)
	cmat.Mul(a, msv.s, set.ux, r, r, r)
	for i := range a {
		a[i] = set.um[i] - a[i]
	}
	v := make([]complex128, r*r)
	if cmat.Inv(v, a, r) == 0 {
		return ErrSingularMatrix
	}
	msv.v[sys] = v
	return nil
}

// updateVAll refreshes the V matrices of every measured standard across all
// column systems, validating that the free-term vectors cover
// systems × (sysTerms - 1) unknowns.
func (st *solveState) updateVAll(iter int) error {
	l := &st.cal.layout
	total := 0
	for _, x := range st.x {
		total += len(x)
	}
	if total != l.Systems()*l.FreeTerms() {
		panic("vnacal: free-term vector length mismatch")
	}
	for _, msv := range st.msv {
		for sys := 0; sys < l.Systems(); sys++ {
			if err := st.updateV(msv, sys); err != nil {
				return solveErr(err, msv.stdIndex, st.findex, iter)
			}
		}
	}
	return nil
}
