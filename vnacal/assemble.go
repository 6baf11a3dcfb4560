// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vnacal

import (
	"math"
	"math/cmplx"
)

// The assembler turns measured standards into rows of the linear system for
// one column system's free error terms.
//
// Each usable measurement cell (i,j) contributes one equation derived from
// the defining residual of the model family
//
//	T:  𝐑 = 𝐓𝐬𝐒 + 𝐓𝐢 - 𝐌(𝐓𝐱𝐒 + 𝐓𝐦)
//	U:  𝐑 = 𝐔𝐦𝐌 - 𝐔𝐢 - 𝐒(𝐔𝐱𝐌 - 𝐔𝐬)
//
// On the initial pass the raw residual cell is used. On refinement passes
// the equation is the measurement-space residual (𝐑𝐕)ᵢⱼ for T types and
// (𝐕𝐑)ᵢⱼ for U types, whitening the system around the current estimate: the
// modeled measurement satisfies 𝐌̂ - 𝐌 = 𝐑𝐕 (T) and 𝐌̂ - 𝐌 = -𝐕𝐑 (U).
// The normalized unity term is moved to the right-hand side. Rows are
// scaled by the reciprocal measurement sigma when an error model is
// configured.

// eligible reports whether cell (i,j) of the standard yields an equation:
// every measurement the equation references must have been measured.
func (st *solveState) eligible(msv *msvMatrix, i, j int) bool {
	l := &st.cal.layout
	r, c := l.mRows, l.mColumns
	if !msv.std.mask[i*c+j] {
		return false
	}
	if l.typ.tFamily() {
		if l.typ.diagonal() {
			for _, k := range msv.std.mappedPorts() {
				if k < c && !msv.std.mask[i*c+k] {
					return false
				}
			}
			return true
		}
		for k := 0; k < c; k++ {
			if !msv.std.mask[i*c+k] {
				return false
			}
		}
		return true
	}
	if l.typ.diagonal() {
		for _, a := range msv.std.mappedPorts() {
			if a < r && !msv.std.mask[a*c+j] {
				return false
			}
		}
		return true
	}
	for a := 0; a < r; a++ {
		if !msv.std.mask[a*c+j] {
			return false
		}
	}
	return true
}

// rowWeight is the reciprocal expected sigma of measurement cell (i,j),
// or 1 when no measurement-error model is configured.
func (st *solveState) rowWeight(msv *msvMatrix, i, j int) float64 {
	me := st.cal.cfg.MError
	if me == nil {
		return 1
	}
	sn := me.noise(st.findex)
	tr := me.tracking(st.findex) * cmplx.Abs(msv.m[i*st.cal.layout.mColumns+j])
	return 1 / math.Sqrt(sn*sn+tr*tr)
}

// sysColumns returns the measurement columns feeding the given column
// system: the single driven column for per-column types, all columns
// otherwise.
func (st *solveState) sysColumns(sys int) []int {
	l := &st.cal.layout
	if l.typ.perColumn() {
		return []int{sys}
	}
	cols := make([]int, l.mColumns)
	for j := range cols {
		cols[j] = j
	}
	return cols
}

// countEquations counts the usable equations of one column system across
// all measured standards.
func (st *solveState) countEquations(sys int) int {
	l := &st.cal.layout
	n := 0
	for _, msv := range st.msv {
		for i := 0; i < l.mRows; i++ {
			for _, j := range st.sysColumns(sys) {
				if st.eligible(msv, i, j) {
					n++
				}
			}
		}
	}
	return n
}

// assemble builds the coefficient matrix a (rows × FreeTerms) and right-hand
// side b of one column system. With withV set the rows are V-weighted
// around the current estimate; otherwise the raw residual equations are
// produced (the unknowns-as-zero initial pass).
func (st *solveState) assemble(sys int, withV bool) (a, b []complex128, rows int) {
	l := &st.cal.layout
	nfree := l.FreeTerms()
	for _, msv := range st.msv {
		for i := 0; i < l.mRows; i++ {
			for _, j := range st.sysColumns(sys) {
				if !st.eligible(msv, i, j) {
					continue
				}
				row := make([]complex128, nfree)
				var rhs complex128
				add := func(col int, v complex128) {
					if col < 0 {
						rhs -= v // unity term
					} else {
						row[col] += v
					}
				}
				if l.typ.tFamily() {
					st.tRow(msv, i, j, withV, add)
				} else {
					st.uRow(msv, sys, i, j, withV, add)
				}
				wt := complex(st.rowWeight(msv, i, j), 0)
				for k := range row {
					row[k] *= wt
				}
				a = append(a, row...)
				b = append(b, rhs*wt)
				rows++
			}
		}
	}
	return a, b, rows
}

// tRow emits the coefficients of equation (𝐑𝐕)ᵢⱼ for a T-family system.
func (st *solveState) tRow(msv *msvMatrix, i, j int, withV bool, add func(int, complex128)) {
	l := &st.cal.layout
	c := l.mColumns
	s, mm := msv.s, msv.m
	var v []complex128
	if withV {
		v = msv.v[0]
	}
	for b := 0; b < c; b++ {
		var w complex128
		if withV {
			w = v[b*c+j]
		} else if b == j {
			w = one
		}
		if w == 0 {
			continue
		}
		// + Σₐ Ts[i,a]·S[a,b]
		for aa := 0; aa < c; aa++ {
			widx := l.ts.index(i, aa)
			if widx < 0 {
				continue
			}
			if sv := s[aa*c+b]; sv != 0 {
				add(st.xcol(0, widx), sv*w)
			}
		}
		// + Ti[i,b]
		if widx := l.ti.index(i, b); widx >= 0 {
			add(st.xcol(0, widx), w)
		}
		// - Σₖ M[i,k]·(Σₐ Tx[k,a]·S[a,b] + Tm[k,b])
		for k := 0; k < c; k++ {
			mk := mm[i*c+k]
			if mk == 0 {
				continue
			}
			for aa := 0; aa < c; aa++ {
				widx := l.tx.index(k, aa)
				if widx < 0 {
					continue
				}
				if sv := s[aa*c+b]; sv != 0 {
					add(st.xcol(0, widx), -mk*sv*w)
				}
			}
			if widx := l.tm.index(k, b); widx >= 0 {
				add(st.xcol(0, widx), -mk*w)
			}
		}
	}
}

// uRow emits the coefficients of equation (𝐕𝐑)ᵢⱼ for a U-family system.
func (st *solveState) uRow(msv *msvMatrix, sys, i, j int, withV bool, add func(int, complex128)) {
	l := &st.cal.layout
	r, c := l.mRows, l.mColumns
	s, mm := msv.s, msv.m
	var v []complex128
	if withV {
		v = msv.v[sys]
	}
	for aa := 0; aa < r; aa++ {
		var w complex128
		if withV {
			w = v[i*r+aa]
		} else if aa == i {
			w = one
		}
		if w == 0 {
			continue
		}
		// + Σₖ Um[a,k]·M[k,j]
		for k := 0; k < r; k++ {
			widx := l.um.index(aa, k)
			if widx < 0 {
				continue
			}
			if mk := mm[k*c+j]; mk != 0 {
				add(st.xcol(sys, widx), mk*w)
			}
		}
		// - Ui[a,j]
		uidx := -1
		if l.typ.perColumn() {
			uidx = l.ui.index(aa, 0)
		} else {
			uidx = l.ui.index(aa, j)
		}
		if uidx >= 0 {
			add(st.xcol(sys, uidx), -w)
		}
		// - Σᵦ S[a,b]·(Σₖ Ux[b,k]·M[k,j] - Us[b,j])
		for b := 0; b < r; b++ {
			sv := s[aa*r+b]
			if sv == 0 {
				continue
			}
			for k := 0; k < r; k++ {
				widx := l.ux.index(b, k)
				if widx < 0 {
					continue
				}
				if mk := mm[k*c+j]; mk != 0 {
					add(st.xcol(sys, widx), -sv*mk*w)
				}
			}
			sidx := -1
			if l.typ.perColumn() {
				if b == sys {
					sidx = l.us.index(0, 0)
				}
			} else {
				sidx = l.us.index(b, j)
			}
			if sidx >= 0 {
				add(st.xcol(sys, sidx), sv*w)
			}
		}
	}
}
