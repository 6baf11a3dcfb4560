// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vnacal

import (
	"errors"
	"fmt"

	"github.com/curioloop/vnacal/cmat"
)

// The apply engine corrects raw DUT measurements with a solved calibration:
//
//	T family:     (𝐌𝐓𝐱 - 𝐓𝐬)𝐒 = 𝐓𝐢 - 𝐌𝐓𝐦
//	U family:     𝐒 = (𝐔𝐦𝐌 - 𝐔𝐢)(𝐔𝐱𝐌 - 𝐔𝐬)⁻¹
//	UE14 / E12:   𝐒𝐐 = 𝐏 column-wise, 𝐩ⱼ = 𝐮𝐦∘𝐦ⱼ - 𝐮𝐢, 𝐪ⱼ = 𝐮𝐱∘𝐦ⱼ - 𝑢𝑠·𝐞ⱼ
//
// Leakage models subtract the stored off-diagonal terms first. Apply reads
// the Calibration without mutating it.

// storedSet expands the stored term vector of one frequency into dense
// matrices, exactly as the solver's working set lays them out. Valid for
// the single-system types only.
func (cb *Calibration) storedSet(findex int) *termSet {
	l := &cb.layout
	r, c := l.mRows, l.mColumns
	terms := cb.terms[findex]
	set := new(termSet)
	fill := func(dst []complex128, b block, stride int) {
		for i := 0; i < b.rows; i++ {
			for j := 0; j < b.cols; j++ {
				if w := b.index(i, j); w >= 0 {
					dst[i*stride+j] = terms[w]
				}
			}
		}
	}
	if l.typ.tFamily() {
		set.ts = make([]complex128, r*c)
		set.ti = make([]complex128, r*c)
		set.tx = make([]complex128, c*c)
		set.tm = make([]complex128, c*c)
		fill(set.ts, l.ts, c)
		fill(set.ti, l.ti, c)
		fill(set.tx, l.tx, c)
		fill(set.tm, l.tm, c)
	} else {
		set.um = make([]complex128, r*r)
		set.ui = make([]complex128, r*c)
		set.ux = make([]complex128, r*r)
		set.us = make([]complex128, r*c)
		fill(set.um, l.um, r)
		fill(set.ui, l.ui, c)
		fill(set.ux, l.ux, r)
		fill(set.us, l.us, c)
	}
	return set
}

// ue14Terms returns the per-column diagonal terms (um, ui, ux, us) of one
// driven column, reading UE14 storage directly or inverting the E12
// reparametrization. The ok result is false when the E12 form is degenerate.
func (cb *Calibration) ue14Terms(findex, sys int) (um, ui, ux []complex128, us complex128, ok bool) {
	l := &cb.layout
	r := l.mRows
	terms := cb.terms[findex]
	um = make([]complex128, r)
	ui = make([]complex128, r)
	ux = make([]complex128, r)
	if l.typ == UE14 {
		base := sys * l.sysTerms
		copy(um, terms[base+l.um.offset:])
		copy(ui, terms[base+l.ui.offset:])
		copy(ux, terms[base+l.ux.offset:])
		return um, ui, ux, terms[base+l.us.offset], true
	}
	el := terms[l.El12Offset(sys) : l.El12Offset(sys)+r]
	er := terms[l.Er12Offset(sys) : l.Er12Offset(sys)+r]
	em := terms[l.Em12Offset(sys) : l.Em12Offset(sys)+r]
	us = em[sys]*el[sys] - er[sys]
	if us == 0 {
		return nil, nil, nil, 0, false
	}
	for i := 0; i < r; i++ {
		den := em[i]*el[i] - er[i]
		if den == 0 {
			return nil, nil, nil, 0, false
		}
		um[i] = us / den
		ui[i] = el[i] * um[i]
		ux[i] = em[i] * um[i]
	}
	return um, ui, ux, us, true
}

// storedEl returns the dense mRows × mColumns leakage matrix, all zero for
// the leakage-free types.
func (cb *Calibration) storedEl(findex int) []complex128 {
	l := &cb.layout
	r, c := l.mRows, l.mColumns
	el := make([]complex128, r*c)
	if !l.typ.leakage() {
		return el
	}
	terms := cb.terms[findex]
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if idx := l.ElIndex(i, j); idx >= 0 {
				el[i*c+j] = terms[idx]
			}
		}
	}
	return el
}

// Apply corrects a raw mRows × mColumns DUT measurement at the given
// frequency index and returns the DUT S-parameters in the full
// Ports() × Ports() dimensions. It fails with ErrSingularMatrix when the
// correction system cannot be solved.
func (cb *Calibration) Apply(findex int, m []complex128, mRows, mCols int) ([]complex128, error) {
	l := &cb.layout
	r, c := l.mRows, l.mColumns
	if findex < 0 || findex >= len(cb.frequencies) {
		return nil, fmt.Errorf("vnacal: frequency index %d out of range", findex)
	}
	if mRows != r || mCols != c || len(m) != r*c {
		return nil, fmt.Errorf("vnacal: measurement must be %dx%d", r, c)
	}

	mm := make([]complex128, r*c)
	copy(mm, m)
	if l.typ.leakage() {
		el := cb.storedEl(findex)
		for i := range mm {
			mm[i] -= el[i]
		}
	}

	if l.typ.perColumn() {
		return cb.applyPerColumn(findex, mm)
	}
	set := cb.storedSet(findex)
	if l.typ.tFamily() {
		return applyT(set, mm, r, c)
	}
	return applyU(set, mm, r, c)
}

func applyT(set *termSet, m []complex128, r, c int) ([]complex128, error) {
	// (𝐌𝐓𝐱 - 𝐓𝐬)𝐒 = 𝐓𝐢 - 𝐌𝐓𝐦, 𝐒 is c×c.
	a := make([]complex128, r*c)
	cmat.Mul(a, m, set.tx, r, c, c)
	for i := range a {
		a[i] -= set.ts[i]
	}
	b := make([]complex128, r*c)
	cmat.Mul(b, m, set.tm, r, c, c)
	for i := range b {
		b[i] = set.ti[i] - b[i]
	}
	s := make([]complex128, c*c)
	if r == c {
		if cmat.LeftDiv(s, a, b, c, c) == 0 {
			return nil, ErrSingularMatrix
		}
		return s, nil
	}
	if cmat.Lstsq(s, a, b, r, c, c) < min(r, c) {
		return nil, ErrSingularMatrix
	}
	return s, nil
}

func applyU(set *termSet, m []complex128, r, c int) ([]complex128, error) {
	// 𝐒(𝐔𝐱𝐌 - 𝐔𝐬) = 𝐔𝐦𝐌 - 𝐔𝐢, 𝐒 is r×r.
	num := make([]complex128, r*c)
	cmat.Mul(num, set.um, m, r, r, c)
	for i := range num {
		num[i] -= set.ui[i]
	}
	den := make([]complex128, r*c)
	cmat.Mul(den, set.ux, m, r, r, c)
	for i := range den {
		den[i] -= set.us[i]
	}
	return solveRight(num, den, r, c)
}

// applyPerColumn corrects with the per-column systems: each driven column j
// supplies 𝐩ⱼ = 𝐮𝐦∘𝐦ⱼ - 𝐮𝐢 and 𝐪ⱼ = 𝐮𝐱∘𝐦ⱼ - 𝑢𝑠·𝐞ⱼ, and the DUT satisfies
// 𝐒𝐐 = 𝐏 with the columns stacked.
func (cb *Calibration) applyPerColumn(findex int, m []complex128) ([]complex128, error) {
	l := &cb.layout
	r, c := l.mRows, l.mColumns
	p := make([]complex128, r*c)
	q := make([]complex128, r*c)
	for j := 0; j < c; j++ {
		um, ui, ux, us, ok := cb.ue14Terms(findex, j)
		if !ok {
			return nil, ErrSingularMatrix
		}
		for i := 0; i < r; i++ {
			p[i*c+j] = um[i]*m[i*c+j] - ui[i]
			q[i*c+j] = ux[i] * m[i*c+j]
		}
		q[j*c+j] -= us
	}
	return solveRight(p, q, r, c)
}

// solveRight solves 𝐒𝐖 = 𝐕 for the r×r matrix 𝐒 given r×c operands,
// falling back to a minimum-norm solve when the system is not square.
func solveRight(v, w []complex128, r, c int) ([]complex128, error) {
	s := make([]complex128, r*r)
	if r == c {
		if cmat.RightDiv(s, v, w, r, c) == 0 {
			return nil, ErrSingularMatrix
		}
		return s, nil
	}
	wt := make([]complex128, c*r)
	vt := make([]complex128, c*r)
	transpose(wt, w, r, c)
	transpose(vt, v, r, c)
	st := make([]complex128, r*r)
	if cmat.Lstsq(st, wt, vt, c, r, r) < min(r, c) {
		return nil, ErrSingularMatrix
	}
	transpose(s, st, r, r)
	return s, nil
}

// ApplyMapped corrects a DUT occupying a subset of the VNA ports: the
// measurement is given in the DUT's own n×n dimensions and portMap assigns
// each DUT port to a VNA port. Only the diagonal models support sub-block
// extraction; every mapped port must be both drivable and detectable.
func (cb *Calibration) ApplyMapped(findex int, m []complex128, portMap []int) ([]complex128, error) {
	l := &cb.layout
	r, c := l.mRows, l.mColumns
	if findex < 0 || findex >= len(cb.frequencies) {
		return nil, fmt.Errorf("vnacal: frequency index %d out of range", findex)
	}
	if !l.typ.diagonal() {
		return nil, errors.New("vnacal: port-mapped correction requires a diagonal error model")
	}
	n := len(portMap)
	if n < 1 || len(m) != n*n {
		return nil, errors.New("vnacal: measurement must be square in the port map")
	}
	seen := make(map[int]bool, n)
	for _, p := range portMap {
		if p < 0 || p >= min(r, c) || seen[p] {
			return nil, fmt.Errorf("vnacal: bad port map entry %d", p)
		}
		seen[p] = true
	}

	mm := make([]complex128, n*n)
	copy(mm, m)
	if l.typ.leakage() {
		el := cb.storedEl(findex)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				mm[i*n+j] -= el[portMap[i]*c+portMap[j]]
			}
		}
	}

	if l.typ.perColumn() {
		p := make([]complex128, n*n)
		q := make([]complex128, n*n)
		for j := 0; j < n; j++ {
			um, ui, ux, us, ok := cb.ue14Terms(findex, portMap[j])
			if !ok {
				return nil, ErrSingularMatrix
			}
			for i := 0; i < n; i++ {
				vp := portMap[i]
				p[i*n+j] = um[vp]*mm[i*n+j] - ui[vp]
				q[i*n+j] = ux[vp] * mm[i*n+j]
			}
			q[j*n+j] -= us
		}
		return solveRight(p, q, n, n)
	}

	set := cb.storedSet(findex)
	sub := cb.subSet(set, portMap)
	if l.typ.tFamily() {
		return applyT(sub, mm, n, n)
	}
	return applyU(sub, mm, n, n)
}

// subSet extracts the diagonal error terms of the mapped ports into a
// reduced dense set.
func (cb *Calibration) subSet(set *termSet, portMap []int) *termSet {
	l := &cb.layout
	c := l.mColumns
	n := len(portMap)
	sub := new(termSet)
	pick := func(src []complex128, stride int) []complex128 {
		dst := make([]complex128, n*n)
		for i := 0; i < n; i++ {
			dst[i*n+i] = src[portMap[i]*stride+portMap[i]]
		}
		return dst
	}
	if l.typ.tFamily() {
		sub.ts = pick(set.ts, c)
		sub.ti = pick(set.ti, c)
		sub.tx = pick(set.tx, c)
		sub.tm = pick(set.tm, c)
	} else {
		sub.um = pick(set.um, l.mRows)
		sub.ui = pick(set.ui, c)
		sub.ux = pick(set.ux, l.mRows)
		sub.us = pick(set.us, c)
	}
	return sub
}

// transpose writes the plain (unconjugated) transpose of the m × n matrix a
// into dst (n × m).
func transpose(dst, a []complex128, m, n int) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			dst[j*m+i] = a[i*n+j]
		}
	}
}
