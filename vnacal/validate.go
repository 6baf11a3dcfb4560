// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vnacal

import (
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/curioloop/vnacal/cmat"
)

// The validator checks the solved calibration against the configured
// measurement-error model: the standards are re-predicted from the solved
// terms and parameters, and the weighted squared residual
//
//	χ² = Σ |𝐌̂ - 𝐌|² ∕ σ²,  σ² = σₙ² + (σₜ·|𝐌|)²
//
// is referred to a χ² distribution with twice the surplus equation count as
// degrees of freedom. A p-value below the configured limit flags the
// calibration as a poor fit without failing it: inconsistent standards and
// understated error models both land here.

func (c *Calibrator) validate(cb *Calibration) {
	l := &c.layout
	dof := 2 * (cb.equations - l.Systems()*l.FreeTerms() - cb.unknowns - cb.elUsed)
	if dof < 1 {
		return
	}
	nfreq := len(c.frequencies)
	pvals := make([]float64, nfreq)
	perFreq := distuv.ChiSquared{K: float64(dof)}
	total := 0.0
	for findex := 0; findex < nfreq; findex++ {
		chi, ok := c.fitChi2(cb, findex)
		if !ok {
			return
		}
		pvals[findex] = perFreq.Survival(chi)
		total += chi
	}
	cb.PValues = pvals
	cb.PValue = distuv.ChiSquared{K: float64(dof * nfreq)}.Survival(total)
	cb.PoorFit = cb.PValue < c.cfg.PValueLimit
}

// fitChi2 accumulates the weighted residual of every usable measurement
// cell at one frequency. It reports failure when a standard's predicted
// measurement cannot be formed.
func (c *Calibrator) fitChi2(cb *Calibration, findex int) (float64, bool) {
	l := &c.layout
	r, cc := l.mRows, l.mColumns
	st := newSolveState(c, findex, nil)
	st.refreshS()
	el := cb.storedEl(findex)

	chi := 0.0
	for _, msv := range st.msv {
		mhat, ok := cb.predict(findex, msv.s)
		if !ok {
			return 0, false
		}
		for i := 0; i < r; i++ {
			for j := 0; j < cc; j++ {
				if !st.eligible(msv, i, j) {
					continue
				}
				d := mhat[i*cc+j] + el[i*cc+j] - msv.m[i*cc+j]
				w := st.rowWeight(msv, i, j)
				re, im := real(d)*w, imag(d)*w
				chi += re*re + im*im
			}
		}
	}
	return chi, true
}

// predict models the leakage-free measurement of a standard with the given
// S value matrix from the solved terms.
func (cb *Calibration) predict(findex int, s []complex128) ([]complex128, bool) {
	l := &cb.layout
	r, cc := l.mRows, l.mColumns
	mhat := make([]complex128, r*cc)

	if l.typ.perColumn() {
		// Column j: (diag(𝐮𝐦) - 𝐒·diag(𝐮𝐱))𝐦̂ⱼ = 𝐮𝐢 - 𝑢𝑠·𝐒𝐞ⱼ.
		for j := 0; j < cc; j++ {
			um, ui, ux, us, ok := cb.ue14Terms(findex, j)
			if !ok {
				return nil, false
			}
			a := make([]complex128, r*r)
			rhs := make([]complex128, r)
			for i := 0; i < r; i++ {
				for k := 0; k < r; k++ {
					a[i*r+k] = -s[i*r+k] * ux[k]
				}
				a[i*r+i] += um[i]
				rhs[i] = ui[i] - us*s[i*r+j]
			}
			col := make([]complex128, r)
			if cmat.LeftDiv(col, a, rhs, r, 1) == 0 {
				return nil, false
			}
			for i := 0; i < r; i++ {
				mhat[i*cc+j] = col[i]
			}
		}
		return mhat, true
	}

	set := cb.storedSet(findex)
	if l.typ.tFamily() {
		// 𝐌̂ = (𝐓𝐬𝐒 + 𝐓𝐢)(𝐓𝐱𝐒 + 𝐓𝐦)⁻¹.
		num := make([]complex128, r*cc)
		cmat.Mul(num, set.ts, s, r, cc, cc)
		for i := range num {
			num[i] += set.ti[i]
		}
		den := make([]complex128, cc*cc)
		cmat.Mul(den, set.tx, s, cc, cc, cc)
		for i := range den {
			den[i] += set.tm[i]
		}
		if cmat.RightDiv(mhat, num, den, r, cc) == 0 {
			return nil, false
		}
		return mhat, true
	}

	// 𝐌̂ = (𝐔𝐦 - 𝐒𝐔𝐱)⁻¹(𝐔𝐢 - 𝐒𝐔𝐬).
	den := make([]complex128, r*r)
	cmat.Mul(den, s, set.ux, r, r, r)
	for i := range den {
		den[i] = set.um[i] - den[i]
	}
	num := make([]complex128, r*cc)
	cmat.Mul(num, s, set.us, r, r, cc)
	for i := range num {
		num[i] = set.ui[i] - num[i]
	}
	if cmat.LeftDiv(mhat, den, num, r, cc) == 0 {
		return nil, false
	}
	return mhat, true
}
