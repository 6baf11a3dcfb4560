// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vnacal

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/cmplxs"

	"github.com/curioloop/vnacal/cmat"
)

// Calibration is the solved result: the error-term vectors in the storage
// layout of the configured type, one per frequency, plus the outcome of the
// statistical fit check when a measurement-error model was configured.
type Calibration struct {
	layout      Layout
	frequencies []float64
	terms       [][]complex128

	// PValues holds the per-frequency fit probabilities, nil when no
	// measurement-error model was configured or no degrees of freedom
	// remained.
	PValues []float64
	// PValue is the aggregate fit probability across all frequencies.
	PValue float64
	// PoorFit is set when PValue fell below the configured limit.
	PoorFit bool

	// Degree-of-freedom bookkeeping for the validator.
	equations int // usable measurement cells per frequency
	unknowns  int // unknown parameters solved per frequency
	elUsed    int // leakage terms estimated per frequency
}

// Layout returns the storage layout of the solved terms.
func (cb *Calibration) Layout() *Layout { return &cb.layout }

// Frequencies returns the calibration frequency grid.
func (cb *Calibration) Frequencies() []float64 { return cb.frequencies }

// TermsAt returns the solved error-term vector at a frequency index. The
// returned slice is owned by the Calibration and must not be modified.
func (cb *Calibration) TermsAt(findex int) []complex128 { return cb.terms[findex] }

// SystemTermsAt returns the stored terms of one column system at a
// frequency index, the leakage block excluded. Pass system 0 for the
// single-system types.
func (cb *Calibration) SystemTermsAt(findex, sys int) []complex128 {
	l := &cb.layout
	if sys < 0 || sys >= l.systems {
		panic("vnacal: system index out of range")
	}
	base := sys * l.sysTerms
	return cb.terms[findex][base : base+l.sysTerms]
}

// solveState is the per-frequency working set of one Solve call.
type solveState struct {
	cal    *Calibrator
	findex int
	msv    []*msvMatrix
	// x holds the free error terms of each column system, unity excluded.
	x [][]complex128
	// el is the dense mRows × mColumns leakage estimate, zero off the
	// leakage types.
	el []complex128
	// unknowns lists the parameter-table indices solved alongside the
	// error terms.
	unknowns []int
}

func newSolveState(c *Calibrator, findex int, unknowns []int) *solveState {
	l := &c.layout
	st := &solveState{
		cal:      c,
		findex:   findex,
		x:        make([][]complex128, l.Systems()),
		el:       make([]complex128, l.mRows*l.mColumns),
		unknowns: unknowns,
	}
	for sys := range st.x {
		st.x[sys] = make([]complex128, l.FreeTerms())
	}
	for i, std := range c.standards {
		msv := &msvMatrix{
			std:      std,
			stdIndex: i,
			m:        make([]complex128, l.mRows*l.mColumns),
			s:        make([]complex128, l.Ports()*l.Ports()),
			v:        make([][]complex128, l.Systems()),
		}
		copy(msv.m, std.m[findex])
		st.msv = append(st.msv, msv)
	}
	return st
}

// Solve determines the error terms of the configured model from the added
// standards, one independent solve per frequency. On success the Calibrator
// is sealed: unknown parameter estimates become readable and no further
// standards may be added. A failure is reported as a *SolveError wrapping
// one of the sentinel reasons.
func (c *Calibrator) Solve() (*Calibration, error) {
	if c.solved {
		return nil, errors.New("vnacal: calibration already solved")
	}
	l := &c.layout
	unknowns := c.unknownIndices()

	// The equation census does not depend on frequency, so insufficiency
	// is detectable before any linear algebra.
	pre := newSolveState(c, 0, unknowns)
	total := 0
	for sys := 0; sys < l.Systems(); sys++ {
		n := pre.countEquations(sys)
		if n < l.FreeTerms() {
			return nil, solveErr(ErrNotEnoughStandards, -1, -1, -1)
		}
		total += n
	}
	if total < l.Systems()*l.FreeTerms()+len(unknowns) {
		return nil, solveErr(ErrNotEnoughStandards, -1, -1, -1)
	}

	nfreq := len(c.frequencies)
	for _, idx := range unknowns {
		p := &c.params[idx]
		p.est = make([]complex128, nfreq)
		for f := range p.est {
			p.est[f] = p.guess
		}
	}
	resetEst := func() {
		for _, idx := range unknowns {
			c.params[idx].est = nil
		}
	}

	cb := &Calibration{
		layout:      c.store,
		frequencies: c.frequencies,
		terms:       make([][]complex128, nfreq),
		equations:   total,
		unknowns:    len(unknowns),
	}

	for findex := 0; findex < nfreq; findex++ {
		st := newSolveState(c, findex, unknowns)
		if l.typ.leakage() {
			st.estimateLeakage()
			cb.elUsed = l.ElTerms()
		}
		st.refreshS()
		if err := st.solveTerms(false, -1); err != nil {
			resetEst()
			return nil, err
		}
		if err := st.iterate(); err != nil {
			resetEst()
			return nil, err
		}
		cb.terms[findex] = st.storeTerms()
	}

	c.solved = true
	if c.cfg.MError != nil {
		c.validate(cb)
	}
	return cb, nil
}

// iterate runs the alternating refinement at one frequency: linearize around
// the current estimate (V update), re-solve the error terms, re-estimate the
// unknown parameters, until both relative changes drop below the configured
// tolerances.
func (st *solveState) iterate() error {
	c := st.cal
	prevX := make([][]complex128, len(st.x))
	var prevP []complex128
	if len(st.unknowns) > 0 {
		prevP = make([]complex128, len(st.unknowns))
	}

	for iter := 1; ; iter++ {
		if err := st.updateVAll(iter); err != nil {
			return err
		}
		for sys := range st.x {
			prevX[sys] = append(prevX[sys][:0], st.x[sys]...)
		}
		for i, idx := range st.unknowns {
			prevP[i] = c.params[idx].est[st.findex]
		}

		if err := st.solveTerms(true, iter); err != nil {
			return err
		}
		if len(st.unknowns) > 0 {
			if err := st.estimateParams(iter); err != nil {
				return err
			}
			st.refreshS()
		}

		inf := math.Inf(1)
		var etDelta, pDelta float64
		for sys := range st.x {
			d := cmplxs.Distance(st.x[sys], prevX[sys], inf)
			d /= math.Max(1, cmplxs.Norm(prevX[sys], inf))
			etDelta = math.Max(etDelta, d)
		}
		if len(st.unknowns) > 0 {
			cur := make([]complex128, len(st.unknowns))
			for i, idx := range st.unknowns {
				cur[i] = c.params[idx].est[st.findex]
			}
			pDelta = cmplxs.Distance(cur, prevP, inf)
			pDelta /= math.Max(1, cmplxs.Norm(prevP, inf))
		}
		if etDelta <= c.cfg.ETTolerance && pDelta <= c.cfg.PTolerance {
			return nil
		}
		if iter >= c.cfg.IterationLimit {
			return solveErr(ErrIterationLimit, -1, st.findex, iter)
		}
	}
}

// refreshS rebuilds each standard's S value matrix from the parameter table,
// unknowns contributing their running estimate.
func (st *solveState) refreshS() {
	for _, msv := range st.msv {
		for i := range msv.s {
			idx := msv.std.sIndex[i]
			if idx < 0 {
				msv.s[i] = zero
				continue
			}
			msv.s[i] = st.cal.params[idx].value(st.findex)
		}
	}
}

// solveTerms assembles and solves the linear system of each column system.
// A rank-deficient system fails with ErrSingularSystem.
func (st *solveState) solveTerms(withV bool, iter int) error {
	l := &st.cal.layout
	nfree := l.FreeTerms()
	for sys := 0; sys < l.Systems(); sys++ {
		a, b, rows := st.assemble(sys, withV)
		if rows < nfree {
			return solveErr(ErrNotEnoughStandards, -1, st.findex, iter)
		}
		if cmat.Lstsq(st.x[sys], a, b, rows, nfree, 1) < nfree {
			return solveErr(ErrSingularSystem, -1, st.findex, iter)
		}
	}
	return nil
}

// estimateLeakage seeds the leakage terms before the linear solve: each
// off-diagonal cell is the mean measurement over the standards that provide
// no signal path into it (the referenced S cell is structurally zero or a
// known zero). The estimate is then subtracted from every measurement so
// the remaining system is leakage-free.
func (st *solveState) estimateLeakage() {
	l := &st.cal.layout
	r, c, p := l.mRows, l.mColumns, l.Ports()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if i == j {
				continue
			}
			var sum complex128
			n := 0
			for _, msv := range st.msv {
				if !msv.std.mask[i*c+j] {
					continue
				}
				idx := msv.std.sIndex[i*p+j]
				if idx >= 0 {
					prm := &st.cal.params[idx]
					if !prm.known() || prm.value(st.findex) != 0 {
						continue
					}
				}
				sum += msv.m[i*c+j]
				n++
			}
			if n > 0 {
				st.el[i*c+j] = sum / complex(float64(n), 0)
			}
		}
	}
	for _, msv := range st.msv {
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if i != j && msv.std.mask[i*c+j] {
					msv.m[i*c+j] -= st.el[i*c+j]
				}
			}
		}
	}
}

// estimateParams re-solves the unknown parameter values at the current
// frequency with the error terms held fixed. The defining residual is
// linear in S, so this step is an exact least-squares solve; correlated
// parameters contribute an extra tie row pulling them toward their
// correlate with weight 1/sigma.
func (st *solveState) estimateParams(iter int) error {
	c := st.cal
	l := &c.layout
	n := len(st.unknowns)
	col := make(map[int]int, n)
	for i, idx := range st.unknowns {
		col[idx] = i
	}

	var a, b []complex128
	rows := 0
	for sys := 0; sys < l.Systems(); sys++ {
		set := st.denseTerms(sys)
		for _, msv := range st.msv {
			for i := 0; i < l.mRows; i++ {
				for _, j := range st.sysColumns(sys) {
					if !st.eligible(msv, i, j) {
						continue
					}
					row := make([]complex128, n)
					var rhs complex128
					if l.typ.tFamily() {
						rhs = st.tParamRow(msv, set, i, j, col, row)
					} else {
						rhs = st.uParamRow(msv, set, sys, i, j, col, row)
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
	}
	for _, idx := range st.unknowns {
		prm := &c.params[idx]
		if prm.kind != correlatedParam {
			continue
		}
		row := make([]complex128, n)
		var rhs complex128
		w := complex(1/prm.sigma, 0)
		row[col[idx]] = w
		if oc, ok := col[prm.other]; ok {
			row[oc] = -w
		} else {
			rhs = w * c.params[prm.other].value(st.findex)
		}
		a = append(a, row...)
		b = append(b, rhs)
		rows++
	}

	x := make([]complex128, n)
	if cmat.Lstsq(x, a, b, rows, n, 1) < n {
		return solveErr(ErrSingularSystem, -1, st.findex, iter)
	}
	for i, idx := range st.unknowns {
		c.params[idx].est[st.findex] = x[i]
	}
	return nil
}

// tParamRow fills one parameter-estimation row for a T-family cell (i,j):
// the residual Σᵦ V[b,j]·(Σₐ B[i,a]·S[a,b] + K[i,b]) with
// B = Ts − M·Tx and K = Ti − M·Tm, split into unknown-S coefficients and a
// known right-hand side.
func (st *solveState) tParamRow(msv *msvMatrix, set *termSet, i, j int, col map[int]int, row []complex128) complex128 {
	l := &st.cal.layout
	cc, p := l.mColumns, l.Ports()
	v := msv.v[0]
	bi := make([]complex128, cc)
	var konst complex128
	for aa := 0; aa < cc; aa++ {
		bi[aa] = set.ts[i*cc+aa]
		for k := 0; k < cc; k++ {
			bi[aa] -= msv.m[i*cc+k] * set.tx[k*cc+aa]
		}
	}
	for b := 0; b < cc; b++ {
		w := v[b*cc+j]
		if w == 0 {
			continue
		}
		ki := set.ti[i*cc+b]
		for k := 0; k < cc; k++ {
			ki -= msv.m[i*cc+k] * set.tm[k*cc+b]
		}
		konst += ki * w
		for aa := 0; aa < cc; aa++ {
			idx := msv.std.sIndex[aa*p+b]
			if idx < 0 || bi[aa] == 0 {
				continue
			}
			if uc, ok := col[idx]; ok {
				row[uc] += bi[aa] * w
			} else {
				konst += bi[aa] * st.cal.params[idx].value(st.findex) * w
			}
		}
	}
	return -konst
}

// uParamRow fills one parameter-estimation row for a U-family cell (i,j):
// the residual Σₐ V[i,a]·(K[a] - Σᵦ S[a,b]·C[b]) with
// C = Ux·M - Us and K = Um·M - Ui.
func (st *solveState) uParamRow(msv *msvMatrix, set *termSet, sys, i, j int, col map[int]int, row []complex128) complex128 {
	l := &st.cal.layout
	r, cc, p := l.mRows, l.mColumns, l.Ports()
	v := msv.v[sys]
	cb := make([]complex128, r)
	for b := 0; b < r; b++ {
		cb[b] = -set.us[b*cc+j]
		for k := 0; k < r; k++ {
			cb[b] += set.ux[b*r+k] * msv.m[k*cc+j]
		}
	}
	var konst complex128
	for aa := 0; aa < r; aa++ {
		w := v[i*r+aa]
		if w == 0 {
			continue
		}
		ka := -set.ui[aa*cc+j]
		for k := 0; k < r; k++ {
			ka += set.um[aa*r+k] * msv.m[k*cc+j]
		}
		konst += ka * w
		for b := 0; b < r; b++ {
			idx := msv.std.sIndex[aa*p+b]
			if idx < 0 || cb[b] == 0 {
				continue
			}
			if uc, ok := col[idx]; ok {
				row[uc] -= w * cb[b]
			} else {
				konst -= w * st.cal.params[idx].value(st.findex) * cb[b]
			}
		}
	}
	return -konst
}

// storeTerms packs the solved estimate into the storage layout: the unity
// term is re-inserted into each column system, leakage terms are appended,
// and an E12 calibration is converted from its UE14 solve form.
func (st *solveState) storeTerms() []complex128 {
	l := &st.cal.layout
	store := &st.cal.store
	r, c := l.mRows, l.mColumns
	out := make([]complex128, store.Terms())

	if store.typ == E12 {
		// Exact reparametrization of the solved per-column terms
		// (um, ui, ux, us), gauge-fixed by um[sys] = 1:
		//
		//	el[i] = ui[i]/um[i]
		//	em[i] = ux[i]/um[i]
		//	er[i] = (ui[i]·ux[i] - us·um[i])/um[i]²
		//
		// For one port this is the classic directivity, port match and
		// reflection tracking. The inverse recovers us as
		// em[sys]·el[sys] - er[sys] and um[i] from us/(em·el - er).
		for sys := 0; sys < c; sys++ {
			us := st.term(sys, l.us.index(0, 0))
			for i := 0; i < r; i++ {
				um := st.term(sys, l.um.index(i, i))
				ui := st.term(sys, l.ui.index(i, 0))
				ux := st.term(sys, l.ux.index(i, i))
				out[store.El12Offset(sys)+i] = ui / um
				out[store.Em12Offset(sys)+i] = ux / um
				out[store.Er12Offset(sys)+i] = (ui*ux - us*um) / (um * um)
			}
		}
		return out
	}

	for sys := 0; sys < l.Systems(); sys++ {
		base := sys * l.SysTerms()
		for w := 0; w < l.SysTerms(); w++ {
			out[base+w] = st.term(sys, w)
		}
	}
	if l.typ.leakage() {
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if idx := l.ElIndex(i, j); idx >= 0 {
					out[idx] = st.el[i*c+j]
				}
			}
		}
	}
	return out
}
