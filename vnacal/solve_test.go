// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vnacal

import (
	"errors"
	"math/cmplx"
	"testing"

	"golang.org/x/exp/rand"
)

func cAlmostEqual(a, b []complex128, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if cmplx.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

// makeTerms draws a well-conditioned synthetic term vector for a layout:
// tracking-like diagonals near unity, directivity/match-like terms small.
func makeTerms(l *Layout, rnd *rand.Rand) []complex128 {
	terms := make([]complex128, l.Terms())
	small := func() complex128 {
		return complex(0.2*(rnd.Float64()-0.5), 0.2*(rnd.Float64()-0.5))
	}
	big := func() complex128 { return 1 + small() }
	fill := func(b block, sys int, gen func(i, j int) complex128) {
		for i := 0; i < b.rows; i++ {
			for j := 0; j < b.cols; j++ {
				if w := b.index(i, j); w >= 0 {
					terms[sys*l.SysTerms()+w] = gen(i, j)
				}
			}
		}
	}
	diagBig := func(i, j int) complex128 {
		if i == j {
			return big()
		}
		return small()
	}
	diagNegBig := func(i, j int) complex128 {
		if i == j {
			return -big()
		}
		return small()
	}
	allSmall := func(i, j int) complex128 { return small() }

	switch {
	case l.Type().tFamily():
		fill(l.ts, 0, diagBig)
		fill(l.ti, 0, allSmall)
		fill(l.tx, 0, allSmall)
		fill(l.tm, 0, diagBig)
	case l.Type() == E12:
		for sys := 0; sys < l.Systems(); sys++ {
			for i := 0; i < l.MRows(); i++ {
				terms[l.El12Offset(sys)+i] = small()
				terms[l.Er12Offset(sys)+i] = big()
				terms[l.Em12Offset(sys)+i] = small()
			}
		}
	default:
		for sys := 0; sys < l.Systems(); sys++ {
			fill(l.um, sys, diagBig)
			fill(l.ui, sys, allSmall)
			fill(l.ux, sys, allSmall)
			fill(l.us, sys, diagNegBig)
		}
	}
	if l.Type().leakage() {
		for i := 0; i < l.MRows(); i++ {
			for j := 0; j < l.MColumns(); j++ {
				if w := l.ElIndex(i, j); w >= 0 {
					terms[w] = small()
				}
			}
		}
	}
	return terms
}

func randomS(rnd *rand.Rand, p int) []complex128 {
	s := make([]complex128, p*p)
	for i := range s {
		s[i] = complex(0.7*(rnd.Float64()-0.5), 0.7*(rnd.Float64()-0.5))
	}
	return s
}

// fixture pairs a calibration under test with the synthetic ground truth
// that generates its measurements.
type fixture struct {
	cal   *Calibrator
	truth *Calibration
	rnd   *rand.Rand
}

func newFixture(t *testing.T, typ ErrorTermType, r, c int, seed uint64) *fixture {
	t.Helper()
	rnd := rand.New(rand.NewSource(seed))
	cal, err := (&Config{
		Type:        typ,
		MRows:       r,
		MColumns:    c,
		Frequencies: []float64{1e9, 2e9},
	}).New()
	if err != nil {
		t.Fatal(err)
	}
	store, err := ComputeLayout(typ, r, c)
	if err != nil {
		t.Fatal(err)
	}
	truth := &Calibration{
		layout:      store,
		frequencies: cal.Frequencies(),
		terms:       make([][]complex128, len(cal.Frequencies())),
	}
	for f := range truth.terms {
		truth.terms[f] = makeTerms(&store, rnd)
	}
	return &fixture{cal: cal, truth: truth, rnd: rnd}
}

// measure synthesizes the per-frequency response of a device with the given
// full S matrix under the ground-truth terms.
func (fx *fixture) measure(t *testing.T, s []complex128) [][]complex128 {
	t.Helper()
	m := make([][]complex128, len(fx.truth.frequencies))
	for f := range m {
		mhat, ok := fx.truth.predict(f, s)
		if !ok {
			t.Fatal("fixture: ground truth model is singular")
		}
		el := fx.truth.storedEl(f)
		for i := range mhat {
			mhat[i] += el[i]
		}
		m[f] = mhat
	}
	return m
}

// addKnown registers a fully-known standard occupying every VNA port.
func (fx *fixture) addKnown(t *testing.T, s []complex128) {
	t.Helper()
	l := fx.truth.Layout()
	p := l.Ports()
	idx := make([]int, p*p)
	for i := range s {
		idx[i] = fx.cal.MakeScalar(s[i])
	}
	pm := make([]int, p)
	for i := range pm {
		pm[i] = i
	}
	if _, err := fx.cal.AddStandard(fx.measure(t, s), l.MRows(), l.MColumns(), idx, p, p, pm); err != nil {
		t.Fatal(err)
	}
}

// addDefaults registers enough known standards to determine the model. The
// leakage models get a SOLT+line set so the leakage pre-pass sees cells
// without a signal path; the others get random full standards.
func (fx *fixture) addDefaults(t *testing.T) {
	t.Helper()
	l := fx.truth.Layout()
	if l.Type().leakage() {
		fx.addKnown(t, []complex128{0, 0, 0, 0})
		fx.addKnown(t, []complex128{-1, 0, 0, -1})
		fx.addKnown(t, []complex128{0.85 + 0.1i, 0, 0, 0.74 - 0.2i})
		fx.addKnown(t, []complex128{0, 1, 1, 0})
		fx.addKnown(t, []complex128{0, 0.6 - 0.3i, 0.6 - 0.3i, 0})
		return
	}
	need, err := NeededStandards(l.Type(), l.MRows(), l.MColumns())
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < need+1; k++ {
		fx.addKnown(t, randomS(fx.rnd, l.Ports()))
	}
}

// testRoundTrip solves a synthetic calibration from exact measurements and
// checks that a random DUT is recovered through Apply.
func testRoundTrip(t *testing.T, typ ErrorTermType, r, c int) {
	t.Helper()
	fx := newFixture(t, typ, r, c, 1)
	fx.addDefaults(t)
	cb, err := fx.cal.Solve()
	if err != nil {
		t.Fatalf("%s: solve: %v", typ, err)
	}
	dut := randomS(fx.rnd, fx.truth.Layout().Ports())
	ms := fx.measure(t, dut)
	for f := range ms {
		got, err := cb.Apply(f, ms[f], r, c)
		if err != nil {
			t.Fatalf("%s: apply: %v", typ, err)
		}
		if !cAlmostEqual(got, dut, 1e-6) {
			t.Fatalf("%s f=%d: got %v want %v", typ, f, got, dut)
		}
	}
}

func TestRoundTripT8(t *testing.T)   { testRoundTrip(t, T8, 2, 2) }
func TestRoundTripU8(t *testing.T)   { testRoundTrip(t, U8, 2, 2) }
func TestRoundTripTE10(t *testing.T) { testRoundTrip(t, TE10, 2, 2) }
func TestRoundTripUE10(t *testing.T) { testRoundTrip(t, UE10, 2, 2) }
func TestRoundTripT16(t *testing.T)  { testRoundTrip(t, T16, 2, 2) }
func TestRoundTripU16(t *testing.T)  { testRoundTrip(t, U16, 2, 2) }
func TestRoundTripUE14(t *testing.T) { testRoundTrip(t, UE14, 2, 2) }
func TestRoundTripE12(t *testing.T)  { testRoundTrip(t, E12, 2, 2) }

func TestRoundTripOnePort(t *testing.T) {
	for _, typ := range []ErrorTermType{T8, U8, T16, U16, UE14, E12} {
		testRoundTrip(t, typ, 1, 1)
	}
}

// The classic short-open-load-through sequence on a 2×2 VNA, registered
// through the convenience adders.
func TestSOLTScenario(t *testing.T) {
	fx := newFixture(t, T8, 2, 2, 5)
	cal := fx.cal
	reflects := []struct {
		gamma int
		s     []complex128
	}{
		{PMatch, []complex128{0, 0, 0, 0}},
		{PShort, []complex128{-1, 0, 0, -1}},
		{POpen, []complex128{1, 0, 0, 1}},
	}
	for _, rf := range reflects {
		m := fx.measure(t, rf.s)
		if _, err := cal.AddDoubleReflect(m, 2, 2, rf.gamma, rf.gamma, 0, 1); err != nil {
			t.Fatal(err)
		}
	}
	m := fx.measure(t, []complex128{0, 1, 1, 0})
	if _, err := cal.AddThrough(m, 2, 2, 0, 1); err != nil {
		t.Fatal(err)
	}

	cb, err := cal.Solve()
	if err != nil {
		t.Fatal(err)
	}
	dut := randomS(fx.rnd, 2)
	ms := fx.measure(t, dut)
	for f := range ms {
		got, err := cb.Apply(f, ms[f], 2, 2)
		if err != nil {
			t.Fatal(err)
		}
		if !cAlmostEqual(got, dut, 1e-6) {
			t.Fatalf("f=%d: got %v want %v", f, got, dut)
		}
	}
}

// A partially-measured UE14 calibration: one-port reflects per port plus a
// through and a line. The don't-care fill of unconnected ports must not
// disturb the solution.
func TestPartialStandards(t *testing.T) {
	fx := newFixture(t, UE14, 2, 2, 11)
	cal := fx.cal
	for port := 0; port < 2; port++ {
		for _, g := range []complex128{0, -1, 0.3 - 0.1i} {
			s := make([]complex128, 4)
			s[port*2+port] = g
			ms := fx.measure(t, s)
			local := make([][]complex128, len(ms))
			for f := range ms {
				local[f] = []complex128{ms[f][port*2+port]}
			}
			if _, err := cal.AddSingleReflect(local, 1, 1, cal.MakeScalar(g), port); err != nil {
				t.Fatal(err)
			}
		}
	}
	if _, err := cal.AddThrough(fx.measure(t, []complex128{0, 1, 1, 0}), 2, 2, 0, 1); err != nil {
		t.Fatal(err)
	}
	tl := 0.6 - 0.2i
	if _, err := cal.AddLine(fx.measure(t, []complex128{0, tl, tl, 0}), 2, 2, cal.MakeScalar(tl), 0, 1); err != nil {
		t.Fatal(err)
	}

	cb, err := cal.Solve()
	if err != nil {
		t.Fatal(err)
	}
	dut := randomS(fx.rnd, 2)
	ms := fx.measure(t, dut)
	for f := range ms {
		got, err := cb.Apply(f, ms[f], 2, 2)
		if err != nil {
			t.Fatal(err)
		}
		if !cAlmostEqual(got, dut, 1e-6) {
			t.Fatalf("f=%d: got %v want %v", f, got, dut)
		}
	}
}

func TestUnknownParameter(t *testing.T) {
	fx := newFixture(t, T8, 2, 2, 9)
	cal := fx.cal
	fx.addKnown(t, []complex128{0, 0, 0, 0})
	fx.addKnown(t, []complex128{-1, 0, 0, -1})
	fx.addKnown(t, []complex128{0, 1, 1, 0})

	gamma := 0.92 + 0.08i
	unk := cal.MakeUnknown(1)
	if _, err := cal.ParameterValue(unk, 0); !errors.Is(err, ErrUnsolved) {
		t.Fatalf("pre-solve unknown read: %v", err)
	}
	m := fx.measure(t, []complex128{gamma, 0, 0, gamma})
	if _, err := cal.AddDoubleReflect(m, 2, 2, unk, unk, 0, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := cal.Solve(); err != nil {
		t.Fatal(err)
	}
	for f := range cal.Frequencies() {
		v, err := cal.ParameterValue(unk, f)
		if err != nil {
			t.Fatal(err)
		}
		if cmplx.Abs(v-gamma) > 1e-5 {
			t.Fatalf("f=%d: unknown %v want %v", f, v, gamma)
		}
	}
}

func TestCorrelatedParameter(t *testing.T) {
	fx := newFixture(t, T8, 2, 2, 13)
	cal := fx.cal
	fx.addKnown(t, []complex128{0, 0, 0, 0})
	fx.addKnown(t, []complex128{-1, 0, 0, -1})
	fx.addKnown(t, []complex128{0, 1, 1, 0})

	// A nearly-ideal open: correlated to +1 with a weak tie.
	gamma := 0.95 + 0.02i
	corr, err := cal.MakeCorrelated(POpen, 10)
	if err != nil {
		t.Fatal(err)
	}
	m := fx.measure(t, []complex128{gamma, 0, 0, gamma})
	if _, err := cal.AddDoubleReflect(m, 2, 2, corr, corr, 0, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := cal.Solve(); err != nil {
		t.Fatal(err)
	}
	for f := range cal.Frequencies() {
		v, err := cal.ParameterValue(corr, f)
		if err != nil {
			t.Fatal(err)
		}
		if cmplx.Abs(v-gamma) > 1e-2 {
			t.Fatalf("f=%d: correlated %v want about %v", f, v, gamma)
		}
	}
}

func TestNotEnoughStandards(t *testing.T) {
	fx := newFixture(t, T8, 2, 2, 3)
	fx.addKnown(t, randomS(fx.rnd, 2))
	_, err := fx.cal.Solve()
	if !errors.Is(err, ErrNotEnoughStandards) {
		t.Fatalf("got %v", err)
	}
	var se *SolveError
	if !errors.As(err, &se) {
		t.Fatalf("not a SolveError: %v", err)
	}
}

func TestSolveSeals(t *testing.T) {
	fx := newFixture(t, T8, 1, 1, 17)
	fx.addDefaults(t)
	if _, err := fx.cal.Solve(); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.cal.AddSingleReflect([][]complex128{{0}, {0}}, 1, 1, PMatch, 0); err == nil {
		t.Fatal("standard accepted after solve")
	}
	if _, err := fx.cal.Solve(); err == nil {
		t.Fatal("second solve accepted")
	}
}

// A standard set that cannot distinguish the error terms leaves the
// assembled system rank deficient: four identical matches carry no
// information about the tracking or match terms.
func TestSingularSystem(t *testing.T) {
	fx := newFixture(t, T8, 2, 2, 25)
	for k := 0; k < 4; k++ {
		fx.addKnown(t, []complex128{0, 0, 0, 0})
	}
	_, err := fx.cal.Solve()
	if !errors.Is(err, ErrSingularSystem) {
		t.Fatalf("got %v", err)
	}
	var se *SolveError
	if !errors.As(err, &se) {
		t.Fatalf("not a SolveError: %v", err)
	}
	if se.FIndex != 0 || se.Iteration != -1 {
		t.Fatalf("context: frequency %d iteration %d", se.FIndex, se.Iteration)
	}
}

// An unknown parameter seeded far from its true value cannot settle within a
// single refinement pass; the failure must carry the frequency and iteration.
func TestIterationLimit(t *testing.T) {
	rnd := rand.New(rand.NewSource(19))
	cal, err := (&Config{
		Type:           T8,
		MRows:          1,
		MColumns:       1,
		Frequencies:    []float64{1e9},
		IterationLimit: 1,
	}).New()
	if err != nil {
		t.Fatal(err)
	}
	store, err := ComputeLayout(T8, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	truth := &Calibration{
		layout:      store,
		frequencies: cal.Frequencies(),
		terms:       [][]complex128{makeTerms(&store, rnd)},
	}
	measure := func(g complex128) [][]complex128 {
		m, ok := truth.predict(0, []complex128{g})
		if !ok {
			t.Fatal("singular ground truth")
		}
		return [][]complex128{{m[0]}}
	}
	for _, g := range []complex128{0, -1, 0.6 + 0.2i} {
		if _, err := cal.AddSingleReflect(measure(g), 1, 1, cal.MakeScalar(g), 0); err != nil {
			t.Fatal(err)
		}
	}
	unk := cal.MakeUnknown(0)
	if _, err := cal.AddSingleReflect(measure(0.9+0.1i), 1, 1, unk, 0); err != nil {
		t.Fatal(err)
	}

	_, err = cal.Solve()
	if !errors.Is(err, ErrIterationLimit) {
		t.Fatalf("got %v", err)
	}
	var se *SolveError
	if !errors.As(err, &se) {
		t.Fatalf("not a SolveError: %v", err)
	}
	if se.FIndex != 0 || se.Iteration != 1 {
		t.Fatalf("context: frequency %d iteration %d", se.FIndex, se.Iteration)
	}
}

// An incident-wave matrix that cannot be inverted is rejected at
// registration.
func TestAddStandardABSingular(t *testing.T) {
	fx := newFixture(t, T8, 2, 2, 27)
	cal := fx.cal
	s := randomS(fx.rnd, 2)
	b := fx.measure(t, s)
	a := make([][]complex128, len(b))
	for f := range a {
		a[f] = []complex128{1, 1, 1, 1}
	}
	idx := make([]int, 4)
	for i := range s {
		idx[i] = cal.MakeScalar(s[i])
	}
	if _, err := cal.AddStandardAB(a, b, 2, 2, idx, 2, 2, []int{0, 1}); !errors.Is(err, ErrSingularMatrix) {
		t.Fatalf("got %v", err)
	}
}

// A port map entry of -1 leaves that standard port unconnected: its S cells
// and measurement cells must be ignored. On a 3×3 VNA the reflects are
// registered as 2×2 standards with one port absent and garbage in the
// unconnected cells; the two-port standards carry local 2×2 measurements.
func TestAbsentPort(t *testing.T) {
	fx := newFixture(t, UE14, 3, 3, 29)
	cal := fx.cal

	// localM extracts the 2×2 sub-block of ports (a,b) from a full
	// synthesized measurement.
	localM := func(ms [][]complex128, a, b int) [][]complex128 {
		local := make([][]complex128, len(ms))
		for f := range ms {
			local[f] = []complex128{ms[f][a*3+a], ms[f][a*3+b], ms[f][b*3+a], ms[f][b*3+b]}
		}
		return local
	}

	for port := 0; port < 3; port++ {
		for _, g := range []complex128{0, -1, 0.3 - 0.1i} {
			s := make([]complex128, 9)
			s[port*3+port] = g
			ms := fx.measure(t, s)
			local := make([][]complex128, len(ms))
			for f := range ms {
				local[f] = []complex128{ms[f][port*3+port], 99, 99, 99}
			}
			idx := []int{cal.MakeScalar(g), PMatch, PMatch, PMatch}
			if _, err := cal.AddStandard(local, 2, 2, idx, 2, 2, []int{port, -1}); err != nil {
				t.Fatal(err)
			}
		}
	}
	tl := 0.6 - 0.2i
	for _, pair := range [][2]int{{0, 1}, {0, 2}, {1, 2}} {
		a, b := pair[0], pair[1]
		thru := make([]complex128, 9)
		thru[a*3+b], thru[b*3+a] = 1, 1
		if _, err := cal.AddThrough(localM(fx.measure(t, thru), a, b), 2, 2, a, b); err != nil {
			t.Fatal(err)
		}
		line := make([]complex128, 9)
		line[a*3+b], line[b*3+a] = tl, tl
		if _, err := cal.AddLine(localM(fx.measure(t, line), a, b), 2, 2, cal.MakeScalar(tl), a, b); err != nil {
			t.Fatal(err)
		}
	}

	cb, err := cal.Solve()
	if err != nil {
		t.Fatal(err)
	}
	dut := randomS(fx.rnd, 3)
	ms := fx.measure(t, dut)
	for f := range ms {
		got, err := cb.Apply(f, ms[f], 3, 3)
		if err != nil {
			t.Fatal(err)
		}
		if !cAlmostEqual(got, dut, 1e-6) {
			t.Fatalf("f=%d: got %v want %v", f, got, dut)
		}
	}
}

// Rectangular detector/driver configurations exercise the r≠c paths: the
// solved terms must reproduce the ground-truth response of any device, and
// the minimum-norm correction must stay consistent in measurement space.
func testRectangular(t *testing.T, typ ErrorTermType, r, c int) {
	t.Helper()
	fx := newFixture(t, typ, r, c, 23)
	fx.addDefaults(t)
	cb, err := fx.cal.Solve()
	if err != nil {
		t.Fatalf("%s %dx%d: solve: %v", typ, r, c, err)
	}
	dut := randomS(fx.rnd, fx.truth.Layout().Ports())
	ms := fx.measure(t, dut)
	for f := range ms {
		mhat, ok := cb.predict(f, dut)
		if !ok {
			t.Fatalf("%s %dx%d f=%d: solved terms are singular", typ, r, c, f)
		}
		if !cAlmostEqual(mhat, ms[f], 1e-6) {
			t.Fatalf("%s %dx%d f=%d: predicted %v want %v", typ, r, c, f, mhat, ms[f])
		}
		got, err := cb.Apply(f, ms[f], r, c)
		if err != nil {
			t.Fatalf("%s %dx%d: apply: %v", typ, r, c, err)
		}
		mback, ok := cb.predict(f, got)
		if !ok {
			t.Fatalf("%s %dx%d f=%d: corrected device is singular", typ, r, c, f)
		}
		if !cAlmostEqual(mback, ms[f], 1e-6) {
			t.Fatalf("%s %dx%d f=%d: round trip %v want %v", typ, r, c, f, mback, ms[f])
		}
	}
}

func TestRectangularT8(t *testing.T)   { testRectangular(t, T8, 1, 2) }
func TestRectangularU8(t *testing.T)   { testRectangular(t, U8, 2, 1) }
func TestRectangularUE14(t *testing.T) { testRectangular(t, UE14, 2, 1) }

// An E12 calibration must behave exactly like the UE14 model it aliases.
func TestE12MatchesUE14(t *testing.T) {
	fx := newFixture(t, UE14, 2, 2, 21)
	calE, err := (&Config{
		Type:        E12,
		MRows:       2,
		MColumns:    2,
		Frequencies: fx.truth.Frequencies(),
	}).New()
	if err != nil {
		t.Fatal(err)
	}

	for k := 0; k < 4; k++ {
		s := randomS(fx.rnd, 2)
		m := fx.measure(t, s)
		fxIdx := make([]int, 4)
		eIdx := make([]int, 4)
		for i := range s {
			fxIdx[i] = fx.cal.MakeScalar(s[i])
			eIdx[i] = calE.MakeScalar(s[i])
		}
		if _, err := fx.cal.AddStandard(m, 2, 2, fxIdx, 2, 2, []int{0, 1}); err != nil {
			t.Fatal(err)
		}
		if _, err := calE.AddStandard(m, 2, 2, eIdx, 2, 2, []int{0, 1}); err != nil {
			t.Fatal(err)
		}
	}

	cbU, err := fx.cal.Solve()
	if err != nil {
		t.Fatal(err)
	}
	cbE, err := calE.Solve()
	if err != nil {
		t.Fatal(err)
	}
	if cbE.Layout().Type() != E12 || cbE.Layout().Terms() != 12 {
		t.Fatalf("E12 storage: %s with %d terms", cbE.Layout().Type(), cbE.Layout().Terms())
	}

	dut := randomS(fx.rnd, 2)
	ms := fx.measure(t, dut)
	for f := range ms {
		gotU, err := cbU.Apply(f, ms[f], 2, 2)
		if err != nil {
			t.Fatal(err)
		}
		gotE, err := cbE.Apply(f, ms[f], 2, 2)
		if err != nil {
			t.Fatal(err)
		}
		if !cAlmostEqual(gotU, gotE, 1e-8) {
			t.Fatalf("f=%d: UE14 %v E12 %v", f, gotU, gotE)
		}
		if !cAlmostEqual(gotU, dut, 1e-6) {
			t.Fatalf("f=%d: got %v want %v", f, gotU, dut)
		}
	}
}
