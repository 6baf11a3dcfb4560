// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vnacal

import (
	"errors"
	"fmt"
)

// Predefined parameter indices available on every Calibrator.
const (
	// PMatch is the ideal match standard, Γ = 0.
	PMatch = 0
	// POpen is the ideal open standard, Γ = +1.
	POpen = 1
	// PShort is the ideal short standard, Γ = -1.
	PShort = 2
)

type paramKind int

const (
	scalarParam paramKind = iota
	vectorParam
	unknownParam
	correlatedParam
)

// parameter is one entry of the calibration parameter table. Cells of a
// standard's S matrix reference parameters by index: concrete values, or
// unknowns solved alongside the error terms.
type parameter struct {
	kind  paramKind
	gamma []complex128 // scalar: len 1; vector: one per frequency
	guess complex128   // starting estimate for unknowns
	other int          // correlate index
	sigma float64      // expected deviation from the correlate
	est   []complex128 // per-frequency estimate, final after solve
}

// known reports whether the parameter has a concrete value before solving.
func (p *parameter) known() bool {
	return p.kind == scalarParam || p.kind == vectorParam
}

// value returns the parameter value at the given frequency index, using the
// current estimate for unknowns.
func (p *parameter) value(findex int) complex128 {
	switch p.kind {
	case scalarParam:
		return p.gamma[0]
	case vectorParam:
		return p.gamma[findex]
	}
	if p.est == nil {
		return p.guess
	}
	return p.est[findex]
}

// MakeScalar adds a known frequency-independent parameter and returns its
// index.
func (c *Calibrator) MakeScalar(gamma complex128) int {
	c.params = append(c.params, parameter{kind: scalarParam, gamma: []complex128{gamma}})
	return len(c.params) - 1
}

// MakeVector adds a known per-frequency parameter. The value slice must
// match the calibration frequency vector in length.
func (c *Calibrator) MakeVector(gamma []complex128) (int, error) {
	if len(gamma) != len(c.frequencies) {
		return -1, fmt.Errorf("vnacal: parameter values %d do not match %d frequencies",
			len(gamma), len(c.frequencies))
	}
	v := make([]complex128, len(gamma))
	copy(v, gamma)
	c.params = append(c.params, parameter{kind: vectorParam, gamma: v})
	return len(c.params) - 1, nil
}

// MakeUnknown adds a free unknown parameter solved per frequency during
// calibration. The guess seeds the first iteration; zero is acceptable.
func (c *Calibrator) MakeUnknown(guess complex128) int {
	c.params = append(c.params, parameter{kind: unknownParam, guess: guess})
	return len(c.params) - 1
}

// MakeCorrelated adds an unknown parameter statistically tied to another:
// its solved value is pulled toward the correlate with the given expected
// deviation sigma.
func (c *Calibrator) MakeCorrelated(other int, sigma float64) (int, error) {
	if other < 0 || other >= len(c.params) {
		return -1, fmt.Errorf("vnacal: correlate index %d out of range", other)
	}
	if sigma <= 0 {
		return -1, errors.New("vnacal: correlate sigma must be positive")
	}
	c.params = append(c.params, parameter{
		kind:  correlatedParam,
		other: other,
		sigma: sigma,
		guess: c.params[other].value(0),
	})
	return len(c.params) - 1, nil
}

// ParameterValue returns the value of a parameter at a frequency index.
// Unknown and correlated parameters are readable only after a successful
// solve; before that the call fails with ErrUnsolved.
func (c *Calibrator) ParameterValue(idx, findex int) (complex128, error) {
	if idx < 0 || idx >= len(c.params) {
		return 0, fmt.Errorf("vnacal: parameter index %d out of range", idx)
	}
	if findex < 0 || findex >= len(c.frequencies) {
		return 0, fmt.Errorf("vnacal: frequency index %d out of range", findex)
	}
	p := &c.params[idx]
	if !p.known() && !c.solved {
		return 0, ErrUnsolved
	}
	return p.value(findex), nil
}

// unknownIndices lists the parameters that must be solved for, in table
// order, restricted to those actually referenced by an added standard.
func (c *Calibrator) unknownIndices() []int {
	used := make(map[int]bool)
	for _, std := range c.standards {
		for _, idx := range std.sIndex {
			if idx >= 0 && !c.params[idx].known() {
				used[idx] = true
			}
		}
	}
	var list []int
	for idx := range c.params {
		if used[idx] {
			list = append(list, idx)
		}
	}
	return list
}
