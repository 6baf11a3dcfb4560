// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vnacal

import (
	"errors"
	"fmt"

	"github.com/curioloop/vnacal/cmat"
)

// Standard is one registered calibration standard: its S-parameter index
// matrix expanded into VNA port space, and its measured response per
// frequency. Immutable once added.
type Standard struct {
	// sIndex is the ports × ports parameter-index matrix in VNA port
	// space; -1 marks a provably disconnected (structurally zero) cell.
	sIndex []int
	ports  int
	// m holds one measured mRows × mColumns matrix per frequency with
	// unmeasured cells left zero; mask marks the measured cells.
	m    [][]complex128
	mask []bool
	// mapped marks the VNA ports the standard is connected to.
	mapped []bool
}

// mappedPorts lists the VNA ports the standard occupies, ascending.
func (s *Standard) mappedPorts() []int {
	var ps []int
	for p, ok := range s.mapped {
		if ok {
			ps = append(ps, p)
		}
	}
	return ps
}

// AddStandard registers a fully-specified standard: an sRows × sCols
// S-parameter index matrix, the port map assigning each standard port to a
// VNA port, and one measured matrix per frequency. A port map entry of -1
// leaves that standard port unconnected: its S rows and columns and its
// measurement cells are ignored. The measurement may be given in the
// standard's own dimensions (only the mapped cells were measured) or in the
// full VNA mRows × mColumns dimensions. It returns the standard index.
func (c *Calibrator) AddStandard(m [][]complex128, mRows, mCols int, s []int, sRows, sCols int, portMap []int) (int, error) {
	if c.solved {
		return -1, errors.New("vnacal: calibration already solved")
	}
	if sRows < 1 || sCols < 1 || len(s) != sRows*sCols {
		return -1, errors.New("vnacal: s matrix dimension mismatch")
	}
	ports := c.layout.Ports()
	if sRows > ports || sCols > ports {
		return -1, errors.New("vnacal: standard larger than the VNA port space")
	}
	if len(portMap) != max(sRows, sCols) {
		return -1, errors.New("vnacal: port map must cover max(sRows, sCols) ports")
	}
	seen := make([]bool, ports)
	for _, p := range portMap {
		if p == -1 { // standard port left unconnected
			continue
		}
		if p < 0 || p >= ports || seen[p] {
			return -1, fmt.Errorf("vnacal: bad port map entry %d", p)
		}
		seen[p] = true
	}

	std := &Standard{
		sIndex: make([]int, ports*ports),
		ports:  ports,
		mapped: seen,
	}
	for i := range std.sIndex {
		std.sIndex[i] = -1
	}
	for i := 0; i < sRows; i++ {
		for j := 0; j < sCols; j++ {
			if portMap[i] < 0 || portMap[j] < 0 {
				continue
			}
			idx := s[i*sCols+j]
			if idx < 0 || idx >= len(c.params) {
				return -1, fmt.Errorf("vnacal: parameter index %d out of range", idx)
			}
			std.sIndex[portMap[i]*ports+portMap[j]] = idx
		}
	}
	// Unused ports are assumed isolated: cross terms to mapped ports stay
	// structurally zero, while their own reflections are don't-care values
	// drawn from the injected source purely to keep assembled systems
	// well conditioned.
	for p := 0; p < ports; p++ {
		if seen[p] {
			continue
		}
		fill := make([]complex128, len(c.frequencies))
		for k := range fill {
			fill[k] = complex(2*c.rnd.Float64()-1, 2*c.rnd.Float64()-1) / 2
		}
		idx, _ := c.MakeVector(fill)
		std.sIndex[p*ports+p] = idx
	}

	if err := c.setMeasured(std, m, mRows, mCols, portMap, sRows, sCols); err != nil {
		return -1, err
	}
	c.standards = append(c.standards, std)
	return len(c.standards) - 1, nil
}

// setMeasured copies the per-frequency measurement into full VNA dimensions
// and records which cells were actually measured.
func (c *Calibrator) setMeasured(std *Standard, m [][]complex128, mRows, mCols int, portMap []int, sRows, sCols int) error {
	r, cc := c.layout.MRows(), c.layout.MColumns()
	if len(m) != len(c.frequencies) {
		return errors.New("vnacal: one measurement per frequency is required")
	}
	full := mRows == r && mCols == cc
	local := mRows == sRows && mCols == sCols
	if !full && !local {
		return fmt.Errorf("vnacal: measurement must be %dx%d or %dx%d", r, cc, sRows, sCols)
	}

	std.mask = make([]bool, r*cc)
	if full {
		for i := range std.mask {
			std.mask[i] = true
		}
	} else {
		for i := 0; i < sRows; i++ {
			for j := 0; j < sCols; j++ {
				vi, vj := portMap[i], portMap[j]
				if vi < 0 || vj < 0 {
					continue
				}
				if vi >= r || vj >= cc {
					return fmt.Errorf("vnacal: port %d not measurable on a %dx%d VNA", max(vi, vj), r, cc)
				}
				std.mask[vi*cc+vj] = true
			}
		}
	}

	std.m = make([][]complex128, len(m))
	for f, mf := range m {
		if len(mf) != mRows*mCols {
			return errors.New("vnacal: measurement dimension mismatch")
		}
		buf := make([]complex128, r*cc)
		if full {
			copy(buf, mf)
		} else {
			for i := 0; i < sRows; i++ {
				for j := 0; j < sCols; j++ {
					if portMap[i] < 0 || portMap[j] < 0 {
						continue
					}
					buf[portMap[i]*cc+portMap[j]] = mf[i*mCols+j]
				}
			}
		}
		std.m[f] = buf
	}
	return nil
}

// AddStandardAB registers a standard measured as an incident/reflected
// matrix pair: M = B·A⁻¹ is computed per frequency. A must be square in the
// measurement column dimension.
func (c *Calibrator) AddStandardAB(a, b [][]complex128, mRows, mCols int, s []int, sRows, sCols int, portMap []int) (int, error) {
	if len(a) != len(c.frequencies) || len(b) != len(c.frequencies) {
		return -1, errors.New("vnacal: one a/b pair per frequency is required")
	}
	m := make([][]complex128, len(a))
	for f := range a {
		if len(a[f]) != mCols*mCols || len(b[f]) != mRows*mCols {
			return -1, errors.New("vnacal: a/b dimension mismatch")
		}
		mf := make([]complex128, mRows*mCols)
		if cmat.RightDiv(mf, b[f], a[f], mRows, mCols) == 0 {
			return -1, fmt.Errorf("%w: a matrix at frequency %d", ErrSingularMatrix, f)
		}
		m[f] = mf
	}
	return c.AddStandard(m, mRows, mCols, s, sRows, sCols, portMap)
}

// AddSingleReflect registers a one-port reflect standard with reflection
// parameter gamma on the given VNA port.
func (c *Calibrator) AddSingleReflect(m [][]complex128, mRows, mCols int, gamma, port int) (int, error) {
	return c.AddStandard(m, mRows, mCols, []int{gamma}, 1, 1, []int{port})
}

// AddDoubleReflect registers two uncoupled reflects on two VNA ports.
func (c *Calibrator) AddDoubleReflect(m [][]complex128, mRows, mCols int, gamma1, gamma2, port1, port2 int) (int, error) {
	s := []int{gamma1, PMatch, PMatch, gamma2}
	return c.AddStandard(m, mRows, mCols, s, 2, 2, []int{port1, port2})
}

// AddThrough registers an ideal through between two VNA ports.
func (c *Calibrator) AddThrough(m [][]complex128, mRows, mCols int, port1, port2 int) (int, error) {
	unity := c.MakeScalar(1)
	s := []int{PMatch, unity, unity, PMatch}
	return c.AddStandard(m, mRows, mCols, s, 2, 2, []int{port1, port2})
}

// AddLine registers a matched line with transmission parameter t between
// two VNA ports.
func (c *Calibrator) AddLine(m [][]complex128, mRows, mCols int, t, port1, port2 int) (int, error) {
	s := []int{PMatch, t, t, PMatch}
	return c.AddStandard(m, mRows, mCols, s, 2, 2, []int{port1, port2})
}
