// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vnacal

import (
	"errors"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

// MError is the measurement-error model feeding the statistical validator:
// per-component standard deviations of the additive noise floor and of the
// proportional tracking error. Each slice holds either one value applied to
// every frequency or one value per frequency; Tracking may be nil.
type MError struct {
	NoiseFloor []float64
	Tracking   []float64
}

func (e *MError) noise(findex int) float64 {
	if len(e.NoiseFloor) == 1 {
		return e.NoiseFloor[0]
	}
	return e.NoiseFloor[findex]
}

func (e *MError) tracking(findex int) float64 {
	switch len(e.Tracking) {
	case 0:
		return 0
	case 1:
		return e.Tracking[0]
	}
	return e.Tracking[findex]
}

// Config specifies a calibration problem: the error-term model, the VNA
// detector/driver dimensions, the frequency grid, and the solver options.
type Config struct {
	// Type selects the error-term model.
	Type ErrorTermType
	// MRows and MColumns are the VNA detector and driver port counts.
	MRows, MColumns int
	// Frequencies is the ascending calibration frequency grid.
	Frequencies []float64
	// ETTolerance is the relative error-term convergence threshold
	// (default 1e-6).
	ETTolerance float64
	// PTolerance is the relative unknown-parameter convergence threshold
	// (default 1e-6).
	PTolerance float64
	// IterationLimit caps the refinement iterations (default 30).
	IterationLimit int
	// PValueLimit is the statistical-fit rejection threshold
	// (default 1e-3).
	PValueLimit float64
	// MError enables the statistical validator; nil disables it.
	MError *MError
	// Rand supplies the don't-care conditioning values for unused ports.
	// A fixed-seed source is used when nil, keeping runs reproducible.
	Rand *rand.Rand
}

// Calibrator collects calibration standards and their measurements, and
// solves them for the error terms of the configured model. It is not safe
// for concurrent use; independent calibrations may run in parallel.
type Calibrator struct {
	cfg         Config
	layout      Layout // solve layout (UE14 when the type is E12)
	store       Layout // solved-calibration storage layout
	frequencies []float64
	params      []parameter
	standards   []*Standard
	rnd         *rand.Rand
	solved      bool
}

// New validates the configuration and creates a Calibrator with the three
// ideal reflect parameters (PMatch, POpen, PShort) preinstalled.
func (cfg *Config) New() (*Calibrator, error) {
	c := Config{
		Type:           cfg.Type,
		MRows:          cfg.MRows,
		MColumns:       cfg.MColumns,
		Frequencies:    cfg.Frequencies,
		ETTolerance:    cfg.ETTolerance,
		PTolerance:     cfg.PTolerance,
		IterationLimit: cfg.IterationLimit,
		PValueLimit:    cfg.PValueLimit,
		MError:         cfg.MError,
		Rand:           cfg.Rand,
	}
	if c.ETTolerance == 0 {
		c.ETTolerance = 1e-6
	}
	if c.PTolerance == 0 {
		c.PTolerance = 1e-6
	}
	if c.IterationLimit == 0 {
		c.IterationLimit = 30
	}
	if c.PValueLimit == 0 {
		c.PValueLimit = 1e-3
	}

	var err error
	switch {
	case len(c.Frequencies) == 0:
		err = errors.New("at least one frequency is required")
	case c.ETTolerance < 0 || c.PTolerance < 0:
		err = errors.New("tolerances must be positive")
	case c.IterationLimit < 1:
		err = errors.New("iteration limit must be positive")
	case c.PValueLimit < 0 || c.PValueLimit >= 1:
		err = errors.New("p-value limit must lie in [0,1)")
	}
	if err == nil {
		for i := 1; i < len(c.Frequencies); i++ {
			if !(c.Frequencies[i] > c.Frequencies[i-1]) {
				err = errors.New("frequencies must be strictly ascending")
				break
			}
		}
	}
	if err == nil && c.MError != nil {
		nf := len(c.Frequencies)
		switch {
		case len(c.MError.NoiseFloor) != 1 && len(c.MError.NoiseFloor) != nf:
			err = errors.New("noise floor length must be 1 or match the frequencies")
		case len(c.MError.Tracking) > 1 && len(c.MError.Tracking) != nf:
			err = errors.New("tracking sigma length must be 1 or match the frequencies")
		case floats.Min(c.MError.NoiseFloor) <= 0:
			err = errors.New("noise floor sigma must be positive")
		}
	}
	if err != nil {
		return nil, err
	}

	solve := c.Type
	if solve == E12 {
		solve = UE14
	}
	layout, err := ComputeLayout(solve, c.MRows, c.MColumns)
	if err != nil {
		return nil, err
	}
	store, err := ComputeLayout(c.Type, c.MRows, c.MColumns)
	if err != nil {
		return nil, err
	}

	rnd := c.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}

	cal := &Calibrator{
		cfg:         c,
		layout:      layout,
		store:       store,
		frequencies: c.Frequencies,
		rnd:         rnd,
	}
	cal.MakeScalar(0)  // PMatch
	cal.MakeScalar(1)  // POpen
	cal.MakeScalar(-1) // PShort
	return cal, nil
}

// Layout returns the solve layout of the calibration.
func (c *Calibrator) Layout() *Layout { return &c.layout }

// Frequencies returns the calibration frequency grid.
func (c *Calibrator) Frequencies() []float64 { return c.frequencies }
