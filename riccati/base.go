// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package riccati

import "slices"

const (
	zero = 0.0
	one  = 1.0
	ten  = 10.0
)

// Status reports the outcome of one interior-point solve.
// All abnormal outcomes are returned as values, never panics:
// the caller decides whether a best-effort trajectory is usable.
type Status int

const (
	// Solved all residual tolerances satisfied.
	Solved Status = iota
	// MaxIterReached iteration limit hit before convergence.
	MaxIterReached
	// MinStepReached the fraction-to-boundary step stalled below AlphaMin.
	MinStepReached
	// NanDetected a NaN appeared in the computations, the result is unusable.
	NanDetected
	// InconsistentEquality coincident bounds with lower > upper, the QP is infeasible.
	InconsistentEquality
)

func (s Status) String() string {
	switch s {
	case Solved:
		return "QP solved"
	case MaxIterReached:
		return "maximum number of iterations reached"
	case MinStepReached:
		return "minimum step length reached"
	case NanDetected:
		return "NaN in computations"
	case InconsistentEquality:
		return "inconsistent equality constraints"
	}
	return "unknown status"
}

// Mode selects a preset of interior-point parameters.
// Explicit Settings fields override the preset values.
type Mode int

const (
	// Speed few iterations, light regularization.
	Speed Mode = iota
	// Balance default trade-off.
	Balance
	// Robust many iterations, heavier regularization.
	Robust
)

// RicAlg selects the value-function update formula of the backward sweep.
// Both variants are algebraically equivalent but differ numerically.
type RicAlg int

const (
	// RicClassical P = Q + AᵀP₊A - GᵀH⁻¹G
	RicClassical RicAlg = iota
	// RicFactorized P = Q + AᵀP₊(A + BK) + GᵀK reusing the computed gain
	RicFactorized
)

// Dims describes the block structure of one horizon:
// per-stage state/input dimensions, box-bound counts and
// general-constraint counts. Stage N is terminal with NU[N] = 0.
//
// Two Dims compare element-wise; equality is what allows a
// Workspace to skip reallocation between solves.
type Dims struct {
	N   int   // horizon length
	NX  []int // state dimensions, length N+1
	NU  []int // input dimensions, length N+1, NU[N] = 0
	NBX []int // state bound counts, length N+1
	NBU []int // input bound counts, length N+1
	NG  []int // general constraint counts, length N+1
}

// Equal reports element-wise value equality.
func (d *Dims) Equal(o *Dims) bool {
	return d.N == o.N &&
		slices.Equal(d.NX, o.NX) &&
		slices.Equal(d.NU, o.NU) &&
		slices.Equal(d.NBX, o.NBX) &&
		slices.Equal(d.NBU, o.NBU) &&
		slices.Equal(d.NG, o.NG)
}

// check panics on structural inconsistency.
// A malformed descriptor is a programming error, not a runtime condition.
func (d *Dims) check() {
	n1 := d.N + 1
	switch {
	case d.N <= 0:
		panic("horizon length must greater than 0")
	case len(d.NX) != n1 || len(d.NU) != n1 || len(d.NG) != n1:
		panic("dimension arrays must have length N+1")
	case d.NBX != nil && len(d.NBX) != n1:
		panic("state bound array must have length N+1")
	case d.NBU != nil && len(d.NBU) != n1:
		panic("input bound array must have length N+1")
	case d.NU[d.N] != 0:
		panic("terminal stage must have zero input dimension")
	}
	for k := 0; k < n1; k++ {
		if d.NX[k] <= 0 || d.NU[k] < 0 || d.NG[k] < 0 {
			panic("stage dimension must not be negative")
		}
	}
}

// Clone deep-copies the descriptor so later caller mutation
// cannot invalidate a prepared or captured copy.
func (d *Dims) Clone() Dims {
	return Dims{
		N:   d.N,
		NX:  slices.Clone(d.NX),
		NU:  slices.Clone(d.NU),
		NBX: slices.Clone(d.NBX),
		NBU: slices.Clone(d.NBU),
		NG:  slices.Clone(d.NG),
	}
}

// nbg is the effective constraint row count of stage k once
// box bounds are folded into general rows.
func (d *Dims) nbg(k int) int {
	n := d.NG[k]
	if d.NBX != nil {
		n += d.NBX[k]
	}
	if d.NBU != nil {
		n += d.NBU[k]
	}
	return n
}

// Settings holds the interior-point configuration.
// The zero value of any field takes the Mode preset; defaults are
// applied first and every explicitly set field overrides them.
// Settings compare by full structural equality, which together with
// Dims equality decides workspace reuse.
type Settings struct {
	Mode      Mode    `yaml:"mode"`
	IterMax   int     `yaml:"iterMax"`   // interior-point iteration limit
	AlphaMin  float64 `yaml:"alphaMin"`  // minimum fraction-to-boundary step
	Mu0       float64 `yaml:"mu0"`       // initial barrier parameter
	TolStat   float64 `yaml:"tolStat"`   // stationarity tolerance
	TolEq     float64 `yaml:"tolEq"`     // equality (dynamics) tolerance
	TolIneq   float64 `yaml:"tolIneq"`   // inequality tolerance
	TolComp   float64 `yaml:"tolComp"`   // complementarity tolerance
	RegPrim   float64 `yaml:"regPrim"`   // primal Hessian regularization
	WarmStart bool    `yaml:"warmStart"` // reuse the previous primal iterate
	PredCorr  bool    `yaml:"predCorr"`  // Mehrotra predictor-corrector
	RicAlg    RicAlg  `yaml:"ricAlg"`
}

// withDefaults applies the Mode preset first, then keeps every
// explicitly set field.
func (s Settings) withDefaults() Settings {
	d := s
	var iterMax int
	var regPrim float64
	switch s.Mode {
	case Speed:
		iterMax, regPrim = 15, 1e-15
	case Robust:
		iterMax, regPrim = 100, 1e-10
	default:
		iterMax, regPrim = 30, 1e-12
	}
	if d.IterMax == 0 {
		d.IterMax = iterMax
	}
	if d.RegPrim == zero {
		d.RegPrim = regPrim
	}
	if d.AlphaMin == zero {
		d.AlphaMin = 1e-12
	}
	if d.Mu0 == zero {
		d.Mu0 = 1e2
	}
	if d.TolStat == zero {
		d.TolStat = 1e-8
	}
	if d.TolEq == zero {
		d.TolEq = 1e-8
	}
	if d.TolIneq == zero {
		d.TolIneq = 1e-8
	}
	if d.TolComp == zero {
		d.TolComp = 1e-8
	}
	return d
}
