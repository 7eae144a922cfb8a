// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slq

import (
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/trajopt/riccati"
)

// Trajectory is one nominal state/input rollout over the horizon.
// X has N+1 entries, U has N. Time is optional stamping for the
// consumer; the optimizer itself works in stage indices.
type Trajectory struct {
	Time []float64
	X    []*mat.VecDense
	U    []*mat.VecDense
}

// Clone deep-copies the trajectory.
func (t *Trajectory) Clone() *Trajectory {
	c := &Trajectory{
		Time: append([]float64(nil), t.Time...),
		X:    make([]*mat.VecDense, len(t.X)),
		U:    make([]*mat.VecDense, len(t.U)),
	}
	for i, x := range t.X {
		c.X[i] = mat.VecDenseCopyOf(x)
	}
	for i, u := range t.U {
		c.U[i] = mat.VecDenseCopyOf(u)
	}
	return c
}

// Policy is the time-varying affine control law of one outer
// iteration, evaluated against the nominal pair (x̄, ū):
//
//	u[k](x) = ū[k] + α·k[k] + K[k]·(x - x̄[k])
//
// The feedforward k carries the full step of the LQ subproblem, so
// α = 1 reproduces its optimum on the linearized dynamics while the
// feedback keeps rollouts of the nonlinear system near the
// linearization.
type Policy struct {
	Time []float64
	K    []*mat.Dense
	Kff  []*mat.VecDense
	Xref []*mat.VecDense
	Uref []*mat.VecDense
}

// Control evaluates the law at stage k for state x and step size alpha.
func (p *Policy) Control(k int, x *mat.VecDense, alpha float64) *mat.VecDense {
	u := mat.VecDenseCopyOf(p.Uref[k])
	u.AddScaledVec(u, alpha, p.Kff[k])
	var fb mat.VecDense
	dx := mat.VecDenseCopyOf(x)
	dx.SubVec(dx, p.Xref[k])
	fb.MulVec(p.K[k], dx)
	u.AddVec(u, &fb)
	return u
}

// PerformanceIndex summarizes one trajectory for the outer loop.
type PerformanceIndex struct {
	Cost        float64 // total trajectory cost
	StateEqNorm float64 // state-only constraint violation norm, zero when none
	EqNorm      float64 // state-input constraint violation norm, zero when none
	Convergence float64 // relative cost improvement of the last iteration
}

// Model is the external evaluator boundary. The optimizer consumes
// value types only and refreshes the approximation every outer
// iteration; implementations must not assume it is cached.
//
// Approximate linearizes dynamics, cost and constraints in deviation
// variables around the nominal trajectory. Constraint and bound
// slices may be nil. Rollout simulates the system under the given
// policy from x0; a rollout failure (diverged state, invalid input)
// is reported as an error and treated as a rejected step.
type Model interface {
	Approximate(nominal *Trajectory) ([]riccati.Dynamics, []riccati.Cost, []riccati.Constraint, []riccati.Bounds)
	Rollout(x0 *mat.VecDense, policy *Policy, alpha float64) (*Trajectory, error)
	Cost(traj *Trajectory) PerformanceIndex
}
