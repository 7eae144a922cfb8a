// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package slq iterates a nonlinear trajectory-optimization problem to
// local optimality. Each outer iteration linearizes the model around
// the nominal trajectory, solves the resulting linear-quadratic
// subproblem with the riccati package, stitches a feedback recursion
// over parallel horizon partitions and accepts or rejects the
// proposed step by line search or Levenberg-Marquardt regularization.
// The result is a trajectory plus a time-varying affine policy fit
// for receding-horizon control.
package slq

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/trajopt/riccati"
)

// Optimizer drives the outer iteration for one problem shape.
// It owns a solver workspace and must not run concurrently with
// itself; independent problems take independent instances.
type Optimizer struct {
	dims   riccati.Dims
	set    Settings
	model  Model
	log    *riccati.Logger
	solver *riccati.Solver
	exec   *executor
}

// Result is the outcome of one Run.
type Result struct {
	Trajectory *Trajectory
	Policy     *Policy
	Recursion  *riccati.Recursion
	Perf       PerformanceIndex
	Iterations int
	Converged  bool
}

// New validates the configuration and allocates the optimizer.
func New(dims riccati.Dims, settings Settings, model Model, log *riccati.Logger) (*Optimizer, error) {
	if model == nil {
		return nil, errors.New("model is required")
	}
	set := settings.withDefaults()
	if err := set.check(dims.N); err != nil {
		return nil, err
	}
	o := &Optimizer{
		dims:   dims.Clone(),
		set:    set,
		model:  model,
		log:    log,
		solver: riccati.NewSolver(dims, set.QP, log),
		exec:   newExecutor(dims, set.NPartitions, set.NThreads, set.StitchTol),
	}
	return o, nil
}

// Run iterates from the initial trajectory until the relative cost
// improvement drops below MinRelCost or MaxIterations is reached.
// Cancellation is cooperative: ctx is checked once per outer
// iteration, mid-iteration work is never interrupted. A cancelled run
// returns the best trajectory so far together with the ctx error.
//
// Inner solver failures never abort the loop: the iteration is marked
// failed, the previous trajectory is kept and the stopping criterion
// decides whether to keep going.
func (o *Optimizer) Run(ctx context.Context, x0 *mat.VecDense, initial *Trajectory) (*Result, error) {
	n := o.dims.N
	if len(initial.X) != n+1 || len(initial.U) != n {
		panic("initial trajectory size not match horizon")
	}

	res := &Result{Trajectory: initial.Clone()}
	res.Perf = o.model.Cost(res.Trajectory)
	reg := o.set.RegInit
	o.exec.reset()

	for it := 0; it < o.set.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Iterations = it + 1

		dyn, cost, constr, bounds := o.model.Approximate(res.Trajectory)
		qp := o.set.QP
		if o.set.Strategy == LevenbergMarquardt {
			qp.RegPrim = reg
		}
		o.solver.Resize(o.dims, qp)

		dx0 := mat.VecDenseCopyOf(x0)
		dx0.SubVec(dx0, res.Trajectory.X[0])
		sol, rec, st := o.solver.Solve(dx0, dyn, cost, constr, bounds)

		var solveErr error
		if sol == nil || st == riccati.NanDetected {
			solveErr = fmt.Errorf("qp solver: %v", st)
		} else if err := o.exec.run(ctx, dyn, cost, o.solver.Settings().RegPrim); err != nil {
			solveErr = fmt.Errorf("gain recursion: %w", err)
		}

		failed := solveErr != nil
		var policy *Policy
		var next *Trajectory
		var perf PerformanceIndex
		if !failed {
			policy = o.policy(res.Trajectory, sol)
			next, perf, failed = o.acceptStep(x0, policy, sol, cost, res.Perf)
		}

		if failed {
			if o.set.Strategy == LevenbergMarquardt {
				reg = math.Min(reg*o.set.RegIncrease, o.set.RegMax)
			}
			if o.log.Enable(riccati.LogStat) {
				if solveErr != nil {
					o.log.Log("slq iter %2d failed (%v, reg %.1e)\n", it, solveErr, reg)
				} else {
					o.log.Log("slq iter %2d rejected (reg %.1e)\n", it, reg)
				}
			}
			continue
		}
		if o.set.Strategy == LevenbergMarquardt {
			reg = math.Max(reg*o.set.RegDecrease, o.set.RegMin)
		}

		rel := math.Abs(res.Perf.Cost-perf.Cost) / math.Max(one, math.Abs(res.Perf.Cost))
		perf.Convergence = rel
		res.Trajectory, res.Policy, res.Recursion, res.Perf = next, policy, rec, perf
		if o.log.Enable(riccati.LogStat) {
			o.log.Log("slq iter %2d cost %12.6e rel %9.2e eq %9.2e\n", it, perf.Cost, rel, perf.EqNorm)
		}
		if rel < o.set.MinRelCost {
			res.Converged = true
			break
		}
	}
	if o.log.Enable(riccati.LogLast) {
		o.log.Log("slq finished: %d iterations, cost %12.6e, converged %v\n",
			res.Iterations, res.Perf.Cost, res.Converged)
	}
	return res, nil
}

// policy assembles the affine control law of one accepted subproblem:
// gains from the stitched recursion, feedforward from the subproblem
// step expressed against the nominal pair, so that α = 1 reproduces
// the subproblem optimum on the linearized dynamics.
func (o *Optimizer) policy(nominal *Trajectory, sol *riccati.Solution) *Policy {
	n := o.dims.N
	p := &Policy{
		Time: nominal.Time,
		K:    make([]*mat.Dense, n),
		Kff:  make([]*mat.VecDense, n),
		Xref: nominal.X,
		Uref: nominal.U,
	}
	for k := 0; k < n; k++ {
		// detach the gain: the executor rewrites its buffers next iteration
		p.K[k] = mat.DenseCopyOf(o.exec.K[k])
		ff := mat.VecDenseCopyOf(sol.U[k])
		var fb mat.VecDense
		fb.MulVec(p.K[k], sol.X[k])
		ff.SubVec(ff, &fb)
		p.Kff[k] = ff
	}
	return p
}

// acceptStep proposes and vets the candidate trajectory.
func (o *Optimizer) acceptStep(x0 *mat.VecDense, policy *Policy, sol *riccati.Solution, cost []riccati.Cost, cur PerformanceIndex) (*Trajectory, PerformanceIndex, bool) {
	if o.set.Strategy == LevenbergMarquardt {
		next, err := o.model.Rollout(x0, policy, one)
		if err != nil {
			return nil, PerformanceIndex{}, true
		}
		perf := o.model.Cost(next)
		// a stagnant cost still counts as accepted, the relative
		// improvement test then stops the loop; only a genuine
		// increase rejects the step
		if perf.Cost > cur.Cost+o.set.MinRelCost*math.Max(one, math.Abs(cur.Cost)) {
			return nil, PerformanceIndex{}, true
		}
		return next, perf, false
	}

	// directional derivative of the cost along the subproblem step,
	// for the Armijo sufficient-decrease test
	m := zero
	for k := 0; k <= o.dims.N; k++ {
		m += mat.Dot(cost[k].Gx, sol.X[k])
		if k < o.dims.N {
			m += mat.Dot(cost[k].Gu, sol.U[k])
		}
	}

	// a stagnant full step still passes, the relative improvement
	// test then stops the loop
	tol := o.set.MinRelCost * math.Max(one, math.Abs(cur.Cost))
	for alpha := one; alpha >= o.set.MinStepLength; alpha *= o.set.StepFactor {
		next, err := o.model.Rollout(x0, policy, alpha)
		if err != nil {
			continue
		}
		perf := o.model.Cost(next)
		if perf.Cost <= cur.Cost+math.Max(o.set.ArmijoCoefficient*alpha*m, tol) {
			return next, perf, false
		}
	}
	return nil, PerformanceIndex{}, true
}

const (
	zero = 0.0
	one  = 1.0
)
