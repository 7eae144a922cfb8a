// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package riccati solves block-structured linear-quadratic optimal
// control problems with a Riccati-recursion interior-point method.
//
// One solve takes a horizon of stage approximations
//
//	dynamics    x₊ = A·x + B·u + F
//	cost        ½xᵀQx + ½uᵀRu + uᵀSx + Gxᵀx + Guᵀu
//	constraint  C·x + D·u + E = 0 and box bounds
//
// transcribes them into a condensed QP with the fixed initial state
// eliminated, and returns the optimal trajectory together with the
// Riccati feedback recursion, so a receding-horizon controller can
// evaluate u = ū + K·(x - x̄) + k between re-solves.
package riccati

import "gonum.org/v1/gonum/mat"

// Solution is the primal trajectory of one solve.
// All vectors are caller-owned copies, detached from the workspace.
type Solution struct {
	X     []*mat.VecDense // states, length N+1, X[0] echoes the initial state
	U     []*mat.VecDense // inputs, length N, nil at zero-input stages
	Iters int             // interior-point iterations spent
}

// Recursion is the feedback form of the value function:
//
//	V[k](x) = ½xᵀP[k]x + Pv[k]ᵀx    u[k] = K[k]·x + Kff[k]
//
// Stage 0 is reconstructed in the original state dimension from
// stage-1 quantities, since the initial state is eliminated inside
// the QP. K0Raw keeps the unmodified stage-0 feedforward of the
// interior-point sweep; it is not interchangeable with Kff[0].
// All matrices are caller-owned copies.
type Recursion struct {
	P     []*mat.Dense    // curvature, length N+1
	Pv    []*mat.VecDense // gradient, length N+1
	K     []*mat.Dense    // feedback gains, length N, nil at zero-input stages
	Kff   []*mat.VecDense // feedforward terms, length N, nil at zero-input stages
	K0Raw *mat.VecDense
}

// Solver owns one workspace and solves repeated problems of one
// shape. It must not be shared between concurrent solves; independent
// problems take independent Solver instances.
type Solver struct {
	ws  Workspace
	log *Logger
}

// NewSolver allocates a solver for the given block structure.
func NewSolver(dims Dims, settings Settings, log *Logger) *Solver {
	s := &Solver{log: log}
	s.ws.Prepare(dims, settings)
	return s
}

// Resize re-prepares the workspace for a new shape or configuration.
// A no-op when both compare equal to the current ones; otherwise the
// buffers grow as needed and any warm-start state is discarded.
func (s *Solver) Resize(dims Dims, settings Settings) {
	s.ws.Prepare(dims, settings)
}

// Solve transcribes one horizon of stage approximations and runs the
// interior-point method. InconsistentEquality and NanDetected return
// nil results; every other status returns the best-effort trajectory
// and recursion, where non-Solved means the result should not be
// trusted for control. The constr and bounds slices may be nil when
// the descriptor declares no such rows. Stages with zero input
// dimension yield nil input and gain entries.
func (s *Solver) Solve(x0 *mat.VecDense, dyn []Dynamics, cost []Cost, constr []Constraint, bounds []Bounds) (*Solution, *Recursion, Status) {
	w := &s.ws
	if !w.transcribe(x0, dyn, cost, constr, bounds) {
		s.printStatus(InconsistentEquality)
		return nil, nil, InconsistentEquality
	}

	st := w.solveQP()
	w.hasSol = st == Solved || st == MaxIterReached
	s.printStatus(st)
	if st == NanDetected {
		return nil, nil, st
	}

	rec := &w.rec
	var k0Raw *mat.VecDense
	if rec.kff[0] != nil {
		k0Raw = mat.VecDenseCopyOf(rec.kff[0])
	}
	w.zeroStage()

	n := w.dims.N
	sol := &Solution{
		X:     make([]*mat.VecDense, n+1),
		U:     make([]*mat.VecDense, n),
		Iters: w.nIter,
	}
	sol.X[0] = mat.VecDenseCopyOf(x0)
	for k := 1; k <= n; k++ {
		sol.X[k] = mat.VecDenseCopyOf(w.it.x[k])
	}
	for k := 0; k < n; k++ {
		if w.it.u[k] != nil {
			sol.U[k] = mat.VecDenseCopyOf(w.it.u[k])
		}
	}

	out := &Recursion{
		P:     make([]*mat.Dense, n+1),
		Pv:    make([]*mat.VecDense, n+1),
		K:     make([]*mat.Dense, n),
		Kff:   make([]*mat.VecDense, n),
		K0Raw: k0Raw,
	}
	for k := 0; k <= n; k++ {
		out.P[k] = mat.DenseCopyOf(rec.P[k])
		out.Pv[k] = mat.VecDenseCopyOf(rec.p[k])
	}
	for k := 0; k < n; k++ {
		if rec.K[k] != nil {
			out.K[k] = mat.DenseCopyOf(rec.K[k])
			out.Kff[k] = mat.VecDenseCopyOf(rec.kff[k])
		}
	}
	return sol, out, st
}

// Settings returns the effective configuration of the last prepare,
// with the mode preset applied to every zero-valued field.
func (s *Solver) Settings() Settings {
	return s.ws.eff
}

// printStatus writes the diagnostic report. Advisory only.
func (s *Solver) printStatus(st Status) {
	log, w := s.log, &s.ws
	if !log.Enable(LogLast) {
		return
	}
	log.Log("=== Riccati IPM ===\n")
	log.Log("solver returned with flag %d -> %s\n", int(st), st)
	log.Log("ipm iter = %d\n", w.nIter)
	if !log.Enable(LogStat) || w.nStat == 0 {
		return
	}
	row := w.stats[(w.nStat-1)*statM : w.nStat*statM]
	log.Log("max res stat = %9.2e\n", row[statResStat])
	log.Log("max res eq   = %9.2e\n", row[statResEq])
	log.Log("max res ineq = %9.2e\n", row[statResIneq])
	log.Log("max res comp = %9.2e\n", row[statResComp])
	if !log.Enable(LogTrace) {
		return
	}
	log.Log("iter  alpha_aff    mu_aff     sigma  alpha_prim alpha_dual     mu     res_stat   res_eq    res_ineq   res_comp\n")
	for i := 0; i < w.nStat; i++ {
		r := w.stats[i*statM : (i+1)*statM]
		log.Log("%4d  %9.2e %9.2e %9.2e  %9.2e %9.2e %9.2e  %9.2e %9.2e %9.2e %9.2e\n",
			i, r[statAlphaAff], r[statMuAff], r[statSigma],
			r[statAlphaPrim], r[statAlphaDual], r[statMu],
			r[statResStat], r[statResEq], r[statResIneq], r[statResComp])
	}
}

// Stats returns the per-iteration statistics table of the last solve
// as one row per iteration. The backing array is reused by the next
// solve.
func (s *Solver) Stats() [][]float64 {
	w := &s.ws
	rows := make([][]float64, w.nStat)
	for i := range rows {
		rows[i] = w.stats[i*statM : (i+1)*statM]
	}
	return rows
}
