// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package riccati

import "gonum.org/v1/gonum/mat"

// transcribe builds the block QP from one horizon of stage
// approximations. The initial state is not a decision variable:
// its effect is folded into stage-0 blocks by affine substitution
//
//	b₀ += A₀·x₀   r₀ += S₀·x₀   bound₀ = -E₀ - C₀·x₀
//
// while all later stages copy their data unchanged. Equality
// constraints C·x + D·u + E = 0 become coincident two-sided bounds
// lg = ug = -E, left to the interior point as zero-width inequalities.
//
// Returns false when some bound pair has lower > upper, in which
// case the QP is structurally infeasible.
func (w *Workspace) transcribe(x0 *mat.VecDense, dyn []Dynamics, cost []Cost, constr []Constraint, bounds []Bounds) bool {
	d := &w.dims
	checkStages(d, dyn, cost, constr, bounds)
	checkVec(x0, d.NX[0], "initial state")

	qp := &w.qp
	qp.x0.CopyVec(x0)

	// pre-elimination stage-0 blocks, kept for zero-stage recovery
	qp.A0.Copy(dyn[0].A)
	qp.b0.CopyVec(dyn[0].F)
	qp.Q0.Copy(cost[0].Q)
	qp.q0.CopyVec(cost[0].Gx)
	if qp.S0 != nil {
		qp.S0.Copy(cost[0].S)
		qp.r0.CopyVec(cost[0].Gu)
	}

	n := d.N
	for k := 0; k <= n; k++ {
		s := &qp.stages[k]
		if k < n {
			s.b.CopyVec(dyn[k].F)
			if s.B != nil {
				s.B.Copy(dyn[k].B)
			}
			if k == 0 {
				// b₀ absorbs A₀·x₀
				s.b.MulVec(dyn[0].A, x0)
				s.b.AddVec(s.b, dyn[0].F)
			} else {
				s.A.Copy(dyn[k].A)
			}
		}
		if s.Q != nil {
			s.Q.Copy(cost[k].Q)
			s.q.CopyVec(cost[k].Gx)
		}
		if s.nu > 0 {
			s.R.Copy(cost[k].R)
			s.r.CopyVec(cost[k].Gu)
			if k == 0 {
				// r₀ absorbs S₀·x₀
				s.r.MulVec(cost[0].S, x0)
				s.r.AddVec(s.r, cost[0].Gu)
			} else {
				s.S.Copy(cost[k].S)
			}
		}
		if s.ng > 0 {
			w.transcribeRows(k, constr, bounds)
		}
	}

	for k := 0; k <= n; k++ {
		s := &qp.stages[k]
		for i := 0; i < s.ng; i++ {
			if s.lg.AtVec(i) > s.ug.AtVec(i) {
				return false
			}
		}
	}
	return true
}

// transcribeRows fills the constraint rows of stage k:
// general rows first, then state bounds, then input bounds
// folded in as identity-selector rows.
func (w *Workspace) transcribeRows(k int, constr []Constraint, bounds []Bounds) {
	d, qp := &w.dims, &w.qp
	s := &qp.stages[k]
	if s.C != nil {
		s.C.Zero()
	}
	if s.D != nil {
		s.D.Zero()
	}
	s.lg.Zero()
	s.ug.Zero()

	row := 0
	if ng := d.NG[k]; ng > 0 {
		c := &constr[k]
		if s.D != nil && c.D != nil {
			s.D.Slice(0, ng, 0, s.nu).(*mat.Dense).Copy(c.D)
		}
		if k == 0 {
			// bound₀ = -E₀ - C₀·x₀
			var cx mat.VecDense
			cx.MulVec(c.C, qp.x0)
			for i := 0; i < ng; i++ {
				s.lg.SetVec(i, -c.E.AtVec(i)-cx.AtVec(i))
			}
		} else {
			s.C.Slice(0, ng, 0, s.nx).(*mat.Dense).Copy(c.C)
			for i := 0; i < ng; i++ {
				s.lg.SetVec(i, -c.E.AtVec(i))
			}
		}
		for i := 0; i < ng; i++ {
			s.ug.SetVec(i, s.lg.AtVec(i))
		}
		row = ng
	}

	if bounds == nil {
		return
	}
	b := &bounds[k]
	for i, idx := range b.StateIdx {
		lo, up := b.StateLower[i], b.StateUpper[i]
		if k == 0 {
			// x₀ is fixed: the row degenerates to a constant bound check
			lo -= qp.x0.AtVec(idx)
			up -= qp.x0.AtVec(idx)
		} else {
			s.C.Set(row, idx, one)
		}
		s.lg.SetVec(row, lo)
		s.ug.SetVec(row, up)
		row++
	}
	for i, idx := range b.InputIdx {
		s.D.Set(row, idx, one)
		s.lg.SetVec(row, b.InputLower[i])
		s.ug.SetVec(row, b.InputUpper[i])
		row++
	}
}
