// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package riccati

import "gonum.org/v1/gonum/mat"

// Dynamics is the linearized transition of one stage:
//
//	x₊ = A·x + B·u + F
//
// Produced by an external linearizer, consumed read-only by the solver.
type Dynamics struct {
	A *mat.Dense    // nx₊ × nx
	B *mat.Dense    // nx₊ × nu
	F *mat.VecDense // nx₊
}

// Cost is the quadratic approximation of one stage cost:
//
//	½ xᵀQx + ½ uᵀRu + uᵀSx + Gxᵀx + Guᵀu
//
// The terminal stage carries only Q and Gx.
type Cost struct {
	Q  *mat.Dense    // nx × nx
	R  *mat.Dense    // nu × nu
	S  *mat.Dense    // nu × nx
	Gx *mat.VecDense // nx
	Gu *mat.VecDense // nu
}

// Constraint is the linearized stage constraint:
//
//	C·x + D·u + E = 0
//
// transcribed as the coincident two-sided bound -E ≤ Cx+Du ≤ -E.
type Constraint struct {
	C *mat.Dense    // ng × nx
	D *mat.Dense    // ng × nu
	E *mat.VecDense // ng
}

// Bounds lists the box-bounded state/input entries of one stage.
// Transcription folds them into general constraint rows with
// identity selectors.
type Bounds struct {
	StateIdx   []int
	StateLower []float64
	StateUpper []float64
	InputIdx   []int
	InputLower []float64
	InputUpper []float64
}

func checkMat(m *mat.Dense, r, c int, what string) {
	if r == 0 || c == 0 {
		return
	}
	if m == nil {
		panic(what + " block missing")
	}
	if mr, mc := m.Dims(); mr != r || mc != c {
		panic(what + " block dimension not match descriptor")
	}
}

func checkVec(v *mat.VecDense, n int, what string) {
	if n == 0 {
		return
	}
	if v == nil {
		panic(what + " vector missing")
	}
	if v.Len() != n {
		panic(what + " vector dimension not match descriptor")
	}
}

// checkStages validates one horizon worth of approximations against
// the descriptor. Mismatches are programming errors.
func checkStages(d *Dims, dyn []Dynamics, cost []Cost, constr []Constraint, bounds []Bounds) {
	n := d.N
	if len(dyn) != n {
		panic("dynamics approximation size not match horizon")
	}
	if len(cost) != n+1 {
		panic("cost approximation size not match horizon")
	}
	if constr != nil && len(constr) != n+1 {
		panic("constraint approximation size not match horizon")
	}
	if bounds != nil && len(bounds) != n+1 {
		panic("bound list size not match horizon")
	}
	for k := 0; k < n; k++ {
		checkMat(dyn[k].A, d.NX[k+1], d.NX[k], "dynamics state")
		checkMat(dyn[k].B, d.NX[k+1], d.NU[k], "dynamics input")
		checkVec(dyn[k].F, d.NX[k+1], "dynamics residual")
	}
	for k := 0; k <= n; k++ {
		checkMat(cost[k].Q, d.NX[k], d.NX[k], "cost state")
		checkVec(cost[k].Gx, d.NX[k], "cost state gradient")
		if nu := d.NU[k]; nu > 0 {
			checkMat(cost[k].R, nu, nu, "cost input")
			checkMat(cost[k].S, nu, d.NX[k], "cost cross")
			checkVec(cost[k].Gu, nu, "cost input gradient")
		}
		if constr == nil {
			continue
		}
		if ng := d.NG[k]; ng > 0 {
			checkMat(constr[k].C, ng, d.NX[k], "constraint state")
			checkMat(constr[k].D, ng, d.NU[k], "constraint input")
			checkVec(constr[k].E, ng, "constraint residual")
		}
	}
	for k := 0; bounds != nil && k <= n; k++ {
		nbx, nbu := 0, 0
		if d.NBX != nil {
			nbx = d.NBX[k]
		}
		if d.NBU != nil {
			nbu = d.NBU[k]
		}
		b := &bounds[k]
		if len(b.StateIdx) != nbx || len(b.StateLower) != nbx || len(b.StateUpper) != nbx {
			panic("state bound size not match descriptor")
		}
		if len(b.InputIdx) != nbu || len(b.InputLower) != nbu || len(b.InputUpper) != nbu {
			panic("input bound size not match descriptor")
		}
	}
}
