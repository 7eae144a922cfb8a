// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package riccati

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// double integrator sampled at dt, the workhorse problem of the tests
type lqProblem struct {
	dims   Dims
	x0     *mat.VecDense
	dyn    []Dynamics
	cost   []Cost
	constr []Constraint
	bounds []Bounds
}

func doubleIntegrator(n int) *lqProblem {
	const dt = 0.1
	nx, nu := 2, 1
	d := Dims{N: n, NX: make([]int, n+1), NU: make([]int, n+1), NG: make([]int, n+1)}
	for k := 0; k <= n; k++ {
		d.NX[k] = nx
		if k < n {
			d.NU[k] = nu
		}
	}

	p := &lqProblem{dims: d, x0: mat.NewVecDense(nx, []float64{1, 0})}
	for k := 0; k < n; k++ {
		p.dyn = append(p.dyn, Dynamics{
			A: mat.NewDense(nx, nx, []float64{1, dt, 0, 1}),
			B: mat.NewDense(nx, nu, []float64{dt * dt / 2, dt}),
			F: mat.NewVecDense(nx, nil),
		})
	}
	for k := 0; k <= n; k++ {
		q := 1.0
		if k == n {
			q = 10
		}
		c := Cost{
			Q:  mat.NewDense(nx, nx, []float64{q, 0, 0, q}),
			Gx: mat.NewVecDense(nx, nil),
		}
		if k < n {
			c.R = mat.NewDense(nu, nu, []float64{0.1})
			c.S = mat.NewDense(nu, nx, nil)
			c.Gu = mat.NewVecDense(nu, nil)
		}
		p.cost = append(p.cost, c)
	}
	return p
}

// denseKKT solves the same equality-constrained QP directly:
// z = (u₀, x₁, u₁, ..., x_N), Lagrangian system [M Eᵀ; E 0] [z;ν] = [-g; f].
func denseKKT(p *lqProblem) (xs, us []*mat.VecDense) {
	d := &p.dims
	n := d.N
	offX := make([]int, n+1)
	offU := make([]int, n)
	nz := 0
	for k := 0; k <= n; k++ {
		if k > 0 {
			offX[k] = nz
			nz += d.NX[k]
		}
		if k < n {
			offU[k] = nz
			nz += d.NU[k]
		}
	}
	ne := 0
	for k := 0; k < n; k++ {
		ne += d.NX[k+1]
	}
	for k := 0; k <= n; k++ {
		ne += d.NG[k]
	}

	kkt := mat.NewDense(nz+ne, nz+ne, nil)
	rhs := mat.NewVecDense(nz+ne, nil)

	setBlock := func(r, c int, m mat.Matrix) {
		br, bc := m.Dims()
		for i := 0; i < br; i++ {
			for j := 0; j < bc; j++ {
				kkt.Set(r+i, c+j, m.At(i, j))
			}
		}
	}
	for k := 0; k <= n; k++ {
		c := &p.cost[k]
		if k > 0 {
			setBlock(offX[k], offX[k], c.Q)
			for i := 0; i < d.NX[k]; i++ {
				rhs.SetVec(offX[k]+i, -c.Gx.AtVec(i))
			}
		}
		if k < n {
			setBlock(offU[k], offU[k], c.R)
			gu := mat.VecDenseCopyOf(c.Gu)
			if k > 0 {
				setBlock(offU[k], offX[k], c.S)
				setBlock(offX[k], offU[k], c.S.T())
			} else {
				var sx mat.VecDense
				sx.MulVec(c.S, p.x0)
				gu.AddVec(gu, &sx)
			}
			for i := 0; i < d.NU[k]; i++ {
				rhs.SetVec(offU[k]+i, -gu.AtVec(i))
			}
		}
	}

	row := nz
	neg := func(m mat.Matrix) mat.Matrix {
		var s mat.Dense
		s.Scale(-1, m)
		return &s
	}
	for k := 0; k < n; k++ {
		dn := &p.dyn[k]
		f := mat.VecDenseCopyOf(dn.F)
		for i := 0; i < d.NX[k+1]; i++ {
			kkt.Set(row+i, offX[k+1]+i, 1)
		}
		setBlock(row, offU[k], neg(dn.B))
		if k > 0 {
			setBlock(row, offX[k], neg(dn.A))
		} else {
			var ax mat.VecDense
			ax.MulVec(dn.A, p.x0)
			f.AddVec(f, &ax)
		}
		for i := 0; i < d.NX[k+1]; i++ {
			rhs.SetVec(row+i, f.AtVec(i))
		}
		row += d.NX[k+1]
	}
	for k := 0; k <= n; k++ {
		if d.NG[k] == 0 {
			continue
		}
		c := &p.constr[k]
		e := mat.VecDenseCopyOf(c.E)
		if k > 0 {
			setBlock(row, offX[k], c.C)
		} else {
			var cx mat.VecDense
			cx.MulVec(c.C, p.x0)
			e.AddVec(e, &cx)
		}
		if k < n && d.NU[k] > 0 {
			setBlock(row, offU[k], c.D)
		}
		for i := 0; i < d.NG[k]; i++ {
			rhs.SetVec(row+i, -e.AtVec(i))
		}
		row += d.NG[k]
	}
	// symmetrize via transposed multiplier blocks
	for r := nz; r < nz+ne; r++ {
		for c := 0; c < nz; c++ {
			kkt.Set(c, r, kkt.At(r, c))
		}
	}

	var z mat.VecDense
	if err := z.SolveVec(kkt, rhs); err != nil {
		panic(err)
	}
	xs = append(xs, mat.VecDenseCopyOf(p.x0))
	for k := 1; k <= n; k++ {
		xs = append(xs, mat.NewVecDense(d.NX[k], z.RawVector().Data[offX[k]:offX[k]+d.NX[k]]))
	}
	for k := 0; k < n; k++ {
		us = append(us, mat.NewVecDense(d.NU[k], z.RawVector().Data[offU[k]:offU[k]+d.NU[k]]))
	}
	return xs, us
}

func vecClose(a, b *mat.VecDense, tol float64) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if math.Abs(a.AtVec(i)-b.AtVec(i)) > tol {
			return false
		}
	}
	return true
}

func TestSolveUnconstrained(t *testing.T) {
	p := doubleIntegrator(20)
	s := NewSolver(p.dims, Settings{}, nil)
	sol, rec, st := s.Solve(p.x0, p.dyn, p.cost, nil, nil)
	if st != Solved {
		t.Fatalf("TestSolveUnconstrained: status %v", st)
	}

	wantX, wantU := denseKKT(p)
	for k := range sol.X {
		if !vecClose(sol.X[k], wantX[k], 1e-6) {
			t.Fatalf("TestSolveUnconstrained: state %d mismatch\n got %v\nwant %v", k, sol.X[k].RawVector().Data, wantX[k].RawVector().Data)
		}
	}
	for k := range sol.U {
		if !vecClose(sol.U[k], wantU[k], 1e-6) {
			t.Fatalf("TestSolveUnconstrained: input %d mismatch", k)
		}
	}

	// the optimal inputs must satisfy the feedback form u = K·x + k,
	// at stage 0 through the reconstructed gain
	for k := 0; k < p.dims.N; k++ {
		var u mat.VecDense
		u.MulVec(rec.K[k], sol.X[k])
		u.AddVec(&u, rec.Kff[k])
		if !vecClose(&u, sol.U[k], 1e-6) {
			t.Fatalf("TestSolveUnconstrained: policy inconsistent at stage %d", k)
		}
	}
}

// plainRiccati is an independent reference recursion for the
// unconstrained problem, in the original state dimension at stage 0.
func plainRiccati(p *lqProblem) (P []*mat.Dense, pv []*mat.VecDense, K []*mat.Dense, kff []*mat.VecDense) {
	n := p.dims.N
	P = make([]*mat.Dense, n+1)
	pv = make([]*mat.VecDense, n+1)
	K = make([]*mat.Dense, n)
	kff = make([]*mat.VecDense, n)
	P[n] = mat.DenseCopyOf(p.cost[n].Q)
	pv[n] = mat.VecDenseCopyOf(p.cost[n].Gx)
	for k := n - 1; k >= 0; k-- {
		dn, c := &p.dyn[k], &p.cost[k]
		var wb, h, wa, g, hInv mat.Dense
		wb.Mul(P[k+1], dn.B)
		h.Mul(dn.B.T(), &wb)
		h.Add(&h, c.R)
		wa.Mul(P[k+1], dn.A)
		g.Mul(dn.B.T(), &wa)
		g.Add(&g, c.S)
		if err := hInv.Inverse(&h); err != nil {
			panic(err)
		}
		K[k] = &mat.Dense{}
		K[k].Mul(&hInv, &g)
		K[k].Scale(-1, K[k])

		var wv, hv mat.VecDense
		wv.MulVec(P[k+1], dn.F)
		wv.AddVec(&wv, pv[k+1])
		hv.MulVec(dn.B.T(), &wv)
		hv.AddVec(&hv, c.Gu)
		kff[k] = &mat.VecDense{}
		kff[k].MulVec(&hInv, &hv)
		kff[k].ScaleVec(-1, kff[k])

		P[k] = &mat.Dense{}
		P[k].Mul(dn.A.T(), &wa)
		P[k].Add(P[k], c.Q)
		var gk mat.Dense
		gk.Mul(g.T(), K[k])
		P[k].Add(P[k], &gk)

		pv[k] = &mat.VecDense{}
		pv[k].MulVec(dn.A.T(), &wv)
		pv[k].AddVec(pv[k], c.Gx)
		var gv mat.VecDense
		gv.MulVec(g.T(), kff[k])
		pv[k].AddVec(pv[k], &gv)
	}
	return P, pv, K, kff
}

func TestRecursionMatchesReference(t *testing.T) {
	p := doubleIntegrator(15)
	s := NewSolver(p.dims, Settings{Mode: Speed}, nil)
	_, rec, st := s.Solve(p.x0, p.dyn, p.cost, nil, nil)
	if st != Solved {
		t.Fatalf("TestRecursionMatchesReference: status %v", st)
	}

	P, pv, K, kff := plainRiccati(p)
	for k := 0; k <= p.dims.N; k++ {
		if !mat.EqualApprox(rec.P[k], P[k], 1e-6) {
			t.Fatalf("TestRecursionMatchesReference: P[%d] mismatch", k)
		}
		if !vecClose(rec.Pv[k], pv[k], 1e-6) {
			t.Fatalf("TestRecursionMatchesReference: p[%d] mismatch", k)
		}
	}
	for k := 0; k < p.dims.N; k++ {
		if !mat.EqualApprox(rec.K[k], K[k], 1e-6) {
			t.Fatalf("TestRecursionMatchesReference: K[%d] mismatch", k)
		}
		if !vecClose(rec.Kff[k], kff[k], 1e-6) {
			t.Fatalf("TestRecursionMatchesReference: k[%d] mismatch", k)
		}
	}
}

func TestSolveTerminalEquality(t *testing.T) {
	p := doubleIntegrator(20)
	n := p.dims.N
	p.dims.NG[n] = 2
	target := mat.NewVecDense(2, []float64{0.5, 0})
	p.constr = make([]Constraint, n+1)
	p.constr[n] = Constraint{
		C: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		E: mat.NewVecDense(2, []float64{-target.AtVec(0), -target.AtVec(1)}),
	}

	s := NewSolver(p.dims, Settings{Mode: Robust, PredCorr: true}, nil)
	sol, _, st := s.Solve(p.x0, p.dyn, p.cost, p.constr, nil)
	if st != Solved {
		t.Fatalf("TestSolveTerminalEquality: status %v", st)
	}
	if !vecClose(sol.X[n], target, 1e-6) {
		t.Fatalf("TestSolveTerminalEquality: terminal state %v", sol.X[n].RawVector().Data)
	}

	wantX, wantU := denseKKT(p)
	for k := range sol.X {
		if !vecClose(sol.X[k], wantX[k], 1e-5) {
			t.Fatalf("TestSolveTerminalEquality: state %d mismatch", k)
		}
	}
	for k := range sol.U {
		if !vecClose(sol.U[k], wantU[k], 1e-5) {
			t.Fatalf("TestSolveTerminalEquality: input %d mismatch", k)
		}
	}
}

func TestSolveInputBounds(t *testing.T) {
	const n = 10
	d := Dims{N: n, NX: make([]int, n+1), NU: make([]int, n+1), NBU: make([]int, n+1), NG: make([]int, n+1)}
	for k := 0; k <= n; k++ {
		d.NX[k] = 1
		if k < n {
			d.NU[k] = 1
			d.NBU[k] = 1
		}
	}
	p := &lqProblem{dims: d, x0: mat.NewVecDense(1, []float64{1})}
	for k := 0; k < n; k++ {
		p.dyn = append(p.dyn, Dynamics{
			A: mat.NewDense(1, 1, []float64{1}),
			B: mat.NewDense(1, 1, []float64{1}),
			F: mat.NewVecDense(1, nil),
		})
	}
	for k := 0; k <= n; k++ {
		c := Cost{Q: mat.NewDense(1, 1, []float64{1}), Gx: mat.NewVecDense(1, nil)}
		if k < n {
			c.R = mat.NewDense(1, 1, []float64{0.01})
			c.S = mat.NewDense(1, 1, nil)
			c.Gu = mat.NewVecDense(1, nil)
		}
		p.cost = append(p.cost, c)
	}
	const lim = 0.25
	p.bounds = make([]Bounds, n+1)
	for k := 0; k < n; k++ {
		p.bounds[k] = Bounds{InputIdx: []int{0}, InputLower: []float64{-lim}, InputUpper: []float64{lim}}
	}

	s := NewSolver(p.dims, Settings{Mode: Robust, PredCorr: true}, nil)
	sol, _, st := s.Solve(p.x0, p.dyn, p.cost, nil, p.bounds)
	switch {
	case st != Solved:
		t.Fatalf("TestSolveInputBounds: status %v", st)
	case math.Abs(sol.U[0].AtVec(0)+lim) > 1e-5:
		t.Fatalf("TestSolveInputBounds: first input not saturated: %v", sol.U[0].AtVec(0))
	}
	for k := 0; k < n; k++ {
		if math.Abs(sol.U[k].AtVec(0)) > lim+1e-6 {
			t.Fatalf("TestSolveInputBounds: bound violated at stage %d: %v", k, sol.U[k].AtVec(0))
		}
	}
}

func TestSolveInfeasibleBounds(t *testing.T) {
	p := doubleIntegrator(5)
	p.dims.NBX = make([]int, 6)
	p.dims.NBX[3] = 1
	p.bounds = make([]Bounds, 6)
	p.bounds[3] = Bounds{StateIdx: []int{0}, StateLower: []float64{1}, StateUpper: []float64{-1}}

	s := NewSolver(p.dims, Settings{}, nil)
	sol, rec, st := s.Solve(p.x0, p.dyn, p.cost, nil, p.bounds)
	switch {
	case st != InconsistentEquality:
		t.Fatalf("TestSolveInfeasibleBounds: status %v", st)
	case sol != nil || rec != nil:
		t.Fatal("TestSolveInfeasibleBounds: result on infeasible problem")
	}
}

func TestSolveZeroInputStage(t *testing.T) {
	// only the first stage is actuated, the later ones just drift
	const n = 2
	d := Dims{N: n, NX: []int{1, 1, 1}, NU: []int{1, 0, 0}, NG: []int{0, 0, 0}}
	p := &lqProblem{dims: d, x0: mat.NewVecDense(1, []float64{1})}
	for k := 0; k < n; k++ {
		dn := Dynamics{A: mat.NewDense(1, 1, []float64{1}), F: mat.NewVecDense(1, nil)}
		if d.NU[k] > 0 {
			dn.B = mat.NewDense(1, 1, []float64{1})
		}
		p.dyn = append(p.dyn, dn)
	}
	for k := 0; k <= n; k++ {
		c := Cost{Q: mat.NewDense(1, 1, []float64{1}), Gx: mat.NewVecDense(1, nil)}
		if d.NU[k] > 0 {
			c.R = mat.NewDense(1, 1, []float64{1})
			c.S = mat.NewDense(1, 1, nil)
			c.Gu = mat.NewVecDense(1, nil)
		}
		p.cost = append(p.cost, c)
	}

	s := NewSolver(p.dims, Settings{}, nil)
	sol, rec, st := s.Solve(p.x0, p.dyn, p.cost, nil, nil)
	if st != Solved {
		t.Fatalf("TestSolveZeroInputStage: status %v", st)
	}

	// min ½x₀² + ½x₁² + ½u₀² + ½x₂² with x₁ = x₂ = x₀ + u₀
	// gives u₀ = -2/3 and x₁ = x₂ = 1/3
	want := mat.NewVecDense(1, []float64{1.0 / 3})
	switch {
	case !vecClose(sol.U[0], mat.NewVecDense(1, []float64{-2.0 / 3}), 1e-9):
		t.Fatalf("TestSolveZeroInputStage: u0 = %v", sol.U[0].AtVec(0))
	case !vecClose(sol.X[1], want, 1e-9) || !vecClose(sol.X[2], want, 1e-9):
		t.Fatalf("TestSolveZeroInputStage: states %v %v", sol.X[1].AtVec(0), sol.X[2].AtVec(0))
	case sol.U[1] != nil || rec.K[1] != nil || rec.Kff[1] != nil:
		t.Fatal("TestSolveZeroInputStage: zero-input stage carries input data")
	}

	var u mat.VecDense
	u.MulVec(rec.K[0], sol.X[0])
	u.AddVec(&u, rec.Kff[0])
	if !vecClose(&u, sol.U[0], 1e-9) {
		t.Fatalf("TestSolveZeroInputStage: policy inconsistent: %v", u.AtVec(0))
	}
}

func TestSolveNanDetected(t *testing.T) {
	p := doubleIntegrator(10)
	p.cost[3].Gx.SetVec(0, math.NaN())

	s := NewSolver(p.dims, Settings{}, nil)
	sol, rec, st := s.Solve(p.x0, p.dyn, p.cost, nil, nil)
	switch {
	case st != NanDetected:
		t.Fatalf("TestSolveNanDetected: status %v", st)
	case sol != nil || rec != nil:
		t.Fatal("TestSolveNanDetected: result carries NaN data")
	}
}

func TestSolveWarmStart(t *testing.T) {
	p := doubleIntegrator(20)

	// an unconstrained QP converges in one Newton step from cold and
	// in zero steps from the previous optimum
	s := NewSolver(p.dims, Settings{WarmStart: true}, nil)
	first, _, st := s.Solve(p.x0, p.dyn, p.cost, nil, nil)
	if st != Solved {
		t.Fatalf("TestSolveWarmStart: cold status %v", st)
	}
	second, _, st := s.Solve(p.x0, p.dyn, p.cost, nil, nil)
	switch {
	case st != Solved:
		t.Fatalf("TestSolveWarmStart: warm status %v", st)
	case first.Iters < 1:
		t.Fatalf("TestSolveWarmStart: cold start took %d iterations", first.Iters)
	case second.Iters != 0:
		t.Fatalf("TestSolveWarmStart: warm start took %d iterations", second.Iters)
	}
	for k := range first.U {
		if !vecClose(first.U[k], second.U[k], 1e-6) {
			t.Fatalf("TestSolveWarmStart: solutions diverge at stage %d", k)
		}
	}
}
