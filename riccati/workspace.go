// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package riccati

import "gonum.org/v1/gonum/mat"

// Buffer roles of the workspace arena.
// Each role owns one grow-only float block.
const (
	roleQP   = iota // transcribed stage QP blocks
	roleSol         // primal/dual/slack iterate and residuals
	roleArg         // barrier-augmented stage data
	roleWS          // Riccati sweep quantities and scratch
	roleStat        // per-iteration statistics table
	numRoles
)

// statM is the column count of the statistics table:
// alpha_aff, mu_aff, sigma, alpha_prim, alpha_dual, mu,
// res_stat, res_eq, res_ineq, res_comp, itref_corr.
const statM = 11

// memBlock is a grow-only chunk of float memory.
// A block is resized only when the requirement exceeds its capacity;
// once grown it is never shrunk, which amortizes allocation across
// repeated same-shape solves in a control loop.
type memBlock struct {
	buf []float64
	off int
}

// reserve ensures capacity of at least n and rewinds the block.
func (b *memBlock) reserve(n int) {
	if n > cap(b.buf) {
		b.buf = make([]float64, n)
	}
	b.buf = b.buf[:cap(b.buf)]
	b.off = 0
}

func (b *memBlock) take(n int) []float64 {
	s := b.buf[b.off : b.off+n]
	b.off += n
	return s
}

// alloc hands out matrix views, either counting (sizer) or
// slicing arena memory (memBlock).
type alloc interface {
	mat(r, c int) *mat.Dense
	sym(n int) *mat.SymDense
	vec(n int) *mat.VecDense
}

type sizer struct{ n int }

func (s *sizer) mat(r, c int) *mat.Dense {
	s.n += r * c
	return nil
}

func (s *sizer) sym(n int) *mat.SymDense {
	s.n += n * n
	return nil
}

func (s *sizer) vec(n int) *mat.VecDense {
	s.n += n
	return nil
}

func (b *memBlock) mat(r, c int) *mat.Dense {
	if r == 0 || c == 0 {
		return nil
	}
	return mat.NewDense(r, c, b.take(r*c))
}

func (b *memBlock) sym(n int) *mat.SymDense {
	if n == 0 {
		return nil
	}
	return mat.NewSymDense(n, b.take(n*n))
}

func (b *memBlock) vec(n int) *mat.VecDense {
	if n == 0 {
		return nil
	}
	return mat.NewVecDense(n, b.take(n))
}

// stageQP holds the dense blocks of one transcribed stage.
// Stage 0 has zero state dimension after initial-state elimination,
// so its state-coupled blocks are nil.
type stageQP struct {
	nx, nu, ng int

	A *mat.Dense // nx₊ × nx
	B *mat.Dense // nx₊ × nu
	b *mat.VecDense

	Q *mat.Dense
	R *mat.Dense
	S *mat.Dense
	q *mat.VecDense
	r *mat.VecDense

	C  *mat.Dense // ng × nx, box bounds folded in
	D  *mat.Dense // ng × nu
	lg *mat.VecDense
	ug *mat.VecDense
}

// blockQP is the transcribed horizon plus the pre-elimination
// stage-0 blocks kept for zero-stage reconstruction.
// Its stage views stay valid for the whole solve.
type blockQP struct {
	stages []stageQP
	x0     *mat.VecDense

	A0 *mat.Dense // NX[1] × NX[0], original dfdx
	b0 *mat.VecDense
	Q0 *mat.Dense
	S0 *mat.Dense
	q0 *mat.VecDense
	r0 *mat.VecDense
}

// iterate is the primal-dual interior-point state.
// Vectors are per stage; v[k] is the dynamics multiplier of the
// equality x[k] = A x[k-1] + B u[k-1] + b.
type iterate struct {
	x, u, v        []*mat.VecDense
	sl, su, ll, lu []*mat.VecDense

	dx, du, dv         []*mat.VecDense
	dsl, dsu, dll, dlu []*mat.VecDense

	rx, ru, re, ril, riu []*mat.VecDense
	beta, mcl, mcu       []*mat.VecDense

	nIneq int // total two-sided constraint rows over the horizon
}

// recursionData carries the Riccati quantities of the backward sweep
// and its scratch. P,p,K,k at index 0 hold the reconstructed
// zero-stage values in the original state dimension.
type recursionData struct {
	P    []*mat.Dense
	p    []*mat.VecDense
	K    []*mat.Dense
	kff  []*mat.VecDense
	chol []*mat.Cholesky

	// barrier-augmented stage data
	Qb, Rb, Sb []*mat.Dense
	qb, rb     []*mat.VecDense
	omg        []*mat.VecDense // slack-scaled dual weights λl/sl + λu/su

	// sweep scratch
	H                  []*mat.SymDense
	Hd, wA, wA2, wB, G []*mat.Dense
	wC, wD, wX         []*mat.Dense
	wv, hv, wx         []*mat.VecDense
}

// Workspace owns every buffer one solve needs, sized to a descriptor
// and settings pair. It is exclusively owned by one in-flight solve;
// concurrent solves of independent problems need separate instances.
type Workspace struct {
	dims     Dims
	settings Settings // as provided, for equality gating
	eff      Settings // with mode defaults applied
	prepared bool
	hasSol   bool // a previous solution is available for warm start
	factored bool // the backward sweep factorization is populated

	blocks [numRoles]memBlock

	qp    blockQP
	it    iterate
	rec   recursionData
	stats []float64 // (IterMax+1) × statM rows
	nStat int       // rows recorded by the last solve
	nIter int       // iterations performed by the last solve
}

// Prepare ensures the workspace fits the requested shapes and applies
// the solver configuration. It is a no-op when both descriptor and
// settings compare equal, by value, to the previously prepared pair.
// Growing a block that cannot be allocated is fatal: the runtime
// panics and nothing attempts recovery.
func (w *Workspace) Prepare(dims Dims, settings Settings) {
	dims.check()
	if w.prepared && w.dims.Equal(&dims) && w.settings == settings {
		return
	}
	w.dims = dims.Clone()
	w.settings = settings
	w.eff = settings.withDefaults()
	w.hasSol = false

	var szs [numRoles]sizer
	allocs := [numRoles]alloc{&szs[roleQP], &szs[roleSol], &szs[roleArg], &szs[roleWS], &szs[roleStat]}
	w.build(allocs)
	for i := range w.blocks {
		w.blocks[i].reserve(szs[i].n)
	}
	allocs = [numRoles]alloc{&w.blocks[roleQP], &w.blocks[roleSol], &w.blocks[roleArg], &w.blocks[roleWS], &w.blocks[roleStat]}
	w.build(allocs)
	w.prepared = true
}

// nxq is the decision-state dimension of stage k inside the QP:
// zero at stage 0 where the initial state is eliminated.
func (w *Workspace) nxq(k int) int {
	if k == 0 {
		return 0
	}
	return w.dims.NX[k]
}

// build wires every per-stage view onto the role arenas.
// Called twice per Prepare: once counting, once slicing.
func (w *Workspace) build(a [numRoles]alloc) {
	d, n := &w.dims, w.dims.N
	qpa, sol, arg, ws, st := a[roleQP], a[roleSol], a[roleArg], a[roleWS], a[roleStat]

	qp := &w.qp
	qp.stages = resize(qp.stages, n+1)
	qp.x0 = qpa.vec(d.NX[0])
	qp.A0 = qpa.mat(d.NX[1], d.NX[0])
	qp.b0 = qpa.vec(d.NX[1])
	qp.Q0 = qpa.mat(d.NX[0], d.NX[0])
	qp.S0 = qpa.mat(d.NU[0], d.NX[0])
	qp.q0 = qpa.vec(d.NX[0])
	qp.r0 = qpa.vec(d.NU[0])

	it := &w.it
	for _, s := range []*[]*mat.VecDense{
		&it.x, &it.u, &it.v, &it.sl, &it.su, &it.ll, &it.lu,
		&it.dx, &it.du, &it.dv, &it.dsl, &it.dsu, &it.dll, &it.dlu,
		&it.rx, &it.ru, &it.re, &it.ril, &it.riu, &it.beta, &it.mcl, &it.mcu,
	} {
		*s = resize(*s, n+1)
	}

	rec := &w.rec
	for _, s := range []*[]*mat.Dense{&rec.P, &rec.K, &rec.Qb, &rec.Rb, &rec.Sb, &rec.Hd, &rec.wA, &rec.wA2, &rec.wB, &rec.G, &rec.wC, &rec.wD, &rec.wX} {
		*s = resize(*s, n+1)
	}
	for _, s := range []*[]*mat.VecDense{&rec.p, &rec.kff, &rec.qb, &rec.rb, &rec.omg, &rec.wv, &rec.hv, &rec.wx} {
		*s = resize(*s, n+1)
	}
	rec.H = resize(rec.H, n+1)
	rec.chol = resize(rec.chol, n+1)

	it.nIneq = 0
	for k := 0; k <= n; k++ {
		nx, nu, ng := w.nxq(k), d.NU[k], d.nbg(k)
		nx1 := 0
		if k < n {
			nx1 = d.NX[k+1]
		}
		it.nIneq += ng

		s := &qp.stages[k]
		s.nx, s.nu, s.ng = nx, nu, ng
		s.A = qpa.mat(nx1, nx)
		s.B = qpa.mat(nx1, nu)
		s.b = qpa.vec(nx1)
		s.Q = qpa.mat(nx, nx)
		s.R = qpa.mat(nu, nu)
		s.S = qpa.mat(nu, nx)
		s.q = qpa.vec(nx)
		s.r = qpa.vec(nu)
		s.C = qpa.mat(ng, nx)
		s.D = qpa.mat(ng, nu)
		s.lg = qpa.vec(ng)
		s.ug = qpa.vec(ng)

		it.x[k], it.dx[k], it.rx[k] = sol.vec(nx), sol.vec(nx), sol.vec(nx)
		it.u[k], it.du[k], it.ru[k] = sol.vec(nu), sol.vec(nu), sol.vec(nu)
		it.v[k], it.dv[k] = sol.vec(nx), sol.vec(nx)
		it.re[k] = sol.vec(nx1)
		for _, g := range []*[]*mat.VecDense{&it.sl, &it.su, &it.ll, &it.lu, &it.dsl, &it.dsu, &it.dll, &it.dlu, &it.ril, &it.riu, &it.beta, &it.mcl, &it.mcu} {
			(*g)[k] = sol.vec(ng)
		}

		rec.Qb[k] = arg.mat(nx, nx)
		rec.Rb[k] = arg.mat(nu, nu)
		rec.Sb[k] = arg.mat(nu, nx)
		rec.qb[k] = arg.vec(nx)
		rec.rb[k] = arg.vec(nu)
		rec.omg[k] = arg.vec(ng)
		rec.wC[k] = arg.mat(ng, nx)
		rec.wD[k] = arg.mat(ng, nu)

		// zero-stage P,p,K,k live in the original state dimension
		rnx := nx
		if k == 0 {
			rnx = d.NX[0]
		}
		rec.P[k] = ws.mat(rnx, rnx)
		rec.p[k] = ws.vec(rnx)
		rec.wx[k] = ws.vec(nx)
		rec.wX[k] = ws.mat(nx, nx)
		if k < n {
			rec.K[k] = ws.mat(nu, rnx)
			rec.kff[k] = ws.vec(nu)
			rec.H[k] = ws.sym(nu)
			rec.Hd[k] = ws.mat(nu, nu)
			rec.wA[k] = ws.mat(nx1, nx)
			rec.wA2[k] = ws.mat(nx1, nx)
			rec.wB[k] = ws.mat(nx1, nu)
			rec.G[k] = ws.mat(nu, nx)
			rec.wv[k] = ws.vec(nx1)
			rec.hv[k] = ws.vec(nu)
			if rec.chol[k] == nil {
				rec.chol[k] = new(mat.Cholesky)
			}
		}
	}

	w.stats = statTake(st, (w.eff.IterMax+1)*statM)
}

func statTake(a alloc, n int) []float64 {
	if v := a.vec(n); v != nil {
		return v.RawVector().Data
	}
	return nil
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}
