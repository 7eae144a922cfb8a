// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package riccati

import "gonum.org/v1/gonum/mat"

// The backward Riccati sweep factorizes the stage-coupled KKT system
// of one Newton step. With value function V(x) = ½xᵀPx + pᵀx the
// recursion at stage k reads
//
//	H = R̄ + BᵀP₊B + 𝛒I       (Lr = chol H)
//	G = S̄ + BᵀP₊A
//	K = -H⁻¹G                 k = -H⁻¹(r̄ + Bᵀ(P₊b̂ + p₊))
//	P = Q̄ + AᵀP₊A - GᵀH⁻¹G    p = q̄ + Aᵀ(P₊b̂ + p₊) + Gᵀk
//
// where (Q̄,R̄,S̄,q̄,r̄) are the barrier-augmented stage data, b̂ the
// dynamics residual and 𝛒 the fixed primal regularization. The
// factorization (H, Lr, K, P) only depends on the matrix data, so the
// predictor and the corrector share it and rerun just the vector part.

// factorBackward runs the matrix half of the sweep: P[N..1], gains K
// and Cholesky factors Lr. Returns false when some H is not positive
// definite even after regularization.
func (w *Workspace) factorBackward() bool {
	rec, reg := &w.rec, w.eff.RegPrim
	n := w.dims.N

	rec.P[n].Copy(rec.Qb[n])
	for k := n - 1; k >= 0; k-- {
		s := &w.qp.stages[k]
		p1 := rec.P[k+1]

		if s.nu > 0 {
			// H = R̄ + BᵀP₊B + 𝛒I
			rec.wB[k].Mul(p1, s.B)
			hd := rec.Hd[k]
			hd.Mul(s.B.T(), rec.wB[k])
			hd.Add(hd, rec.Rb[k])
			h := rec.H[k]
			for i := 0; i < s.nu; i++ {
				for j := i; j < s.nu; j++ {
					v := (hd.At(i, j) + hd.At(j, i)) / 2
					if i == j {
						v += reg
					}
					h.SetSym(i, j, v)
				}
			}
			if !rec.chol[k].Factorize(h) {
				return false
			}
		}

		if s.nx == 0 {
			continue // stage 0: feedback and value terms are recovered separately
		}

		// G = S̄ + BᵀP₊A
		rec.wA[k].Mul(p1, s.A)
		g := rec.G[k]
		if s.nu > 0 {
			g.Mul(s.B.T(), rec.wA[k])
			g.Add(g, rec.Sb[k])
			if err := rec.chol[k].SolveTo(rec.K[k], g); err != nil {
				return false
			}
			rec.K[k].Scale(-one, rec.K[k])
		}

		p := rec.P[k]
		switch {
		case s.nu == 0:
			p.Mul(s.A.T(), rec.wA[k])
			p.Add(p, rec.Qb[k])
		case w.eff.RicAlg == RicFactorized:
			// P = Q̄ + AᵀP₊(A + BK) + S̄ᵀK
			acl := rec.wA2[k]
			acl.Mul(rec.wB[k], rec.K[k])
			acl.Add(acl, rec.wA[k]) // P₊A + P₊BK
			p.Mul(s.A.T(), acl)
			p.Add(p, rec.Qb[k])
			rec.wX[k].Mul(rec.Sb[k].T(), rec.K[k])
			p.Add(p, rec.wX[k])
		default:
			// P = Q̄ + AᵀP₊A + GᵀK
			p.Mul(s.A.T(), rec.wA[k])
			p.Add(p, rec.Qb[k])
			rec.wX[k].Mul(g.T(), rec.K[k])
			p.Add(p, rec.wX[k])
		}
		symmetrize(p)
	}
	return true
}

// solveBackward runs the vector half of the sweep on the current
// gradients (q̄,r̄) and dynamics residuals, reusing the factorization.
func (w *Workspace) solveBackward() {
	rec, it := &w.rec, &w.it
	n := w.dims.N

	rec.p[n].CopyVec(rec.qb[n])
	for k := n - 1; k >= 0; k-- {
		s := &w.qp.stages[k]

		// wv = P₊b̂ + p₊
		wv := rec.wv[k]
		wv.MulVec(rec.P[k+1], it.re[k])
		wv.AddVec(wv, rec.p[k+1])

		if s.nu > 0 {
			hv := rec.hv[k]
			hv.MulVec(s.B.T(), wv)
			hv.AddVec(hv, rec.rb[k])
			_ = rec.chol[k].SolveVecTo(rec.kff[k], hv)
			rec.kff[k].ScaleVec(-one, rec.kff[k])
		}

		if s.nx == 0 {
			continue
		}
		p := rec.p[k]
		p.MulVec(s.A.T(), wv)
		p.AddVec(p, rec.qb[k])
		if s.nu > 0 {
			rec.wx[k].MulVec(rec.G[k].T(), rec.kff[k])
			p.AddVec(p, rec.wx[k])
		}
	}
}

// solveForward recovers the primal and dynamics-multiplier updates
// under the feedback policy Δu = KΔx + k.
func (w *Workspace) solveForward() {
	rec, it := &w.rec, &w.it
	n := w.dims.N

	for k := 0; k < n; k++ {
		s := &w.qp.stages[k]
		if s.nu > 0 {
			du := it.du[k]
			if s.nx > 0 {
				du.MulVec(rec.K[k], it.dx[k])
				du.AddVec(du, rec.kff[k])
			} else {
				du.CopyVec(rec.kff[k])
			}
		}
		dx1 := it.dx[k+1]
		dx1.CopyVec(it.re[k])
		if s.nx > 0 {
			rec.wv[k].MulVec(s.A, it.dx[k])
			dx1.AddVec(dx1, rec.wv[k])
		}
		if s.nu > 0 {
			rec.wv[k].MulVec(s.B, it.du[k])
			dx1.AddVec(dx1, rec.wv[k])
		}
	}
	for k := 1; k <= n; k++ {
		dv := it.dv[k]
		dv.MulVec(rec.P[k], it.dx[k])
		dv.AddVec(dv, rec.p[k])
	}
}

// zeroStage recovers the stage-0 feedback and value function in the
// original state dimension. Stage 0 has no decision state inside the
// QP, so K₀,k₀,P₀,p₀ are reconstructed from the stage-1 Riccati
// quantities, the pre-elimination stage-0 blocks and the solver's own
// Lr₀ factor (reused, not refactorized):
//
//	K₀ = -(Lr₀ᵀLr₀)⁻¹(S₀ + B₀ᵀP₁A₀)
//	k₀ = -(Lr₀ᵀLr₀)⁻¹(r₀ + B₀ᵀp₁ + B₀ᵀP₁b₀)
//	P₀ = Q₀ + A₀ᵀP₁A₀ - (S₀+B₀ᵀP₁A₀)ᵀ(Lr₀ᵀLr₀)⁻¹(S₀+B₀ᵀP₁A₀)
//	p₀ = q₀ + A₀ᵀp₁ + A₀ᵀP₁b₀ - (S₀+B₀ᵀP₁A₀)ᵀ(Lr₀ᵀLr₀)⁻¹(r₀+B₀ᵀp₁+B₀ᵀP₁b₀)
func (w *Workspace) zeroStage() {
	rec, qp := &w.rec, &w.qp
	s0 := &qp.stages[0]
	nx0 := w.dims.NX[0]
	if nx0 == 0 || s0.nu == 0 {
		return
	}

	var pa, g mat.Dense    // P₁A₀ , G₀ = S₀ + B₀ᵀP₁A₀
	var pb, h mat.VecDense // P₁b₀ + p₁ , r₀ + B₀ᵀ(P₁b₀ + p₁)
	pa.Mul(rec.P[1], qp.A0)
	g.Mul(s0.B.T(), &pa)
	g.Add(&g, qp.S0)

	pb.MulVec(rec.P[1], qp.b0)
	pb.AddVec(&pb, rec.p[1])
	h.MulVec(s0.B.T(), &pb)
	h.AddVec(&h, qp.r0)

	// raw stage-0 feedforward from the interior-point internals is kept
	// aside: its meaning is not fully characterized, do not mix it in.
	k0, kv0 := rec.K[0], rec.kff[0]
	_ = rec.chol[0].SolveTo(k0, &g)
	k0.Scale(-one, k0)
	_ = rec.chol[0].SolveVecTo(kv0, &h)
	kv0.ScaleVec(-one, kv0)

	p0 := rec.P[0]
	p0.Mul(qp.A0.T(), &pa)
	p0.Add(p0, qp.Q0)
	var gk mat.Dense
	gk.Mul(g.T(), k0)
	p0.Add(p0, &gk)
	symmetrize(p0)

	pv0 := rec.p[0]
	pv0.MulVec(qp.A0.T(), &pb)
	pv0.AddVec(pv0, qp.q0)
	var gv mat.VecDense
	gv.MulVec(g.T(), kv0)
	pv0.AddVec(pv0, &gv)
}

func symmetrize(p *mat.Dense) {
	r, _ := p.Dims()
	for i := 0; i < r; i++ {
		for j := i + 1; j < r; j++ {
			v := (p.At(i, j) + p.At(j, i)) / 2
			p.Set(i, j, v)
			p.Set(j, i, v)
		}
	}
}
