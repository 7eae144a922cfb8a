// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package riccati

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// fracToBound keeps the interior iterate strictly feasible:
// a step may consume at most this fraction of the distance
// to the nonnegativity boundary of any slack or dual.
const fracToBound = 0.995

// Statistics table column indices, one row per interior-point iteration.
const (
	statAlphaAff = iota
	statMuAff
	statSigma
	statAlphaPrim
	statAlphaDual
	statMu
	statResStat
	statResEq
	statResIneq
	statResComp
	statItRefCorr
)

// solveQP runs a primal-dual interior-point method on the transcribed
// block QP. Two-sided constraint rows lg ≤ Cx+Du ≤ ug carry slack
// pairs (sl,su) ≥ 0 with duals (λl,λu) ≥ 0 and perturbed
// complementarity sl∘λl = su∘λu = σμ. Each iteration condenses the
// slack blocks into barrier-augmented stage data, runs one Riccati
// backward/forward sweep for the Newton direction, and takes a
// fraction-to-boundary damped step. With PredCorr the Mehrotra
// predictor-corrector reuses the matrix factorization: only the vector
// sweep is rerun with the corrected centering term.
func (w *Workspace) solveQP() Status {
	it, eff := &w.it, &w.eff
	w.nStat = 0
	w.initPoint()

	for iter := 0; ; iter++ {
		w.nIter = iter
		resStat, resEq, resIneq, resComp := w.residuals()
		if math.IsNaN(resStat) || math.IsNaN(resEq) || math.IsNaN(resIneq) || math.IsNaN(resComp) {
			return NanDetected
		}
		row := w.statRow(iter)
		row[statResStat], row[statResEq] = resStat, resEq
		row[statResIneq], row[statResComp] = resIneq, resComp

		converged := resStat <= eff.TolStat && resEq <= eff.TolEq &&
			resIneq <= eff.TolIneq && resComp <= eff.TolComp
		if converged || iter == eff.IterMax {
			w.nStat = iter + 1
			if !w.factored {
				// expose a valid recursion even for an immediately
				// converged warm start
				w.buildAugmented()
				if w.factorBackward() {
					w.factored = true
				}
			}
			if converged {
				return Solved
			}
			return MaxIterReached
		}

		mu := w.complMu()
		row[statMu] = mu

		w.buildAugmented()
		if !w.factorBackward() {
			return NanDetected
		}
		w.factored = true

		sigma := zero
		if it.nIneq > 0 {
			if eff.PredCorr {
				// predictor: pure Newton on the affine system, σ = 0
				w.centering(zero, zero, false)
				w.direction()
				alphaAff := math.Min(w.stepSizes())
				muAff := w.trialMu(alphaAff)
				sigma = math.Pow(muAff/mu, 3)
				if sigma > one {
					sigma = one
				}
				row[statAlphaAff], row[statMuAff] = alphaAff, muAff

				// corrector: recentre and compensate the affine
				// second-order term, matrices untouched
				w.centering(sigma, mu, true)
			} else {
				sigma = 0.1
				w.centering(sigma, mu, false)
			}
		}
		row[statSigma] = sigma
		w.direction()

		alphaPrim, alphaDual := w.stepSizes()
		if it.nIneq == 0 {
			// an equality-constrained QP needs a single full Newton step
			alphaPrim, alphaDual = one, one
		}
		row[statAlphaPrim], row[statAlphaDual] = alphaPrim, alphaDual
		w.nStat = iter + 1
		if math.Max(alphaPrim, alphaDual) < eff.AlphaMin {
			return MinStepReached
		}
		w.applyStep(alphaPrim, alphaDual)
	}
}

func (w *Workspace) statRow(iter int) []float64 {
	row := w.stats[iter*statM : (iter+1)*statM]
	for i := range row {
		row[i] = 0
	}
	return row
}

// initPoint seeds the iterate. Primal and equality duals reuse the
// previous solution under warm start, otherwise start from zero.
// Slacks and inequality duals always restart at √μ₀ so the initial
// point is strictly interior with complementarity products μ₀.
func (w *Workspace) initPoint() {
	it := &w.it
	s0 := math.Sqrt(w.eff.Mu0)
	warm := w.hasSol && w.eff.WarmStart
	for k := 0; k <= w.dims.N; k++ {
		s := &w.qp.stages[k]
		if !warm {
			if s.nx > 0 {
				it.x[k].Zero()
				it.v[k].Zero()
			}
			if s.nu > 0 {
				it.u[k].Zero()
			}
		}
		if s.ng > 0 {
			setAll(it.sl[k].RawVector().Data, s0)
			setAll(it.su[k].RawVector().Data, s0)
			setAll(it.ll[k].RawVector().Data, s0)
			setAll(it.lu[k].RawVector().Data, s0)
		}
	}
	w.factored = false
}

// residuals evaluates the KKT residuals at the current iterate and
// returns their infinity norms: stationarity, dynamics, inequality
// and complementarity.
func (w *Workspace) residuals() (resStat, resEq, resIneq, resComp float64) {
	it, rec := &w.it, &w.rec
	n := w.dims.N

	for k := 0; k <= n; k++ {
		s := &w.qp.stages[k]
		lam := it.dll[k] // λu - λl scratch, rewritten by the direction later
		if s.ng > 0 {
			lam.SubVec(it.lu[k], it.ll[k])
		}

		if s.nx > 0 {
			rx, wx := it.rx[k], rec.wx[k]
			rx.MulVec(s.Q, it.x[k])
			rx.AddVec(rx, s.q)
			if s.nu > 0 {
				wx.MulVec(s.S.T(), it.u[k])
				rx.AddVec(rx, wx)
			}
			if k < n {
				wx.MulVec(s.A.T(), it.v[k+1])
				rx.AddVec(rx, wx)
			}
			rx.AddScaledVec(rx, -one, it.v[k])
			if s.ng > 0 {
				wx.MulVec(s.C.T(), lam)
				rx.AddVec(rx, wx)
			}
			resStat = math.Max(resStat, maxAbs(rx.RawVector().Data))
		}

		if s.nu > 0 {
			ru, hv := it.ru[k], rec.hv[k]
			ru.MulVec(s.R, it.u[k])
			ru.AddVec(ru, s.r)
			if s.nx > 0 {
				hv.MulVec(s.S, it.x[k])
				ru.AddVec(ru, hv)
			}
			if k < n {
				hv.MulVec(s.B.T(), it.v[k+1])
				ru.AddVec(ru, hv)
			}
			if s.ng > 0 {
				hv.MulVec(s.D.T(), lam)
				ru.AddVec(ru, hv)
			}
			resStat = math.Max(resStat, maxAbs(ru.RawVector().Data))
		}

		if k < n {
			re, wv := it.re[k], rec.wv[k]
			re.CopyVec(s.b)
			if s.nx > 0 {
				wv.MulVec(s.A, it.x[k])
				re.AddVec(re, wv)
			}
			if s.nu > 0 {
				wv.MulVec(s.B, it.u[k])
				re.AddVec(re, wv)
			}
			re.AddScaledVec(re, -one, it.x[k+1])
			resEq = math.Max(resEq, maxAbs(re.RawVector().Data))
		}

		if s.ng > 0 {
			ril, riu := it.ril[k], it.riu[k]
			if s.nx > 0 {
				ril.MulVec(s.C, it.x[k])
			} else {
				ril.Zero()
			}
			if s.nu > 0 {
				gu := it.mcl[k] // free until the centering step
				gu.MulVec(s.D, it.u[k])
				ril.AddVec(ril, gu)
			}
			riu.CopyVec(ril)
			riu.AddVec(riu, it.su[k])
			riu.SubVec(riu, s.ug)
			ril.SubVec(ril, it.sl[k])
			ril.SubVec(ril, s.lg)
			resIneq = math.Max(resIneq, maxAbs(ril.RawVector().Data))
			resIneq = math.Max(resIneq, maxAbs(riu.RawVector().Data))

			sl, su := it.sl[k].RawVector().Data, it.su[k].RawVector().Data
			ll, lu := it.ll[k].RawVector().Data, it.lu[k].RawVector().Data
			for i := range sl {
				resComp = math.Max(resComp, math.Abs(sl[i]*ll[i]))
				resComp = math.Max(resComp, math.Abs(su[i]*lu[i]))
			}
		}
	}
	return resStat, resEq, resIneq, resComp
}

// complMu is the duality measure: the mean complementarity product
// over all slack pairs.
func (w *Workspace) complMu() float64 {
	it := &w.it
	if it.nIneq == 0 {
		return zero
	}
	sum := zero
	for k := 0; k <= w.dims.N; k++ {
		if w.qp.stages[k].ng == 0 {
			continue
		}
		sl, su := it.sl[k].RawVector().Data, it.su[k].RawVector().Data
		ll, lu := it.ll[k].RawVector().Data, it.lu[k].RawVector().Data
		for i := range sl {
			sum += sl[i]*ll[i] + su[i]*lu[i]
		}
	}
	return sum / float64(2*it.nIneq)
}

// trialMu is the duality measure after a tentative step of size alpha
// in both primal and dual slack variables.
func (w *Workspace) trialMu(alpha float64) float64 {
	it := &w.it
	if it.nIneq == 0 {
		return zero
	}
	sum := zero
	for k := 0; k <= w.dims.N; k++ {
		if w.qp.stages[k].ng == 0 {
			continue
		}
		sl, su := it.sl[k].RawVector().Data, it.su[k].RawVector().Data
		ll, lu := it.ll[k].RawVector().Data, it.lu[k].RawVector().Data
		dsl, dsu := it.dsl[k].RawVector().Data, it.dsu[k].RawVector().Data
		dll, dlu := it.dll[k].RawVector().Data, it.dlu[k].RawVector().Data
		for i := range sl {
			sum += (sl[i] + alpha*dsl[i]) * (ll[i] + alpha*dll[i])
			sum += (su[i] + alpha*dsu[i]) * (lu[i] + alpha*dlu[i])
		}
	}
	return sum / float64(2*it.nIneq)
}

// buildAugmented condenses the slack blocks into barrier-augmented
// stage data. With Ω = diag(λl/sl + λu/su) the Hessian blocks become
//
//	Q̄ = Q + CᵀΩC   R̄ = R + DᵀΩD   S̄ = S + DᵀΩC
//
// which keeps the Riccati sweep oblivious to the inequalities.
func (w *Workspace) buildAugmented() {
	it, rec := &w.it, &w.rec
	for k := 0; k <= w.dims.N; k++ {
		s := &w.qp.stages[k]
		if s.ng == 0 {
			if s.nx > 0 {
				rec.Qb[k].Copy(s.Q)
			}
			if s.nu > 0 {
				rec.Rb[k].Copy(s.R)
				if s.nx > 0 {
					rec.Sb[k].Copy(s.S)
				}
			}
			continue
		}

		omg := rec.omg[k].RawVector().Data
		sl, su := it.sl[k].RawVector().Data, it.su[k].RawVector().Data
		ll, lu := it.ll[k].RawVector().Data, it.lu[k].RawVector().Data
		for i := range omg {
			omg[i] = ll[i]/sl[i] + lu[i]/su[i]
		}
		if s.nx > 0 {
			scaleRows(rec.wC[k], s.C, omg)
			rec.Qb[k].Mul(s.C.T(), rec.wC[k])
			rec.Qb[k].Add(rec.Qb[k], s.Q)
		}
		if s.nu > 0 {
			scaleRows(rec.wD[k], s.D, omg)
			rec.Rb[k].Mul(s.D.T(), rec.wD[k])
			rec.Rb[k].Add(rec.Rb[k], s.R)
			if s.nx > 0 {
				rec.Sb[k].Mul(s.D.T(), rec.wC[k])
				rec.Sb[k].Add(rec.Sb[k], s.S)
			}
		}
	}
}

// centering fills the complementarity targets mcl,mcu for the next
// vector sweep: σμ − sl∘λl for the lower pair, minus the affine
// second-order correction dsl∘dλl when corr is set (Mehrotra).
func (w *Workspace) centering(sigma, mu float64, corr bool) {
	it := &w.it
	sm := sigma * mu
	for k := 0; k <= w.dims.N; k++ {
		if w.qp.stages[k].ng == 0 {
			continue
		}
		mcl, mcu := it.mcl[k].RawVector().Data, it.mcu[k].RawVector().Data
		sl, su := it.sl[k].RawVector().Data, it.su[k].RawVector().Data
		ll, lu := it.ll[k].RawVector().Data, it.lu[k].RawVector().Data
		for i := range mcl {
			mcl[i] = sm - sl[i]*ll[i]
			mcu[i] = sm - su[i]*lu[i]
		}
		if corr {
			dsl, dsu := it.dsl[k].RawVector().Data, it.dsu[k].RawVector().Data
			dll, dlu := it.dll[k].RawVector().Data, it.dlu[k].RawVector().Data
			for i := range mcl {
				mcl[i] -= dsl[i] * dll[i]
				mcu[i] -= dsu[i] * dlu[i]
			}
		}
	}
}

// direction computes one Newton direction for the current centering
// targets: condensed gradients, vector sweep on the standing
// factorization, forward rollout and slack/dual recovery.
func (w *Workspace) direction() {
	w.buildGradients()
	w.solveBackward()
	w.solveForward()
	w.recoverStep()
}

// buildGradients folds the inequality residuals and centering targets
// into the condensed stage gradients
//
//	β = mcu/su - mcl/sl + (λu/su)∘riu + (λl/sl)∘ril
//	q̄ = rx + Cᵀβ   r̄ = ru + Dᵀβ
func (w *Workspace) buildGradients() {
	it, rec := &w.it, &w.rec
	for k := 0; k <= w.dims.N; k++ {
		s := &w.qp.stages[k]
		if s.ng == 0 {
			if s.nx > 0 {
				rec.qb[k].CopyVec(it.rx[k])
			}
			if s.nu > 0 {
				rec.rb[k].CopyVec(it.ru[k])
			}
			continue
		}

		beta := it.beta[k].RawVector().Data
		mcl, mcu := it.mcl[k].RawVector().Data, it.mcu[k].RawVector().Data
		ril, riu := it.ril[k].RawVector().Data, it.riu[k].RawVector().Data
		sl, su := it.sl[k].RawVector().Data, it.su[k].RawVector().Data
		ll, lu := it.ll[k].RawVector().Data, it.lu[k].RawVector().Data
		for i := range beta {
			beta[i] = mcu[i]/su[i] - mcl[i]/sl[i] + lu[i]/su[i]*riu[i] + ll[i]/sl[i]*ril[i]
		}
		if s.nx > 0 {
			rec.wx[k].MulVec(s.C.T(), it.beta[k])
			rec.qb[k].AddVec(it.rx[k], rec.wx[k])
		}
		if s.nu > 0 {
			rec.hv[k].MulVec(s.D.T(), it.beta[k])
			rec.rb[k].AddVec(it.ru[k], rec.hv[k])
		}
	}
}

// recoverStep back-substitutes the slack and inequality-dual
// directions from the primal step.
func (w *Workspace) recoverStep() {
	it := &w.it
	for k := 0; k <= w.dims.N; k++ {
		s := &w.qp.stages[k]
		if s.ng == 0 {
			continue
		}
		dsl, dsu := it.dsl[k], it.dsu[k]
		if s.nx > 0 {
			dsl.MulVec(s.C, it.dx[k])
		} else {
			dsl.Zero()
		}
		if s.nu > 0 {
			du := it.dlu[k] // scratch until overwritten below
			du.MulVec(s.D, it.du[k])
			dsl.AddVec(dsl, du)
		}
		dsu.AddVec(dsl, it.riu[k]) // CΔx + DΔu + riu
		dsu.ScaleVec(-one, dsu)
		dsl.AddVec(dsl, it.ril[k])

		rsl, rsu := dsl.RawVector().Data, dsu.RawVector().Data
		dll, dlu := it.dll[k].RawVector().Data, it.dlu[k].RawVector().Data
		mcl, mcu := it.mcl[k].RawVector().Data, it.mcu[k].RawVector().Data
		sl, su := it.sl[k].RawVector().Data, it.su[k].RawVector().Data
		ll, lu := it.ll[k].RawVector().Data, it.lu[k].RawVector().Data
		for i := range rsl {
			dll[i] = (mcl[i] - ll[i]*rsl[i]) / sl[i]
			dlu[i] = (mcu[i] - lu[i]*rsu[i]) / su[i]
		}
	}
}

// stepSizes applies the fraction-to-boundary rule separately to the
// primal pair (sl,su) and the dual pair (λl,λu).
func (w *Workspace) stepSizes() (alphaPrim, alphaDual float64) {
	it := &w.it
	alphaPrim, alphaDual = one, one
	for k := 0; k <= w.dims.N; k++ {
		if w.qp.stages[k].ng == 0 {
			continue
		}
		alphaPrim = boundAlpha(alphaPrim, it.sl[k].RawVector().Data, it.dsl[k].RawVector().Data)
		alphaPrim = boundAlpha(alphaPrim, it.su[k].RawVector().Data, it.dsu[k].RawVector().Data)
		alphaDual = boundAlpha(alphaDual, it.ll[k].RawVector().Data, it.dll[k].RawVector().Data)
		alphaDual = boundAlpha(alphaDual, it.lu[k].RawVector().Data, it.dlu[k].RawVector().Data)
	}
	return alphaPrim, alphaDual
}

func boundAlpha(alpha float64, s, ds []float64) float64 {
	for i := range s {
		if ds[i] < zero {
			if a := -fracToBound * s[i] / ds[i]; a < alpha {
				alpha = a
			}
		}
	}
	return alpha
}

func setAll(s []float64, v float64) {
	for i := range s {
		s[i] = v
	}
}

func maxAbs(s []float64) float64 {
	m := zero
	for _, v := range s {
		if a := math.Abs(v); a > m || math.IsNaN(a) {
			m = a
		}
	}
	return m
}

// scaleRows writes dst = diag(d)·src.
func scaleRows(dst, src *mat.Dense, d []float64) {
	_, c := src.Dims()
	for i, di := range d {
		row, out := src.RawRowView(i), dst.RawRowView(i)
		for j := 0; j < c; j++ {
			out[j] = di * row[j]
		}
	}
}

// applyStep advances the iterate with separate primal and dual
// step sizes.
func (w *Workspace) applyStep(alphaPrim, alphaDual float64) {
	it := &w.it
	for k := 0; k <= w.dims.N; k++ {
		s := &w.qp.stages[k]
		if s.nx > 0 {
			it.x[k].AddScaledVec(it.x[k], alphaPrim, it.dx[k])
			it.v[k].AddScaledVec(it.v[k], alphaDual, it.dv[k])
		}
		if s.nu > 0 {
			it.u[k].AddScaledVec(it.u[k], alphaPrim, it.du[k])
		}
		if s.ng > 0 {
			it.sl[k].AddScaledVec(it.sl[k], alphaPrim, it.dsl[k])
			it.su[k].AddScaledVec(it.su[k], alphaPrim, it.dsu[k])
			it.ll[k].AddScaledVec(it.ll[k], alphaDual, it.dll[k])
			it.lu[k].AddScaledVec(it.lu[k], alphaDual, it.dlu[k])
		}
	}
}
