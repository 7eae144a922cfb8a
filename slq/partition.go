// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slq

import (
	"context"
	"errors"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/trajopt/riccati"
)

// errNotPositiveDefinite reports a backward sweep whose regularized
// input Hessian could not be factorized.
var errNotPositiveDefinite = errors.New("input hessian not positive definite")

// executor runs the feedback recursion of one outer iteration over
// contiguous horizon partitions. The parallel phase sweeps every
// partition backward from a cached boundary value function; the
// stitching phase walks last partition to first and re-sweeps a
// partition whose cached seed drifted from the successor's exact
// initial value. The cache carries over between outer iterations, so
// after the extra allotted iteration per boundary the stitched
// recursion coincides with a single full-horizon sweep.
//
// Partitions write disjoint stage ranges of P, p, K: single writer
// per range between the phase barriers.
type executor struct {
	dims   riccati.Dims
	edges  []int // partition start stages, length nParts+1, edges[0]=0, edges[last]=N
	nThr   int
	tol    float64
	cached bool

	// boundary value cache, indexed by partition, at stage edges[i+1]
	cP []*mat.Dense
	cp []*mat.VecDense

	P []*mat.Dense
	p []*mat.VecDense
	K []*mat.Dense
}

func newExecutor(dims riccati.Dims, nParts, nThreads int, tol float64) *executor {
	n := dims.N
	e := &executor{
		dims:  dims.Clone(),
		edges: make([]int, nParts+1),
		nThr:  nThreads,
		tol:   tol,
		cP:    make([]*mat.Dense, nParts),
		cp:    make([]*mat.VecDense, nParts),
		P:     make([]*mat.Dense, n+1),
		p:     make([]*mat.VecDense, n+1),
		K:     make([]*mat.Dense, n),
	}
	for i := 1; i <= nParts; i++ {
		e.edges[i] = i * n / nParts
	}
	for k := 0; k <= n; k++ {
		e.P[k] = mat.NewDense(dims.NX[k], dims.NX[k], nil)
		e.p[k] = mat.NewVecDense(dims.NX[k], nil)
		if k < n {
			e.K[k] = mat.NewDense(dims.NU[k], dims.NX[k], nil)
		}
	}
	return e
}

// run computes the stitched feedback recursion for the given
// approximation, regularizing the input Hessian by reg.
func (e *executor) run(ctx context.Context, dyn []riccati.Dynamics, cost []riccati.Cost, reg float64) error {
	last := len(e.edges) - 2 // index of the final partition
	n := e.dims.N

	// parallel phase: every partition sweeps from its cached seed,
	// the final partition from the exact terminal cost
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.nThr)
	for i := 0; i <= last; i++ {
		i := i
		g.Go(func() error {
			if i == last {
				e.P[n].Copy(cost[n].Q)
				e.p[n].CopyVec(cost[n].Gx)
				return e.sweep(i, e.P[n], e.p[n], dyn, cost, reg)
			}
			if !e.cached {
				b := e.edges[i+1]
				e.cP[i] = mat.DenseCopyOf(cost[b].Q)
				e.cp[i] = mat.VecDenseCopyOf(cost[b].Gx)
			}
			return e.sweep(i, e.cP[i], e.cp[i], dyn, cost, reg)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// stitching phase: last to first, re-sweep where the cache drifted.
	// Partition i+1 is already consistent, so the value it wrote at its
	// lowest stage is the exact seed of partition i.
	for i := last - 1; i >= 0; i-- {
		b := e.edges[i+1]
		drift := math.Max(matDrift(e.cP[i], e.P[b]), vecDrift(e.cp[i], e.p[b]))
		e.cP[i].Copy(e.P[b])
		e.cp[i].CopyVec(e.p[b])
		if drift > e.tol {
			if err := e.sweep(i, e.cP[i], e.cp[i], dyn, cost, reg); err != nil {
				return err
			}
		}
	}
	e.cached = true
	return nil
}

// sweep runs the backward recursion over partition i from the given
// seed value function, writing stages [edges[i], edges[i+1]) only.
// The value written at the lower edge seeds the preceding partition.
func (e *executor) sweep(i int, seedP *mat.Dense, seedp *mat.VecDense, dyn []riccati.Dynamics, cost []riccati.Cost, reg float64) error {
	lo, hi := e.edges[i], e.edges[i+1]
	pNext, pvNext := seedP, seedp
	for k := hi - 1; k >= lo; k-- {
		dn, c := &dyn[k], &cost[k]
		nu := e.dims.NU[k]

		var wb, h mat.Dense
		wb.Mul(pNext, dn.B)
		h.Mul(dn.B.T(), &wb)
		h.Add(&h, c.R)
		hs := mat.NewSymDense(nu, nil)
		for r := 0; r < nu; r++ {
			for cc := r; cc < nu; cc++ {
				v := (h.At(r, cc) + h.At(cc, r)) / 2
				if r == cc {
					v += reg
				}
				hs.SetSym(r, cc, v)
			}
		}
		var chol mat.Cholesky
		if !chol.Factorize(hs) {
			return errNotPositiveDefinite
		}

		var wa, g mat.Dense
		wa.Mul(pNext, dn.A)
		g.Mul(dn.B.T(), &wa)
		g.Add(&g, c.S)
		if err := chol.SolveTo(e.K[k], &g); err != nil {
			return err
		}
		e.K[k].Scale(-1, e.K[k])

		var wv, hv, kv mat.VecDense
		wv.MulVec(pNext, dn.F)
		wv.AddVec(&wv, pvNext)
		hv.MulVec(dn.B.T(), &wv)
		hv.AddVec(&hv, c.Gu)
		if err := chol.SolveVecTo(&kv, &hv); err != nil {
			return err
		}

		pk := e.P[k]
		pk.Mul(dn.A.T(), &wa)
		pk.Add(pk, c.Q)
		var gk mat.Dense
		gk.Mul(g.T(), e.K[k])
		pk.Add(pk, &gk)
		for r := 0; r < e.dims.NX[k]; r++ {
			for cc := r + 1; cc < e.dims.NX[k]; cc++ {
				v := (pk.At(r, cc) + pk.At(cc, r)) / 2
				pk.Set(r, cc, v)
				pk.Set(cc, r, v)
			}
		}

		pv := e.p[k]
		pv.MulVec(dn.A.T(), &wv)
		pv.AddVec(pv, c.Gx)
		var gv mat.VecDense
		gv.MulVec(g.T(), &kv)
		pv.AddScaledVec(pv, -1, &gv)

		pNext, pvNext = e.P[k], e.p[k]
	}
	return nil
}

// reset drops the boundary cache, forcing the next run to reseed
// from the cost curvature.
func (e *executor) reset() {
	e.cached = false
}

func matDrift(a, b *mat.Dense) float64 {
	r, c := a.Dims()
	m := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m = math.Max(m, math.Abs(a.At(i, j)-b.At(i, j)))
		}
	}
	return m
}

func vecDrift(a, b *mat.VecDense) float64 {
	m := 0.0
	for i := 0; i < a.Len(); i++ {
		m = math.Max(m, math.Abs(a.AtVec(i)-b.AtVec(i)))
	}
	return m
}
