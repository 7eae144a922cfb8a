// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slq

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)

// Jacobians estimates the state and input Jacobians of a discrete
// transition f(x,u) by central differences, for models without
// analytic derivatives. The step size per coordinate is
// h = √ε·max(1,|v|), the usual first-order compromise between
// truncation and rounding error.
//
// f must write the successor state into the given output vector.
// The result matrices are freshly allocated, sized ny×nx and ny×nu.
func Jacobians(f func(x, u, y *mat.VecDense), x, u *mat.VecDense, ny int) (dfdx, dfdu *mat.Dense) {
	nx, nu := x.Len(), u.Len()
	dfdx = mat.NewDense(ny, nx, nil)
	dfdu = mat.NewDense(ny, nu, nil)

	fp, fm := mat.NewVecDense(ny, nil), mat.NewVecDense(ny, nil)
	central := func(v *mat.VecDense, i int, dst *mat.Dense) {
		v0 := v.AtVec(i)
		h := sqrtEps * math.Max(1, math.Abs(v0))
		v.SetVec(i, v0+h)
		f(x, u, fp)
		v.SetVec(i, v0-h)
		f(x, u, fm)
		v.SetVec(i, v0)
		for j := 0; j < ny; j++ {
			dst.Set(j, i, (fp.AtVec(j)-fm.AtVec(j))/(2*h))
		}
	}

	for i := 0; i < nx; i++ {
		central(x, i, dfdx)
	}
	for i := 0; i < nu; i++ {
		central(u, i, dfdu)
	}
	return dfdx, dfdu
}
