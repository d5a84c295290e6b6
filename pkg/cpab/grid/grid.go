// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package grid creates inputs for CPAB transformations: regular grids of points over the domain,
// random parameter vectors, and reading/writing points as CSV.
package grid

import (
	"math/rand/v2"

	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab/basis"
	"github.com/gomlx/cpab/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Sample returns a regular n x n grid of points over the domain [-1, 1]^2, as a Float32 tensor [2, n*n].
// Points are ordered row by row: x varies fastest.
func Sample(n int) (*tensors.Tensor, error) {
	if n < 2 {
		return nil, errors.Errorf("grid.Sample(%d): at least 2 points per axis are needed", n)
	}
	values := xslices.Linspace[float32](basis.DomainMin, basis.DomainMax, n)
	flat := make([]float32, 2*n*n)
	xs, ys := flat[:n*n], flat[n*n:]
	for row, y := range values {
		for col, x := range values {
			xs[row*n+col] = x
			ys[row*n+col] = y
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, 2, n*n), nil
}

// SampleTheta returns n parameter vectors of dimension d, with independent entries drawn from a normal
// distribution with mean 0 and standard deviation scale. The result is a Float32 tensor [n, d], and it
// is deterministic for a given seed.
func SampleTheta(n, dim int, scale float64, seed uint64) (*tensors.Tensor, error) {
	if n <= 0 || dim <= 0 {
		return nil, errors.Errorf("grid.SampleTheta(n=%d, d=%d): dimensions must be positive", n, dim)
	}
	if scale < 0 {
		return nil, errors.Errorf("grid.SampleTheta(scale=%g): scale must be non-negative", scale)
	}
	flat := make([]float32, n*dim)
	if scale > 0 {
		normal := distuv.Normal{Mu: 0, Sigma: scale, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
		for ii := range flat {
			flat[ii] = float32(normal.Rand())
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, n, dim), nil
}
