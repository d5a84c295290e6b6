// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpab

import (
	"github.com/gomlx/cpab/pkg/core/shapes"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab/basis"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Expand maps each parameter vector to the per-cell affine generators: As[i] = B·theta[i], for theta
// shaped [n_theta, d]. It returns As shaped [n_theta, nC, 2, 3].
//
// theta is converted to Float32 if needed.
func Expand(b *basis.Basis, theta *tensors.Tensor) (*tensors.Tensor, error) {
	flat, err := expand(b, theta)
	if err != nil {
		return nil, err
	}
	numTheta := flat.Shape().Dim(0) / b.NumCells
	return flat.Reshape(numTheta, b.NumCells, 2, 3)
}

// ExpandFlat is like Expand, but returns the generators shaped [n_theta*nC, 2, 3], as used to
// exponentiate them.
func ExpandFlat(b *basis.Basis, theta *tensors.Tensor) (*tensors.Tensor, error) {
	return expand(b, theta)
}

// checkTheta returns theta converted to Float32, or an error if it is not shaped [n_theta, d].
func checkTheta(b *basis.Basis, theta *tensors.Tensor) (*tensors.Tensor, error) {
	if err := theta.CheckValid(); err != nil {
		return nil, shapeErrorf("invalid theta: %v", err)
	}
	if err := theta.Shape().CheckDims(shapes.UncheckedAxis, b.Dim()); err != nil {
		return nil, shapeErrorf("theta must be shaped [n_theta, d=%d] for %s: %v", b.Dim(), b, err)
	}
	theta32, err := theta.ToFloat32()
	if err != nil {
		return nil, errors.WithMessage(err, "theta")
	}
	return theta32, nil
}

func expand(b *basis.Basis, theta *tensors.Tensor) (*tensors.Tensor, error) {
	theta, err := checkTheta(b, theta)
	if err != nil {
		return nil, err
	}
	numTheta, dim := theta.Shape().Dim(0), b.Dim()
	rows := basis.ParamsPerCell * b.NumCells
	output := tensors.FromShape(shapes.Make(dtypes.Float32, numTheta*b.NumCells, 2, 3))
	thetaFlat, err := tensors.CopyFlatData[float32](theta)
	if err != nil {
		return nil, err
	}
	err = tensors.ConstFlatData(b.B, func(bFlat []float32) {
		tensors.MustMutableFlatData(output, func(out []float32) {
			bMat := blas32.General{Rows: rows, Cols: dim, Stride: dim, Data: bFlat}
			for ii := range numTheta {
				x := blas32.Vector{N: dim, Inc: 1, Data: thetaFlat[ii*dim : (ii+1)*dim]}
				y := blas32.Vector{N: rows, Inc: 1, Data: out[ii*rows : (ii+1)*rows]}
				blas32.Gemv(blas.NoTrans, 1, bMat, x, 0, y)
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return output, nil
}
