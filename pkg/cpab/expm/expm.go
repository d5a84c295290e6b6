// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package expm computes the exponential of 3x3 affine generators in closed form.
//
// An affine generator is the 2x3 matrix [A | b], standing for the 3x3 matrix [[A, b], [0, 0, 0]]. Its
// exponential is the affine map [[e^A, phi(A)·b], [0, 0, 1]], with phi(z) = (e^z - 1)/z. Both functions
// of the 2x2 block A are evaluated through its eigenvalues l1, l2 (Sylvester's formula in Newton form):
//
//	f(A) = f(l2)·I + f[l1, l2]·(A - l2·I)
//
// where f[l1, l2] is the divided difference of f. The eigenvalues are handled as complex numbers, which
// covers the real distinct, complex conjugate and repeated (including defective) cases with one formula.
package expm

import (
	"math"
	"math/cmplx"

	"github.com/gomlx/cpab/pkg/core/shapes"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrShape is wrapped by errors about the shape of the generators.
var ErrShape = errors.New("invalid affine generators shape")

const (
	// repeatedEigenThreshold: below this eigenvalue gap, divided differences use derivatives.
	repeatedEigenThreshold = 1e-5

	// phiSeriesThreshold: below this |z|, phi and its derivative use their Taylor series.
	phiSeriesThreshold = 1e-3
)

// Identity is the 2x3 top block of the identity affine map.
var Identity = [6]float64{1, 0, 0, 0, 1, 0}

// Affine returns the top 2x3 block of the exponential of the 3x3 matrix [[a0 a1 a2] [a3 a4 a5] [0 0 0]].
func Affine(a [6]float64) [6]float64 {
	a00, a01, b0 := a[0], a[1], a[2]
	a10, a11, b1 := a[3], a[4], a[5]

	// Eigenvalues of the 2x2 block: tau ± delta.
	tau := 0.5 * (a00 + a11)
	det := a00*a11 - a01*a10
	delta := cmplx.Sqrt(complex(tau*tau-det, 0))
	l2 := complex(tau, 0) - delta

	// exp: the divided difference is e^tau·sinh(delta)/delta, stable for any gap.
	expL2 := cmplx.Exp(l2)
	expDiff := cmplx.Exp(complex(tau, 0)) * sinhc(delta)
	expA := applyNewton(expL2, expDiff, l2, a00, a01, a10, a11)

	// phi.
	var phiDiff complex128
	if cmplx.Abs(2*delta) < repeatedEigenThreshold {
		phiDiff = phiDerivative(complex(tau, 0))
	} else {
		l1 := complex(tau, 0) + delta
		phiDiff = (phi(l1) - phi(l2)) / (2 * delta)
	}
	phiA := applyNewton(phi(l2), phiDiff, l2, a00, a01, a10, a11)

	return [6]float64{
		expA[0], expA[1], phiA[0]*b0 + phiA[1]*b1,
		expA[2], expA[3], phiA[2]*b0 + phiA[3]*b1,
	}
}

// applyNewton returns the real part of fL2·I + diff·(A - l2·I), as the row-major 2x2 matrix.
func applyNewton(fL2, diff, l2 complex128, a00, a01, a10, a11 float64) [4]float64 {
	return [4]float64{
		real(fL2 + diff*(complex(a00, 0)-l2)),
		real(diff * complex(a01, 0)),
		real(diff * complex(a10, 0)),
		real(fL2 + diff*(complex(a11, 0)-l2)),
	}
}

// sinhc returns sinh(z)/z.
func sinhc(z complex128) complex128 {
	if cmplx.Abs(z) < phiSeriesThreshold {
		z2 := z * z
		return 1 + z2/6 + z2*z2/120
	}
	return cmplx.Sinh(z) / z
}

// phi returns (e^z - 1)/z.
func phi(z complex128) complex128 {
	if cmplx.Abs(z) < phiSeriesThreshold {
		return 1 + z/2 + z*z/6 + z*z*z/24
	}
	if imag(z) == 0 {
		return complex(math.Expm1(real(z))/real(z), 0)
	}
	return (cmplx.Exp(z) - 1) / z
}

// phiDerivative returns the derivative of phi: (z·e^z - e^z + 1)/z^2.
func phiDerivative(z complex128) complex128 {
	if cmplx.Abs(z) < phiSeriesThreshold {
		return 0.5 + z/3 + z*z/8 + z*z*z/30
	}
	ez := cmplx.Exp(z)
	return (z*ez - ez + 1) / (z * z)
}

// Compose returns the affine map t1∘t2 (apply t2 first), both given as top 2x3 blocks.
func Compose(t1, t2 [6]float64) [6]float64 {
	return [6]float64{
		t1[0]*t2[0] + t1[1]*t2[3], t1[0]*t2[1] + t1[1]*t2[4], t1[0]*t2[2] + t1[1]*t2[5] + t1[2],
		t1[3]*t2[0] + t1[4]*t2[3], t1[3]*t2[1] + t1[4]*t2[4], t1[3]*t2[2] + t1[4]*t2[5] + t1[5],
	}
}

// Exp exponentiates a batch of affine generators: for generators of shape [..., 2, 3] (rank >= 2), it returns
// a Float32 tensor of the same shape with exp(scale·A) for each 2x3 matrix A. Matrices are independent.
//
// Other numeric dtypes are converted to Float32 first, and the exponential itself is computed in float64.
func Exp(generators *tensors.Tensor, scale float64) (*tensors.Tensor, error) {
	if err := generators.CheckValid(); err != nil {
		return nil, errors.Wrapf(ErrShape, "%v", err)
	}
	shape := generators.Shape()
	if shape.Rank() < 2 || shape.Dim(-2) != 2 || shape.Dim(-1) != 3 {
		return nil, errors.Wrapf(ErrShape, "generators must have shape [..., 2, 3], got %s", shape)
	}
	generators, err := generators.ToFloat32()
	if err != nil {
		return nil, err
	}
	out := tensors.FromShape(shapes.Make(dtypes.Float32, shape.Dimensions...))
	tensors.MustMutableFlatData(out, func(dst []float32) {
		err = tensors.ConstFlatData(generators, func(src []float32) {
			ExpFlat(src, dst, scale)
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpFlat applies Exp to flat slices holding consecutive 2x3 generators. dst must have the same length as src.
func ExpFlat(src, dst []float32, scale float64) {
	var a [6]float64
	for start := 0; start+6 <= len(src); start += 6 {
		for j := range a {
			a[j] = scale * float64(src[start+j])
		}
		t := Affine(a)
		for j, v := range t {
			dst[start+j] = float32(v)
		}
	}
}
