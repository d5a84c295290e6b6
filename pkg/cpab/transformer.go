// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpab transforms 2D points with CPAB (Continuous Piecewise-Affine Based) diffeomorphisms, and
// computes the gradient of the transformed points with respect to the transformation parameters.
//
// A transformation is given by a parameter vector theta of dimension d. The tessellation basis (see
// package basis) expands theta into one affine velocity generator per cell of a tessellation of
// [-1, 1]^2, and the points are integrated through the resulting piecewise-affine velocity field by the
// kernels (see package kernels) in NumStepsSolver steps.
//
// Example:
//
//	import _ "github.com/gomlx/cpab/pkg/cpab/kernels/default"
//
//	t := cpab.New(basis.FromFile("~/cpab/cpab_basis_dim2_tess2x2_vo1_zb0_vp0.npz"), must.M1(kernels.New()))
//	defer t.Finalize()
//	transformed, err := t.Transform(points, theta) // points: [2, P], theta: [n_theta, d].
//
// Or using the process-wide default transformer, configured with environment variables (see Default):
//
//	transformed, err := cpab.Transform(points, theta)
package cpab

import (
	"github.com/gomlx/cpab/pkg/core/shapes"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab/basis"
	"github.com/gomlx/cpab/pkg/cpab/expm"
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NumStepsSolver is the number of integration steps: the relative transformations are the exponentials
// of the generators scaled by 1/NumStepsSolver, applied NumStepsSolver times.
//
// It must match the step count the kernels were built for.
const NumStepsSolver = 50

// Transformer applies CPAB transformations with a given basis and kernels.
//
// It holds no state besides the basis (loaded lazily by its provider) and the kernels, and it is safe
// for concurrent use if the kernels are.
type Transformer struct {
	provider basis.Provider
	kernels  kernels.Kernels
}

// New creates a Transformer. The basis is only loaded on first use.
//
// The Transformer takes ownership of the kernels: they are finalized with Transformer.Finalize.
func New(provider basis.Provider, k kernels.Kernels) *Transformer {
	return &Transformer{provider: provider, kernels: k}
}

// Basis returns the tessellation basis, loading it if needed. Errors wrap ErrBasisLoad.
func (t *Transformer) Basis() (*basis.Basis, error) {
	b, err := t.provider.Basis()
	if err != nil {
		if !errors.Is(err, ErrBasisLoad) {
			err = errors.Wrapf(ErrBasisLoad, "%v", err)
		}
		return nil, err
	}
	return b, nil
}

// Kernels used by the Transformer.
func (t *Transformer) Kernels() kernels.Kernels { return t.kernels }

// Geometry returns the integration and tessellation constants passed to the kernels.
func (t *Transformer) Geometry() (kernels.Geometry, error) {
	b, err := t.Basis()
	if err != nil {
		return kernels.Geometry{}, err
	}
	return GeometryOf(b), nil
}

// GeometryOf returns the kernels geometry for the basis, with NumStepsSolver steps.
func GeometryOf(b *basis.Basis) kernels.Geometry {
	return kernels.Geometry{
		NumSteps:  NumStepsSolver,
		NumCellsX: int32(b.NumCellsX),
		NumCellsY: int32(b.NumCellsY),
		IncX:      float32(b.IncX),
		IncY:      float32(b.IncY),
	}
}

// Finalize releases the kernels. The Transformer can't be used afterwards, and Finalize must not be
// called concurrently with transformations.
func (t *Transformer) Finalize() {
	if t.kernels != nil {
		t.kernels.Finalize()
		t.kernels = nil
	}
}

// Transform integrates the points through the transformation of each parameter vector.
//
//   - points: [2, P], x coordinates in the first row and y in the second.
//   - theta: [n_theta, d], with d the dimension of the basis.
//
// Inputs of other numeric dtypes are converted to Float32. It returns the Float32 transformed points,
// shaped [n_theta, 2, P].
func (t *Transformer) Transform(points, theta *tensors.Tensor) (*tensors.Tensor, error) {
	b, err := t.Basis()
	if err != nil {
		return nil, err
	}
	points, err = checkPoints(points)
	if err != nil {
		return nil, err
	}
	asFlat, err := ExpandFlat(b, theta)
	if err != nil {
		return nil, err
	}
	numTheta, numPoints := asFlat.Shape().Dim(0)/b.NumCells, points.Shape().Dim(1)
	trels, err := expm.Exp(asFlat, 1.0/NumStepsSolver)
	if err != nil {
		return nil, err
	}
	trels, err = trels.Reshape(numTheta, b.NumCells, 2, 3)
	if err != nil {
		return nil, err
	}
	geom := GeometryOf(b)
	klog.V(2).Infof("cpab.Transform(points=%s, theta=%s): %s", points.Shape(), theta.Shape(), geom)
	return t.callKernel("Transform", shapes.Make(dtypes.Float32, numTheta, 2, numPoints),
		func(k kernels.Kernels) (*tensors.Tensor, error) {
			return k.Transform(points, trels, geom)
		})
}

// checkPoints returns the points converted to Float32, or an error if they are not shaped [2, P].
func checkPoints(points *tensors.Tensor) (*tensors.Tensor, error) {
	if err := points.CheckValid(); err != nil {
		return nil, shapeErrorf("invalid points: %v", err)
	}
	if err := points.Shape().CheckDims(2, shapes.UncheckedAxis); err != nil {
		return nil, shapeErrorf("points must be shaped [2, P]: %v", err)
	}
	points32, err := points.ToFloat32()
	if err != nil {
		return nil, errors.WithMessage(err, "points")
	}
	return points32, nil
}

// callKernel calls fn with the kernels, converting panics and errors to errors wrapping ErrNativeKernel,
// and checks the shape of the result.
func (t *Transformer) callKernel(method string, wantShape shapes.Shape,
	fn func(k kernels.Kernels) (*tensors.Tensor, error)) (output *tensors.Tensor, err error) {
	k := t.kernels
	if k == nil {
		return nil, &kernelError{kernels: "<nil>", method: method, err: errors.New("transformer already finalized")}
	}
	if exception := exceptions.Try(func() { output, err = fn(k) }); exception != nil {
		if panicErr, ok := exception.(error); ok {
			err = errors.WithMessage(panicErr, "panic")
		} else {
			err = errors.Errorf("panic: %v", exception)
		}
	}
	if err == nil && (output == nil || !output.Shape().Equal(wantShape)) {
		var got shapes.Shape
		if output != nil {
			got = output.Shape()
		}
		err = errors.Errorf("returned shape %s, wanted %s", got, wantShape)
	}
	if err != nil {
		return nil, &kernelError{kernels: k.Name(), method: method, err: err}
	}
	return output, nil
}
