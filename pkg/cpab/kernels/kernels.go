// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels defines the interface to the two CPAB kernels: the point integration (Transform) and
// its Jacobian with respect to the parameters (Gradient).
//
// Implementations register themselves with Register, usually in their package init, and are created with
// New or NewWithConfig. The subpackages provide:
//
//   - simplego ("go"): a pure Go reference implementation.
//   - native ("native:<path>"): calls a C shared library through purego.
//   - default: blank-import it to link the default implementations.
//
// All tensors crossing this interface are Float32, in row-major layout.
package kernels

import (
	"fmt"

	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Geometry holds the integration and tessellation constants passed to the kernels.
type Geometry struct {
	// NumSteps is the number of integration steps.
	NumSteps int32

	// NumCellsX, NumCellsY are the dimensions of the grid of rectangles.
	NumCellsX, NumCellsY int32

	// IncX, IncY are the sizes of one grid rectangle.
	IncX, IncY float32
}

// String implements fmt.Stringer.
func (g Geometry) String() string {
	return fmt.Sprintf("Geometry(steps=%d, grid=%dx%d, inc=(%g, %g))", g.NumSteps, g.NumCellsX, g.NumCellsY, g.IncX, g.IncY)
}

// Validate checks that all constants are positive.
func (g Geometry) Validate() error {
	if g.NumSteps <= 0 {
		return errors.Errorf("invalid %s: number of steps must be positive", g)
	}
	if g.NumCellsX <= 0 || g.NumCellsY <= 0 {
		return errors.Errorf("invalid %s: grid dimensions must be positive", g)
	}
	if !(g.IncX > 0) || !(g.IncY > 0) {
		return errors.Errorf("invalid %s: increments must be positive", g)
	}
	return nil
}

// CellsPerRect returns the triangulation factor for numCells cells, or an error if numCells is not
// 1, 2 or 4 times the number of grid rectangles.
func (g Geometry) CellsPerRect(numCells int) (int, error) {
	rects := int(g.NumCellsX) * int(g.NumCellsY)
	if rects <= 0 || numCells%rects != 0 {
		return 0, errors.Errorf("%d cells don't match the %dx%d grid", numCells, g.NumCellsX, g.NumCellsY)
	}
	switch k := numCells / rects; k {
	case 1, 2, 4:
		return k, nil
	default:
		return 0, errors.Errorf("%d cells per grid rectangle not supported (nC=%d)", k, numCells)
	}
}

// Kernels is the interface implemented by the CPAB kernels.
//
// Implementations must be safe for concurrent use, and must not modify their inputs.
type Kernels interface {
	// Name returns the short name of the implementation, e.g. "go".
	Name() string

	// Description is a longer description of the implementation, for pretty-printing.
	Description() string

	// Transform integrates the points through each transformation.
	//
	//   - points: [2, P], x coordinates in the first row and y in the second.
	//   - trels: [n, nC, 2, 3] relative transformations, the exponential of each cell's generator
	//     scaled by the step size 1/geom.NumSteps.
	//
	// It returns the transformed points [n, 2, P].
	Transform(points, trels *tensors.Tensor, geom Geometry) (*tensors.Tensor, error)

	// Gradient computes the derivative of the transformed points with respect to each parameter direction.
	//
	//   - points: [2, P].
	//   - as: [n, nC, 2, 3], the (unscaled) per-cell affine generators.
	//   - bs: [d, nC, 2, 3], the basis blocks: the generators of each basis direction.
	//
	// It returns [d, n, 2, P].
	Gradient(points, as, bs *tensors.Tensor, geom Geometry) (*tensors.Tensor, error)

	// Finalize releases the resources held. The Kernels can't be used afterwards.
	Finalize()
}

// TransformDims checks the inputs of Kernels.Transform, and returns their dimensions.
func TransformDims(points, trels *tensors.Tensor, geom Geometry) (numTheta, numCells, numPoints int, err error) {
	if err = geom.Validate(); err != nil {
		return
	}
	if numPoints, err = pointsDims(points); err != nil {
		return
	}
	if numTheta, numCells, err = cellMatricesDims("trels", trels); err != nil {
		return
	}
	_, err = geom.CellsPerRect(numCells)
	return
}

// GradientDims checks the inputs of Kernels.Gradient, and returns their dimensions.
func GradientDims(points, as, bs *tensors.Tensor, geom Geometry) (dim, numTheta, numCells, numPoints int, err error) {
	if err = geom.Validate(); err != nil {
		return
	}
	if numPoints, err = pointsDims(points); err != nil {
		return
	}
	if numTheta, numCells, err = cellMatricesDims("as", as); err != nil {
		return
	}
	var bsCells int
	if dim, bsCells, err = cellMatricesDims("bs", bs); err != nil {
		return
	}
	if bsCells != numCells {
		err = errors.Errorf("as has %d cells but bs has %d", numCells, bsCells)
		return
	}
	_, err = geom.CellsPerRect(numCells)
	return
}

func pointsDims(points *tensors.Tensor) (int, error) {
	if err := points.CheckValid(); err != nil {
		return 0, errors.WithMessage(err, "points")
	}
	if err := points.Shape().Check(dtypes.Float32, 2, -1); err != nil {
		return 0, errors.WithMessage(err, "points must be Float32 [2, P]")
	}
	return points.Shape().Dim(1), nil
}

func cellMatricesDims(name string, t *tensors.Tensor) (batch, numCells int, err error) {
	if err = t.CheckValid(); err != nil {
		return 0, 0, errors.WithMessage(err, name)
	}
	if err = t.Shape().Check(dtypes.Float32, -1, -1, 2, 3); err != nil {
		return 0, 0, errors.WithMessagef(err, "%s must be Float32 [batch, nC, 2, 3]", name)
	}
	return t.Shape().Dim(0), t.Shape().Dim(1), nil
}
