// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package basis holds the tessellation basis of a CPAB transformation: the grid of cells over the domain
// [-1, 1]^2 and the matrix B that maps a d-dimensional parameter vector theta to the stacked per-cell
// 2x3 affine velocity generators.
//
// A Basis is immutable once built. It is usually loaded from a NumPy .npz file (see Load) through a
// Provider, which caches it for the lifetime of the process.
package basis

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/cpab/pkg/core/shapes"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrLoad is wrapped by every error loading a basis: missing or corrupt basis files, or invalid contents.
var ErrLoad = errors.New("tessellation basis load failure")

// ParamsPerCell is the number of entries of one cell's affine generator (a 2x3 matrix).
const ParamsPerCell = 6

// DomainMin and DomainMax are the bounds of the (square) domain covered by the tessellation.
const (
	DomainMin = -1.0
	DomainMax = 1.0
)

// ValidCellsPerRect lists the supported triangulation factors: the number of cells per grid rectangle.
// 1 uses the rectangles themselves, 2 splits each rectangle along its diagonal and 4 splits it into
// bottom, right, top and left triangles meeting at the center.
var ValidCellsPerRect = []int{1, 2, 4}

// Basis of a CPAB transformation.
type Basis struct {
	// NumCells is the total number of cells (nC).
	NumCells int

	// NumCellsX, NumCellsY are the dimensions of the grid of rectangles (ncx, ncy).
	NumCellsX, NumCellsY int

	// IncX, IncY are the sizes of one grid rectangle (inc_x, inc_y).
	IncX, IncY float64

	// B is the Float32 matrix [6*NumCells, d].
	B *tensors.Tensor
}

// Dim returns d, the dimension of the parameter vectors theta.
func (b *Basis) Dim() int {
	return b.B.Shape().Dim(1)
}

// CellsPerRect returns the triangulation factor k = NumCells / (NumCellsX * NumCellsY).
func (b *Basis) CellsPerRect() int {
	return b.NumCells / (b.NumCellsX * b.NumCellsY)
}

// Validate checks the consistency of the basis fields.
func (b *Basis) Validate() error {
	if b == nil {
		return errors.New("basis is nil")
	}
	if b.NumCellsX <= 0 || b.NumCellsY <= 0 {
		return errors.Errorf("basis grid dimensions must be positive, got ncx=%d, ncy=%d", b.NumCellsX, b.NumCellsY)
	}
	rects := b.NumCellsX * b.NumCellsY
	if b.NumCells <= 0 || b.NumCells%rects != 0 {
		return errors.Errorf("basis nC=%d is not a multiple of ncx*ncy=%d", b.NumCells, rects)
	}
	k := b.NumCells / rects
	if !slices.Contains(ValidCellsPerRect, k) {
		return errors.Errorf("basis has %d cells per grid rectangle (nC=%d, ncx=%d, ncy=%d), valid values are %v",
			k, b.NumCells, b.NumCellsX, b.NumCellsY, ValidCellsPerRect)
	}
	if !(b.IncX > 0) || !(b.IncY > 0) || math.IsInf(b.IncX, 0) || math.IsInf(b.IncY, 0) {
		return errors.Errorf("basis increments must be positive and finite, got inc_x=%g, inc_y=%g", b.IncX, b.IncY)
	}
	if err := b.B.CheckValid(); err != nil {
		return errors.WithMessage(err, "basis matrix B")
	}
	if err := b.B.Shape().Check(dtypes.Float32, ParamsPerCell*b.NumCells, shapes.UncheckedAxis); err != nil {
		return errors.WithMessagef(err, "basis matrix B must be Float32 [6*nC=%d, d]", ParamsPerCell*b.NumCells)
	}
	return nil
}

// Blocks returns Bs, the columns of B reshaped per cell: a Float32 tensor [d, nC, 2, 3], where
// Bs[k, c] is the generator of cell c for the k-th basis direction.
func (b *Basis) Blocks() (*tensors.Tensor, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	rows, d := b.B.Shape().Dim(0), b.Dim()
	blocks := tensors.FromShape(shapes.Make(dtypes.Float32, d, b.NumCells, 2, 3))
	var err error
	tensors.MustMutableFlatData(blocks, func(dst []float32) {
		err = tensors.ConstFlatData(b.B, func(src []float32) {
			// Transpose [rows, d] -> [d, rows].
			for row := range rows {
				for k := range d {
					dst[k*rows+row] = src[row*d+k]
				}
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// String implements fmt.Stringer.
func (b *Basis) String() string {
	if b == nil || !b.B.Ok() {
		return "Basis(invalid)"
	}
	return fmt.Sprintf("Basis(nC=%d, grid=%dx%d, inc=(%g, %g), d=%d)",
		b.NumCells, b.NumCellsX, b.NumCellsY, b.IncX, b.IncY, b.Dim())
}

// GlobalAffine builds a valid basis over the grid ncx x ncy with cellsPerRect cells per rectangle, where every
// cell shares one affine generator: d = 6 and theta is the row-flattened 2x3 generator itself.
//
// It solves no continuity constraints (it is continuous by construction), and it is mostly useful for tests
// and demos, since the resulting transformation is the exponential of the global affine generator.
func GlobalAffine(ncx, ncy, cellsPerRect int) (*Basis, error) {
	if ncx <= 0 || ncy <= 0 {
		return nil, errors.Errorf("GlobalAffine: grid dimensions must be positive, got %dx%d", ncx, ncy)
	}
	if !slices.Contains(ValidCellsPerRect, cellsPerRect) {
		return nil, errors.Errorf("GlobalAffine: invalid cells per rectangle %d, valid values are %v",
			cellsPerRect, ValidCellsPerRect)
	}
	numCells := ncx * ncy * cellsPerRect
	data := make([]float32, ParamsPerCell*numCells*ParamsPerCell)
	for cell := range numCells {
		for j := range ParamsPerCell {
			row := cell*ParamsPerCell + j
			data[row*ParamsPerCell+j] = 1
		}
	}
	b := &Basis{
		NumCells:  numCells,
		NumCellsX: ncx,
		NumCellsY: ncy,
		IncX:      (DomainMax - DomainMin) / float64(ncx),
		IncY:      (DomainMax - DomainMin) / float64(ncy),
		B:         tensors.FromFlatDataAndDimensions(data, ParamsPerCell*numCells, ParamsPerCell),
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}
