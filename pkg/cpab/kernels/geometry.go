// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"

	"github.com/gomlx/cpab/pkg/cpab/basis"
)

// CellLocator finds the cell containing a point, for a Geometry with a given number of cells.
//
// The grid of NumCellsX x NumCellsY rectangles starts at (basis.DomainMin, basis.DomainMin). Each rectangle
// holds 1, 2 or 4 cells: with 2 cells, cell 0 is below the rectangle's main diagonal and cell 1 above it;
// with 4 cells the triangles meeting at the rectangle center are numbered bottom (0), right (1), top (2)
// and left (3). Cells of rectangle (col, row) start at index (col + row*NumCellsX) * cellsPerRect.
//
// Points outside the domain are assigned to the closest boundary rectangle, with the triangle chosen
// using their (unclamped) coordinates relative to that rectangle.
type CellLocator struct {
	ncx, ncy     int
	incX, incY   float64
	cellsPerRect int
}

// NewCellLocator returns a CellLocator for the geometry and number of cells.
func NewCellLocator(geom Geometry, numCells int) (CellLocator, error) {
	if err := geom.Validate(); err != nil {
		return CellLocator{}, err
	}
	k, err := geom.CellsPerRect(numCells)
	if err != nil {
		return CellLocator{}, err
	}
	return CellLocator{
		ncx:          int(geom.NumCellsX),
		ncy:          int(geom.NumCellsY),
		incX:         float64(geom.IncX),
		incY:         float64(geom.IncY),
		cellsPerRect: k,
	}, nil
}

// NumCells returns the total number of cells.
func (l CellLocator) NumCells() int {
	return l.ncx * l.ncy * l.cellsPerRect
}

// CellIndex returns the index of the cell containing the point (x, y). NaN coordinates map to cell 0.
func (l CellLocator) CellIndex(x, y float64) int {
	if math.IsNaN(x) || math.IsNaN(y) {
		return 0
	}
	// Position in units of rectangles.
	gx := (x - basis.DomainMin) / l.incX
	gy := (y - basis.DomainMin) / l.incY
	col := max(0, min(math.Floor(gx), float64(l.ncx-1)))
	row := max(0, min(math.Floor(gy), float64(l.ncy-1)))
	rect := int(col) + int(row)*l.ncx
	if l.cellsPerRect == 1 {
		return rect
	}

	// Local coordinates in the rectangle: [0, 1) inside the domain.
	lx, ly := gx-col, gy-row
	belowDiagonal := ly < lx
	if l.cellsPerRect == 2 {
		if belowDiagonal {
			return 2 * rect
		}
		return 2*rect + 1
	}
	belowAntiDiagonal := ly < 1-lx
	var triangle int
	switch {
	case belowDiagonal && belowAntiDiagonal:
		triangle = 0 // Bottom.
	case belowDiagonal:
		triangle = 1 // Right.
	case !belowAntiDiagonal:
		triangle = 2 // Top.
	default:
		triangle = 3 // Left.
	}
	return 4*rect + triangle
}

// ApplyAffine returns t·[x, y, 1], for the row-major 2x3 matrix t.
func ApplyAffine[T float32 | float64](t []T, x, y T) (T, T) {
	return t[0]*x + t[1]*y + t[2], t[3]*x + t[4]*y + t[5]
}

// Velocity returns the velocity at (x, y) of the field defined by the per-cell generators as, a flat
// [nC, 2, 3] slice.
func (l CellLocator) Velocity(as []float32, x, y float64) (vx, vy float64) {
	c := l.CellIndex(x, y)
	a := as[6*c : 6*c+6]
	return ApplyAffine([]float64{
		float64(a[0]), float64(a[1]), float64(a[2]),
		float64(a[3]), float64(a[4]), float64(a[5]),
	}, x, y)
}
