// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots draws CPAB transformations with gonum.org/v1/plot: the deformation of a set of points,
// and the velocity field of a parameter vector.
//
// Plots are saved with Save, and the format is taken from the file extension (e.g. ".png", ".svg", ".pdf").
package plots

import (
	"fmt"
	"image/color"
	"math"

	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab"
	"github.com/gomlx/cpab/pkg/cpab/basis"
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/gomlx/cpab/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	// OriginalColor is used for the points before the transformation.
	OriginalColor = color.RGBA{B: 200, A: 255}

	// TransformedColor is used for the transformed points.
	TransformedColor = color.RGBA{R: 200, A: 255}

	// DefaultSize is the width and height used by Save.
	DefaultSize = 12 * vg.Centimeter
)

// pointsXYs converts the flat [2, P] coordinates to plotter.XYs.
func pointsXYs(flat []float32) plotter.XYs {
	numPoints := len(flat) / 2
	xys := make(plotter.XYs, numPoints)
	for p := range numPoints {
		xys[p].X = float64(flat[p])
		xys[p].Y = float64(flat[numPoints+p])
	}
	return xys
}

func newScatter(xys plotter.XYs, c color.Color) (*plotter.Scatter, error) {
	scatter, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, errors.Wrap(err, "creating scatter plot")
	}
	scatter.GlyphStyle.Color = c
	scatter.GlyphStyle.Radius = vg.Points(1.5)
	return scatter, nil
}

// Deformation plots the original points [2, P] and the points transformed by one of the samples of
// transformed [n_theta, 2, P] (the output of cpab.Transformer.Transform).
func Deformation(points, transformed *tensors.Tensor, sample int) (*plot.Plot, error) {
	pointsF32, err := points.ToFloat32()
	if err != nil {
		return nil, err
	}
	if err = pointsF32.Shape().CheckDims(2, -1); err != nil {
		return nil, errors.WithMessage(err, "points must be shaped [2, P]")
	}
	numPoints := pointsF32.Shape().Dim(1)
	transformedF32, err := transformed.ToFloat32()
	if err != nil {
		return nil, err
	}
	if err = transformedF32.Shape().CheckDims(-1, 2, numPoints); err != nil {
		return nil, errors.WithMessagef(err, "transformed points must be shaped [n_theta, 2, %d]", numPoints)
	}
	if sample < 0 || sample >= transformedF32.Shape().Dim(0) {
		return nil, errors.Errorf("sample %d out of range for %d transformations", sample, transformedF32.Shape().Dim(0))
	}
	transformedFlat, err := tensors.CopyFlatData[float32](transformedF32)
	if err != nil {
		return nil, err
	}

	p := plot.New()
	p.Title.Text = "Deformation"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"
	original, err := newScatter(pointsXYs(tensors.MustCopyFlatData[float32](pointsF32)), OriginalColor)
	if err != nil {
		return nil, err
	}
	deformed, err := newScatter(pointsXYs(transformedFlat[2*sample*numPoints:2*(sample+1)*numPoints]), TransformedColor)
	if err != nil {
		return nil, err
	}
	p.Add(original, deformed)
	p.Legend.Add("original", original)
	p.Legend.Add("deformed", deformed)
	p.Legend.Top = true
	return p, nil
}

// velocityField implements plotter.FieldXY over a regular grid of the domain.
type velocityField struct {
	coords  []float64
	vectors []plotter.XY // Indexed by row*n + col.
}

func (f *velocityField) Dims() (c, r int) { return len(f.coords), len(f.coords) }
func (f *velocityField) X(c int) float64  { return f.coords[c] }
func (f *velocityField) Y(r int) float64  { return f.coords[r] }

func (f *velocityField) Vector(c, r int) plotter.XY {
	return f.vectors[r*len(f.coords)+c]
}

// VelocityField plots the velocity field v(x) = A_c·[x; 1] of one parameter vector theta (shaped [d] or
// [1, d]) on a regular n x n grid over the domain.
func VelocityField(b *basis.Basis, theta *tensors.Tensor, n int) (*plot.Plot, error) {
	if n < 2 {
		return nil, errors.Errorf("velocity field grid must have at least 2 points per axis, got %d", n)
	}
	if theta.Rank() == 1 {
		var err error
		theta, err = theta.Reshape(1, theta.Shape().Dim(0))
		if err != nil {
			return nil, err
		}
	}
	if theta.Rank() != 2 || theta.Shape().Dim(0) != 1 {
		return nil, errors.Errorf("velocity field needs a single parameter vector, got theta shaped %s", theta.Shape())
	}
	as, err := cpab.Expand(b, theta)
	if err != nil {
		return nil, err
	}
	locator, err := kernels.NewCellLocator(cpab.GeometryOf(b), b.NumCells)
	if err != nil {
		return nil, err
	}
	asFlat := tensors.MustCopyFlatData[float32](as)

	field := &velocityField{
		coords:  xslices.Linspace[float64](basis.DomainMin, basis.DomainMax, n),
		vectors: make([]plotter.XY, n*n),
	}
	var maxSpeed float64
	for r, y := range field.coords {
		for c, x := range field.coords {
			vx, vy := locator.Velocity(asFlat, x, y)
			field.vectors[r*n+c] = plotter.XY{X: vx, Y: vy}
			maxSpeed = math.Max(maxSpeed, math.Hypot(vx, vy))
		}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Velocity field (max speed %.3g)", maxSpeed)
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"
	arrows := plotter.NewField(field)
	arrows.LineStyle.Color = TransformedColor
	p.Add(arrows)
	// Leave room for the arrows at the borders.
	margin := (basis.DomainMax - basis.DomainMin) / float64(n)
	p.X.Min, p.X.Max = basis.DomainMin-margin, basis.DomainMax+margin
	p.Y.Min, p.Y.Max = basis.DomainMin-margin, basis.DomainMax+margin
	return p, nil
}

// Save the plot to the file, with DefaultSize. The format is given by the file extension.
func Save(p *plot.Plot, path string) error {
	if err := p.Save(DefaultSize, DefaultSize, path); err != nil {
		return errors.Wrapf(err, "saving plot to %q", path)
	}
	return nil
}
