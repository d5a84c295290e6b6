// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"strconv"

	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab/grid"
	"github.com/gomlx/cpab/pkg/support/xslices"
	"github.com/pkg/errors"
)

// inputFlags are the flags shared by the commands that transform points.
type inputFlags struct {
	points   *string
	gridSize *int
	theta    *[]float32
	numTheta *int
	scale    *float64
	seed     *uint64
}

func parseFloat32(s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	return float32(v), err
}

// newInputFlags registers the input flags in fs.
func newInputFlags(fs *flag.FlagSet) *inputFlags {
	return &inputFlags{
		points:   fs.String("points", "", "CSV file with the points to transform (columns x and y). If empty, a regular grid is used."),
		gridSize: fs.Int("grid", 20, "Number of points per axis of the regular grid, used if -points is not set."),
		theta: xslices.Flag(fs, "theta", nil,
			"Comma-separated parameter vector, with one value per basis dimension. If empty, random ones are sampled.",
			parseFloat32),
		numTheta: fs.Int("num_theta", 1, "Number of random parameter vectors to sample, if -theta is not set."),
		scale:    fs.Float64("scale", 0.5, "Standard deviation of the random parameter vectors."),
		seed:     fs.Uint64("seed", 42, "Random seed for the parameter vectors."),
	}
}

// Points returns the points [2, P] to transform.
func (f *inputFlags) Points() (*tensors.Tensor, error) {
	if *f.points != "" {
		return grid.ReadCSVFile(*f.points)
	}
	return grid.Sample(*f.gridSize)
}

// Theta returns the parameter vectors [n_theta, dim].
func (f *inputFlags) Theta(dim int) (*tensors.Tensor, error) {
	if len(*f.theta) > 0 {
		if len(*f.theta) != dim {
			return nil, errors.Errorf("-theta has %d values, but the basis has dimension %d", len(*f.theta), dim)
		}
		return tensors.FromFlatDataAndDimensions(*f.theta, 1, dim), nil
	}
	return grid.SampleTheta(*f.numTheta, dim, *f.scale, *f.seed)
}

// thetaRows returns the rows [from, to) of theta [n_theta, d].
func thetaRows(theta *tensors.Tensor, from, to int) *tensors.Tensor {
	dim := theta.Shape().Dim(1)
	var rows []float32
	tensors.MustConstFlatData(theta, func(flat []float32) {
		rows = append(rows, flat[from*dim:to*dim]...)
	})
	return tensors.FromFlatDataAndDimensions(rows, to-from, dim)
}
