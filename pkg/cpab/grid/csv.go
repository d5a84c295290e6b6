// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grid

import (
	"io"
	"os"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Column names used in the CSV files.
const (
	ColX      = "x"
	ColY      = "y"
	ColSample = "sample"
)

// ReadCSV reads points from a CSV with a header, and columns "x" and "y" (other columns are ignored).
// It returns a Float32 tensor [2, P].
func ReadCSV(r io.Reader) (*tensors.Tensor, error) {
	df := dataframe.ReadCSV(r, dataframe.WithTypes(map[string]series.Type{ColX: series.Float, ColY: series.Float}))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "reading points CSV")
	}
	names := df.Names()
	for _, col := range []string{ColX, ColY} {
		if !slices.Contains(names, col) {
			return nil, errors.Errorf("points CSV has no column %q (columns: %v)", col, names)
		}
	}
	numPoints := df.Nrow()
	if numPoints == 0 {
		return nil, errors.New("points CSV has no rows")
	}
	flat := make([]float32, 0, 2*numPoints)
	for _, col := range []string{ColX, ColY} {
		values := df.Col(col)
		if values.HasNaN() {
			return nil, errors.Errorf("points CSV column %q has missing or invalid values", col)
		}
		flat = append(flat, xslices.Map(values.Float(), func(v float64) float32 { return float32(v) })...)
	}
	return tensors.FromFlatDataAndDimensions(flat, 2, numPoints), nil
}

// ReadCSVFile is like ReadCSV, but reads from a file.
func ReadCSVFile(path string) (*tensors.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening points file %q", path)
	}
	defer func() { _ = f.Close() }()
	points, err := ReadCSV(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "file %q", path)
	}
	return points, nil
}

// WriteCSV writes points shaped [2, P] with columns "x" and "y", or a batch of points shaped [n, 2, P] with
// an extra first column "sample" with the index in the batch.
func WriteCSV(w io.Writer, points *tensors.Tensor) error {
	if err := points.CheckValid(); err != nil {
		return err
	}
	shape := points.Shape()
	batched := shape.Rank() == 3
	if err := shape.CheckDims(2, -1); err != nil && !batched {
		return errors.Errorf("points to write must be shaped [2, P] or [n, 2, P], got %s", shape)
	}
	if batched && shape.Dim(1) != 2 {
		return errors.Errorf("points to write must be shaped [2, P] or [n, 2, P], got %s", shape)
	}
	values, err := points.ToFloat64Slice()
	if err != nil {
		return err
	}
	numPoints := shape.Dim(-1)
	numSamples := len(values) / (2 * numPoints)
	xs := make([]float64, 0, numSamples*numPoints)
	ys := make([]float64, 0, numSamples*numPoints)
	samples := make([]int, 0, numSamples*numPoints)
	for sample := range numSamples {
		base := sample * 2 * numPoints
		xs = append(xs, values[base:base+numPoints]...)
		ys = append(ys, values[base+numPoints:base+2*numPoints]...)
		for range numPoints {
			samples = append(samples, sample)
		}
	}
	var columns []series.Series
	if batched {
		columns = append(columns, series.New(samples, series.Int, ColSample))
	}
	columns = append(columns, series.New(xs, series.Float, ColX), series.New(ys, series.Float, ColY))
	df := dataframe.New(columns...)
	if df.Err != nil {
		return errors.Wrap(df.Err, "building points CSV")
	}
	return errors.Wrap(df.WriteCSV(w), "writing points CSV")
}

// WriteCSVFile is like WriteCSV, but writes to a file.
func WriteCSVFile(path string, points *tensors.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating points file %q", path)
	}
	if err = WriteCSV(f, points); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "file %q", path)
	}
	return errors.Wrapf(f.Close(), "closing points file %q", path)
}
