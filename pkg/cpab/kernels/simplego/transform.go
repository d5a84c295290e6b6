// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/cpab/pkg/core/shapes"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Transform implements kernels.Kernels: each point is moved NumSteps times by the relative transformation
// of the cell it is in at the start of the step.
func (k *Kernels) Transform(points, trels *tensors.Tensor, geom kernels.Geometry) (*tensors.Tensor, error) {
	if err := k.checkValid(); err != nil {
		return nil, err
	}
	numTheta, numCells, numPoints, err := kernels.TransformDims(points, trels, geom)
	if err != nil {
		return nil, err
	}
	locator, err := kernels.NewCellLocator(geom, numCells)
	if err != nil {
		return nil, err
	}
	pointsFlat, err := tensors.CopyFlatData[float32](points)
	if err != nil {
		return nil, err
	}
	trelsFlat, err := tensors.CopyFlatData[float32](trels)
	if err != nil {
		return nil, err
	}
	trels64 := make([]float64, len(trelsFlat))
	for ii, v := range trelsFlat {
		trels64[ii] = float64(v)
	}

	output := tensors.FromShape(shapes.Make(dtypes.Float32, numTheta, 2, numPoints))
	chunks := numChunks(numPoints)
	var taskErr error
	err = tensors.MutableFlatData(output, func(out []float32) {
		taskErr = k.pool.ParallelFor(numTheta*chunks, func(task int) error {
			thetaIdx, chunk := task/chunks, task%chunks
			thetaTrels := trels64[thetaIdx*numCells*6 : (thetaIdx+1)*numCells*6]
			outX := out[(2*thetaIdx)*numPoints : (2*thetaIdx+1)*numPoints]
			outY := out[(2*thetaIdx+1)*numPoints : (2*thetaIdx+2)*numPoints]
			for p := chunk * pointsChunkSize; p < min(numPoints, (chunk+1)*pointsChunkSize); p++ {
				x, y := integrate(locator, thetaTrels, int(geom.NumSteps),
					float64(pointsFlat[p]), float64(pointsFlat[numPoints+p]))
				outX[p], outY[p] = float32(x), float32(y)
			}
			return nil
		})
	})
	if err == nil {
		err = taskErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "%q kernels Transform", BackendName)
	}
	return output, nil
}

// integrate applies numSteps times the relative transformation of the current cell to (x, y).
func integrate(locator kernels.CellLocator, trels []float64, numSteps int, x, y float64) (float64, float64) {
	for range numSteps {
		c := locator.CellIndex(x, y)
		x, y = kernels.ApplyAffine(trels[6*c:6*c+6], x, y)
	}
	return x, y
}
