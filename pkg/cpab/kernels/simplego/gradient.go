// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/cpab/pkg/core/shapes"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab/expm"
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// maxFrechetTerms bounds the series of the Fréchet derivative of the exponential.
const maxFrechetTerms = 60

// stepMaps holds, for one sample, the per-cell step map T_c = exp(dT·A_c) and its derivatives
// L[k][c] = d T_c / d theta_k, all as top 2x3 blocks.
type stepMaps struct {
	trels       [][6]float64
	derivatives [][][6]float64 // [d][nC]
}

// Gradient implements kernels.Kernels.
//
// The points are integrated exactly as in Transform, and jointly with them their tangents with respect to
// each parameter direction k: with x' = T_c·x at every step, the tangent follows
//
//	J'_k = T_c[:, :2]·J_k + L_{c,k}·[x; 1]
//
// where L_{c,k} is the Fréchet derivative of the exponential at dT·A_c in the direction dT·Bs[k, c].
// The result is the exact derivative of the discrete map computed by Transform, as long as points don't
// cross cell boundaries under an infinitesimal change of the parameters.
func (k *Kernels) Gradient(points, as, bs *tensors.Tensor, geom kernels.Geometry) (*tensors.Tensor, error) {
	if err := k.checkValid(); err != nil {
		return nil, err
	}
	dim, numTheta, numCells, numPoints, err := kernels.GradientDims(points, as, bs, geom)
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
	asFlat, err := tensors.CopyFlatData[float32](as)
	if err != nil {
		return nil, err
	}
	bsFlat, err := tensors.CopyFlatData[float32](bs)
	if err != nil {
		return nil, err
	}
	dT := 1.0 / float64(geom.NumSteps)

	// Step maps and their derivatives, per sample.
	maps := make([]stepMaps, numTheta)
	err = k.pool.ParallelFor(numTheta, func(thetaIdx int) error {
		maps[thetaIdx] = newStepMaps(asFlat[thetaIdx*numCells*6:(thetaIdx+1)*numCells*6], bsFlat, dim, numCells, dT)
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "%q kernels Gradient", BackendName)
	}

	output := tensors.FromShape(shapes.Make(dtypes.Float32, dim, numTheta, 2, numPoints))
	chunks := numChunks(numPoints)
	var taskErr error
	err = tensors.MutableFlatData(output, func(out []float32) {
		taskErr = k.pool.ParallelFor(numTheta*chunks, func(task int) error {
			thetaIdx, chunk := task/chunks, task%chunks
			m := &maps[thetaIdx]
			tangents := make([][2]float64, dim)
			for p := chunk * pointsChunkSize; p < min(numPoints, (chunk+1)*pointsChunkSize); p++ {
				clear(tangents)
				integrateWithTangents(locator, m, int(geom.NumSteps),
					float64(pointsFlat[p]), float64(pointsFlat[numPoints+p]), tangents)
				for dirIdx, tangent := range tangents {
					base := ((dirIdx*numTheta+thetaIdx)*2)*numPoints + p
					out[base] = float32(tangent[0])
					out[base+numPoints] = float32(tangent[1])
				}
			}
			return nil
		})
	})
	if err == nil {
		err = taskErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "%q kernels Gradient", BackendName)
	}
	return output, nil
}

// newStepMaps precomputes the step maps of one sample, given its generators as [nC, 2, 3] and the basis
// blocks bs [d, nC, 2, 3].
func newStepMaps(as, bs []float32, dim, numCells int, dT float64) stepMaps {
	m := stepMaps{
		trels:       make([][6]float64, numCells),
		derivatives: make([][][6]float64, dim),
	}
	scaledGenerators := make([][6]float64, numCells)
	for c := range numCells {
		for j := range 6 {
			scaledGenerators[c][j] = dT * float64(as[6*c+j])
		}
		m.trels[c] = expm.Affine(scaledGenerators[c])
	}
	for dirIdx := range dim {
		m.derivatives[dirIdx] = make([][6]float64, numCells)
		for c := range numCells {
			var direction [6]float64
			offset := (dirIdx*numCells + c) * 6
			for j := range 6 {
				direction[j] = dT * float64(bs[offset+j])
			}
			m.derivatives[dirIdx][c] = frechetExp(scaledGenerators[c], direction)
		}
	}
	return m
}

// integrateWithTangents moves (x, y) numSteps times, updating the tangents (one per parameter direction,
// initially zero) along the way.
func integrateWithTangents(locator kernels.CellLocator, m *stepMaps, numSteps int, x, y float64, tangents [][2]float64) {
	for range numSteps {
		c := locator.CellIndex(x, y)
		t := &m.trels[c]
		for dirIdx := range tangents {
			l := &m.derivatives[dirIdx][c]
			jx, jy := tangents[dirIdx][0], tangents[dirIdx][1]
			tangents[dirIdx][0] = t[0]*jx + t[1]*jy + l[0]*x + l[1]*y + l[2]
			tangents[dirIdx][1] = t[3]*jx + t[4]*jy + l[3]*x + l[4]*y + l[5]
		}
		x, y = kernels.ApplyAffine(t[:], x, y)
	}
}

// mulZeroLastRow multiplies two 3x3 matrices whose last row is zero, given as their top 2x3 blocks.
func mulZeroLastRow(a, b [6]float64) [6]float64 {
	return [6]float64{
		a[0]*b[0] + a[1]*b[3], a[0]*b[1] + a[1]*b[4], a[0]*b[2] + a[1]*b[5],
		a[3]*b[0] + a[4]*b[3], a[3]*b[1] + a[4]*b[4], a[3]*b[2] + a[4]*b[5],
	}
}

// frechetExp returns the Fréchet derivative of the matrix exponential at x in the direction e, for augmented
// affine generators (3x3 with zero last row, given as top 2x3 blocks):
//
//	L(x, e) = sum_{k>=1} S_k / k!,  S_1 = e,  S_{k+1} = x·S_k + e·x^k
//
// Single terms can vanish while later ones don't (e.g. when x and e anticommute), so the summation stops
// on a bound of the remaining tail: ‖S_{k+1}‖/(k+1)! <= ‖e‖·‖x‖^k/k!, and the tail after it is at most
// twice that once ‖x‖ <= k/2.
func frechetExp(x, e [6]float64) [6]float64 {
	s := e
	xPow := x
	result := e
	normX, normE := affineNorm(x), affineNorm(e)
	factorial := 1.0
	tailBound := normE
	for k := 1; k < maxFrechetTerms; k++ {
		tailBound *= normX / float64(k)
		if 2*normX <= float64(k) && 2*tailBound <= 1e-17*(1+maxAbs(result)) {
			break
		}
		xs := mulZeroLastRow(x, s)
		ex := mulZeroLastRow(e, xPow)
		factorial *= float64(k + 1)
		for j := range s {
			s[j] = xs[j] + ex[j]
			result[j] += s[j] / factorial
		}
		xPow = mulZeroLastRow(xPow, x)
	}
	return result
}

// affineNorm is the infinity norm (max absolute row sum) of the augmented 3x3 matrix of a.
func affineNorm(a [6]float64) float64 {
	return max(math.Abs(a[0])+math.Abs(a[1])+math.Abs(a[2]), math.Abs(a[3])+math.Abs(a[4])+math.Abs(a[5]))
}

func maxAbs(v [6]float64) float64 {
	var m float64
	for _, x := range v {
		m = max(m, math.Abs(x))
	}
	return m
}
