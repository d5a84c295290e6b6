// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab/basis"
	"github.com/gomlx/cpab/pkg/cpab/expm"
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testGeom = kernels.Geometry{NumSteps: 50, NumCellsX: 2, NumCellsY: 2, IncX: 1, IncY: 1}

// testPoints returns a [2, P] tensor with points spread over the domain.
func testPoints() *tensors.Tensor {
	return tensors.FromValue([][]float32{
		{-0.9, -0.5, 0, 0.25, 0.7, 0.95, -0.3},
		{-0.8, 0.4, 0, -0.6, 0.7, 0.1, 0.9},
	})
}

// repeatCells returns a [n, numCells, 2, 3] tensor with each sample's generator repeated over all cells.
func repeatCells(generators [][6]float32, numCells int) *tensors.Tensor {
	flat := make([]float32, 0, len(generators)*numCells*6)
	for _, g := range generators {
		for range numCells {
			flat = append(flat, g[:]...)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(generators), numCells, 2, 3)
}

func newTestKernels(t *testing.T, config string) kernels.Kernels {
	k, err := New(config)
	require.NoError(t, err)
	t.Cleanup(k.Finalize)
	return k
}

func TestNew(t *testing.T) {
	assert.Contains(t, kernels.List(), BackendName)
	k := newTestKernels(t, "")
	assert.Equal(t, BackendName, k.Name())

	k = newTestKernels(t, "parallelism=3")
	assert.Equal(t, "Pure Go CPAB kernels (parallelism=3)", k.Description())

	_, err := New("parallelism=many")
	require.Error(t, err)
	_, err = New("color=blue")
	require.Error(t, err)

	k, err = kernels.NewWithConfig("go:parallelism=0")
	require.NoError(t, err)
	assert.Equal(t, BackendName, k.Name())
	k.Finalize()
}

func TestTransformIdentity(t *testing.T) {
	k := newTestKernels(t, "")
	points := testPoints()
	trels := repeatCells([][6]float32{{1, 0, 0, 0, 1, 0}, {1, 0, 0, 0, 1, 0}}, 16)
	got, err := k.Transform(points, trels, testGeom)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 7}, got.Shape().Dimensions)

	want := tensors.MustCopyFlatData[float32](points)
	gotFlat := tensors.MustCopyFlatData[float32](got)
	assert.Equal(t, want, gotFlat[:14])
	assert.Equal(t, want, gotFlat[14:])
}

// With the same generator in every cell, the integration is the exponential of the generator.
func TestTransformGlobalAffine(t *testing.T) {
	for _, parallelism := range []string{"parallelism=0", "parallelism=4"} {
		k := newTestKernels(t, parallelism)
		generators := [][6]float32{
			{0.1, -0.3, 0.05, 0.2, 0.1, -0.1},
			{-0.2, 0.5, 0, -0.5, -0.2, 0.02},
		}
		as := repeatCells(generators, 8)
		trels, err := expm.Exp(as, 1.0/float64(testGeom.NumSteps))
		require.NoError(t, err)
		points := testPoints()
		got, err := k.Transform(points, trels, testGeom)
		require.NoError(t, err)

		pointsFlat := tensors.MustCopyFlatData[float32](points)
		gotFlat := tensors.MustCopyFlatData[float32](got)
		numPoints := len(pointsFlat) / 2
		for thetaIdx, g := range generators {
			var a [6]float64
			for j := range g {
				a[j] = float64(g[j])
			}
			transform := expm.Affine(a)
			for p := range numPoints {
				wantX, wantY := kernels.ApplyAffine(transform[:], float64(pointsFlat[p]), float64(pointsFlat[numPoints+p]))
				assert.InDelta(t, wantX, gotFlat[(2*thetaIdx)*numPoints+p], 1e-4)
				assert.InDelta(t, wantY, gotFlat[(2*thetaIdx+1)*numPoints+p], 1e-4)
			}
		}
	}
}

func TestFrechetExp(t *testing.T) {
	// For x = 0 the derivative is the direction itself.
	e := [6]float64{1, 2, 3, 4, 5, 6}
	assert.Equal(t, e, frechetExp([6]float64{}, e))

	// A pure stretch anticommutes with the off-diagonal direction: the second term of the series is
	// zero, but the derivative is sinh(a)/a in that entry.
	for _, a := range []float64{0.06, 0.5, 1.5} {
		got := frechetExp([6]float64{a, 0, 0, 0, -a, 0}, [6]float64{0, 1, 0, 0, 0, 0})
		assert.InDelta(t, math.Sinh(a)/a, got[1], 1e-13, "a=%g", a)
		for _, j := range []int{0, 2, 3, 4, 5} {
			assert.InDelta(t, 0, got[j], 1e-15, "a=%g, j=%d", a, j)
		}
	}

	// Compare to central finite differences of expm.Affine.
	rng := rand.New(rand.NewPCG(42, 0))
	for range 20 {
		var x [6]float64
		for j := range x {
			x[j] = rng.NormFloat64()
			e[j] = rng.NormFloat64()
		}
		const eps = 1e-6
		var plus, minus [6]float64
		for j := range x {
			plus[j] = x[j] + eps*e[j]
			minus[j] = x[j] - eps*e[j]
		}
		expPlus, expMinus := expm.Affine(plus), expm.Affine(minus)
		got := frechetExp(x, e)
		for j := range got {
			want := (expPlus[j] - expMinus[j]) / (2 * eps)
			assert.InDelta(t, want, got[j], 1e-5*(1+math.Abs(want)), "x=%v, e=%v, j=%d", x, e, j)
		}
	}
}

func TestGradientFiniteDifferences(t *testing.T) {
	k := newTestKernels(t, "parallelism=2")
	b, err := basis.GlobalAffine(2, 2, 4)
	require.NoError(t, err)
	bs, err := b.Blocks()
	require.NoError(t, err)
	dim, numCells := b.Dim(), b.NumCells

	generators := [][6]float32{
		{0.3, -0.2, 0.1, 0.4, -0.1, 0.05},
		{0, 0, 0, 0, 0, 0},
	}
	as := repeatCells(generators, numCells)
	points := testPoints()
	got, err := k.Gradient(points, as, bs, testGeom)
	require.NoError(t, err)
	numTheta := len(generators)
	pointsFlat := tensors.MustCopyFlatData[float32](points)
	numPoints := len(pointsFlat) / 2
	require.Equal(t, []int{dim, numTheta, 2, numPoints}, got.Shape().Dimensions)
	gotFlat := tensors.MustCopyFlatData[float32](got)

	locator, err := kernels.NewCellLocator(testGeom, numCells)
	require.NoError(t, err)
	dT := 1.0 / float64(testGeom.NumSteps)
	transform := func(g [6]float64, x, y float64) (float64, float64) {
		var scaled [6]float64
		for j := range g {
			scaled[j] = dT * g[j]
		}
		trel := expm.Affine(scaled)
		trels := slices.Repeat(trel[:], numCells)
		return integrate(locator, trels, int(testGeom.NumSteps), x, y)
	}

	const eps = 1e-5
	for thetaIdx, g32 := range generators {
		var g [6]float64
		for j := range g32 {
			g[j] = float64(g32[j])
		}
		// With the global affine basis, direction k only changes the generator entry k.
		for dirIdx := range dim {
			plus, minus := g, g
			plus[dirIdx] += eps
			minus[dirIdx] -= eps
			for p := range numPoints {
				x, y := float64(pointsFlat[p]), float64(pointsFlat[numPoints+p])
				xPlus, yPlus := transform(plus, x, y)
				xMinus, yMinus := transform(minus, x, y)
				base := ((dirIdx*numTheta+thetaIdx)*2)*numPoints + p
				assert.InDelta(t, (xPlus-xMinus)/(2*eps), gotFlat[base], 1e-4, "theta=%d, dir=%d, point=%d", thetaIdx, dirIdx, p)
				assert.InDelta(t, (yPlus-yMinus)/(2*eps), gotFlat[base+numPoints], 1e-4, "theta=%d, dir=%d, point=%d", thetaIdx, dirIdx, p)
			}
		}
	}
}

func TestGradientPureStretch(t *testing.T) {
	k := newTestKernels(t, "")
	b, err := basis.GlobalAffine(2, 2, 1)
	require.NoError(t, err)
	bs, err := b.Blocks()
	require.NoError(t, err)
	as := repeatCells([][6]float32{{3, 0, 0, 0, -3, 0}}, b.NumCells)
	points := tensors.FromValue([][]float32{{0}, {0.5}})
	got, err := k.Gradient(points, as, bs, testGeom)
	require.NoError(t, err)
	require.Equal(t, []int{6, 1, 2, 1}, got.Shape().Dimensions)
	gotFlat := tensors.MustCopyFlatData[float32](got)

	// d exp(A)/d a01 at A = diag(3, -3) is sinh(3)/3 in the entry (0, 1), applied to y = 0.5.
	want := math.Sinh(3) / 3 * 0.5
	assert.InDelta(t, want, gotFlat[1*2], 1e-4*want)
}

func TestErrors(t *testing.T) {
	k := newTestKernels(t, "")
	points := testPoints()
	trels := repeatCells([][6]float32{{1, 0, 0, 0, 1, 0}}, 4)

	// Number of cells doesn't match the grid.
	_, err := k.Transform(points, repeatCells([][6]float32{{1, 0, 0, 0, 1, 0}}, 6), testGeom)
	require.Error(t, err)

	// Points must be [2, P].
	_, err = k.Transform(tensors.FromValue([][]float32{{0, 1}}), trels, testGeom)
	require.Error(t, err)

	// Invalid geometry.
	_, err = k.Transform(points, trels, kernels.Geometry{NumSteps: 0, NumCellsX: 2, NumCellsY: 2, IncX: 1, IncY: 1})
	require.Error(t, err)

	// as and bs with a different number of cells.
	_, err = k.Gradient(points, trels, repeatCells([][6]float32{{1, 0, 0, 0, 1, 0}}, 8), testGeom)
	require.Error(t, err)

	k.Finalize()
	_, err = k.Transform(points, trels, testGeom)
	require.ErrorContains(t, err, "finalized")
	_, err = k.Gradient(points, trels, trels, testGeom)
	require.ErrorContains(t, err, "finalized")
}
