// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"
	"testing"

	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testGeom = Geometry{NumSteps: 50, NumCellsX: 2, NumCellsY: 2, IncX: 1, IncY: 1}

func TestGeometry(t *testing.T) {
	require.NoError(t, testGeom.Validate())
	assert.Equal(t, "Geometry(steps=50, grid=2x2, inc=(1, 1))", testGeom.String())
	for _, bad := range []Geometry{
		{NumSteps: 0, NumCellsX: 2, NumCellsY: 2, IncX: 1, IncY: 1},
		{NumSteps: 50, NumCellsX: 0, NumCellsY: 2, IncX: 1, IncY: 1},
		{NumSteps: 50, NumCellsX: 2, NumCellsY: 2, IncX: 0, IncY: 1},
	} {
		require.Error(t, bad.Validate(), "%s", bad)
	}

	for numCells, want := range map[int]int{4: 1, 8: 2, 16: 4} {
		k, err := testGeom.CellsPerRect(numCells)
		require.NoError(t, err)
		assert.Equal(t, want, k)
	}
	for _, numCells := range []int{3, 12, 32} {
		_, err := testGeom.CellsPerRect(numCells)
		require.Error(t, err, "numCells=%d", numCells)
	}
}

func TestCellIndex(t *testing.T) {
	// One cell per rectangle: rectangles numbered col + row*ncx.
	l, err := NewCellLocator(testGeom, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, l.NumCells())
	assert.Equal(t, 0, l.CellIndex(-0.5, -0.5))
	assert.Equal(t, 1, l.CellIndex(0.5, -0.5))
	assert.Equal(t, 2, l.CellIndex(-0.5, 0.5))
	assert.Equal(t, 3, l.CellIndex(0.5, 0.5))
	// Outside points clamp to boundary rectangles, and the upper bound belongs to the last rectangle.
	assert.Equal(t, 0, l.CellIndex(-5, -5))
	assert.Equal(t, 3, l.CellIndex(1, 1))
	assert.Equal(t, 3, l.CellIndex(7, 3))
	assert.Equal(t, 3, l.CellIndex(0, 0))

	// Two cells per rectangle: below/above the diagonal.
	l, err = NewCellLocator(testGeom, 8)
	require.NoError(t, err)
	assert.Equal(t, 0, l.CellIndex(-0.2, -0.8))
	assert.Equal(t, 1, l.CellIndex(-0.8, -0.2))
	assert.Equal(t, 6, l.CellIndex(0.8, 0.2))
	assert.Equal(t, 7, l.CellIndex(0.2, 0.8))

	// Four cells per rectangle, in rectangle 0 centered at (-0.5, -0.5).
	l, err = NewCellLocator(testGeom, 16)
	require.NoError(t, err)
	assert.Equal(t, 0, l.CellIndex(-0.5, -0.9))  // Bottom.
	assert.Equal(t, 1, l.CellIndex(-0.1, -0.5))  // Right.
	assert.Equal(t, 2, l.CellIndex(-0.5, -0.1))  // Top.
	assert.Equal(t, 3, l.CellIndex(-0.9, -0.5))  // Left.
	assert.Equal(t, 3, l.CellIndex(-1.5, -0.5))  // Outside, left of rectangle 0.
	assert.Equal(t, 0, l.CellIndex(-0.5, -1.5))  // Outside, below rectangle 0.
	assert.Equal(t, 14, l.CellIndex(0.5, 0.9))   // Top of rectangle 3.
	assert.Equal(t, 0, l.CellIndex(math.NaN(), 0))

	_, err = NewCellLocator(testGeom, 12)
	require.Error(t, err)
}

func TestVelocity(t *testing.T) {
	l, err := NewCellLocator(testGeom, 4)
	require.NoError(t, err)
	as := make([]float32, 4*6)
	// Cell 3 (x > 0, y > 0) rotates, others are zero.
	copy(as[18:], []float32{0, -1, 0, 1, 0, 0})
	vx, vy := l.Velocity(as, 0.5, 0.25)
	assert.InDelta(t, -0.25, vx, 1e-12)
	assert.InDelta(t, 0.5, vy, 1e-12)
	vx, vy = l.Velocity(as, -0.5, 0.25)
	assert.Zero(t, vx)
	assert.Zero(t, vy)

	x, y := ApplyAffine([]float32{1, 0, 2, 0, 1, -1}, 1, 1)
	assert.Equal(t, float32(3), x)
	assert.Equal(t, float32(0), y)
}

func TestDims(t *testing.T) {
	points := tensors.FromScalarAndDimensions(float32(0), 2, 5)
	trels := tensors.FromScalarAndDimensions(float32(0), 3, 8, 2, 3)
	n, nC, nP, err := TransformDims(points, trels, testGeom)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 5}, []int{n, nC, nP})

	_, _, _, err = TransformDims(tensors.FromScalarAndDimensions(float32(0), 3, 5), trels, testGeom)
	require.Error(t, err)
	_, _, _, err = TransformDims(points, tensors.FromScalarAndDimensions(float32(0), 3, 7, 2, 3), testGeom)
	require.Error(t, err)
	_, _, _, err = TransformDims(points, tensors.FromScalarAndDimensions(0.0, 3, 8, 2, 3), testGeom)
	require.Error(t, err)

	bs := tensors.FromScalarAndDimensions(float32(0), 6, 8, 2, 3)
	d, n, nC, nP, err := GradientDims(points, trels, bs, testGeom)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 3, 8, 5}, []int{d, n, nC, nP})
	_, _, _, _, err = GradientDims(points, trels, tensors.FromScalarAndDimensions(float32(0), 6, 4, 2, 3), testGeom)
	require.Error(t, err)
}

type fakeKernels struct{ config string }

func (f *fakeKernels) Name() string        { return "fake" }
func (f *fakeKernels) Description() string { return "fake kernels for " + f.config }
func (f *fakeKernels) Transform(_, _ *tensors.Tensor, _ Geometry) (*tensors.Tensor, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeKernels) Gradient(_, _, _ *tensors.Tensor, _ Geometry) (*tensors.Tensor, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeKernels) Finalize() {}

func TestRegistry(t *testing.T) {
	_, err := NewWithConfig("fake")
	require.ErrorContains(t, err, "no registered CPAB kernels")

	Register("fake", func(config string) (Kernels, error) { return &fakeKernels{config: config}, nil })
	Register("failing", func(config string) (Kernels, error) { return nil, errors.Errorf("bad config %q", config) })
	assert.Equal(t, []string{"failing", "fake"}, List())

	k, err := NewWithConfig("fake:abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", k.(*fakeKernels).config)

	k, err = NewWithConfig("fake")
	require.NoError(t, err)
	assert.Equal(t, "", k.(*fakeKernels).config)

	// No name: configuration of the first registered.
	k, err = NewWithConfig("xyz")
	require.NoError(t, err)
	assert.Equal(t, "xyz", k.(*fakeKernels).config)

	_, err = NewWithConfig("failing:1")
	require.ErrorContains(t, err, `bad config "1"`)
	_, err = NewWithConfig("unknown:1")
	require.ErrorContains(t, err, "can't find CPAB kernels")

	t.Setenv(ConfigEnv, "fake:from-env")
	k, err = New()
	require.NoError(t, err)
	assert.Equal(t, "from-env", k.(*fakeKernels).config)
}
