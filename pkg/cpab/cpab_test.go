// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpab

import (
	"math"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab/basis"
	"github.com/gomlx/cpab/pkg/cpab/expm"
	"github.com/gomlx/cpab/pkg/cpab/grid"
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/gomlx/cpab/pkg/cpab/kernels/kernelstest"
	"github.com/gomlx/cpab/pkg/cpab/kernels/simplego"
	"github.com/gomlx/cpab/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBasis has nC=8 cells (2x2 grid, 2 cells per rectangle) and d=6.
func testBasis(t *testing.T) *basis.Basis {
	b, err := basis.GlobalAffine(2, 2, 2)
	require.NoError(t, err)
	return b
}

func newGoTransformer(t *testing.T) *Transformer {
	k, err := simplego.New("")
	require.NoError(t, err)
	tr := New(basis.Static(testBasis(t)), k)
	t.Cleanup(tr.Finalize)
	return tr
}

func newMockTransformer(t *testing.T) (*Transformer, *kernelstest.Kernels) {
	mock := kernelstest.New()
	return New(basis.Static(testBasis(t)), mock), mock
}

func TestExpand(t *testing.T) {
	b := testBasis(t)
	theta := tensors.FromValue([][]float32{{1, 2, 3, 4, 5, 6}, {0, 0, 0, 0, 0, -1}})
	as, err := Expand(b, theta)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 2, 3}, as.Shape().Dimensions)
	asFlat := tensors.MustCopyFlatData[float32](as)
	for c := range 8 {
		assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, asFlat[6*c:6*c+6])
		assert.Equal(t, []float32{0, 0, 0, 0, 0, -1}, asFlat[48+6*c:48+6*c+6])
	}

	flat, err := ExpandFlat(b, tensors.FromValue([][]float64{{1, 2, 3, 4, 5, 6}}))
	require.NoError(t, err)
	assert.Equal(t, []int{8, 2, 3}, flat.Shape().Dimensions)

	_, err = Expand(b, tensors.FromValue([][]float32{{1, 2, 3, 4, 5}}))
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = Expand(b, tensors.FromValue([]float32{1, 2, 3, 4, 5, 6}))
	require.ErrorIs(t, err, ErrShapeMismatch)

	// The basis matrix itself is a valid [6*nC, d] theta: reading it twice must not block.
	selfAs, err := Expand(b, b.B)
	require.NoError(t, err)
	assert.Equal(t, []int{48, 8, 2, 3}, selfAs.Shape().Dimensions)
}

// Zero parameters on a 5x5 grid are the identity.
func TestTransformIdentity(t *testing.T) {
	tr := newGoTransformer(t)
	points := must.M1(grid.Sample(5))
	theta := tensors.FromValue([][]float32{make([]float32, 6)})
	got, err := tr.Transform(points, theta)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 25}, got.Shape().Dimensions)
	require.True(t, got.InDelta(must.M1(points.Reshape(1, 2, 25)), 1e-5), "got %s", got)
}

func TestTransformBatchConsistency(t *testing.T) {
	tr := newGoTransformer(t)
	points := must.M1(grid.Sample(5))
	theta := must.M1(grid.SampleTheta(3, 6, 0.3, 1))
	batch, err := tr.Transform(points, theta)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2, 25}, batch.Shape().Dimensions)
	batchFlat := tensors.MustCopyFlatData[float32](batch)
	thetaFlat := tensors.MustCopyFlatData[float32](theta)
	for ii := range 3 {
		single, err := tr.Transform(points, tensors.FromFlatDataAndDimensions(thetaFlat[6*ii:6*ii+6], 1, 6))
		require.NoError(t, err)
		assert.True(t, xslices.InDelta(batchFlat[50*ii:50*ii+50], tensors.MustCopyFlatData[float32](single), 1e-6),
			"sample %d", ii)
	}
}

func TestTransformCallsKernels(t *testing.T) {
	tr, mock := newMockTransformer(t)
	points := tensors.FromValue([][]float64{{0.5, -0.5}, {0, 0.25}})
	theta := tensors.FromValue([][]float32{{0.5, 0, 0.1, 0, -0.5, 0.2}})
	got, err := tr.Transform(points, theta)
	require.NoError(t, err)
	assert.Equal(t, [][][]float32{{{0.5, -0.5}, {0, 0.25}}}, got.Value())

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, kernels.Geometry{NumSteps: NumStepsSolver, NumCellsX: 2, NumCellsY: 2, IncX: 1, IncY: 1},
		calls[0].Geometry)
	trels := calls[0].Inputs[1]
	require.Equal(t, []int{1, 8, 2, 3}, trels.Shape().Dimensions)
	want := expm.Affine([6]float64{0.5 / NumStepsSolver, 0, 0.1 / NumStepsSolver, 0, -0.5 / NumStepsSolver, 0.2 / NumStepsSolver})
	trelsFlat := tensors.MustCopyFlatData[float32](trels)
	for c := range 8 {
		for j := range want {
			assert.InDelta(t, want[j], trelsFlat[6*c+j], 1e-7)
		}
	}
}

func TestShapeMismatch(t *testing.T) {
	tr, mock := newMockTransformer(t)
	points := tensors.FromValue([][]float32{{0, 1}, {0, 1}})
	theta := tensors.FromValue([][]float32{make([]float32, 6)})

	_, err := tr.Transform(tensors.FromValue([][]float32{{0, 1}, {0, 1}, {0, 1}}), theta)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = tr.Transform(points, tensors.FromValue([][]float32{make([]float32, 4)}))
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, _, err = tr.Gradient(points, theta, tensors.FromValue([][][]float32{{{1}, {1}}}))
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.Empty(t, mock.Calls())
}

func TestBasisLoadFailure(t *testing.T) {
	tr := New(basis.FromFile(filepath.Join(t.TempDir(), "missing.npz")), kernelstest.New())
	points := tensors.FromValue([][]float32{{0}, {0}})
	theta := tensors.FromValue([][]float32{make([]float32, 6)})
	_, err := tr.Transform(points, theta)
	require.ErrorIs(t, err, ErrBasisLoad)
	_, _, err = tr.Gradient(points, theta, tensors.FromValue([][][]float32{{{1}, {1}}}))
	require.ErrorIs(t, err, ErrBasisLoad)
}

func TestKernelFailures(t *testing.T) {
	tr, mock := newMockTransformer(t)
	points := tensors.FromValue([][]float32{{0}, {0}})
	theta := tensors.FromValue([][]float32{make([]float32, 6)})

	kernelErr := errors.New("device on fire")
	mock.TransformFn = func(_, _ *tensors.Tensor, _ kernels.Geometry) (*tensors.Tensor, error) {
		return nil, kernelErr
	}
	_, err := tr.Transform(points, theta)
	require.ErrorIs(t, err, ErrNativeKernel)
	require.ErrorIs(t, err, kernelErr)
	require.ErrorContains(t, err, "device on fire")

	mock.TransformFn = func(_, _ *tensors.Tensor, _ kernels.Geometry) (*tensors.Tensor, error) {
		panic("unexpected")
	}
	_, err = tr.Transform(points, theta)
	require.ErrorIs(t, err, ErrNativeKernel)
	require.ErrorContains(t, err, "unexpected")

	mock.TransformFn = func(_, _ *tensors.Tensor, _ kernels.Geometry) (*tensors.Tensor, error) {
		return tensors.FromValue([][]float32{{0}, {0}}), nil
	}
	_, err = tr.Transform(points, theta)
	require.ErrorIs(t, err, ErrNativeKernel)
	require.ErrorContains(t, err, "returned shape")

	tr.Finalize()
	assert.Equal(t, 1, mock.NumFinalized())
	_, err = tr.Transform(points, theta)
	require.ErrorIs(t, err, ErrNativeKernel)
}

// Scenario: n_theta=3 with upstream ones [6, 3, 2, 25].
func TestGradientShape(t *testing.T) {
	tr := newGoTransformer(t)
	points := must.M1(grid.Sample(5))
	theta := must.M1(grid.SampleTheta(3, 6, 0.3, 2))
	upstream := tensors.FromScalarAndDimensions(float32(1), 6, 3, 2, 25)
	pointsGrad, thetaGrad, err := tr.Gradient(points, theta, upstream)
	require.NoError(t, err)
	assert.Nil(t, pointsGrad)
	require.Equal(t, []int{6, 3}, thetaGrad.Shape().Dimensions)
	assert.True(t, xslices.AllFinite(tensors.MustCopyFlatData[float32](thetaGrad)))
}

func TestGradientLinearity(t *testing.T) {
	tr := newGoTransformer(t)
	points := must.M1(grid.Sample(5))
	theta := must.M1(grid.SampleTheta(2, 6, 0.3, 3))
	upstream := must.M1(grid.SampleTheta(6*2*2, 25, 1, 4))
	upstream = must.M1(upstream.Reshape(6, 2, 2, 25))
	_, base, err := tr.Gradient(points, theta, upstream)
	require.NoError(t, err)
	baseFlat := tensors.MustCopyFlatData[float32](base)

	for _, k := range []float32{0, -1, 2.5} {
		scaled := tensors.FromFlatDataAndDimensions(
			xslices.Map(tensors.MustCopyFlatData[float32](upstream), func(v float32) float32 { return k * v }),
			6, 2, 2, 25)
		_, got, err := tr.Gradient(points, theta, scaled)
		require.NoError(t, err)
		gotFlat := tensors.MustCopyFlatData[float32](got)
		for ii, v := range baseFlat {
			assert.InDelta(t, k*v, gotFlat[ii], 1e-4*(1+math.Abs(float64(k*v))), "k=%g, index %d", k, ii)
		}
	}
}

// An upstream shaped like the output of Transform is used for every parameter component.
func TestGradientBroadcast(t *testing.T) {
	tr := newGoTransformer(t)
	points := must.M1(grid.Sample(4))
	theta := must.M1(grid.SampleTheta(2, 6, 0.2, 5))
	upstream := must.M1(grid.SampleTheta(2*2, 16, 1, 6))
	upstream = must.M1(upstream.Reshape(2, 2, 16))
	_, got, err := tr.Gradient(points, theta, upstream)
	require.NoError(t, err)

	upstreamFlat := tensors.MustCopyFlatData[float32](upstream)
	var replicated []float32
	for range 6 {
		replicated = append(replicated, upstreamFlat...)
	}
	_, want, err := tr.Gradient(points, theta, tensors.FromFlatDataAndDimensions(replicated, 6, 2, 2, 16))
	require.NoError(t, err)
	assert.True(t, got.InDelta(want, 1e-6))
}

// The gradient is the derivative of sum(upstream * Transform(theta)).
func TestGradientFiniteDifferences(t *testing.T) {
	tr := newGoTransformer(t)
	points := must.M1(grid.Sample(5))
	theta := must.M1(grid.SampleTheta(1, 6, 0.3, 7))
	upstream := must.M1(grid.SampleTheta(2, 25, 1, 8))
	upstream = must.M1(upstream.Reshape(1, 2, 25))
	upstreamFlat := tensors.MustCopyFlatData[float32](upstream)
	_, grad, err := tr.Gradient(points, theta, upstream)
	require.NoError(t, err)
	gradFlat := tensors.MustCopyFlatData[float32](grad)

	loss := func(thetaFlat []float32) float64 {
		out := must.M1(tr.Transform(points, tensors.FromFlatDataAndDimensions(thetaFlat, 1, 6)))
		var sum float64
		for ii, v := range tensors.MustCopyFlatData[float32](out) {
			sum += float64(v) * float64(upstreamFlat[ii])
		}
		return sum
	}
	const eps = 1e-2
	thetaFlat := tensors.MustCopyFlatData[float32](theta)
	for k := range 6 {
		plus, minus := slices.Clone(thetaFlat), slices.Clone(thetaFlat)
		plus[k] += eps
		minus[k] -= eps
		want := (loss(plus) - loss(minus)) / (2 * eps)
		assert.InDelta(t, want, gradFlat[k], 1e-2*(1+math.Abs(want)), "parameter %d", k)
	}
}

// twoCellBasis splits the domain at x=0 into cell 0 (left) and cell 1 (right), with d=4 directions:
//
//   - 0: vx = x in the left cell.
//   - 1: vx = x in the right cell.
//   - 2: vy = 1 in both cells.
//   - 3: vy = x in the left cell.
//
// The fields are continuous, and no point crosses x=0, so the flow has the closed form twoCellFlow.
func twoCellBasis(t *testing.T) *basis.Basis {
	const dim = 4
	bFlat := make([]float32, 12*dim)
	set := func(cell, entry, direction int) { bFlat[(cell*6+entry)*dim+direction] = 1 }
	set(0, 0, 0)
	set(1, 0, 1)
	set(0, 5, 2)
	set(1, 5, 2)
	set(0, 3, 3)
	b := &basis.Basis{NumCells: 2, NumCellsX: 2, NumCellsY: 1, IncX: 1, IncY: 2,
		B: tensors.FromFlatDataAndDimensions(bFlat, 12, dim)}
	require.NoError(t, b.Validate())
	return b
}

func twoCellFlow(theta []float64, x, y float64) (float64, float64) {
	if x >= 0 {
		return x * math.Exp(theta[1]), y + theta[2]
	}
	phi := 1.0
	if theta[0] != 0 {
		phi = math.Expm1(theta[0]) / theta[0]
	}
	return x * math.Exp(theta[0]), y + theta[2] + theta[3]*x*phi
}

func TestTwoCellBasis(t *testing.T) {
	k, err := simplego.New("")
	require.NoError(t, err)
	tr := New(basis.Static(twoCellBasis(t)), k)
	defer tr.Finalize()

	points := tensors.FromValue([][]float32{{-0.6, -0.3, 0.5, 0.6}, {-0.5, 0.4, -0.2, 0.3}})
	pointsFlat := tensors.MustCopyFlatData[float32](points)
	thetas := [][]float64{{0.4, -0.3, 0.2, 0.5}, {-0.2, 0.3, -0.1, -0.4}}
	theta := tensors.FromValue([][]float32{{0.4, -0.3, 0.2, 0.5}, {-0.2, 0.3, -0.1, -0.4}})
	const numPoints = 4

	got, err := tr.Transform(points, theta)
	require.NoError(t, err)
	gotFlat := tensors.MustCopyFlatData[float32](got)
	for ii, th := range thetas {
		for p := range numPoints {
			wantX, wantY := twoCellFlow(th, float64(pointsFlat[p]), float64(pointsFlat[numPoints+p]))
			base := ii * 2 * numPoints
			assert.InDelta(t, wantX, gotFlat[base+p], 1e-4, "sample %d, point %d", ii, p)
			assert.InDelta(t, wantY, gotFlat[base+numPoints+p], 1e-4, "sample %d, point %d", ii, p)
		}
	}

	// Gradient of a weighted sum of the outputs, against finite differences of the closed form.
	upstream := must.M1(grid.SampleTheta(2, 2*numPoints, 1, 3))
	upstreamFlat := tensors.MustCopyFlatData[float32](upstream)
	upstream = must.M1(upstream.Reshape(2, 2, numPoints))
	_, grad, err := tr.Gradient(points, theta, upstream)
	require.NoError(t, err)
	require.Equal(t, []int{4, 2}, grad.Shape().Dimensions)
	gradFlat := tensors.MustCopyFlatData[float32](grad)
	loss := func(ii int, th []float64) float64 {
		var sum float64
		for p := range numPoints {
			x, y := twoCellFlow(th, float64(pointsFlat[p]), float64(pointsFlat[numPoints+p]))
			base := ii * 2 * numPoints
			sum += x*float64(upstreamFlat[base+p]) + y*float64(upstreamFlat[base+numPoints+p])
		}
		return sum
	}
	const eps = 1e-5
	for ii, th := range thetas {
		for dir := range 4 {
			plus, minus := slices.Clone(th), slices.Clone(th)
			plus[dir] += eps
			minus[dir] -= eps
			want := (loss(ii, plus) - loss(ii, minus)) / (2 * eps)
			assert.InDelta(t, want, gradFlat[dir*2+ii], 1e-4*(1+math.Abs(want)), "sample %d, direction %d", ii, dir)
		}
	}
}

func TestOp(t *testing.T) {
	tr := newGoTransformer(t)
	points := must.M1(grid.Sample(3))
	theta := must.M1(grid.SampleTheta(2, 6, 0.3, 9))
	op, err := tr.Apply(points, theta)
	require.NoError(t, err)
	assert.Equal(t, []*tensors.Tensor{points, theta}, op.Inputs())
	assert.Equal(t, []int{2, 2, 9}, op.Output().Shape().Dimensions)

	v := tensors.FromScalarAndDimensions(float32(1), 2, 2, 9)
	grads, err := op.VJP(v)
	require.NoError(t, err)
	require.Len(t, grads, 2)
	assert.Nil(t, grads[0])
	_, want, err := tr.Gradient(points, theta, v)
	require.NoError(t, err)
	assert.True(t, grads[1].Equal(want))
}

func TestDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "basis.npz")
	require.NoError(t, testBasis(t).Save(path))
	t.Setenv(BasisEnv, path)
	t.Setenv(kernels.ConfigEnv, simplego.BackendName)
	t.Cleanup(Finalize)

	tr, err := Default()
	require.NoError(t, err)
	assert.Equal(t, simplego.BackendName, tr.Kernels().Name())
	again, err := Default()
	require.NoError(t, err)
	assert.Same(t, tr, again)

	points := must.M1(grid.Sample(5))
	theta := tensors.FromValue([][]float32{make([]float32, 6)})
	got, err := Transform(points, theta)
	require.NoError(t, err)
	require.True(t, got.InDelta(must.M1(points.Reshape(1, 2, 25)), 1e-5))
	_, thetaGrad, err := Gradient(points, theta, got)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 1}, thetaGrad.Shape().Dimensions)
	op, err := Apply(points, theta)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 25}, op.Output().Shape().Dimensions)

	Finalize()
	renewed, err := Default()
	require.NoError(t, err)
	assert.NotSame(t, tr, renewed)
}

func TestDefaultBasisProvider(t *testing.T) {
	t.Setenv(BasisEnv, "/data/basis.npz")
	assert.Equal(t, "/data/basis.npz", DefaultBasisProvider().Path())

	t.Setenv(BasisEnv, "")
	t.Setenv(BasisDirEnv, "/data/cpab")
	assert.Equal(t, filepath.Join("/data/cpab", basis.DefaultParams.FileName()), DefaultBasisProvider().Path())
}
