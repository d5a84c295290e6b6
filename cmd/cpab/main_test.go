// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab"
	"github.com/gomlx/cpab/pkg/cpab/basis"
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransformer(t *testing.T) *cpab.Transformer {
	b, err := basis.GlobalAffine(2, 2, 1)
	require.NoError(t, err)
	k, err := kernels.NewWithConfig("go")
	require.NoError(t, err)
	tr := cpab.New(basis.Static(b), k)
	t.Cleanup(tr.Finalize)
	return tr
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, "warped.png", outputPath("warped.png", 0, 1))
	assert.Equal(t, "out/warped_3.png", outputPath("out/warped.png", 3, 5))
	assert.Equal(t, "warped_1", outputPath("warped", 1, 2))
}

func TestInputFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	inputs := newInputFlags(fs)
	require.NoError(t, fs.Parse([]string{"-grid=3", "-theta=0.1,0,0,0,0.2,0"}))

	points, err := inputs.Points()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 9}, points.Shape().Dimensions)

	theta, err := inputs.Theta(6)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 6}, theta.Shape().Dimensions)
	assert.Equal(t, []float32{0.1, 0, 0, 0, 0.2, 0}, tensors.MustCopyFlatData[float32](theta))

	_, err = inputs.Theta(4)
	require.Error(t, err)

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	inputs = newInputFlags(fs)
	require.NoError(t, fs.Parse([]string{"-num_theta=3", "-seed=7"}))
	theta, err = inputs.Theta(6)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 6}, theta.Shape().Dimensions)
}

func TestInputFlagsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.csv")
	require.NoError(t, os.WriteFile(path, []byte("x,y\n0.5,0\n-0.5,0.25\n"), 0o644))
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	inputs := newInputFlags(fs)
	require.NoError(t, fs.Parse([]string{"-points=" + path}))
	points, err := inputs.Points()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.5, 0, 0.25}, tensors.MustCopyFlatData[float32](points))
}

func TestThetaRows(t *testing.T) {
	theta := tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}})
	rows := thetaRows(theta, 1, 3)
	assert.Equal(t, [][]float32{{3, 4}, {5, 6}}, rows.Value())
}

func TestTransformBatches(t *testing.T) {
	tr := newTestTransformer(t)
	points := tensors.FromValue([][]float32{{-0.5, 0, 0.5}, {0.25, 0, -0.25}})
	theta := tensors.FromValue([][]float32{
		{0, 0, 0, 0, 0, 0},
		{0.1, 0, 0.2, 0, 0.1, 0},
		{0, -0.2, 0, 0.2, 0, 0.1},
	})
	batched, _, err := transformBatches(tr, points, theta, 2, false)
	require.NoError(t, err)
	want, err := tr.Transform(points, theta)
	require.NoError(t, err)
	require.True(t, want.InDelta(batched, 1e-6), "batched=%s, want=%s", batched, want)
}

func TestGradientRows(t *testing.T) {
	thetaGrad := tensors.FromValue([][]float32{{1, 2}, {0.5, -3}})
	rows := gradientRows(thetaGrad)
	require.Len(t, rows, 2)
	assert.Equal(t, "theta[0]", rows[0].Name)
	assert.Equal(t, "1  2", rows[0].Value)
	assert.Equal(t, "0.5  -3", rows[1].Value)
}

func TestBasisProviderGlobalAffine(t *testing.T) {
	*flagGlobalAffine = []int{2, 3, 4}
	defer func() { *flagGlobalAffine = nil }()
	provider, desc, err := basisProvider()
	require.NoError(t, err)
	assert.Equal(t, "global affine 2x3, k=4", desc)
	b, err := provider.Basis()
	require.NoError(t, err)
	assert.Equal(t, 24, b.NumCells)
	assert.Equal(t, 6, b.Dim())

	*flagGlobalAffine = []int{2, 3}
	_, _, err = basisProvider()
	require.Error(t, err)
}
