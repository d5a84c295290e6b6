// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package warp

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab"
	"github.com/gomlx/cpab/pkg/cpab/basis"
	"github.com/gomlx/cpab/pkg/cpab/kernels/simplego"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImage has a different color per pixel.
func testImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(40 * x), G: uint8(40 * y), B: 128, A: 255})
		}
	}
	return img
}

func TestSamplingGrid(t *testing.T) {
	g, err := SamplingGrid(2, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{-0.5, 0.5, -0.5, 0.5}, {-0.5, -0.5, 0.5, 0.5}}, g.Value())
	_, err = SamplingGrid(0, 3)
	require.Error(t, err)
}

func TestResampleIdentity(t *testing.T) {
	src := testImage(4, 3)
	g := must.M1(SamplingGrid(4, 3))
	flat := tensors.MustCopyFlatData[float32](g)
	dst, err := Resample(src, flat[:12], flat[12:], 4, 3)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, dst.Pix)

	// Outside the image everything is transparent.
	xs := []float32{5, -5}
	ys := []float32{0, 0}
	dst, err = Resample(src, xs, ys, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{}, dst.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{}, dst.NRGBAAt(1, 0))

	_, err = Resample(src, xs, ys, 3, 1)
	require.Error(t, err)
}

func TestBilinear(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 0, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{R: 200, A: 255})
	assert.Equal(t, color.NRGBA{R: 100, A: 255}, bilinear(src, 0.5, 0))
	assert.Equal(t, color.NRGBA{R: 50, A: 255}, bilinear(src, 0.25, 0))
}

func TestWarp(t *testing.T) {
	k, err := simplego.New("")
	require.NoError(t, err)
	tr := cpab.New(basis.Static(must.M1(basis.GlobalAffine(2, 2, 1))), k)
	defer tr.Finalize()

	src := testImage(6, 6)
	path := filepath.Join(t.TempDir(), "src.png")
	require.NoError(t, Save(src, path))
	loaded, err := Load(path)
	require.NoError(t, err)

	theta := tensors.FromValue([][]float32{make([]float32, 6), {0, 0, 0.3, 0, 0, 0}})
	images, err := Warp(tr, loaded, theta, 0, 0)
	require.NoError(t, err)
	require.Len(t, images, 2)
	// Zero parameters leave the image unchanged.
	for ii := range len(src.Pix) {
		assert.InDelta(t, src.Pix[ii], images[0].Pix[ii], 1, "byte %d", ii)
	}
	// A translation changes it.
	assert.NotEqual(t, src.Pix, images[1].Pix)
}

func TestWarpResize(t *testing.T) {
	k, err := simplego.New("")
	require.NoError(t, err)
	tr := cpab.New(basis.Static(must.M1(basis.GlobalAffine(1, 1, 1))), k)
	defer tr.Finalize()

	theta := tensors.FromValue([][]float32{make([]float32, 6)})
	images, err := Warp(tr, imaging.New(10, 8, color.White), theta, 5, 4)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, image.Rect(0, 0, 5, 4), images[0].Bounds())
}
