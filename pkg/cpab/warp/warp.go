// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package warp deforms images with CPAB transformations, the way a spatial transformer does: each pixel
// of the output is sampled (bilinearly) from the source image at the transformed position of the
// pixel's center.
//
// Pixel coordinates are normalized to the domain [-1, 1]^2, and samples falling outside the source image
// are transparent.
package warp

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Load an image from a file, in any format supported by imaging.Open.
func Load(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "loading image %q", path)
	}
	return img, nil
}

// Save an image to a file. The format is given by the file extension.
func Save(img image.Image, path string) error {
	if err := imaging.Save(img, path); err != nil {
		return errors.Wrapf(err, "saving image %q", path)
	}
	return nil
}

// SamplingGrid returns the centers of the pixels of a width x height image, normalized to [-1, 1]^2, as a
// Float32 tensor [2, width*height]. Pixels are in row-major order, and y grows downwards as in images.
func SamplingGrid(width, height int) (*tensors.Tensor, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid sampling grid size %dx%d", width, height)
	}
	numPixels := width * height
	flat := make([]float32, 2*numPixels)
	for row := range height {
		y := float32(-1 + 2*(float64(row)+0.5)/float64(height))
		for col := range width {
			flat[row*width+col] = float32(-1 + 2*(float64(col)+0.5)/float64(width))
			flat[numPixels+row*width+col] = y
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, 2, numPixels), nil
}

// Resample creates a width x height image whose pixel i is sampled bilinearly from src at the normalized
// coordinates (xs[i], ys[i]).
func Resample(src *image.NRGBA, xs, ys []float32, width, height int) (*image.NRGBA, error) {
	if len(xs) != width*height || len(ys) != width*height {
		return nil, errors.Errorf("Resample: %d x and %d y coordinates for a %dx%d image", len(xs), len(ys), width, height)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	srcWidth, srcHeight := src.Bounds().Dx(), src.Bounds().Dy()
	for row := range height {
		for col := range width {
			i := row*width + col
			// Back to source pixel coordinates, where pixel centers are at integer positions.
			px := (float64(xs[i])+1)/2*float64(srcWidth) - 0.5
			py := (float64(ys[i])+1)/2*float64(srcHeight) - 0.5
			dst.SetNRGBA(col, row, bilinear(src, px, py))
		}
	}
	return dst, nil
}

// bilinear interpolates src at pixel coordinates (x, y). Neighbors outside the image are transparent.
func bilinear(src *image.NRGBA, x, y float64) color.NRGBA {
	if math.IsNaN(x) || math.IsNaN(y) {
		return color.NRGBA{}
	}
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := x-x0, y-y0
	var acc [4]float64
	for _, corner := range [4]struct {
		dx, dy int
		weight float64
	}{
		{0, 0, (1 - fx) * (1 - fy)},
		{1, 0, fx * (1 - fy)},
		{0, 1, (1 - fx) * fy},
		{1, 1, fx * fy},
	} {
		if corner.weight == 0 {
			continue
		}
		cx, cy := int(x0)+corner.dx, int(y0)+corner.dy
		bounds := src.Bounds()
		if cx < 0 || cy < 0 || cx >= bounds.Dx() || cy >= bounds.Dy() {
			continue
		}
		c := src.NRGBAAt(bounds.Min.X+cx, bounds.Min.Y+cy)
		// Interpolate premultiplied values, so transparent neighbors don't bleed their color.
		alpha := float64(c.A) / 255
		acc[0] += corner.weight * float64(c.R) * alpha
		acc[1] += corner.weight * float64(c.G) * alpha
		acc[2] += corner.weight * float64(c.B) * alpha
		acc[3] += corner.weight * float64(c.A)
	}
	if acc[3] <= 0 {
		return color.NRGBA{}
	}
	alpha := acc[3] / 255
	return color.NRGBA{
		R: clampUint8(acc[0] / alpha),
		G: clampUint8(acc[1] / alpha),
		B: clampUint8(acc[2] / alpha),
		A: clampUint8(acc[3]),
	}
}

func clampUint8(v float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}

// Warp deforms img with each parameter vector in theta [n_theta, d], and returns the n_theta images.
//
// If width and height are positive, the image is first resized to width x height (with a linear filter),
// otherwise the original size is kept. The output images have the same size.
func Warp(t *cpab.Transformer, img image.Image, theta *tensors.Tensor, width, height int) ([]*image.NRGBA, error) {
	var src *image.NRGBA
	if width > 0 && height > 0 {
		src = imaging.Resize(img, width, height, imaging.Linear)
	} else {
		src = imaging.Clone(img)
	}
	width, height = src.Bounds().Dx(), src.Bounds().Dy()
	samplingGrid, err := SamplingGrid(width, height)
	if err != nil {
		return nil, err
	}
	transformed, err := t.Transform(samplingGrid, theta)
	if err != nil {
		return nil, err
	}
	numPixels := width * height
	numTheta := transformed.Shape().Dim(0)
	klog.V(1).Infof("warp: %d images of %dx%d", numTheta, width, height)
	coords := tensors.MustCopyFlatData[float32](transformed)
	images := make([]*image.NRGBA, numTheta)
	for ii := range numTheta {
		base := 2 * ii * numPixels
		images[ii], err = Resample(src, coords[base:base+numPixels], coords[base+numPixels:base+2*numPixels], width, height)
		if err != nil {
			return nil, err
		}
	}
	return images, nil
}
