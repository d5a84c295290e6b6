// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernelstest provides a deterministic mock of kernels.Kernels that records its calls, to test
// code built on top of the kernels.
//
// By default Transform returns the points unchanged for each sample, and Gradient returns ones.
// Both can be replaced by setting TransformFn and GradientFn.
package kernelstest

import (
	"slices"
	"sync"

	"github.com/gomlx/cpab/pkg/core/shapes"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/gomlx/cpab/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// BackendName of the mock kernels.
const BackendName = "test"

// Call records one call to the mock kernels.
type Call struct {
	// Method is either "Transform" or "Gradient".
	Method string

	// Inputs are clones of the input tensors, in order.
	Inputs []*tensors.Tensor

	Geometry kernels.Geometry
}

// Kernels is a mock kernels.Kernels. It is safe for concurrent use.
type Kernels struct {
	// TransformFn, if set, replaces the default Transform.
	TransformFn func(points, trels *tensors.Tensor, geom kernels.Geometry) (*tensors.Tensor, error)

	// GradientFn, if set, replaces the default Gradient.
	GradientFn func(points, as, bs *tensors.Tensor, geom kernels.Geometry) (*tensors.Tensor, error)

	mu           sync.Mutex
	calls        []Call
	numFinalized int
}

// Compile-time check that kernelstest.Kernels implements kernels.Kernels.
var _ kernels.Kernels = &Kernels{}

// New returns a new mock.
func New() *Kernels {
	return &Kernels{}
}

// Name implements kernels.Kernels.
func (k *Kernels) Name() string { return BackendName }

// Description implements kernels.Kernels.
func (k *Kernels) Description() string { return "Mock CPAB kernels for tests" }

// Finalize implements kernels.Kernels. It only counts the calls.
func (k *Kernels) Finalize() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.numFinalized++
}

// NumFinalized returns how many times Finalize was called.
func (k *Kernels) NumFinalized() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.numFinalized
}

// Calls returns a copy of the calls recorded so far.
func (k *Kernels) Calls() []Call {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.calls)
}

// Reset forgets the recorded calls.
func (k *Kernels) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = nil
}

func (k *Kernels) record(method string, geom kernels.Geometry, inputs ...*tensors.Tensor) error {
	call := Call{Method: method, Geometry: geom}
	for _, input := range inputs {
		clone, err := input.Clone()
		if err != nil {
			return errors.WithMessagef(err, "mock kernels %s", method)
		}
		call.Inputs = append(call.Inputs, clone)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, call)
	return nil
}

// Transform implements kernels.Kernels.
func (k *Kernels) Transform(points, trels *tensors.Tensor, geom kernels.Geometry) (*tensors.Tensor, error) {
	if err := k.record("Transform", geom, points, trels); err != nil {
		return nil, err
	}
	if k.TransformFn != nil {
		return k.TransformFn(points, trels, geom)
	}
	numTheta, _, numPoints, err := kernels.TransformDims(points, trels, geom)
	if err != nil {
		return nil, err
	}
	pointsFlat, err := tensors.CopyFlatData[float32](points)
	if err != nil {
		return nil, err
	}
	out := make([]float32, 0, numTheta*2*numPoints)
	for range numTheta {
		out = append(out, pointsFlat...)
	}
	return tensors.FromFlatDataAndDimensions(out, numTheta, 2, numPoints), nil
}

// Gradient implements kernels.Kernels.
func (k *Kernels) Gradient(points, as, bs *tensors.Tensor, geom kernels.Geometry) (*tensors.Tensor, error) {
	if err := k.record("Gradient", geom, points, as, bs); err != nil {
		return nil, err
	}
	if k.GradientFn != nil {
		return k.GradientFn(points, as, bs, geom)
	}
	dim, numTheta, _, numPoints, err := kernels.GradientDims(points, as, bs, geom)
	if err != nil {
		return nil, err
	}
	shape := shapes.Make(dtypes.Float32, dim, numTheta, 2, numPoints)
	return tensors.FromFlatDataAndDimensions(xslices.SliceWithValue(shape.Size(), float32(1)), shape.Dimensions...), nil
}
