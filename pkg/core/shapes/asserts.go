// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// UncheckedAxis can be used in CheckDims or AssertDims functions for an axis
// whose dimension doesn't matter.
const UncheckedAxis = int(-1)

// HasShape is an interface for objects that have an associated Shape.
// tensors.Tensor and Shape itself implement it.
type HasShape interface {
	Shape() Shape
}

// CheckDims checks that the shape has the given dimensions and rank. A value of UncheckedAxis in
// dimensions means it can take any value and is not checked.
//
// It returns an error if the rank is different or if any of the dimensions don't match.
func (s Shape) CheckDims(dimensions ...int) error {
	if s.Rank() != len(dimensions) {
		return errors.Errorf("shape %s has incompatible rank %d (wanted %d)", s, s.Rank(), len(dimensions))
	}
	for axis, wantDim := range dimensions {
		if wantDim != UncheckedAxis && s.Dimensions[axis] != wantDim {
			return errors.Errorf("shape %s axis %d has dimension %d, wanted %d (dimensions wanted=%v)",
				s, axis, s.Dimensions[axis], wantDim, dimensions)
		}
	}
	return nil
}

// Check that the shape has the given dtype, dimensions and rank. A value of UncheckedAxis in
// dimensions means it can take any value and is not checked.
func (s Shape) Check(dtype dtypes.DType, dimensions ...int) error {
	if dtype != s.DType {
		return errors.Errorf("shape %s has incompatible dtype %s (wanted %s)", s, s.DType, dtype)
	}
	return s.CheckDims(dimensions...)
}

// AssertDims checks that the shape has the given dimensions and rank, and panics if it doesn't.
func (s Shape) AssertDims(dimensions ...int) {
	if err := s.CheckDims(dimensions...); err != nil {
		panicf("shapes.AssertDims(%v): %+v", dimensions, err)
	}
}

// Assert checks that the shape has the given dtype, dimensions and rank, and panics if it doesn't.
func (s Shape) Assert(dtype dtypes.DType, dimensions ...int) {
	if err := s.Check(dtype, dimensions...); err != nil {
		panicf("shapes.Assert(%s, %v): %+v", dtype, dimensions, err)
	}
}

// CheckRank returns an error if the shape of the given object doesn't have the given rank.
func CheckRank(obj HasShape, rank int) error {
	if got := obj.Shape().Rank(); got != rank {
		return errors.Errorf("rank of shape %s is %d, wanted %d", obj.Shape(), got, rank)
	}
	return nil
}
