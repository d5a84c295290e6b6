// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the data type and dimensions of a tensor.
//
// A Shape is used both by the host tensors (see package tensors) and to describe the expected inputs
// and outputs of the CPAB kernels. The DType enum comes from github.com/gomlx/gopjrt/dtypes.
//
// ## Glossary
//
//   - Rank: number of axes of a tensor.
//   - Axis: the index of a dimension. Axes can be given as negative numbers, counting from the end.
//   - Dimension: the size of a tensor in one of its axes.
//   - Scalar: a shape with no axes.
//
// Example: the points to transform are a matrix `(Float32)[2 P]`: rank 2, axis 0 has dimension 2 (x and y)
// and axis 1 has dimension P (number of points). It can be created with `shapes.Make(dtypes.Float32, 2, P)`.
//
// ## Checks and Asserts
//
// CheckDims and Check return an error if a shape doesn't match, and AssertDims and Assert panic instead.
// UncheckedAxis (-1) can be used for dimensions that can take any value:
//
//	if err := theta.Shape().CheckDims(-1, basis.Dim()); err != nil {
//		return errors.WithMessage(err, "invalid theta")
//	}
package shapes

import (
	"fmt"
	"iter"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape represents the shape of a tensor: its dtype and its dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// It panics if any of the dimensions is <= 0.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given type.
func Scalar[T dtypes.Number]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid shape: Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar (rank 0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axes count from the end, so axis=-1 refers to
// the last axis.
//
// It panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of the shape, the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store an array of the given shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && s.EqualDimensions(s2)
}

// EqualDimensions compares only the dimensions: the dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// WithDType returns a copy of the shape with a different dtype.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Strides returns the strides for each axis, assuming the row-major layout used everywhere.
//
// Strides are given in number of elements, not in bytes.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= s.Dimensions[axis]
	}
	return
}

// Iter iterates sequentially over all indices of the shape, in row-major order.
//
// It yields the flat index and the indices for each axis. The yielded indices slice is owned
// by the iterator and reused: don't change it inside the loop.
func (s Shape) Iter() iter.Seq2[int, []int] {
	indices := make([]int, s.Rank())
	return func(yield func(int, []int) bool) {
		if !s.Ok() {
			return
		}
		size := s.Size()
		for flatIdx := 0; flatIdx < size; flatIdx++ {
			if !yield(flatIdx, indices) {
				return
			}
			for axis := s.Rank() - 1; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
		}
	}
}

// ConcatenateDimensions returns a shape with the dimensions of s1 followed by the ones of s2.
// They must have the same dtype, otherwise an invalid shape is returned.
func ConcatenateDimensions(s1, s2 Shape) Shape {
	if s1.DType != s2.DType {
		return Invalid()
	}
	dims := make([]int, 0, s1.Rank()+s2.Rank())
	dims = append(dims, s1.Dimensions...)
	dims = append(dims, s2.Dimensions...)
	return Shape{DType: s1.DType, Dimensions: dims}
}

// panicf is used for errors that are bugs in the code.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}
