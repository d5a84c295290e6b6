// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a host-resident representation of a multidimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes' dimensions) and their actual content, always stored as a flat
// slice of the Go type corresponding to the DType, in row-major order.
//
// They are the inputs and outputs of the CPAB transformer and of its kernels.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     points := FromFlatDataAndDimensions([]float32{-1, 0, 1, -1, 0, 1}, 2, 3) // x row, then y row.
//
//   - FromValue[S MultiDimensionSlice](value S): generic conversion of a scalar or a regular multidimensional
//     slice. Example:
//
//     theta := FromValue([][]float64{{0.1, 0.2, 0, 0, 0, 0}})
//
//   - FromAnyValue(value any): same as FromValue but non-generic. If `value` is already a tensor it is returned.
package tensors

import (
	"reflect"
	"sync"

	"github.com/gomlx/cpab/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor represents a multidimensional array, defined by its shape (a dtypes.DType and its axes' dimensions),
// and its content stored as a flat (1D) slice of values.
//
// Access to the data is guarded by a read-write mutex: any number of ConstFlatData readers can run
// concurrently, while MutableFlatData is exclusive.
type Tensor struct {
	// shape of the tensor, immutable.
	shape shapes.Shape

	// mu protects flat.
	mu sync.RWMutex

	// flat holds the slice with the actual data, of the Go type corresponding to the dtype.
	flat any
}

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from. There are no recursions in
// generics' constraint definitions, so we enumerate up to 5 levels of slices.
type MultiDimensionSlice interface {
	bool | float32 | float64 | float16.Float16 | int | int32 | int64 | uint8 |
		[]bool | []float32 | []float64 | []float16.Float16 | []int | []int32 | []int64 | []uint8 |
		[][]bool | [][]float32 | [][]float64 | [][]float16.Float16 | [][]int | [][]int32 | [][]int64 | [][]uint8 |
		[][][]bool | [][][]float32 | [][][]float64 | [][][]int | [][][]int32 | [][][]int64 | [][][]uint8 |
		[][][][]bool | [][][][]float32 | [][][][]float64 | [][][][]int | [][][][]int32 | [][][][]int64 |
		[][][][][]float32 | [][][][][]float64 | [][][][][]int32 | [][][][][]int64
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
//
// It panics if you provide an invalid shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	goType := shape.DType.GoType()
	if goType == nil {
		exceptions.Panicf("tensors.FromShape(%s): dtype has no Go equivalent", shape)
	}
	size := shape.Size()
	return &Tensor{
		shape: shape.Clone(),
		flat:  reflect.MakeSlice(reflect.SliceOf(goType), size, size).Interface(),
	}
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state: it is not nil, and it hasn't been finalized.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.flat != nil
}

// CheckValid returns an error if it's nil, has been finalized, or if its shape is invalid.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	if !t.shape.Ok() {
		return errors.New("Tensor shape is invalid")
	}
	if t.flat == nil {
		return errors.New("Tensor has been finalized")
	}
	return nil
}

// AssertValid panics if it's nil, has been finalized, or if its shape is invalid.
func (t *Tensor) AssertValid() {
	if err := t.CheckValid(); err != nil {
		panic(err)
	}
}

// FinalizeAll immediately frees the data and leaves the Tensor in an invalid state.
func (t *Tensor) FinalizeAll() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flat = nil
	t.shape = shapes.Invalid()
}
