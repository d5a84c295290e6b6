// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"
	"slices"

	"github.com/gomlx/cpab/pkg/core/shapes"
	"github.com/gomlx/cpab/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// Even scalar values have a flattened data representation of one element.
// It read-locks the Tensor until accessFn returns: concurrent readers don't block each other.
//
// This provides accessFn with the actual Tensor data (not a copy), and it should not be changed.
// See Tensor.MutableFlatData to access a mutable version of the flat data.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.CheckValid(); err != nil {
		return err
	}
	accessFn(t.flat)
	return nil
}

// MutableFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// It locks the Tensor exclusively until accessFn returns, and the data can be changed in place.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.CheckValid(); err != nil {
		return err
	}
	accessFn(t.flat)
	return nil
}

// checkGenericsDType returns an error if T doesn't match the tensor dtype.
func checkGenericsDType[T dtypes.Supported](t *Tensor, caller string) error {
	if err := t.CheckValid(); err != nil {
		return err
	}
	if want := dtypes.FromGenericsType[T](); t.shape.DType != want {
		var v T
		return errors.Errorf("%s[%T] is incompatible with Tensor's dtype %s (expected dtype %s)",
			caller, v, t.shape.DType, want)
	}
	return nil
}

// ConstFlatData calls accessFn with the flattened data as a slice of T, the Go type corresponding to the DType.
// It is the "generics" version of Tensor.ConstFlatData.
//
// It returns an error if T doesn't match the tensor dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if err := checkGenericsDType[T](t, "ConstFlatData"); err != nil {
		return err
	}
	return t.ConstFlatData(func(flat any) { accessFn(flat.([]T)) })
}

// MustConstFlatData is like ConstFlatData, but panics on error.
func MustConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := ConstFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// MutableFlatData calls accessFn with the flattened data as a slice of T, that can be changed in place.
// It is the "generics" version of Tensor.MutableFlatData.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if err := checkGenericsDType[T](t, "MutableFlatData"); err != nil {
		return err
	}
	return t.MutableFlatData(func(flat any) { accessFn(flat.([]T)) })
}

// MustMutableFlatData is like MutableFlatData, but panics on error.
func MustMutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := MutableFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// CopyFlatData returns a copy of the flat data of the Tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var out []T
	err := ConstFlatData(t, func(flat []T) { out = slices.Clone(flat) })
	return out, err
}

// MustCopyFlatData is like CopyFlatData, but panics on error.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	out, err := CopyFlatData[T](t)
	if err != nil {
		panic(err)
	}
	return out
}

// ToScalar returns the scalar value of a tensor of any shape with a single element.
func ToScalar[T dtypes.Supported](t *Tensor) (T, error) {
	var v T
	if t.Ok() && t.Size() != 1 {
		return v, errors.Errorf("ToScalar[%T]: tensor %s has %d elements, wanted 1", v, t.shape, t.Size())
	}
	err := ConstFlatData(t, func(flat []T) { v = flat[0] })
	return v, err
}

// FromScalar creates a local tensor with the given scalar.
// The `DType` is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a local tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
// The `DType` is inferred from the value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtypes.FromGenericsType[T](), dimensions...))
	MustMutableFlatData(t, func(flat []T) {
		xslices.FillSlice(flat, value)
	})
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given
// in `data`. The data is copied to the Tensor.
// The `DType` is inferred from the `data` type.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	MustMutableFlatData(t, func(flat []T) {
		copy(flat, data)
	})
	return t
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() (*Tensor, error) {
	var clone *Tensor
	err := t.ConstFlatData(func(flat any) {
		clone = &Tensor{shape: t.shape.Clone(), flat: cloneFlat(flat)}
	})
	return clone, err
}

// Reshape returns a copy of the tensor with the given dimensions. The total size must be the same.
// The returned tensor shares no storage with t.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	newShape, err := func() (s shapes.Shape, err error) {
		err = exceptions.TryCatch[error](func() { s = shapes.Make(t.shape.DType, dimensions...) })
		return
	}()
	if err != nil {
		return nil, err
	}
	if newShape.Size() != t.Size() {
		return nil, errors.Errorf("cannot reshape tensor %s to dimensions %v: size %d != %d",
			t.shape, dimensions, t.Size(), newShape.Size())
	}
	var reshaped *Tensor
	err = t.ConstFlatData(func(flat any) {
		reshaped = &Tensor{shape: newShape, flat: cloneFlat(flat)}
	})
	return reshaped, err
}

// MustReshape is like Reshape, but panics on error.
func (t *Tensor) MustReshape(dimensions ...int) *Tensor {
	reshaped, err := t.Reshape(dimensions...)
	if err != nil {
		panic(err)
	}
	return reshaped
}

// cloneFlat makes a copy of a flat slice of any type.
func cloneFlat(flat any) any {
	flatV := reflect.ValueOf(flat)
	size := flatV.Len()
	cloneV := reflect.MakeSlice(flatV.Type(), size, size)
	reflect.Copy(cloneV, flatV)
	return cloneV.Interface()
}

// Equal checks whether t == otherTensor: same shape and same values.
// If they are the same pointer, they are considered equal.
// If either side is invalid (nil), it panics.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	equal := true
	_ = t.ConstFlatData(func(flat0 any) {
		_ = otherTensor.ConstFlatData(func(flat1 any) {
			equal = reflect.DeepEqual(flat0, flat1)
		})
	})
	return equal
}

// InDelta checks whether Abs(t - otherTensor) <= delta for every element.
// If the dimensions are different, it returns false. Values are compared as float64, so tensors of different
// numeric dtypes can be compared.
// If either is invalid (nil), it panics.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.EqualDimensions(otherTensor.shape) {
		return false
	}
	a, err := t.ToFloat64Slice()
	if err != nil {
		return false
	}
	b, err := otherTensor.ToFloat64Slice()
	if err != nil {
		return false
	}
	return xslices.InDelta(a, b, delta)
}
