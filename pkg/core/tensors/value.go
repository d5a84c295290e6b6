// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/gomlx/cpab/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FromValue returns a tensor constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
//
// It panics if the shape is not regular.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue.
// The input is expected to be either a scalar or a slice of slices with homogeneous dimensions.
// If the input is a tensor already, it is simply returned.
//
// It panics with an error if the value type is unsupported or the shape is not regular.
func FromAnyValue(value any) *Tensor {
	if valueT, ok := value.(*Tensor); ok {
		return valueT
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t := FromShape(shape)
	_ = t.MutableFlatData(func(flatAny any) {
		flatV := reflect.ValueOf(flatAny)
		if shape.IsScalar() {
			flatV.Index(0).Set(reflect.ValueOf(value).Convert(flatV.Type().Elem()))
			return
		}
		copySlicesRecursively(flatV, reflect.ValueOf(value), shape.Strides())
	})
	return t
}

// copySlicesRecursively copy values on a multi-dimension slice to a flat data slice
// assuming the strides for each dimension.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		if data.Type().Elem() == mdSlice.Type().Elem() {
			reflect.Copy(data, mdSlice)
			return
		}
		// Go `int` is stored as Int64 (or Int32) and must be converted element by element.
		elemType := data.Type().Elem()
		for ii := range mdSlice.Len() {
			data.Index(ii).Set(mdSlice.Index(ii).Convert(elemType))
		}
		return
	}
	for ii := range mdSlice.Len() {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		copySlicesRecursively(subData, mdSlice.Index(ii), strides[1:])
	}
}

// shapeForValue returns the shape of a scalar or regular multidimensional slice.
func shapeForValue(v any) (shapes.Shape, error) {
	if v == nil {
		return shapes.Invalid(), errors.New("cannot create a tensor from a nil value")
	}
	var shape shapes.Shape
	err := shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return shape, err
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	switch t.Kind() {
	case reflect.Slice:
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()
		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for Tensor conversion: %T", v.Interface())
		}
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}
		// Other elements must have the same shape as the first one.
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
			}
		}

	case reflect.Pointer:
		return errors.Errorf("cannot convert Pointer (%s) to a concrete value for tensors", t)

	default:
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("cannot convert type %s to a concrete tensor type", t)
		}
	}
	return nil
}

// Value returns a multidimensional slice (except if shape is a scalar) containing a copy of the values stored
// in the tensor. For a [2, 3] Float32 tensor it returns a [][]float32.
//
// It panics if the tensor is invalid.
func (t *Tensor) Value() any {
	var result any
	err := t.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(cloneFlat(flat))
		if t.shape.IsScalar() {
			result = flatV.Index(0).Interface()
			return
		}
		result = convertDataToSlices(flatV, t.shape.Dimensions...).Interface()
	})
	if err != nil {
		exceptions.Panicf("Tensor.Value(): %v", err)
	}
	return result
}

// convertDataToSlices takes data as a flat slice and creates a multidimensional slice with the given dimensions that
// points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	strides := shapes.Make(dtypes.Int32, dimensions...).Strides()
	return createSlicesRecursively(resultT, dataV, dimensions, strides)
}

func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := range numElements {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}
