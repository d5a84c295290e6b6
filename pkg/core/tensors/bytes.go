// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"
	"unsafe"
)

// ConstBytes calls accessFn with the data of the tensor as a byte slice, in the machine's native byte order.
// It locks the Tensor until accessFn returns, and the data should not be changed.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) error {
	return t.ConstFlatData(func(flat any) {
		accessFn(flatAsBytes(flat))
	})
}

// MutableBytes calls accessFn with the data of the tensor as a byte slice that can be changed in place.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) error {
	return t.MutableFlatData(func(flat any) {
		accessFn(flatAsBytes(flat))
	})
}

// flatAsBytes returns a view of a flat slice of any fixed-size type as bytes.
func flatAsBytes(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return nil
	}
	numBytes := uintptr(flatV.Len()) * flatV.Type().Elem().Size()
	return unsafe.Slice((*byte)(flatV.UnsafePointer()), numBytes)
}
