// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/x448/float16"
)

// TensorStringDefaultPrecision used by Tensor.String.
const TensorStringDefaultPrecision = 4

// maxSummaryElements is the number of values printed at each end of a long row.
const maxSummaryElements = 3

var typeFloat16 = reflect.TypeOf(float16.Float16(0))

// String converts to string, eliding long rows. It uses t.Summary(precision=4).
func (t *Tensor) String() string {
	return t.Summary(TensorStringDefaultPrecision)
}

// Summary returns a summary of the Tensor's content, with the shape followed by the values.
// Rows longer than 6 elements are elided in the middle.
func (t *Tensor) Summary(precision int) string {
	if !t.Ok() {
		return "Tensor(invalid)"
	}
	var sb strings.Builder
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&sb, format, args...) }
	wValue := func(v reflect.Value) {
		if v.Type() == typeFloat16 {
			w("%.*g", precision, v.Interface().(float16.Float16).Float32())
			return
		}
		switch v.Kind() {
		case reflect.Float32, reflect.Float64:
			w("%.*g", precision, v.Float())
		default:
			w("%v", v.Interface())
		}
	}
	dims := t.shape.Dimensions
	_ = t.ConstFlatData(func(flat any) {
		values := reflect.ValueOf(flat)
		w("%s: ", t.shape)
		if len(dims) == 0 {
			wValue(values.Index(0))
			return
		}
		var printElements func(offset int, dims []int)
		printElements = func(offset int, dims []int) {
			w("[")
			defer w("]")
			stride := 1
			for _, dim := range dims[1:] {
				stride *= dim
			}
			for ii := 0; ii < dims[0]; ii++ {
				if dims[0] > 2*maxSummaryElements && ii == maxSummaryElements {
					w(" ...")
					ii = dims[0] - maxSummaryElements
				}
				if ii > 0 {
					w(" ")
				}
				if len(dims) == 1 {
					wValue(values.Index(offset + ii))
				} else {
					printElements(offset+ii*stride, dims[1:])
				}
			}
		}
		printElements(0, dims)
	})
	return sb.String()
}
