// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// ToFloat32 returns the tensor converted to Float32. If it is already Float32, the same tensor is returned
// (not a copy).
//
// Supported source dtypes are Float64, Float32, Float16, Int32 and Int64.
func (t *Tensor) ToFloat32() (*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	if t.DType() == dtypes.Float32 {
		return t, nil
	}
	out := FromShape(t.shape.WithDType(dtypes.Float32))
	var convErr error
	err := t.ConstFlatData(func(flat any) {
		MustMutableFlatData(out, func(dst []float32) {
			switch src := flat.(type) {
			case []float64:
				convertNumbers(src, dst)
			case []int32:
				convertNumbers(src, dst)
			case []int64:
				convertNumbers(src, dst)
			case []float16.Float16:
				for ii, v := range src {
					dst[ii] = v.Float32()
				}
			default:
				convErr = errors.Errorf("ToFloat32: unsupported dtype %s", t.DType())
			}
		})
	})
	if err == nil {
		err = convErr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AsFloat32 converts value (a *Tensor or anything accepted by FromAnyValue) to a Float32 tensor.
func AsFloat32(value any) (t *Tensor, err error) {
	switch v := value.(type) {
	case nil:
		return nil, errors.New("AsFloat32: nil value")
	case *Tensor:
		t = v
	default:
		err = exceptions.TryCatch[error](func() { t = FromAnyValue(value) })
		if err != nil {
			return nil, errors.WithMessagef(err, "AsFloat32(%T)", value)
		}
	}
	return t.ToFloat32()
}

// ToFloat64Slice returns a copy of the tensor values converted to float64.
// Supported dtypes are Float64, Float32, Float16, Int32, Int64 and Uint8.
func (t *Tensor) ToFloat64Slice() ([]float64, error) {
	out := make([]float64, t.Size())
	var err error
	cvtErr := t.ConstFlatData(func(flat any) {
		switch src := flat.(type) {
		case []float64:
			copy(out, src)
		case []float32:
			convertNumbers(src, out)
		case []int32:
			convertNumbers(src, out)
		case []int64:
			convertNumbers(src, out)
		case []uint8:
			convertNumbers(src, out)
		case []float16.Float16:
			for ii, v := range src {
				out[ii] = float64(v.Float32())
			}
		default:
			err = errors.Errorf("ToFloat64Slice: unsupported dtype %s", t.DType())
		}
	})
	if cvtErr != nil {
		return nil, cvtErr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func convertNumbers[From constraints.Integer | constraints.Float, To constraints.Float](src []From, dst []To) {
	for ii, v := range src {
		dst[ii] = To(v)
	}
}
