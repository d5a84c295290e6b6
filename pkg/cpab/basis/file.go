// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package basis

import (
	"math"

	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/core/tensors/numpy"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the entries in a basis .npz file.
const (
	KeyNumCells  = "nC"
	KeyNumCellsX = "ncx"
	KeyNumCellsY = "ncy"
	KeyIncX      = "inc_x"
	KeyIncY      = "inc_y"
	KeyB         = "B"
)

// Load reads a basis from a NumPy .npz file with the entries nC, ncx, ncy, inc_x, inc_y and B.
// B can be stored in any float or integer dtype, it is converted to Float32.
//
// All errors wrap ErrLoad, including panics while decoding a corrupt file.
func Load(filePath string) (b *Basis, err error) {
	if exception := exceptions.Try(func() { b, err = load(filePath) }); exception != nil {
		return nil, errors.Wrapf(ErrLoad, "reading %q: %v", filePath, exception)
	}
	return b, err
}

func load(filePath string) (*Basis, error) {
	entries, err := numpy.FromNpzFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "reading %q: %v", filePath, err)
	}
	b, err := fromEntries(entries)
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "basis file %q: %v", filePath, err)
	}
	klog.V(1).Infof("Loaded %s from %q", b, filePath)
	return b, nil
}

func fromEntries(entries map[string]*tensors.Tensor) (*Basis, error) {
	b := &Basis{}
	for _, field := range []struct {
		key string
		ptr *int
	}{{KeyNumCells, &b.NumCells}, {KeyNumCellsX, &b.NumCellsX}, {KeyNumCellsY, &b.NumCellsY}} {
		v, err := scalarEntry(entries, field.key)
		if err != nil {
			return nil, err
		}
		if v != math.Trunc(v) {
			return nil, errors.Errorf("entry %q must be an integer, got %g", field.key, v)
		}
		*field.ptr = int(v)
	}
	var err error
	if b.IncX, err = scalarEntry(entries, KeyIncX); err != nil {
		return nil, err
	}
	if b.IncY, err = scalarEntry(entries, KeyIncY); err != nil {
		return nil, err
	}
	bTensor, found := entries[KeyB]
	if !found {
		return nil, errors.Errorf("missing entry %q", KeyB)
	}
	if bTensor.Rank() != 2 {
		return nil, errors.Errorf("entry %q must be a matrix, got shape %s", KeyB, bTensor.Shape())
	}
	if b.B, err = bTensor.ToFloat32(); err != nil {
		return nil, errors.WithMessagef(err, "entry %q", KeyB)
	}
	if err = b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// scalarEntry returns the value of an entry holding a single number, stored with any numeric dtype.
func scalarEntry(entries map[string]*tensors.Tensor, key string) (float64, error) {
	t, found := entries[key]
	if !found {
		return 0, errors.Errorf("missing entry %q", key)
	}
	if t.Size() != 1 {
		return 0, errors.Errorf("entry %q must hold a single value, got shape %s", key, t.Shape())
	}
	values, err := t.ToFloat64Slice()
	if err != nil {
		return 0, errors.WithMessagef(err, "entry %q", key)
	}
	return values[0], nil
}

// Save writes the basis to a NumPy .npz file, in the layout read by Load.
// Integers are saved as Int64 scalars, increments as Float64 scalars and B as Float32.
func (b *Basis) Save(filePath string) error {
	if err := b.Validate(); err != nil {
		return err
	}
	entries := map[string]*tensors.Tensor{
		KeyNumCells:  tensors.FromScalar(int64(b.NumCells)),
		KeyNumCellsX: tensors.FromScalar(int64(b.NumCellsX)),
		KeyNumCellsY: tensors.FromScalar(int64(b.NumCellsY)),
		KeyIncX:      tensors.FromScalar(b.IncX),
		KeyIncY:      tensors.FromScalar(b.IncY),
		KeyB:         b.B,
	}
	if err := numpy.ToNpzFile(entries, filePath); err != nil {
		return errors.WithMessagef(err, "saving %s", b)
	}
	klog.V(1).Infof("Saved %s to %q", b, filePath)
	return nil
}
