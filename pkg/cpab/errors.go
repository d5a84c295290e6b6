// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpab

import (
	"github.com/gomlx/cpab/pkg/cpab/basis"
	"github.com/pkg/errors"
)

// Errors returned by the transformer can be checked with errors.Is against these sentinels.
var (
	// ErrShapeMismatch is returned for dimension inconsistencies between theta, the basis, points and
	// the upstream gradient. It is always detected before calling the kernels.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrBasisLoad is returned when the tessellation basis is missing or corrupt. It is the same as
	// basis.ErrLoad.
	ErrBasisLoad = basis.ErrLoad

	// ErrNativeKernel is returned for any failure of the kernels. The kernel's own error is kept in the
	// chain, see errors.Unwrap.
	ErrNativeKernel = errors.New("CPAB kernel failure")
)

// shapeErrorf returns an error wrapping ErrShapeMismatch.
func shapeErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrShapeMismatch, format, args...)
}

// kernelError wraps the error of a kernel call: errors.Is matches ErrNativeKernel and the error returned
// by the kernel.
type kernelError struct {
	kernels string
	method  string
	err     error
}

func (e *kernelError) Error() string {
	return e.kernels + " kernels " + e.method + ": " + ErrNativeKernel.Error() + ": " + e.err.Error()
}

func (e *kernelError) Unwrap() error { return e.err }

func (e *kernelError) Is(target error) bool { return target == ErrNativeKernel }
