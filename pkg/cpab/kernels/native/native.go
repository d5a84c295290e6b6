// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package native implements the CPAB kernels by calling a C shared library, loaded at runtime (no cgo)
// with github.com/ebitengine/purego.
//
// The library must export:
//
//	typedef struct { int32_t nStepSolver, ncx, ncy; float inc_x, inc_y; } cpab_geometry;
//
//	int32_t cpab_calc_trans(const float* points, int32_t nP, const float* trels, int32_t nTheta,
//	                        int32_t nC, const cpab_geometry* geom, float* out);
//	int32_t cpab_calc_grad(const float* points, int32_t nP, const float* As, const float* Bs,
//	                       int32_t nTheta, int32_t nC, int32_t d, const cpab_geometry* geom, float* out);
//	const char* cpab_last_error(void);
//
// Both kernels return 0 on success, and otherwise the message of cpab_last_error, which must be
// thread-local, describes the failure. Tensor layouts are the ones documented in kernels.Kernels.
//
// The library is loaded once per process: every Kernels shares the same handle, and it is unloaded
// when the last one is finalized. Loading a different library while one is in use is an error.
package native

import (
	"math"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/gomlx/cpab/pkg/core/shapes"
	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// BackendName to be used in CPAB_KERNELS to specify these kernels, e.g. "native:/opt/cpab/libcpab.so".
const BackendName = "native"

// LibraryEnv is the environment variable with the path to the shared library, used when the
// configuration is empty.
const LibraryEnv = "CPAB_NATIVE_LIBRARY"

// Registers New() as the constructor for the "native" kernels.
func init() {
	kernels.Register(BackendName, New)
}

// New loads the shared library (or reuses the one already loaded) given by config, or by the
// environment variable CPAB_NATIVE_LIBRARY if config is empty.
func New(config string) (kernels.Kernels, error) {
	path := config
	if path == "" {
		path = os.Getenv(LibraryEnv)
	}
	if path == "" {
		return nil, errors.Errorf("%q kernels need the path to the shared library: set it with %s=%s:<path> "+
			"or %s=<path>", BackendName, kernels.ConfigEnv, BackendName, LibraryEnv)
	}
	lib, err := acquireLibrary(path)
	if err != nil {
		return nil, err
	}
	return &Kernels{lib: lib}, nil
}

// Kernels implements kernels.Kernels with the functions of a shared library.
type Kernels struct {
	lib         *library
	isFinalized atomic.Bool
}

// Compile-time check that native.Kernels implements kernels.Kernels.
var _ kernels.Kernels = &Kernels{}

// Name returns the short name of the kernels.
func (k *Kernels) Name() string { return BackendName }

// Description is a longer description of the kernels that can be used to pretty-print.
func (k *Kernels) Description() string {
	return "Native CPAB kernels (" + k.lib.path + ")"
}

// Finalize releases the shared library. It can be called more than once, only the first call has effect.
func (k *Kernels) Finalize() {
	if k.isFinalized.Swap(true) {
		return
	}
	k.lib.release()
}

func (k *Kernels) checkValid() error {
	if k.isFinalized.Load() {
		return errors.Errorf("%q kernels already finalized", BackendName)
	}
	return nil
}

// Transform implements kernels.Kernels by calling cpab_calc_trans.
func (k *Kernels) Transform(points, trels *tensors.Tensor, geom kernels.Geometry) (*tensors.Tensor, error) {
	if err := k.checkValid(); err != nil {
		return nil, err
	}
	numTheta, numCells, numPoints, err := kernels.TransformDims(points, trels, geom)
	if err != nil {
		return nil, err
	}
	if err = checkInt32(numTheta, numCells, numPoints); err != nil {
		return nil, err
	}
	pointsFlat, err := tensors.CopyFlatData[float32](points)
	if err != nil {
		return nil, err
	}
	trelsFlat, err := tensors.CopyFlatData[float32](trels)
	if err != nil {
		return nil, err
	}
	out := make([]float32, numTheta*2*numPoints)
	cGeom := cGeometry(geom)
	err = k.lib.call("cpab_calc_trans", func() int32 {
		return k.lib.calcTrans(&pointsFlat[0], int32(numPoints), &trelsFlat[0], int32(numTheta), int32(numCells),
			&cGeom, &out[0])
	})
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(out, numTheta, 2, numPoints), nil
}

// Gradient implements kernels.Kernels by calling cpab_calc_grad.
func (k *Kernels) Gradient(points, as, bs *tensors.Tensor, geom kernels.Geometry) (*tensors.Tensor, error) {
	if err := k.checkValid(); err != nil {
		return nil, err
	}
	dim, numTheta, numCells, numPoints, err := kernels.GradientDims(points, as, bs, geom)
	if err != nil {
		return nil, err
	}
	if err = checkInt32(dim, numTheta, numCells, numPoints); err != nil {
		return nil, err
	}
	pointsFlat, err := tensors.CopyFlatData[float32](points)
	if err != nil {
		return nil, err
	}
	asFlat, err := tensors.CopyFlatData[float32](as)
	if err != nil {
		return nil, err
	}
	bsFlat, err := tensors.CopyFlatData[float32](bs)
	if err != nil {
		return nil, err
	}
	outputShape := shapes.Make(dtypes.Float32, dim, numTheta, 2, numPoints)
	out := make([]float32, outputShape.Size())
	cGeom := cGeometry(geom)
	err = k.lib.call("cpab_calc_grad", func() int32 {
		return k.lib.calcGrad(&pointsFlat[0], int32(numPoints), &asFlat[0], &bsFlat[0], int32(numTheta),
			int32(numCells), int32(dim), &cGeom, &out[0])
	})
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(out, outputShape.Dimensions...), nil
}

// checkInt32 returns an error if any of the dimensions doesn't fit the int32 of the C interface.
func checkInt32(dims ...int) error {
	for _, dim := range dims {
		if dim > math.MaxInt32 {
			return errors.Errorf("dimension %d too large for %q kernels", dim, BackendName)
		}
	}
	return nil
}

// call runs fn, which calls one of the library kernels, and converts a non-zero status into an error
// with the library's last error message.
//
// The goroutine is locked to its thread, so the thread-local error message is the one of this call.
func (lib *library) call(name string, fn func() int32) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	status := fn()
	if status == 0 {
		return nil
	}
	msg := lib.lastError()
	if msg == "" {
		msg = "no error message"
	}
	return errors.Errorf("%s (%s) failed with status %d: %s", name, lib.path, status, msg)
}
