// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package native

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// cGeometry mirrors the C struct cpab_geometry.
type cGeometry struct {
	NumSteps, NumCellsX, NumCellsY int32
	IncX, IncY                     float32
}

// library holds the functions of a loaded shared library.
type library struct {
	path   string
	handle uintptr

	// users is the number of Kernels using the library, guarded by muLibrary.
	users int

	calcTrans func(points *float32, numPoints int32, trels *float32, numTheta, numCells int32,
		geom *cGeometry, out *float32) int32
	calcGrad func(points *float32, numPoints int32, as, bs *float32, numTheta, numCells, dim int32,
		geom *cGeometry, out *float32) int32
	lastError func() string

	// close unloads the library.
	close func() error
}

var (
	muLibrary sync.Mutex
	loaded    *library

	// openLibrary loads the library with the given path. It's a variable so tests can replace it.
	openLibrary = dlopenLibrary
)

// acquireLibrary returns the process-wide library, loading it if needed.
//
// It fails if a library with a different path is already loaded.
func acquireLibrary(path string) (*library, error) {
	muLibrary.Lock()
	defer muLibrary.Unlock()
	if loaded != nil {
		if loaded.path != path {
			return nil, errors.Errorf("%q kernels: library %q already loaded, can't load %q before all its "+
				"kernels are finalized", BackendName, loaded.path, path)
		}
		loaded.users++
		return loaded, nil
	}
	lib, err := openLibrary(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "%q kernels: failed to load library %q", BackendName, path)
	}
	lib.path = path
	lib.users = 1
	loaded = lib
	klog.V(1).Infof("Loaded CPAB native kernels library %q", path)
	return lib, nil
}

// release decrements the number of users of the library, and unloads it when it reaches 0.
func (lib *library) release() {
	muLibrary.Lock()
	defer muLibrary.Unlock()
	lib.users--
	if lib.users > 0 {
		return
	}
	if loaded == lib {
		loaded = nil
	}
	if lib.close == nil {
		return
	}
	if err := lib.close(); err != nil {
		klog.Errorf("Failed to unload CPAB native kernels library %q: %+v", lib.path, err)
		return
	}
	klog.V(1).Infof("Unloaded CPAB native kernels library %q", lib.path)
}
