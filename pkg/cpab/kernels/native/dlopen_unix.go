// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build darwin || freebsd || linux

package native

import (
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// dlopenLibrary loads the shared library and binds its functions.
func dlopenLibrary(path string) (*library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, errors.Wrap(err, "dlopen")
	}
	lib := &library{
		handle: handle,
		close:  func() error { return purego.Dlclose(handle) },
	}
	symbols := []struct {
		name string
		fptr any
	}{
		{"cpab_calc_trans", &lib.calcTrans},
		{"cpab_calc_grad", &lib.calcGrad},
		{"cpab_last_error", &lib.lastError},
	}
	for _, symbol := range symbols {
		ptr, err := purego.Dlsym(handle, symbol.name)
		if err != nil {
			_ = purego.Dlclose(handle)
			return nil, errors.Wrapf(err, "symbol %q not found", symbol.name)
		}
		purego.RegisterFunc(symbol.fptr, ptr)
	}
	return lib, nil
}
