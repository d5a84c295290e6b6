// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !(darwin || freebsd || linux)

package native

import (
	"runtime"

	"github.com/pkg/errors"
)

// dlopenLibrary is not supported on this platform.
func dlopenLibrary(path string) (*library, error) {
	return nil, errors.Errorf("loading shared libraries is not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}
