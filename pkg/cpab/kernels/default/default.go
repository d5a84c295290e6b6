// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default CPAB kernels, namely the pure Go ones and the native ones.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/cpab/pkg/cpab/kernels/default"
//
// The pure Go kernels are the default, unless CPAB_KERNELS or kernels.DefaultConfig select another one,
// e.g. CPAB_KERNELS=native:/opt/cpab/libcpab.so.
//
// If you add the tag `nonative` it will not include the native kernels.
package _default

import (
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/gomlx/cpab/pkg/cpab/kernels/simplego"
)

// Registration order follows package initialization order, so the default is set explicitly.
func init() {
	if kernels.DefaultConfig == "" {
		kernels.DefaultConfig = simplego.BackendName
	}
}
