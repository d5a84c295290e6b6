// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpab

import (
	"os"
	"sync"

	"github.com/gomlx/cpab/pkg/core/tensors"
	"github.com/gomlx/cpab/pkg/cpab/basis"
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// BasisEnv is the environment variable with the path to the basis file used by Default.
	BasisEnv = "CPAB_BASIS"

	// BasisDirEnv is the environment variable with the directory of the basis files used by Default,
	// if BasisEnv is not set. The file is selected by DefaultBasisParams.
	BasisDirEnv = "CPAB_BASIS_DIR"
)

var (
	// DefaultBasisDir is used by Default if neither CPAB_BASIS nor CPAB_BASIS_DIR are set.
	DefaultBasisDir = "~/.cpab"

	// DefaultBasisParams selects the basis file in the basis directory used by Default.
	DefaultBasisParams = basis.DefaultParams
)

var (
	muDefault          sync.Mutex
	defaultTransformer *Transformer
)

// DefaultBasisProvider returns the basis provider configured by the environment: the file in CPAB_BASIS
// if set, otherwise the file for DefaultBasisParams in CPAB_BASIS_DIR (or DefaultBasisDir).
func DefaultBasisProvider() *basis.FileProvider {
	if path := os.Getenv(BasisEnv); path != "" {
		return basis.FromFile(path)
	}
	dir := os.Getenv(BasisDirEnv)
	if dir == "" {
		dir = DefaultBasisDir
	}
	return basis.FromParams(dir, DefaultBasisParams)
}

// Default returns the process-wide Transformer, creating it on first use with DefaultBasisProvider and
// kernels.New (configured by CPAB_KERNELS). The basis itself is only loaded on the first transformation.
//
// Kernels must be registered, usually with:
//
//	import _ "github.com/gomlx/cpab/pkg/cpab/kernels/default"
//
// It is safe for concurrent use. Use Finalize to release it.
func Default() (*Transformer, error) {
	muDefault.Lock()
	defer muDefault.Unlock()
	if defaultTransformer != nil {
		return defaultTransformer, nil
	}
	k, err := kernels.New()
	if err != nil {
		return nil, errors.WithMessage(err, "cpab.Default")
	}
	provider := DefaultBasisProvider()
	defaultTransformer = New(provider, k)
	klog.V(1).Infof("cpab.Default: created transformer with kernels %q and basis %q", k.Name(), provider.Path())
	return defaultTransformer, nil
}

// Finalize releases the process-wide Transformer, if it was created. A later call to Default creates a
// new one.
func Finalize() {
	muDefault.Lock()
	defer muDefault.Unlock()
	if defaultTransformer == nil {
		return
	}
	defaultTransformer.Finalize()
	defaultTransformer = nil
	klog.V(1).Info("cpab.Finalize: released default transformer")
}

// Transform calls Transformer.Transform with the Default transformer.
func Transform(points, theta *tensors.Tensor) (*tensors.Tensor, error) {
	t, err := Default()
	if err != nil {
		return nil, err
	}
	return t.Transform(points, theta)
}

// Gradient calls Transformer.Gradient with the Default transformer.
func Gradient(points, theta, upstream *tensors.Tensor) (pointsGrad, thetaGrad *tensors.Tensor, err error) {
	t, err := Default()
	if err != nil {
		return nil, nil, err
	}
	return t.Gradient(points, theta, upstream)
}

// Apply calls Transformer.Apply with the Default transformer.
func Apply(points, theta *tensors.Tensor) (*Op, error) {
	t, err := Default()
	if err != nil {
		return nil, err
	}
	return t.Apply(points, theta)
}
