// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package basis

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gomlx/cpab/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Provider returns the basis to use. Implementations must be safe for concurrent use and return the
// same *Basis on every call: the basis is read-only after it is loaded.
type Provider interface {
	Basis() (*Basis, error)
}

// staticProvider serves a basis already in memory.
type staticProvider struct {
	b   *Basis
	err error
}

// Static returns a Provider for an in-memory basis. The basis is validated once, and an invalid basis
// makes every call return the validation error wrapped in ErrLoad.
func Static(b *Basis) Provider {
	p := &staticProvider{b: b}
	if err := b.Validate(); err != nil {
		p.err = errors.Wrapf(ErrLoad, "invalid static basis: %v", err)
	}
	return p
}

func (p *staticProvider) Basis() (*Basis, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.b, nil
}

// FileProvider lazily loads a basis file on first use and caches the result, or the error: a missing or
// corrupt basis file is not retried.
type FileProvider struct {
	path string
	once sync.Once
	b    *Basis
	err  error
}

// FromFile returns a Provider that loads the .npz file at path on first use. A leading "~" is expanded
// to the user's home directory.
func FromFile(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Path returns the path of the basis file.
func (p *FileProvider) Path() string { return p.path }

// Basis implements Provider.
func (p *FileProvider) Basis() (*Basis, error) {
	p.once.Do(func() {
		path, err := fsutil.ReplaceTildeInDir(p.path)
		if err != nil {
			p.err = errors.Wrapf(ErrLoad, "%v", err)
			return
		}
		p.b, p.err = Load(path)
	})
	return p.b, p.err
}

// Params identify a tessellation: the basis file for a set of parameters is named by Params.FileName.
type Params struct {
	// NumCellsX, NumCellsY are the dimensions of the grid of rectangles.
	NumCellsX, NumCellsY int

	// ValidOutside: the transformation is also defined outside the domain.
	ValidOutside bool

	// ZeroBoundary: velocities are zero on the domain boundary.
	ZeroBoundary bool

	// VolumePreservation: velocity fields are divergence free.
	VolumePreservation bool
}

// DefaultParams are the tessellation parameters used when none are configured: a 2x2 grid,
// valid outside the domain and without boundary or volume constraints.
var DefaultParams = Params{NumCellsX: 2, NumCellsY: 2, ValidOutside: true}

func boolFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// FileName returns the name of the basis file for the parameters, e.g. "cpab_basis_dim2_tess2x2_vo1_zb0_vp0.npz".
func (p Params) FileName() string {
	return fmt.Sprintf("cpab_basis_dim2_tess%dx%d_vo%d_zb%d_vp%d.npz", p.NumCellsX, p.NumCellsY,
		boolFlag(p.ValidOutside), boolFlag(p.ZeroBoundary), boolFlag(p.VolumePreservation))
}

// FromParams returns a Provider that loads the basis for the given tessellation parameters from dir.
func FromParams(dir string, params Params) *FileProvider {
	path, err := fsutil.ResolveInDir(dir, params.FileName())
	if err != nil {
		// Tilde expansion failed: let the provider report it on first use.
		return FromFile(filepath.Join(dir, params.FileName()))
	}
	return FromFile(path)
}
