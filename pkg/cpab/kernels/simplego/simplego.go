// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements the CPAB kernels in pure Go: simple, portable and deterministic, it's the
// reference implementation for the native kernels.
//
// Internally all integration is done in float64, and the work is split across samples and chunks of points
// using a pool of goroutines.
package simplego

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gomlx/cpab/internal/workerspool"
	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/pkg/errors"
)

// BackendName to be used in CPAB_KERNELS to specify these kernels.
const BackendName = "go"

// pointsChunkSize is the number of points integrated by one task.
const pointsChunkSize = 1024

// Registers New() as the constructor for the "go" kernels.
func init() {
	kernels.Register(BackendName, New)
}

// New constructs the pure Go kernels.
//
// The config is either empty or "parallelism=<n>": the maximum number of tasks running in parallel
// (0 runs everything inline, -1 is unlimited). The default is runtime.NumCPU().
func New(config string) (kernels.Kernels, error) {
	k := &Kernels{pool: workerspool.New()}
	if config == "" {
		return k, nil
	}
	for _, option := range strings.Split(config, ",") {
		key, value, _ := strings.Cut(option, "=")
		switch key {
		case "parallelism":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid parallelism %q for %q kernels", value, BackendName)
			}
			k.pool.SetMaxParallelism(n)
		default:
			return nil, errors.Errorf("unknown option %q for %q kernels (config %q)", key, BackendName, config)
		}
	}
	return k, nil
}

// Kernels implements kernels.Kernels in pure Go.
type Kernels struct {
	pool        *workerspool.Pool
	isFinalized atomic.Bool
}

// Compile-time check that simplego.Kernels implements kernels.Kernels.
var _ kernels.Kernels = &Kernels{}

// Name returns the short name of the kernels.
func (k *Kernels) Name() string { return BackendName }

// Description is a longer description of the kernels that can be used to pretty-print.
func (k *Kernels) Description() string {
	return "Pure Go CPAB kernels (parallelism=" + strconv.Itoa(k.pool.MaxParallelism()) + ")"
}

// Finalize makes the kernels invalid: later calls return an error.
func (k *Kernels) Finalize() {
	k.isFinalized.Store(true)
}

func (k *Kernels) checkValid() error {
	if k.isFinalized.Load() {
		return errors.Errorf("%q kernels already finalized", BackendName)
	}
	return nil
}

// numChunks returns the number of chunks of at most pointsChunkSize points.
func numChunks(numPoints int) int {
	return (numPoints + pointsChunkSize - 1) / pointsChunkSize
}
