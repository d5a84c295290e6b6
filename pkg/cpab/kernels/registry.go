// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"os"
	"strings"
	"sync"

	"github.com/gomlx/cpab/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Constructor takes a config string (optionally empty) and returns a Kernels implementation.
type Constructor func(config string) (Kernels, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a Kernels implementation with the given name, and a constructor that takes as input a configuration
// string that is passed along to the implementation.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the sorted names of the registered implementations.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return xslices.SortedKeys(registeredConstructors)
}

// DefaultConfig is the default kernels configuration to use, if not empty.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnv is the environment variable with the default kernels configuration to use.
//
// The format is "<name>:<configuration>", where "<name>" is a registered implementation (e.g. "native") and
// "<configuration>" is implementation specific (e.g. for "native" it is the path to the shared library).
const ConfigEnv = "CPAB_KERNELS"

// New returns a new default Kernels.
//
// The default is:
//
//  1. The environment variable CPAB_KERNELS, if not empty.
//  2. The variable DefaultConfig, if not empty.
//  3. The first registered implementation, with an empty configuration.
func New() (Kernels, error) {
	if config := os.Getenv(ConfigEnv); config != "" {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig creates the Kernels from a configuration string formatted as "<name>:<configuration>".
//
// If there is no ":", config is taken as the name of a registered implementation if there is one with that
// name, otherwise as the configuration of the first registered implementation.
func NewWithConfig(config string) (Kernels, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.New(`no registered CPAB kernels, maybe import the default ones with ` +
			`import _ "github.com/gomlx/cpab/pkg/cpab/kernels/default"?`)
	}
	name, implConfig := firstRegistered, config
	if before, after, found := strings.Cut(config, ":"); found {
		name, implConfig = before, after
	} else if _, isName := registeredConstructors[config]; isName {
		name, implConfig = config, ""
	}
	constructor, found := registeredConstructors[name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find CPAB kernels %q for configuration %q (registered: %v)",
			name, config, List())
	}
	k, err := constructor(implConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating CPAB kernels %q", name)
	}
	klog.V(1).Infof("Created CPAB kernels %q: %s", k.Name(), k.Description())
	return k, nil
}
