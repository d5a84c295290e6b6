// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package _default

import (
	"testing"

	"github.com/gomlx/cpab/pkg/cpab/kernels"
	"github.com/gomlx/cpab/pkg/cpab/kernels/simplego"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Setenv(kernels.ConfigEnv, "")
	require.Contains(t, kernels.List(), simplego.BackendName)
	k, err := kernels.New()
	require.NoError(t, err)
	defer k.Finalize()
	require.Equal(t, simplego.BackendName, k.Name())
}
