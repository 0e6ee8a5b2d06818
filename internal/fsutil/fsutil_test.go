// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandHome("~")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(home), got)

	got, err = ExpandHome("~/kernels.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "kernels.yaml"), got)

	got, err = ExpandHome("/tmp/~kernels.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/~kernels.yaml", got)

	_, err = ExpandHome("~no_such_user_for_tilegen/kernels.yaml")
	assert.Error(t, err)
}
