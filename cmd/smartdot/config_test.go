// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortschak/smartdot/internal/config"
)

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smartdot.yaml")

	cfg := config.Default()
	cfg.Log.Level = "debug"
	require.NoError(t, writeConfig(cfg, path, false))

	got, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", got.Log.Level)

	cfg.Log.Level = "warn"
	err = writeConfig(cfg, path, false)
	require.Error(t, err, "existing file should not be replaced without force")
	got, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", got.Log.Level)

	require.NoError(t, writeConfig(cfg, path, true))
	got, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", got.Log.Level)
}
