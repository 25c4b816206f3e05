package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/reactivedb/pkg/config"
)

func TestInitCmd_WritesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "reactivedb.yaml")
	dataDir := filepath.Join(dir, "data")

	rootCmd.SetArgs([]string{"init", "--config", configPath, "--data-dir", dataDir})
	require.NoError(t, rootCmd.Execute())

	assert.True(t, config.ConfigExists(configPath))
	cfg, err := config.LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, dataDir, cfg.DataDir)
}

func TestInitCmd_RefusesToOverwriteWithoutForce(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "reactivedb.yaml")

	rootCmd.SetArgs([]string{"init", "--config", configPath})
	require.NoError(t, rootCmd.Execute())

	rootCmd.SetArgs([]string{"init", "--config", configPath})
	err := rootCmd.Execute()
	assert.Error(t, err)
}
