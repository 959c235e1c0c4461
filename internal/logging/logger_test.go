package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDevelopmentAndProduction(t *testing.T) {
	for _, dev := range []bool{true, false} {
		logger, err := New(Config{Development: dev})
		require.NoError(t, err)
		logger.Info("hello")
		_ = logger.Sync()
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "shouty"})
	require.Error(t, err)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "veilcrawl.log")
	logger, err := New(Config{File: path, Level: "debug"})
	require.NoError(t, err)
	logger.Info("to file")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "to file")
}
