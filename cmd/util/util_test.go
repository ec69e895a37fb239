package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veupathdb/edasubset/pkg/storage/sqlcommon"
)

func TestNewDatastore(t *testing.T) {
	_, err := NewDatastore("", "", sqlcommon.NewConfig())
	require.ErrorContains(t, err, "missing datastore engine type")

	_, err = NewDatastore("memory", "", sqlcommon.NewConfig())
	require.ErrorContains(t, err, "'memory' is not a supported datastore engine")

	ds, err := NewDatastore("sqlite", filepath.Join(t.TempDir(), "edasubset.db"), sqlcommon.NewConfig())
	require.NoError(t, err)
	ds.Close()
}

func TestPrepareTempConfigFile(t *testing.T) {
	PrepareTempConfigFile(t, "log:\n  level: debug\n")

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(home, ".edasubset", "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, "log:\n  level: debug\n", string(data))
}
