// Package util provides common utilities for spf13/cobra CLI utilities
// that can be used for various commands within this project.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/veupathdb/edasubset/pkg/storage/mysql"
	"github.com/veupathdb/edasubset/pkg/storage/postgres"
	"github.com/veupathdb/edasubset/pkg/storage/sqlcommon"
	"github.com/veupathdb/edasubset/pkg/storage/sqlite"
)

// MustBindPFlag attempts to bind a specific key to a pflag (as used by cobra) and panics
// if the binding fails with a non-nil error.
func MustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

// MustBindEnv binds a config key to one or more environment variables. The first variable that
// is set wins.
func MustBindEnv(input ...string) {
	if err := viper.BindEnv(input...); err != nil {
		panic("failed to bind env key: " + err.Error())
	}
}

// NewDatastore opens the datastore of the given engine.
func NewDatastore(engine, uri string, cfg *sqlcommon.Config) (*sqlcommon.Datastore, error) {
	switch engine {
	case "postgres":
		return postgres.New(uri, cfg)
	case "mysql":
		return mysql.New(uri, cfg)
	case "sqlite":
		return sqlite.New(uri, cfg)
	case "":
		return nil, fmt.Errorf("missing datastore engine type")
	default:
		return nil, fmt.Errorf("'%s' is not a supported datastore engine", engine)
	}
}

func PrepareTempConfigDir(t *testing.T) string {
	_, err := os.Stat("/etc/edasubset/config.yaml")
	require.ErrorIs(t, err, os.ErrNotExist, "Config file at /etc/edasubset/config.yaml would disturb test result.")

	homedir := t.TempDir()
	t.Setenv("HOME", homedir)

	confdir := filepath.Join(homedir, ".edasubset")
	require.NoError(t, os.Mkdir(confdir, 0750))

	return confdir
}

func PrepareTempConfigFile(t *testing.T, config string) {
	confdir := PrepareTempConfigDir(t)
	confFile, err := os.Create(filepath.Join(confdir, "config.yaml"))
	require.NoError(t, err)
	_, err = confFile.WriteString(config)
	require.NoError(t, err)
	require.NoError(t, confFile.Close())
}
