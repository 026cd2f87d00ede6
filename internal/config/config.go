// Package config resolves the on-disk root directory under which
// collections' segment directories live.
package config

import (
	"os"
	"path/filepath"
)

// DataDir returns the path to name under the configured data root: the
// directory named by SEGMENTDB_DATA_DIR if set, else $HOME/.segmentdb.
func DataDir(name string) (string, error) {
	if dir := os.Getenv("SEGMENTDB_DATA_DIR"); dir != "" {
		return filepath.Join(dir, name), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".segmentdb", name), nil
}
