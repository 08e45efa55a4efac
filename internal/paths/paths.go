// Package paths resolves the configuration directory, the data directory
// and the store file inside it.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "deepdecipher"

// Defaults used when nothing overrides them.
const (
	// DefaultDataDirName is created in the working directory.
	DefaultDataDirName = ".deepdecipher-db"
	// DefaultStoreFile is the store's file name inside the data directory.
	DefaultStoreFile = "deepdecipher.db"
	// ConfigFileName is the config file inside the config directory.
	ConfigFileName = "config.yaml"
)

// Environment variables overriding the directories.
const (
	EnvConfigDir = "DEEPDECIPHER_CONFIG_DIR"
	EnvDataDir   = "DEEPDECIPHER_DATA_DIR"
)

// platformDir is swapped out in tests.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// DefaultConfigDir returns $XDG_CONFIG_HOME/deepdecipher (falling back to
// ~/.config/deepdecipher) on Linux and os.UserConfigDir()/deepdecipher
// elsewhere.
func DefaultConfigDir() (string, error) {
	if runtime.GOOS != "linux" {
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, appName), nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := platformDir.homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}

// ResolveConfigDir applies flag > DEEPDECIPHER_CONFIG_DIR > DefaultConfigDir.
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultConfigDir()
}

// ResolveDataDir applies flag > config value > DEEPDECIPHER_DATA_DIR >
// $(CWD)/.deepdecipher-db.
func ResolveDataDir(flag, configValue string) (string, error) {
	for _, dir := range []string{flag, configValue, os.Getenv(EnvDataDir)} {
		if dir != "" {
			return filepath.Abs(dir)
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, DefaultDataDirName), nil
}

// StorePath returns the store file: storeFile itself when absolute,
// otherwise storeFile (or DefaultStoreFile) inside dataDir.
func StorePath(dataDir, storeFile string) string {
	if storeFile == "" {
		storeFile = DefaultStoreFile
	}
	if filepath.IsAbs(storeFile) {
		return storeFile
	}
	return filepath.Join(dataDir, storeFile)
}
