// Package storage provides platform-native directory resolution with XDG support.
package storage

import (
	"os"
	"path/filepath"
	"sync"
)

// ConfigFileName is the file name plexus looks for when no config path is given.
const ConfigFileName = "plexus.yaml"

// Dirs provides platform-native directory resolution with XDG support.
type Dirs struct {
	Config string // User configuration (plexus.yaml and overlays)
	Data   string // Persistent data (message status database)
	State  string // Runtime state (logs, pid files)
}

var (
	globalDirs     *Dirs
	globalDirsOnce sync.Once
	globalDirsErr  error
)

// ResolveDirs returns platform-appropriate directories.
// Results are cached after first call.
func ResolveDirs() (*Dirs, error) {
	globalDirsOnce.Do(func() {
		globalDirs, globalDirsErr = resolveDirsImpl()
	})
	return globalDirs, globalDirsErr
}

func resolveDirsImpl() (*Dirs, error) {
	dirs := &Dirs{
		Config: resolveDir("XDG_CONFIG_HOME", platformConfigDefault()),
		Data:   resolveDir("XDG_DATA_HOME", platformDataDefault()),
		State:  resolveDir("XDG_STATE_HOME", platformStateDefault()),
	}
	return dirs, nil
}

func resolveDir(envVar, fallback string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, "plexus")
	}
	return fallback
}

// DefaultConfigPath returns the config file plexus loads when no path is
// given on the command line. A plexus.yaml in the working directory takes
// precedence over the per-user file; neither has to exist yet.
func DefaultConfigPath() string {
	if _, err := os.Stat(ConfigFileName); err == nil {
		return ConfigFileName
	}
	dirs, err := ResolveDirs()
	if err != nil {
		return ConfigFileName
	}
	return dirs.ConfigDir(ConfigFileName)
}

// EnsureDir creates a directory with the given permissions if it doesn't exist.
// Uses 0700 for sensitive directories by default.
func EnsureDir(path string, perm os.FileMode) error {
	if perm == 0 {
		perm = 0700
	}
	return os.MkdirAll(path, perm)
}

// EnsureStandardDir creates a directory with standard permissions (0755).
func EnsureStandardDir(path string) error {
	return EnsureDir(path, 0755)
}

// ConfigDir returns the config subdirectory path.
func (d *Dirs) ConfigDir(subpath ...string) string {
	return filepath.Join(append([]string{d.Config}, subpath...)...)
}

// DataDir returns the data subdirectory path.
func (d *Dirs) DataDir(subpath ...string) string {
	return filepath.Join(append([]string{d.Data}, subpath...)...)
}

// StateDir returns the state subdirectory path.
func (d *Dirs) StateDir(subpath ...string) string {
	return filepath.Join(append([]string{d.State}, subpath...)...)
}
