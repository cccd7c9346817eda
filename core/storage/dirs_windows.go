//go:build windows

package storage

import (
	"os"
	"path/filepath"
)

func platformConfigDefault() string {
	return filepath.Join(os.Getenv("APPDATA"), "plexus", "config")
}

func platformDataDefault() string {
	return filepath.Join(os.Getenv("APPDATA"), "plexus", "data")
}

func platformStateDefault() string {
	return filepath.Join(os.Getenv("LOCALAPPDATA"), "plexus", "state")
}
