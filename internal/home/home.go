// Package home manages the atlas home directory layout.
//
// Layout:
//
//	<root>/
//	  atlas.yaml    (daemon configuration)
//	  .env          (optional env overlay, loaded before config)
//	  logs/         (optional file logging target)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents an atlas home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/atlas
//   - macOS:   ~/Library/Application Support/atlas
//   - Windows: %APPDATA%/atlas
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "atlas")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the YAML config file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "atlas.yaml")
}

// EnvPath returns the path to the optional .env overlay.
func (d Dir) EnvPath() string {
	return filepath.Join(d.root, ".env")
}

// LogDir returns the directory for file logging.
func (d Dir) LogDir() string {
	return filepath.Join(d.root, "logs")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
