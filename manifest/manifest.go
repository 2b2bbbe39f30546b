// Package manifest handles fern.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ManifestName is the file name looked up in a project directory.
const ManifestName = "fern.toml"

// Manifest represents a fern.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Runtime Runtime `toml:"runtime"`
	Cache   Cache   `toml:"cache"`

	// Dir is the directory containing the fern.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Entry   string `toml:"entry"`
}

// Runtime tunes the interpreter.
type Runtime struct {
	// GCStress forces a collection on every allocation.
	GCStress bool `toml:"gc-stress"`
	// GCLog logs every collection's statistics.
	GCLog bool `toml:"gc-log"`
	// Trace prints each instruction and the stack while executing.
	Trace bool `toml:"trace"`
	// HeapGrowFactor scales the next-collection threshold.
	HeapGrowFactor int `toml:"heap-grow-factor"`
}

// Cache configures the compile cache.
type Cache struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load parses a fern.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	return &m, nil
}

// Default returns the configuration used when no fern.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Project.Name == "" {
		m.Project.Name = "fern"
	}
	if m.Runtime.HeapGrowFactor == 0 {
		m.Runtime.HeapGrowFactor = 2
	}
	if m.Cache.Path == "" {
		m.Cache.Path = filepath.Join(m.Dir, ".fern-cache.db")
	}
}

// EntryPath returns the absolute path of the configured entry script,
// or "" if none is configured.
func (m *Manifest) EntryPath() string {
	if m.Project.Entry == "" {
		return ""
	}
	if filepath.IsAbs(m.Project.Entry) {
		return m.Project.Entry
	}
	return filepath.Join(m.Dir, m.Project.Entry)
}
