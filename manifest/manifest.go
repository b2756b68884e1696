// Package manifest handles pegma.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a pegma.toml project configuration.
type Manifest struct {
	Project  Project      `toml:"project"`
	Grammar  Grammar      `toml:"grammar"`
	Parse    ParseConfig  `toml:"parse"`
	Reserved Reserved     `toml:"reserved"`
	Output   OutputConfig `toml:"output"`

	// Dir is the directory containing the pegma.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Grammar configures the grammar source.
type Grammar struct {
	Path       string   `toml:"path"`
	StartRules []string `toml:"start-rules"`
}

// ParseConfig holds the default runtime options for parse runs.
type ParseConfig struct {
	Cache bool `toml:"cache"`
	Trace bool `toml:"trace"`
}

// Reserved overrides the identifier blocklist for rule and label names.
type Reserved struct {
	Words []string `toml:"words"`
}

// OutputConfig configures compiled program output.
type OutputConfig struct {
	Path string `toml:"path"`
}

// Load parses a pegma.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "pegma.toml")
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

	// Defaults
	if m.Grammar.Path == "" {
		m.Grammar.Path = "grammar.peg"
	}
	if m.Output.Path == "" {
		m.Output.Path = "grammar.pgm"
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a pegma.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "pegma.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// GrammarPath returns the absolute path of the grammar source file.
func (m *Manifest) GrammarPath() string {
	return filepath.Join(m.Dir, m.Grammar.Path)
}

// OutputPath returns the absolute path of the compiled program file.
func (m *Manifest) OutputPath() string {
	return filepath.Join(m.Dir, m.Output.Path)
}
