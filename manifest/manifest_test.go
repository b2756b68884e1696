package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	// Create a temporary directory with a pegma.toml
	dir := t.TempDir()
	tomlContent := `
[project]
name = "arithmetic"
version = "0.1.0"

[grammar]
path = "grammars/arith.peg"
start-rules = ["Expression", "Term"]

[parse]
cache = true
trace = true

[reserved]
words = ["begin", "end"]

[output]
path = "build/arith.pgm"
`
	if err := os.WriteFile(filepath.Join(dir, "pegma.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "arithmetic" {
		t.Errorf("project name = %q, want arithmetic", m.Project.Name)
	}
	if m.Project.Version != "0.1.0" {
		t.Errorf("project version = %q, want 0.1.0", m.Project.Version)
	}
	if m.Grammar.Path != "grammars/arith.peg" {
		t.Errorf("grammar path = %q, want grammars/arith.peg", m.Grammar.Path)
	}
	if len(m.Grammar.StartRules) != 2 || m.Grammar.StartRules[0] != "Expression" {
		t.Errorf("start rules = %v, want [Expression Term]", m.Grammar.StartRules)
	}
	if !m.Parse.Cache {
		t.Error("parse cache = false, want true")
	}
	if !m.Parse.Trace {
		t.Error("parse trace = false, want true")
	}
	if len(m.Reserved.Words) != 2 {
		t.Errorf("reserved words count = %d, want 2", len(m.Reserved.Words))
	}
	if m.Output.Path != "build/arith.pgm" {
		t.Errorf("output path = %q, want build/arith.pgm", m.Output.Path)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[project]
name = "minimal"
`
	if err := os.WriteFile(filepath.Join(dir, "pegma.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Grammar.Path != "grammar.peg" {
		t.Errorf("default grammar path = %q, want grammar.peg", m.Grammar.Path)
	}
	if m.Output.Path != "grammar.pgm" {
		t.Errorf("default output path = %q, want grammar.pgm", m.Output.Path)
	}
	if m.Parse.Cache {
		t.Error("default parse cache = true, want false")
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}

	tomlContent := `[project]
name = "found-project"
`
	if err := os.WriteFile(filepath.Join(dir, "pegma.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no pegma.toml exists")
	}
}

func TestPaths(t *testing.T) {
	m := &Manifest{
		Dir:     "/app",
		Grammar: Grammar{Path: "grammars/x.peg"},
		Output:  OutputConfig{Path: "build/x.pgm"},
	}

	if got := m.GrammarPath(); got != "/app/grammars/x.peg" {
		t.Errorf("GrammarPath() = %q, want /app/grammars/x.peg", got)
	}
	if got := m.OutputPath(); got != "/app/build/x.pgm" {
		t.Errorf("OutputPath() = %q, want /app/build/x.pgm", got)
	}
}
