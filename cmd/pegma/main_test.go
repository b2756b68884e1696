package main

import (
	"flag"
	"reflect"
	"testing"
)

func TestParseArgsFlagsAfterPositionals(t *testing.T) {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	output := fs.String("o", "", "")

	pos := parseArgs(fs, []string{"arith.peg", "-o", "arith.pgm"})
	if want := []string{"arith.peg"}; !reflect.DeepEqual(pos, want) {
		t.Errorf("positionals = %v, want %v", pos, want)
	}
	if *output != "arith.pgm" {
		t.Errorf("-o = %q, want %q", *output, "arith.pgm")
	}
}

func TestParseArgsInterleaved(t *testing.T) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	rule := fs.String("rule", "", "")
	cache := fs.Bool("cache", false, "")

	pos := parseArgs(fs, []string{"-rule", "Term", "arith.pgm", "input.txt", "-cache"})
	if want := []string{"arith.pgm", "input.txt"}; !reflect.DeepEqual(pos, want) {
		t.Errorf("positionals = %v, want %v", pos, want)
	}
	if *rule != "Term" {
		t.Errorf("-rule = %q, want %q", *rule, "Term")
	}
	if !*cache {
		t.Error("-cache was dropped")
	}
}

func TestParseArgsNoFlags(t *testing.T) {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	if pos := parseArgs(fs, nil); len(pos) != 0 {
		t.Errorf("positionals = %v, want none", pos)
	}
	if pos := parseArgs(fs, []string{"g.peg"}); !reflect.DeepEqual(pos, []string{"g.peg"}) {
		t.Errorf("positionals = %v, want [g.peg]", pos)
	}
}
