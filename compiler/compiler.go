package compiler

import (
	"fmt"

	"github.com/pegma/pegma/vm"
)

// ---------------------------------------------------------------------------
// Compilation entry points
// ---------------------------------------------------------------------------

// Options configures a compilation.
type Options struct {
	// AllowedStartRules lists the rules a parse may start from; the first
	// entry is the default. Empty means the grammar's first rule.
	AllowedStartRules []string
	// Trace marks the program as compiled for tracing.
	Trace bool
	// ReservedWords overrides the identifier blocklist used by CompileText;
	// nil selects DefaultReservedWords.
	ReservedWords []string
	// GrammarSource is the opaque handle attached to every location.
	GrammarSource any
	// Warn receives non-fatal diagnostics, such as unreachable rules.
	Warn func(Diagnostic)
	// Parser overrides the grammar parser CompileText uses; nil selects
	// ParseGrammar. Plugins may replace it.
	Parser func(text string, opts ParseOptions) (*Grammar, error)
	// Plugins are applied to the pipeline, in order, before it runs.
	Plugins []Plugin
}

// startRules resolves the effective start-rule list.
func (o *Options) startRules(g *Grammar) []string {
	if len(o.AllowedStartRules) > 0 {
		return o.AllowedStartRules
	}
	if len(g.Rules) > 0 {
		return []string{g.Rules[0].Name}
	}
	return nil
}

// Compile runs the pass pipeline over a parsed grammar and returns the
// compiled program. The grammar is annotated in place; a check failure
// returns a *GrammarError, or a *MultiError holding several.
func Compile(g *Grammar, opts *Options) (*vm.Program, error) {
	if opts == nil {
		opts = &Options{}
	}
	pipeline, err := configuredPipeline(opts)
	if err != nil {
		return nil, err
	}
	return runPipeline(pipeline, g, opts)
}

// CompileText parses and compiles grammar source text in one step.
// Plugins are applied before parsing, so one may swap in its own parser
// or reserved-word set.
func CompileText(text string, opts *Options) (*vm.Program, error) {
	if opts == nil {
		opts = &Options{}
	}
	pipeline, err := configuredPipeline(opts)
	if err != nil {
		return nil, err
	}
	parse := opts.Parser
	if parse == nil {
		parse = ParseGrammar
	}
	g, err := parse(text, ParseOptions{
		GrammarSource: opts.GrammarSource,
		ReservedWords: opts.ReservedWords,
	})
	if err != nil {
		return nil, err
	}
	return runPipeline(pipeline, g, opts)
}

func configuredPipeline(opts *Options) (*Pipeline, error) {
	pipeline := DefaultPipeline()
	for _, plugin := range opts.Plugins {
		if err := plugin.Configure(pipeline, opts); err != nil {
			return nil, fmt.Errorf("compiler: plugin %s: %w", plugin.Name(), err)
		}
	}
	return pipeline, nil
}

func runPipeline(pipeline *Pipeline, g *Grammar, opts *Options) (*vm.Program, error) {
	for _, name := range opts.AllowedStartRules {
		if g.Rule(name) == nil {
			return nil, grammarErrorf(g.SpanVal, "start rule %q is not defined", name)
		}
	}
	if err := pipeline.Run(g, opts); err != nil {
		return nil, err
	}
	return g.Program, nil
}
