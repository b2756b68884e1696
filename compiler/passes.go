package compiler

// ---------------------------------------------------------------------------
// Pass pipeline
// ---------------------------------------------------------------------------

// Pass is one unit of compilation work: it inspects or mutates the grammar
// AST in place. A non-nil error aborts the stage.
type Pass func(g *Grammar, opts *Options) error

// NamedPass pairs a pass with the name plugins address it by.
type NamedPass struct {
	Name string
	Pass Pass
}

// Stage is an ordered list of named passes. Within a stage every pass sees
// the AST as left by the previous one.
type Stage struct {
	Passes []NamedPass
}

// Append adds a pass at the end of the stage.
func (s *Stage) Append(name string, pass Pass) {
	s.Passes = append(s.Passes, NamedPass{Name: name, Pass: pass})
}

// Prepend adds a pass at the front of the stage.
func (s *Stage) Prepend(name string, pass Pass) {
	s.Passes = append([]NamedPass{{Name: name, Pass: pass}}, s.Passes...)
}

// Replace swaps the named pass for another implementation. It reports
// whether the name was found.
func (s *Stage) Replace(name string, pass Pass) bool {
	for i, p := range s.Passes {
		if p.Name == name {
			s.Passes[i].Pass = pass
			return true
		}
	}
	return false
}

// Remove drops the named pass. It reports whether the name was found.
func (s *Stage) Remove(name string) bool {
	for i, p := range s.Passes {
		if p.Name == name {
			s.Passes = append(s.Passes[:i], s.Passes[i+1:]...)
			return true
		}
	}
	return false
}

// Pipeline is the fixed three-stage pass schedule. Check passes validate,
// transform passes rewrite, and generate passes emit the program. All check
// passes run even after one fails, so a single compile reports as many
// grammar errors as possible; transform and generate passes run only on a
// clean AST.
type Pipeline struct {
	Check     Stage
	Transform Stage
	Generate  Stage
}

// DefaultPipeline returns the stock pass schedule.
func DefaultPipeline() *Pipeline {
	p := &Pipeline{}
	p.Check.Append("report-undefined-rules", reportUndefinedRules)
	p.Check.Append("report-duplicate-rules", reportDuplicateRules)
	p.Check.Append("report-duplicate-labels", reportDuplicateLabels)
	p.Check.Append("report-undefined-labels", reportUndefinedLabels)
	p.Check.Append("report-infinite-recursion", reportInfiniteRecursion)
	p.Check.Append("report-infinite-repetition", reportInfiniteRepetition)
	p.Check.Append("report-unreachable-rules", reportUnreachableRules)
	p.Transform.Append("remove-proxy-rules", removeProxyRules)
	p.Transform.Append("inline-trivial-choices", inlineTrivialChoices)
	p.Transform.Append("fold-constants", foldConstants)
	p.Generate.Append("generate-bytecode", generateBytecode)
	return p
}

// Run executes the pipeline over the grammar. Check-stage errors are
// collected and returned joined; the first transform or generate error
// aborts immediately.
func (p *Pipeline) Run(g *Grammar, opts *Options) error {
	var errs []error
	for _, pass := range p.Check.Passes {
		if err := pass.Pass(g, opts); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return joinGrammarErrors(errs)
	}
	for _, pass := range p.Transform.Passes {
		if err := pass.Pass(g, opts); err != nil {
			return err
		}
	}
	for _, pass := range p.Generate.Passes {
		if err := pass.Pass(g, opts); err != nil {
			return err
		}
	}
	return nil
}

// Plugin hooks into compilation before the pipeline runs. Plugins may add,
// replace, or remove passes and adjust options.
type Plugin interface {
	// Name identifies the plugin in diagnostics.
	Name() string
	// Configure is called once per Compile with the pipeline about to run.
	Configure(pipeline *Pipeline, opts *Options) error
}

// joinGrammarErrors returns the single error unchanged and wraps several
// into a MultiError.
func joinGrammarErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	return &MultiError{Errors: errs}
}
