// Package compiler turns PEG grammar text into executable programs.
//
// This package contains:
//   - the meta-grammar parser producing the grammar AST
//   - the kind-dispatched visitor every pass traverses with
//   - the check/transform/generate pass pipeline and its plugin hooks
//   - the bytecode generator emitting vm programs
//
// CompileText is the one-step entry point; ParseGrammar and Compile expose
// the two halves for tools that inspect or rewrite the AST in between.
package compiler
