// Package vm executes compiled PEG programs.
//
// This package contains:
//   - the fixed-width instruction set and code builder
//   - the immutable Program model with its constant tables
//   - the backtracking interpreter with memoization and tracing
//   - the action-language parser and evaluator
//   - the CBOR wire format and content-addressed program store
//
// A Program is immutable once generated and safe to share across concurrent
// Parse calls; all mutable matching state lives inside a single call.
package vm
