package vm

import (
	"crypto/sha256"
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// ProgramStore: content-addressed index for compiled programs
// ---------------------------------------------------------------------------

// ProgramStore indexes compiled programs by the SHA-256 of their wire
// encoding and by the digest of the grammar text they were compiled from.
// Embedders holding many grammars use it to skip recompiling unchanged
// ones and to share interpreter-ready programs across goroutines.
type ProgramStore struct {
	mu        sync.RWMutex
	programs  map[[32]byte]*Program
	byGrammar map[[32]byte][32]byte
}

// NewProgramStore creates an empty store.
func NewProgramStore() *ProgramStore {
	return &ProgramStore{
		programs:  make(map[[32]byte]*Program),
		byGrammar: make(map[[32]byte][32]byte),
	}
}

// GrammarDigest returns the content hash of grammar source text.
func GrammarDigest(grammar string) [32]byte {
	return sha256.Sum256([]byte(grammar))
}

// Index adds a compiled program to the store, keyed by its wire-encoding
// hash, and records the grammar text it came from.
func (s *ProgramStore) Index(grammar string, p *Program) ([32]byte, error) {
	data, err := MarshalProgram(p)
	if err != nil {
		return [32]byte{}, err
	}
	h := sha256.Sum256(data)
	s.mu.Lock()
	s.programs[h] = p
	s.byGrammar[GrammarDigest(grammar)] = h
	s.mu.Unlock()
	return h, nil
}

// Lookup returns the program for the given wire hash, or nil.
func (s *ProgramStore) Lookup(h [32]byte) *Program {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.programs[h]
}

// LookupGrammar returns the program previously indexed for the exact grammar
// text, or nil.
func (s *ProgramStore) LookupGrammar(grammar string) *Program {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.byGrammar[GrammarDigest(grammar)]; ok {
		return s.programs[h]
	}
	return nil
}

// Len returns the number of stored programs.
func (s *ProgramStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.programs)
}

// Hashes returns the stored program hashes in stable order.
func (s *ProgramStore) Hashes() [][32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][32]byte, 0, len(s.programs))
	for h := range s.programs {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		for k := 0; k < 32; k++ {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return false
	})
	return out
}
