package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Interpreter: executes a compiled grammar against input text
// ---------------------------------------------------------------------------

// ParseOptions configures a single Parse call.
type ParseOptions struct {
	// StartRule names the rule to start from; it must be one of the
	// program's allowed start rules. Empty selects the default.
	StartRule string
	// Tracer, when non-nil, receives rule.enter/rule.match/rule.fail events.
	Tracer Tracer
	// Cache enables memoization of (rule, position) results for this call.
	Cache bool
	// GrammarSource is the opaque handle attached to error locations.
	GrammarSource any
	// Funcs are the host functions callable from grammar code blocks.
	Funcs map[string]HostFunc
}

// Interpreter executes a Program. It is safe for concurrent use: all
// per-parse state lives in the Parse call.
type Interpreter struct {
	prog *Program

	initOnce sync.Once
	initErr  error
	globals  map[string]any
}

// NewInterpreter creates an interpreter for the given program.
func NewInterpreter(p *Program) *Interpreter {
	return &Interpreter{prog: p}
}

// Program returns the program this interpreter executes.
func (in *Interpreter) Program() *Program {
	return in.prog
}

// Parse matches input against the program's start rule. It returns the match
// value, a *SyntaxError when the input does not match, or an ordinary error
// for caller mistakes (unknown start rule) and faults propagated out of host
// functions.
func (in *Interpreter) Parse(input string, opts ParseOptions) (any, error) {
	p := in.prog
	if len(p.Rules) == 0 || len(p.StartRules) == 0 {
		return nil, errors.New("vm: program has no rules")
	}
	startName := opts.StartRule
	if startName == "" {
		startName = p.StartRules[0]
	}
	if !p.StartRuleAllowed(startName) {
		return nil, fmt.Errorf("vm: start rule %q is not allowed", startName)
	}
	startIdx := p.RuleIndex(startName)
	if startIdx < 0 {
		return nil, fmt.Errorf("vm: start rule %q is not defined", startName)
	}

	st := &parseState{
		prog:       p,
		input:      input,
		opts:       opts,
		maxFailPos: -1,
	}
	if opts.Cache {
		st.memo = make(map[memoKey]memoEntry)
	}
	if opts.Tracer != nil {
		st.tracer = opts.Tracer
		st.parseID = newParseID()
	}

	// The top-level initializer is evaluated once per interpreter, with the
	// host functions of the first parse call; the per-parse initializer runs
	// before every call.
	in.initOnce.Do(func() {
		in.globals, in.initErr = evalDefs(p.Init, st, nil)
	})
	if in.initErr != nil {
		return nil, in.initErr
	}
	defs, err := evalDefs(p.PerParseInit, st, in.globals)
	if err != nil {
		return nil, err
	}
	st.defs = defs

	if err := st.callRule(startIdx); err != nil {
		return nil, err
	}
	v := st.pop()
	if isFailed(v) {
		return nil, st.syntaxError()
	}
	if st.pos < len(input) {
		st.recordFail(st.pos, Expectation{Kind: ExpectEnd})
		return nil, st.syntaxError()
	}
	return v, nil
}

func evalDefs(spec *CodeSpec, st *parseState, base map[string]any) (map[string]any, error) {
	out := make(map[string]any, 8)
	for k, v := range base {
		out[k] = v
	}
	if spec == nil {
		return out, nil
	}
	saved := st.defs
	st.defs = out
	defer func() { st.defs = saved }()
	env := codeEnv{st: st}
	for _, def := range spec.Defs {
		v, err := env.eval(def.Expr)
		if err != nil {
			return nil, fmt.Errorf("vm: initializer %q: %w", def.Name, err)
		}
		out[def.Name] = v
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Per-parse state
// ---------------------------------------------------------------------------

// failedMarker is the sentinel occupying value-stack slots of failed
// matches. It never escapes a Parse call.
type failedMarker struct{}

var matchFailed any = failedMarker{}

func isFailed(v any) bool {
	_, ok := v.(failedMarker)
	return ok
}

type frame struct {
	pos int // saved input position
	env int // saved label-binding depth
}

type binding struct {
	name  string
	value any
}

type memoKey struct {
	rule int
	pos  int
}

type memoEntry struct {
	end    int
	val    any
	failed bool
}

type parseState struct {
	prog  *Program
	input string
	opts  ParseOptions

	pos     int
	vals    []any
	frames  []frame
	labels  []binding
	envBase int

	maxFailPos int
	expected   []Expectation
	silent     int

	memo map[memoKey]memoEntry

	tracer  Tracer
	parseID string
	depth   int

	defs map[string]any

	lineStarts []int
}

func (st *parseState) push(v any) { st.vals = append(st.vals, v) }

func (st *parseState) top() any { return st.vals[len(st.vals)-1] }

func (st *parseState) pop() any {
	v := st.vals[len(st.vals)-1]
	st.vals = st.vals[:len(st.vals)-1]
	return v
}

func (st *parseState) pushFrame() {
	st.frames = append(st.frames, frame{pos: st.pos, env: len(st.labels)})
}

func (st *parseState) popFrame() frame {
	f := st.frames[len(st.frames)-1]
	st.frames = st.frames[:len(st.frames)-1]
	return f
}

func (st *parseState) restore(f frame) {
	st.pos = f.pos
	st.labels = st.labels[:f.env]
}

// recordFail tracks the rightmost failure position and the expectations
// alive there. Recording inside lookahead is suppressed.
func (st *parseState) recordFail(pos int, exp Expectation) {
	if st.silent > 0 || pos < st.maxFailPos {
		return
	}
	if pos > st.maxFailPos {
		st.maxFailPos = pos
		st.expected = st.expected[:0]
	}
	st.expected = append(st.expected, exp)
}

func (st *parseState) lookupName(name string) any {
	for i := len(st.labels) - 1; i >= st.envBase; i-- {
		if st.labels[i].name == name {
			return st.labels[i].value
		}
	}
	if st.defs != nil {
		return st.defs[name]
	}
	return nil
}

// ---------------------------------------------------------------------------
// Rule invocation
// ---------------------------------------------------------------------------

func (st *parseState) callRule(idx int) error {
	r := &st.prog.Rules[idx]
	start := st.pos
	st.depth++
	defer func() { st.depth-- }()

	if st.tracer != nil {
		st.trace(TraceRuleEnter, r.Name, start, nil, false)
	}

	if st.memo != nil {
		if ent, ok := st.memo[memoKey{rule: idx, pos: start}]; ok {
			if ent.failed {
				st.push(matchFailed)
				if st.tracer != nil {
					st.trace(TraceRuleFail, r.Name, start, nil, true)
				}
			} else {
				st.pos = ent.end
				st.push(ent.val)
				if st.tracer != nil {
					st.trace(TraceRuleMatch, r.Name, st.pos, ent.val, true)
				}
			}
			return nil
		}
	}

	// Bindings made inside the rule are private to it.
	savedBase := st.envBase
	st.envBase = len(st.labels)

	// A display-named rule reports itself as a single expectation and
	// silences the failures inside it.
	if r.ExpIdx >= 0 {
		st.silent++
	}
	err := st.exec(r.Code)
	if r.ExpIdx >= 0 {
		st.silent--
	}

	st.labels = st.labels[:st.envBase]
	st.envBase = savedBase
	if err != nil {
		return err
	}

	v := st.top()
	failed := isFailed(v)
	if failed && r.ExpIdx >= 0 {
		st.recordFail(start, st.prog.Expectations[r.ExpIdx])
	}
	// An execution under lookahead or a display-named rule records no
	// expectations. Memoizing it would replay that silence into contexts
	// where the failures should be reported, so only unsilenced results
	// are cached.
	if st.memo != nil && st.silent == 0 {
		st.memo[memoKey{rule: idx, pos: start}] = memoEntry{end: st.pos, val: v, failed: failed}
	}
	if st.tracer != nil {
		if failed {
			st.trace(TraceRuleFail, r.Name, start, nil, false)
		} else {
			st.trace(TraceRuleMatch, r.Name, st.pos, v, false)
		}
	}
	return nil
}

func (st *parseState) trace(typ TraceEventType, rule string, pos int, result any, cached bool) {
	st.tracer.Trace(TraceEvent{
		Type:     typ,
		Rule:     rule,
		Location: st.locAt(pos),
		Result:   result,
		ParseID:  st.parseID,
		Depth:    st.depth,
		Cached:   cached,
	})
}

// ---------------------------------------------------------------------------
// Instruction dispatch
// ---------------------------------------------------------------------------

func (st *parseState) exec(code []byte) error {
	ip := 0
	for ip+InstrSize <= len(code) {
		op := Opcode(code[ip])
		a := int(binary.BigEndian.Uint16(code[ip+1:]))
		b := int(binary.BigEndian.Uint16(code[ip+3:]))
		next := ip + InstrSize

		switch op {
		case OpNop:

		case OpPop:
			st.pop()

		case OpPushNull:
			st.push(nil)

		case OpFail:
			st.push(matchFailed)

		case OpMatchLiteral:
			st.matchLiteral(a, b)

		case OpMatchClass:
			st.matchClass(a, b)

		case OpMatchAny:
			st.matchAny(a)

		case OpPushFrame:
			st.pushFrame()

		case OpDropFrame:
			st.popFrame()

		case OpRestoreFrame:
			st.restore(st.popFrame())

		case OpPopScope:
			f := st.popFrame()
			st.labels = st.labels[:f.env]

		case OpText:
			f := st.popFrame()
			st.push(st.input[f.pos:st.pos])

		case OpJump:
			next = a

		case OpJumpIfFailed:
			if isFailed(st.top()) {
				next = a
			}

		case OpJumpIfMatched:
			if !isFailed(st.top()) {
				next = a
			}

		case OpNewList:
			st.push([]any{})

		case OpAppend:
			v := st.pop()
			list := st.pop().([]any)
			st.push(append(list, v))

		case OpWrapList:
			v := st.pop()
			st.push([]any{v})

		case OpWrapSeq:
			st.wrapSeq(a, b)

		case OpFailSeq:
			// a matched element values plus the failed sentinel are on the
			// stack; discard them, rewind, and fail the whole sequence.
			st.vals = st.vals[:len(st.vals)-a-1]
			st.restore(st.popFrame())
			st.push(matchFailed)

		case OpBind:
			st.labels = append(st.labels, binding{name: st.prog.Names[a], value: st.top()})

		case OpCallRule:
			if err := st.callRule(a); err != nil {
				return err
			}

		case OpCallAction:
			if err := st.callAction(a); err != nil {
				return err
			}

		case OpCallPredicate:
			if err := st.callPredicate(a, b == 1); err != nil {
				return err
			}

		case OpSilentOn:
			st.silent++

		case OpSilentOff:
			st.silent--

		default:
			return fmt.Errorf("vm: unknown opcode 0x%02X at offset %d", byte(op), ip)
		}
		ip = next
	}
	return nil
}

// ---------------------------------------------------------------------------
// Matching primitives
// ---------------------------------------------------------------------------

func (st *parseState) matchLiteral(litIdx, expIdx int) {
	lit := st.prog.Literals[litIdx]
	n := len(lit.Text)
	// Zero-length literals never match, including at end of input.
	if n > 0 && st.pos+n <= len(st.input) {
		seg := st.input[st.pos : st.pos+n]
		if seg == lit.Text || (lit.IgnoreCase && foldEqual(seg, lit.Text)) {
			st.pos += n
			st.push(seg)
			return
		}
	}
	if !lit.IgnoreCase && n > 0 {
		// A case-sensitive literal fails where its text first diverges from
		// the input, expecting the unmatched remainder. A choice like
		// "ab" / "ac" on input "ad" then reports offset 1 expecting "b" or
		// "c" instead of offset 0 expecting both whole literals.
		k := 0
		for k < n && st.pos+k < len(st.input) && st.input[st.pos+k] == lit.Text[k] {
			k++
		}
		for k > 0 && !utf8.RuneStart(lit.Text[k]) {
			k--
		}
		if k > 0 {
			st.recordFail(st.pos+k, Expectation{
				Kind: ExpectLiteral,
				Text: lit.Text[k:],
			})
			st.push(matchFailed)
			return
		}
	}
	st.recordFail(st.pos, st.prog.Expectations[expIdx])
	st.push(matchFailed)
}

func (st *parseState) matchClass(classIdx, expIdx int) {
	spec := st.prog.Classes[classIdx]
	if st.pos < len(st.input) && len(spec.Parts) > 0 {
		r, size := utf8.DecodeRuneInString(st.input[st.pos:])
		if classContains(spec, r) != spec.Inverted {
			st.push(st.input[st.pos : st.pos+size])
			st.pos += size
			return
		}
	}
	st.recordFail(st.pos, st.prog.Expectations[expIdx])
	st.push(matchFailed)
}

func (st *parseState) matchAny(expIdx int) {
	if st.pos < len(st.input) {
		_, size := utf8.DecodeRuneInString(st.input[st.pos:])
		st.push(st.input[st.pos : st.pos+size])
		st.pos += size
		return
	}
	st.recordFail(st.pos, st.prog.Expectations[expIdx])
	st.push(matchFailed)
}

func classContains(spec ClassSpec, r rune) bool {
	if inParts(spec.Parts, r) {
		return true
	}
	if spec.IgnoreCase {
		if lower := unicode.ToLower(r); lower != r && inParts(spec.Parts, lower) {
			return true
		}
		if upper := unicode.ToUpper(r); upper != r && inParts(spec.Parts, upper) {
			return true
		}
	}
	return false
}

func inParts(parts []ClassPart, r rune) bool {
	for _, p := range parts {
		if r >= p.Lo && r <= p.Hi {
			return true
		}
	}
	return false
}

// foldEqual compares equal-length text case-insensitively, rune by rune.
func foldEqual(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		ra, na := utf8.DecodeRuneInString(a)
		rb, nb := utf8.DecodeRuneInString(b)
		if unicode.ToLower(ra) != unicode.ToLower(rb) {
			return false
		}
		a, b = a[na:], b[nb:]
	}
	return len(a) == len(b)
}

// ---------------------------------------------------------------------------
// Sequences, actions, predicates
// ---------------------------------------------------------------------------

func (st *parseState) wrapSeq(planIdx, n int) {
	plan := st.prog.Plans[planIdx]
	elems := st.vals[len(st.vals)-n:]
	var result any
	switch len(plan.Pick) {
	case 0:
		all := make([]any, n)
		copy(all, elems)
		result = all
	case 1:
		result = elems[plan.Pick[0]]
	default:
		picked := make([]any, len(plan.Pick))
		for i, idx := range plan.Pick {
			picked[i] = elems[idx]
		}
		result = picked
	}
	st.vals = st.vals[:len(st.vals)-n]
	st.popFrame() // sequence succeeded; keep the advanced position
	st.push(result)
}

func (st *parseState) callAction(codeIdx int) error {
	spec := st.prog.Code[codeIdx]
	f := st.popFrame()
	st.pop() // the child's value is replaced by the action result
	env := codeEnv{st: st, start: f.pos}
	v, err := env.eval(spec.Expr)
	if err != nil {
		if errors.Is(err, ErrBacktrack) {
			st.restore(f)
			st.recordFail(f.pos, Expectation{Kind: ExpectOther, Description: backtrackDescription(err)})
			st.push(matchFailed)
			return nil
		}
		return err
	}
	st.push(v)
	return nil
}

func (st *parseState) callPredicate(codeIdx int, invert bool) error {
	spec := st.prog.Code[codeIdx]
	env := codeEnv{st: st, start: st.pos}
	v, err := env.eval(spec.Expr)
	ok := false
	if err != nil {
		if !errors.Is(err, ErrBacktrack) {
			return err
		}
		// An explicit failure signal inside a predicate counts as false.
	} else {
		b, isBool := v.(bool)
		if !isBool {
			return fmt.Errorf("vm: predicate %s returned %T, want bool", shorten(spec.Src, 30), v)
		}
		ok = b
	}
	if invert {
		ok = !ok
	}
	if ok {
		st.push(nil)
	} else {
		st.push(matchFailed)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Failure reporting
// ---------------------------------------------------------------------------

func (st *parseState) syntaxError() *SyntaxError {
	pos := st.maxFailPos
	if pos < 0 {
		pos = 0
	}
	found := ""
	end := pos
	if pos < len(st.input) {
		_, size := utf8.DecodeRuneInString(st.input[pos:])
		found = st.input[pos : pos+size]
		end = pos + size
	}
	return &SyntaxError{
		Expected: MergeExpectations(st.expected),
		Found:    found,
		Location: LocationRange{
			Source: st.opts.GrammarSource,
			Start:  st.locAt(pos),
			End:    st.locAt(end),
		},
	}
}

func (st *parseState) locAt(offset int) Location {
	if st.lineStarts == nil {
		st.lineStarts = lineStarts(st.input)
	}
	i := sort.Search(len(st.lineStarts), func(i int) bool {
		return st.lineStarts[i] > offset
	}) - 1
	col := 1
	for range st.input[st.lineStarts[i]:offset] {
		col++
	}
	return Location{Offset: offset, Line: i + 1, Column: col}
}

func lineStarts(text string) []int {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}
