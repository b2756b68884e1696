package vm

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// HostFunc is a function registered by the embedder and callable from
// grammar code blocks. Returning an error wrapping ErrBacktrack converts the
// current match into an ordinary PEG failure; any other error aborts the
// parse and propagates to the caller unchanged.
type HostFunc func(args []any) (any, error)

// codeEnv is the evaluation context for one code block invocation.
type codeEnv struct {
	st    *parseState
	start int // input offset where the enclosing match began
}

func (env codeEnv) eval(e *CodeExpr) (any, error) {
	switch e.Kind {
	case CodeString:
		return e.Str, nil
	case CodeInt:
		return e.Int, nil
	case CodeFloat:
		return e.Float, nil
	case CodeBool:
		return e.Bool, nil
	case CodeNull:
		return nil, nil
	case CodeIdent:
		// Identifier resolution was validated at compile time; a miss here
		// means a label under ? or * that never matched.
		return env.st.lookupName(e.Str), nil
	case CodeList:
		list := make([]any, len(e.Args))
		for i, a := range e.Args {
			v, err := env.eval(a)
			if err != nil {
				return nil, err
			}
			list[i] = v
		}
		return list, nil
	case CodeCall:
		return env.call(e)
	case CodeUnary:
		return env.unary(e)
	case CodeBinary:
		return env.binary(e)
	}
	return nil, fmt.Errorf("vm: unknown code expression kind %d", e.Kind)
}

func (env codeEnv) call(e *CodeExpr) (any, error) {
	args := make([]any, len(e.Args))
	for i, a := range e.Args {
		v, err := env.eval(a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	switch e.Str {
	case "text":
		return env.st.input[env.start:env.st.pos], nil
	case "offset":
		return int64(env.start), nil
	case "fail":
		desc := "matched input rejected"
		if len(args) > 0 {
			if s, ok := args[0].(string); ok {
				desc = s
			}
		}
		return nil, Backtrack(desc)
	case "len":
		if len(args) != 1 {
			return nil, fmt.Errorf("vm: len takes one argument")
		}
		switch v := args[0].(type) {
		case string:
			return int64(len(v)), nil
		case []any:
			return int64(len(v)), nil
		case nil:
			return int64(0), nil
		}
		return nil, fmt.Errorf("vm: len of %T", args[0])
	case "int":
		if len(args) != 1 {
			return nil, fmt.Errorf("vm: int takes one argument")
		}
		switch v := args[0].(type) {
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, Backtrack(fmt.Sprintf("%q is not an integer", v))
			}
			return n, nil
		}
		return nil, fmt.Errorf("vm: int of %T", args[0])
	case "float":
		if len(args) != 1 {
			return nil, fmt.Errorf("vm: float takes one argument")
		}
		switch v := args[0].(type) {
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, Backtrack(fmt.Sprintf("%q is not a number", v))
			}
			return f, nil
		}
		return nil, fmt.Errorf("vm: float of %T", args[0])
	case "concat":
		if len(args) != 2 {
			return nil, fmt.Errorf("vm: concat takes two arguments")
		}
		if ls, ok := args[0].(string); ok {
			rs, ok := args[1].(string)
			if !ok {
				return nil, fmt.Errorf("vm: concat of string and %T", args[1])
			}
			return ls + rs, nil
		}
		ll, lok := args[0].([]any)
		rl, rok := args[1].([]any)
		if !lok || !rok {
			return nil, fmt.Errorf("vm: concat of %T and %T", args[0], args[1])
		}
		out := make([]any, 0, len(ll)+len(rl))
		out = append(out, ll...)
		return append(out, rl...), nil
	case "join":
		if len(args) != 2 {
			return nil, fmt.Errorf("vm: join takes a list and a separator")
		}
		list, ok := args[0].([]any)
		if !ok {
			return nil, fmt.Errorf("vm: join of %T", args[0])
		}
		sep, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("vm: join separator is %T, want string", args[1])
		}
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = stringify(v)
		}
		return strings.Join(parts, sep), nil
	}
	if fn, ok := env.st.opts.Funcs[e.Str]; ok {
		return fn(args)
	}
	return nil, fmt.Errorf("vm: unknown function %q in code block", e.Str)
}

func (env codeEnv) unary(e *CodeExpr) (any, error) {
	v, err := env.eval(e.Args[0])
	if err != nil {
		return nil, err
	}
	switch e.Str {
	case "!":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("vm: operator ! applied to %T", v)
		}
		return !b, nil
	case "-":
		switch n := v.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		}
		return nil, fmt.Errorf("vm: operator - applied to %T", v)
	}
	return nil, fmt.Errorf("vm: unknown unary operator %q", e.Str)
}

func (env codeEnv) binary(e *CodeExpr) (any, error) {
	left, err := env.eval(e.Args[0])
	if err != nil {
		return nil, err
	}
	// Short-circuit boolean operators.
	if e.Str == "&&" || e.Str == "||" {
		lb, ok := left.(bool)
		if !ok {
			return nil, fmt.Errorf("vm: operator %s applied to %T", e.Str, left)
		}
		if (e.Str == "&&" && !lb) || (e.Str == "||" && lb) {
			return lb, nil
		}
		right, err := env.eval(e.Args[1])
		if err != nil {
			return nil, err
		}
		rb, ok := right.(bool)
		if !ok {
			return nil, fmt.Errorf("vm: operator %s applied to %T", e.Str, right)
		}
		return rb, nil
	}
	right, err := env.eval(e.Args[1])
	if err != nil {
		return nil, err
	}
	switch e.Str {
	case "==":
		return deepEqual(left, right), nil
	case "!=":
		return !deepEqual(left, right), nil
	case "+":
		return add(left, right)
	case "-", "*", "/", "%", "<", "<=", ">", ">=":
		return numericOp(e.Str, left, right)
	}
	return nil, fmt.Errorf("vm: unknown operator %q", e.Str)
}

func add(left, right any) (any, error) {
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			return ls + rs, nil
		}
		return nil, fmt.Errorf("vm: cannot add string and %T", right)
	}
	return numericOp("+", left, right)
}

func numericOp(op string, left, right any) (any, error) {
	li, lInt := left.(int64)
	ri, rInt := right.(int64)
	if lInt && rInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			if ri == 0 {
				return nil, fmt.Errorf("vm: division by zero")
			}
			return li / ri, nil
		case "%":
			if ri == 0 {
				return nil, fmt.Errorf("vm: division by zero")
			}
			return li % ri, nil
		case "<":
			return li < ri, nil
		case "<=":
			return li <= ri, nil
		case ">":
			return li > ri, nil
		case ">=":
			return li >= ri, nil
		}
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("vm: operator %s applied to %T and %T", op, left, right)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("vm: division by zero")
		}
		return lf / rf, nil
	case "%":
		return nil, fmt.Errorf("vm: %% applied to non-integers")
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("vm: unknown operator %q", op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func deepEqual(a, b any) bool {
	if ai, ok := a.(int64); ok {
		if bf, ok := b.(float64); ok {
			return float64(ai) == bf
		}
	}
	if af, ok := a.(float64); ok {
		if bi, ok := b.(int64); ok {
			return af == float64(bi)
		}
	}
	return reflect.DeepEqual(a, b)
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case []any:
		parts := make([]string, len(s))
		for i, e := range s {
			parts[i] = stringify(e)
		}
		return strings.Join(parts, "")
	default:
		return fmt.Sprintf("%v", v)
	}
}
