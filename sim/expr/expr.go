// Package expr is a closed arithmetic evaluator for model expressions.
//
// The grammar covers numbers, identifiers, + - * /, right-associative power
// (^ or **), unary sign, parentheses and one-argument calls to a fixed
// function table:
//
//	expr    := term (('+' | '-') term)*
//	term    := unary (('*' | '/') unary)*
//	unary   := ('+' | '-') unary | power
//	power   := primary (('^' | '**') unary)?
//	primary := number | ident | ident '(' expr ')' | '(' expr ')'
//
// Identifiers resolve to the supplied variables first and then to the
// constants pi and e. Anything else is an evaluation failure, as is any
// domain error or non-finite intermediate value. Nothing in this package
// panics on user input.
package expr

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrEvaluation is the sentinel wrapped by every failure from this package.
var ErrEvaluation = errors.New("evaluation failure")

// EvalError describes a syntax, name or domain failure.
// Pos is a byte offset into the source, or -1 when not applicable.
type EvalError struct {
	Pos int
	Msg string
}

func (e *EvalError) Error() string {
	if e.Pos < 0 {
		return "expr: " + e.Msg
	}
	return fmt.Sprintf("expr: %s (at offset %d)", e.Msg, e.Pos)
}

// Unwrap lets errors.Is match ErrEvaluation.
func (e *EvalError) Unwrap() error { return ErrEvaluation }

func newError(pos int, format string, args ...any) *EvalError {
	return &EvalError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// maxDepth bounds parser recursion so deeply nested input fails instead of
// exhausting the stack.
const maxDepth = 200

// constants available to every expression unless shadowed by a variable.
var constants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

type function func(x float64) (float64, error)

// functions is the whitelist of callable names.
var functions = map[string]function{
	"sin": func(x float64) (float64, error) { return math.Sin(x), nil },
	"cos": func(x float64) (float64, error) { return math.Cos(x), nil },
	"tan": func(x float64) (float64, error) { return math.Tan(x), nil },
	"exp": func(x float64) (float64, error) { return math.Exp(x), nil },
	"sqrt": func(x float64) (float64, error) {
		if x < 0 {
			return 0, fmt.Errorf("sqrt of negative value %g", x)
		}
		return math.Sqrt(x), nil
	},
	"log": func(x float64) (float64, error) {
		if x <= 0 {
			return 0, fmt.Errorf("log of non-positive value %g", x)
		}
		return math.Log(x), nil
	},
}

// Program is a compiled expression. It is immutable and safe for concurrent Eval calls.
type Program struct {
	src  string
	root node
	refs []string
}

// Compile parses src into a Program.
func Compile(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parse()
	if err != nil {
		return nil, err
	}
	refs := make(map[string]struct{})
	root.collect(refs)
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Program{src: src, root: root, refs: names}, nil
}

// MustCompile is Compile for known-good literals; it panics on error.
func MustCompile(src string) *Program {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source the program was compiled from.
func (p *Program) String() string { return p.src }

// Identifiers returns the sorted names referenced outside call position.
func (p *Program) Identifiers() []string {
	out := make([]string, len(p.refs))
	copy(out, p.refs)
	return out
}

// Unresolved returns the identifiers that neither vars nor the constants define.
func (p *Program) Unresolved(vars map[string]bool) []string {
	var missing []string
	for _, name := range p.refs {
		if vars[name] {
			continue
		}
		if _, ok := constants[name]; ok {
			continue
		}
		missing = append(missing, name)
	}
	return missing
}

// Eval evaluates the program against vars.
func (p *Program) Eval(vars map[string]float64) (float64, error) {
	return p.root.eval(vars)
}

// Evaluate compiles and evaluates src in one step.
func Evaluate(src string, vars map[string]float64) (float64, error) {
	p, err := Compile(src)
	if err != nil {
		return 0, err
	}
	return p.Eval(vars)
}
