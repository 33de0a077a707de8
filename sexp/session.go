package sexp

import (
	"fmt"
	"io"
)

// Session owns a symbol table, the text being worked on and the term tree
// parsed from it.
type Session struct {
	symbols *SymbolTable
	arena   arena
	input   string
	tree    *Term
	lastErr *Error
	depth   int
}

// New returns a Session with the builtins registered in scope 0.
func New() *Session {
	s := &Session{symbols: NewSymbolTable()}
	s.RegisterBuiltins(0)
	return s
}

// Symbols exposes the symbol table.
func (s *Session) Symbols() *SymbolTable { return s.symbols }

// AddFunction registers fn under name in scope. It replaces any symbol of
// the same name there.
func (s *Session) AddFunction(scope int, name string, fn Func, data any) *Symbol {
	sym := &Symbol{Name: name, Scope: scope, Kind: Function, Data: data, fn: fn}
	s.symbols.Register(sym)
	return sym
}

// AddImmediateFunction registers fn as a function that receives its
// argument terms unevaluated.
func (s *Session) AddImmediateFunction(scope int, name string, fn IFunc, data any) *Symbol {
	sym := &Symbol{Name: name, Scope: scope, Kind: ImmediateFunction, Data: data, ifn: fn}
	s.symbols.Register(sym)
	return sym
}

// AddVariable binds name to term. The term is evaluated each time the
// variable is, so assigning to it changes later results.
func (s *Session) AddVariable(scope int, name string, term *Term) *Symbol {
	sym := &Symbol{Name: name, Scope: scope, Kind: Variable, bound: term}
	s.symbols.Register(sym)
	return sym
}

func (s *Session) RemoveSymbol(scope int, name string) {
	s.symbols.Unregister(scope, name)
}

// SetScope selects the scope identifiers resolve against and returns the
// previous one.
func (s *Session) SetScope(scope int) int {
	return s.symbols.SetActiveScope(scope)
}

func (s *Session) Lookup(scope int, name string) *Symbol {
	return s.symbols.Lookup(scope, name)
}

func (s *Session) SetInput(text string) {
	s.input = text
}

func (s *Session) SetInputReader(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read expression: %w", err)
	}
	s.input = string(b)
	return nil
}

// Parse replaces the current tree with the one parsed from the input.
// Terms of the previous tree must not be used afterwards.
func (s *Session) Parse() (err error) {
	s.tree = nil
	s.arena.reset()
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: RuntimeError, Msg: fmt.Sprintf("panic during parse: %v", r), Pos: -1}
		}
		if err != nil {
			s.arena.reset()
			s.lastErr = asError(err)
			err = s.lastErr
		}
	}()

	p := parser{
		lex:     NewLexer(s.input, s.symbols),
		arena:   &s.arena,
		symbols: s.symbols,
	}
	tree, err := p.parse()
	if err != nil {
		return err
	}
	s.tree = tree
	return nil
}

// Evaluate reduces the current tree. The first error raised anywhere in the
// tree is returned and no partial value is produced.
func (s *Session) Evaluate() (v Value, err error) {
	if s.tree == nil {
		s.lastErr = &Error{Kind: RuntimeError, Msg: ErrNoExpression.Error(), Pos: -1, cause: ErrNoExpression}
		return Value{}, s.lastErr
	}
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: RuntimeError, Msg: fmt.Sprintf("panic during evaluation: %v", r), Pos: -1}
		}
		if err != nil {
			v = Value{}
			s.lastErr = asError(err)
			err = s.lastErr
		}
	}()
	s.depth = 0
	return s.Eval(s.tree)
}

// EvaluateString parses and evaluates text in one step.
func (s *Session) EvaluateString(text string) (Value, error) {
	s.SetInput(text)
	if err := s.Parse(); err != nil {
		return Value{}, err
	}
	return s.Evaluate()
}

// LastError returns the message of the most recent failure, or "".
func (s *Session) LastError() string {
	if s.lastErr == nil {
		return ""
	}
	return s.lastErr.Error()
}

// Tree returns the current parsed tree, nil when nothing is parsed.
func (s *Session) Tree() *Term { return s.tree }

// Close releases the tree and every registered symbol.
func (s *Session) Close() {
	s.tree = nil
	s.arena.release()
	s.symbols.clear()
	s.input = ""
}
