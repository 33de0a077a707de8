package sexp

import "strings"

// SymbolKind says how a symbol is used by the parser and evaluator.
type SymbolKind int

const (
	Function SymbolKind = iota
	ImmediateFunction
	Variable
)

func (k SymbolKind) String() string {
	switch k {
	case Function:
		return "function"
	case ImmediateFunction:
		return "immediate-function"
	case Variable:
		return "variable"
	}
	return "unknown"
}

// Func is a native function called with evaluated arguments.
type Func func(s *Session, args []Value, data any) (Value, error)

// IFunc is a native function called with unevaluated argument terms. It
// evaluates what it needs through Session.Eval.
type IFunc func(s *Session, args []*Term, data any) (Value, error)

// Symbol is a named entry in one scope of a symbol table.
type Symbol struct {
	Name  string
	Scope int
	Kind  SymbolKind
	// Data is handed to the native function on every call.
	Data any

	fn    Func
	ifn   IFunc
	bound *Term
}

// Bound returns the term a Variable is bound to.
func (s *Symbol) Bound() *Term { return s.bound }

func (s *Symbol) callable() bool {
	return s.Kind == Function || s.Kind == ImmediateFunction
}

type symbolKey struct {
	scope int
	name  string
}

// SymbolTable maps (scope, name) to symbols. Lookups never fall back from
// one scope to another.
type SymbolTable struct {
	symbols map[symbolKey]*Symbol
	active  int
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{symbols: make(map[symbolKey]*Symbol)}
}

func normalizeName(name string) string {
	return strings.ToLower(name)
}

// Register inserts sym, replacing any symbol with the same name in its scope.
func (t *SymbolTable) Register(sym *Symbol) {
	sym.Name = normalizeName(sym.Name)
	t.symbols[symbolKey{sym.Scope, sym.Name}] = sym
}

// Unregister removes name from scope. Removing a missing name is a no-op.
func (t *SymbolTable) Unregister(scope int, name string) {
	delete(t.symbols, symbolKey{scope, normalizeName(name)})
}

// Lookup returns the symbol visible as name in scope, or nil.
func (t *SymbolTable) Lookup(scope int, name string) *Symbol {
	return t.symbols[symbolKey{scope, normalizeName(name)}]
}

// LookupActive resolves name against the active scope.
func (t *SymbolTable) LookupActive(name string) *Symbol {
	return t.Lookup(t.active, name)
}

// SetActiveScope switches the scope used by LookupActive and returns the
// previous one.
func (t *SymbolTable) SetActiveScope(scope int) int {
	prev := t.active
	t.active = scope
	return prev
}

func (t *SymbolTable) ActiveScope() int { return t.active }

// Len returns the number of registered symbols across all scopes.
func (t *SymbolTable) Len() int { return len(t.symbols) }

// Names returns the names registered in scope, in no particular order.
func (t *SymbolTable) Names(scope int) []string {
	var names []string
	for k := range t.symbols {
		if k.scope == scope {
			names = append(names, k.name)
		}
	}
	return names
}

func (t *SymbolTable) clear() {
	clear(t.symbols)
	t.active = 0
}
