package sexp

import (
	"fmt"
	"strconv"
	"strings"
)

// TermKind is the type tag of a Term.
type TermKind int

const (
	TermInt TermKind = iota
	TermBool
	TermString
	TermTime
	TermVariable
	TermCall
	TermLazyCall
)

func (k TermKind) String() string {
	switch k {
	case TermInt:
		return "int"
	case TermBool:
		return "bool"
	case TermString:
		return "string"
	case TermTime:
		return "time"
	case TermVariable:
		return "variable"
	case TermCall:
		return "call"
	case TermLazyCall:
		return "lazy-call"
	}
	return "unknown"
}

// Term is a node of a parsed expression. Trees are built by the parser and
// owned by the Session that parsed them.
type Term struct {
	Kind TermKind

	n   int64
	b   bool
	s   string
	sym *Symbol
	// Args holds the argument terms of a call.
	Args []*Term
}

// Literal term constructors, for binding variables from outside a Session.
func IntTerm(n int64) *Term      { return &Term{Kind: TermInt, n: n} }
func BoolTerm(b bool) *Term      { return &Term{Kind: TermBool, b: b} }
func StringTerm(s string) *Term  { return &Term{Kind: TermString, s: s} }
func TimeTerm(sec int64) *Term   { return &Term{Kind: TermTime, n: sec} }
func RefTerm(sym *Symbol) *Term  { return &Term{Kind: TermVariable, sym: sym} }
func (t *Term) Symbol() *Symbol  { return t.sym }
func (t *Term) IsLiteral() bool  { return t.Kind <= TermTime }
func (t *Term) IsCall() bool     { return t.Kind == TermCall || t.Kind == TermLazyCall }
func (t *Term) reset()           { *t = Term{} }

// Assign replaces the value of a literal term. It lets a caller change what
// a variable evaluates to between evaluations.
func (t *Term) Assign(v Value) error {
	if !t.IsLiteral() {
		return fmt.Errorf("sexp: cannot assign to %s term", t.Kind)
	}
	switch v.Kind {
	case Int:
		*t = Term{Kind: TermInt, n: v.n}
	case Bool:
		*t = Term{Kind: TermBool, b: v.b}
	case String:
		*t = Term{Kind: TermString, s: v.s}
	case Time:
		*t = Term{Kind: TermTime, n: v.n}
	default:
		return fmt.Errorf("sexp: no literal form for %s", v.Kind)
	}
	return nil
}

func literalValue(t *Term) Value {
	switch t.Kind {
	case TermInt:
		return IntValue(t.n)
	case TermBool:
		return BoolValue(t.b)
	case TermString:
		return StringValue(t.s)
	case TermTime:
		return TimeValue(t.n)
	}
	return Value{}
}

// String renders the term back into expression syntax.
func (t *Term) String() string {
	var sb strings.Builder
	t.write(&sb)
	return sb.String()
}

func (t *Term) write(sb *strings.Builder) {
	if t == nil {
		sb.WriteString("<nil>")
		return
	}
	switch t.Kind {
	case TermInt, TermTime:
		sb.WriteString(strconv.FormatInt(t.n, 10))
	case TermBool:
		if t.b {
			sb.WriteString("#t")
		} else {
			sb.WriteString("#f")
		}
	case TermString:
		sb.WriteString(strings.TrimPrefix(EncodeString(t.s), " "))
	case TermVariable:
		if t.sym == nil {
			sb.WriteString("<unbound>")
			return
		}
		sb.WriteString(t.sym.Name)
	case TermCall, TermLazyCall:
		sb.WriteByte('(')
		sb.WriteString(t.sym.Name)
		for _, a := range t.Args {
			sb.WriteByte(' ')
			a.write(sb)
		}
		sb.WriteByte(')')
	default:
		fmt.Fprintf(sb, "<term %d>", int(t.Kind))
	}
}
