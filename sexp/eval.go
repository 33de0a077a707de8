package sexp

// maxEvalDepth bounds recursion through variables bound to each other.
const maxEvalDepth = 10000

// Eval reduces t to a Value. Immediate functions call it for the argument
// terms they choose to evaluate.
func (s *Session) Eval(t *Term) (Value, error) {
	if t == nil {
		return Value{}, &Error{Kind: ParseError, Msg: "nil term", Pos: -1}
	}
	s.depth++
	defer func() { s.depth-- }()
	if s.depth > maxEvalDepth {
		return Value{}, Abortf("evaluation nested too deeply")
	}

	switch t.Kind {
	case TermInt, TermBool, TermString, TermTime:
		return literalValue(t), nil
	case TermVariable:
		if t.sym == nil || t.sym.bound == nil {
			return Value{}, nil
		}
		return s.Eval(t.sym.bound)
	case TermCall:
		sym := t.sym
		if sym.fn == nil {
			return Value{}, Abortf("function %s has no implementation", sym.Name)
		}
		args := make([]Value, len(t.Args))
		for i, a := range t.Args {
			v, err := s.Eval(a)
			if err != nil {
				return Value{}, err
			}
			args[i] = v
		}
		v, err := sym.fn(s, args, sym.Data)
		if err != nil {
			return Value{}, asError(err)
		}
		return v, nil
	case TermLazyCall:
		sym := t.sym
		if sym.ifn == nil {
			return Value{}, Abortf("function %s has no implementation", sym.Name)
		}
		v, err := sym.ifn(s, t.Args, sym.Data)
		if err != nil {
			return Value{}, asError(err)
		}
		return v, nil
	}
	return Value{}, &Error{Kind: ParseError, Msg: "unknown term kind " + t.Kind.String(), Pos: -1}
}
