package sexp

// maxDepth bounds list nesting so hostile input cannot exhaust the stack.
const maxDepth = 512

type parser struct {
	lex     *Lexer
	arena   *arena
	symbols *SymbolTable

	tok    Token
	peeked *Token
	depth  int
	// scratch collects argument terms before they are copied into the arena.
	scratch []*Term
}

func (p *parser) next() error {
	if p.peeked != nil {
		p.tok = *p.peeked
		p.peeked = nil
		return nil
	}
	tok, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) peek() (Token, error) {
	if p.peeked == nil {
		tok, err := p.lex.Next()
		if err != nil {
			return Token{}, err
		}
		p.peeked = &tok
	}
	return *p.peeked, nil
}

// parse reads exactly one top-level value.
func (p *parser) parse() (*Term, error) {
	if err := p.next(); err != nil {
		return nil, err
	}
	if p.tok.Kind == TokEOF {
		return nil, parseErrorf(p.tok.Pos, "empty expression")
	}
	t, err := p.value()
	if err != nil {
		return nil, err
	}
	switch p.tok.Kind {
	case TokEOF:
		return t, nil
	case TokRParen:
		return nil, parseErrorf(p.tok.Pos, "missing '('")
	default:
		return nil, parseErrorf(p.tok.Pos, "unexpected token after expression")
	}
}

// value parses one value starting at the current token and leaves the
// token after it current.
func (p *parser) value() (*Term, error) {
	tok := p.tok
	switch tok.Kind {
	case TokLParen:
		return p.list()
	case TokRParen:
		return nil, parseErrorf(tok.Pos, "missing '('")
	case TokEOF:
		return nil, parseErrorf(tok.Pos, "missing ')'")
	case TokString:
		t := p.arena.newTerm(TermString)
		t.s = tok.Text
		return t, p.next()
	case TokInt:
		t := p.arena.newTerm(TermInt)
		t.n = tok.Int
		return t, p.next()
	case TokHash:
		return p.boolean()
	case TokIdent, TokSymbol:
		if tok.Text == "-" {
			nt, err := p.peek()
			if err != nil {
				return nil, err
			}
			if nt.Kind == TokInt && !signed(nt.Text) {
				if err := p.next(); err != nil {
					return nil, err
				}
				t := p.arena.newTerm(TermInt)
				t.n = -p.tok.Int
				return t, p.next()
			}
		}
		if tok.Kind == TokIdent {
			return nil, parseErrorf(tok.Pos, "unknown identifier: %s", tok.Text)
		}
		sym := tok.Symbol
		if sym.Kind == Variable {
			target, err := p.aliasTarget(tok)
			if err != nil {
				return nil, err
			}
			if target == nil {
				t := p.arena.newTerm(TermVariable)
				t.sym = sym
				return t, p.next()
			}
			return p.call(target, nil), p.next()
		}
		// A function name on its own is a call without arguments.
		return p.call(sym, nil), p.next()
	}
	return nil, parseErrorf(tok.Pos, "unexpected %s", tok.Kind)
}

func (p *parser) boolean() (*Term, error) {
	hash := p.tok
	if err := p.next(); err != nil {
		return nil, err
	}
	tok := p.tok
	if (tok.Kind != TokIdent && tok.Kind != TokSymbol) || tok.Pos != hash.End {
		return nil, parseErrorf(hash.Pos, "invalid boolean literal")
	}
	t := p.arena.newTerm(TermBool)
	switch tok.Text {
	case "t":
		t.b = true
	case "f":
		t.b = false
	default:
		return nil, parseErrorf(hash.Pos, "invalid boolean literal: #%s", tok.Text)
	}
	return t, p.next()
}

func (p *parser) list() (*Term, error) {
	open := p.tok
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxDepth {
		return nil, parseErrorf(open.Pos, "expression nested too deeply")
	}
	if err := p.next(); err != nil {
		return nil, err
	}
	head := p.tok
	switch head.Kind {
	case TokSymbol:
	case TokIdent:
		return nil, parseErrorf(head.Pos, "unknown identifier: %s", head.Text)
	case TokEOF:
		return nil, parseErrorf(head.Pos, "missing ')'")
	case TokRParen:
		return nil, parseErrorf(head.Pos, "missing function name")
	default:
		return nil, parseErrorf(head.Pos, "expected function name, got %s", head.Kind)
	}
	sym, err := p.resolveCallable(head)
	if err != nil {
		return nil, err
	}
	if err := p.next(); err != nil {
		return nil, err
	}

	mark := len(p.scratch)
	defer func() { p.scratch = p.scratch[:mark] }()
	for p.tok.Kind != TokRParen {
		if p.tok.Kind == TokEOF {
			return nil, parseErrorf(p.tok.Pos, "missing ')'")
		}
		arg, err := p.value()
		if err != nil {
			return nil, err
		}
		p.scratch = append(p.scratch, arg)
	}
	t := p.call(sym, p.scratch[mark:])
	return t, p.next()
}

// resolveCallable follows variable aliases from the list head until it
// reaches a function.
func (p *parser) resolveCallable(head Token) (*Symbol, error) {
	sym := head.Symbol
	for steps := 0; sym.Kind == Variable; steps++ {
		if steps > p.symbols.Len() {
			return nil, parseErrorf(head.Pos, "alias cycle at %s", head.Text)
		}
		b := sym.bound
		if b == nil || b.Kind != TermVariable || b.sym == nil {
			return nil, &Error{Kind: TypeError, Msg: "trying to call a variable: " + head.Text, Pos: head.Pos}
		}
		sym = b.sym
	}
	return sym, nil
}

// aliasTarget follows a variable alias chain from a value position. It
// returns the function the chain ends in, or nil when it ends in a value.
func (p *parser) aliasTarget(tok Token) (*Symbol, error) {
	sym := tok.Symbol
	for steps := 0; sym.Kind == Variable; steps++ {
		if steps > p.symbols.Len() {
			return nil, parseErrorf(tok.Pos, "alias cycle at %s", tok.Text)
		}
		b := sym.bound
		if b == nil || b.Kind != TermVariable || b.sym == nil {
			return nil, nil
		}
		sym = b.sym
	}
	return sym, nil
}

func signed(text string) bool {
	return text != "" && (text[0] == '-' || text[0] == '+')
}

func (p *parser) call(sym *Symbol, args []*Term) *Term {
	kind := TermCall
	if sym.Kind == ImmediateFunction {
		kind = TermLazyCall
	}
	t := p.arena.newTerm(kind)
	t.sym = sym
	t.Args = p.arena.newArgs(args)
	return t
}
