package sexp

import (
	"strconv"
	"strings"
)

// Lexer turns source text into tokens. When a symbol table is attached,
// identifiers are classified against its active scope as they are read.
type Lexer struct {
	src     string
	pos     int
	symbols *SymbolTable
}

func NewLexer(src string, symbols *SymbolTable) *Lexer {
	return &Lexer{src: src, symbols: symbols}
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || strings.IndexByte("_+-<=>?", c) >= 0
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func (l *Lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch c := l.src[l.pos]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			l.pos++
		case c == ';':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		default:
			return
		}
	}
}

// Next returns the next token, or a ParseError for malformed input.
func (l *Lexer) Next() (Token, error) {
	l.skipSpace()
	start := l.pos
	if l.pos >= len(l.src) {
		return Token{Kind: TokEOF, Pos: start, End: start}, nil
	}
	c := l.src[l.pos]
	switch {
	case c == '(':
		l.pos++
		return Token{Kind: TokLParen, Pos: start, End: l.pos}, nil
	case c == ')':
		l.pos++
		return Token{Kind: TokRParen, Pos: start, End: l.pos}, nil
	case c == '#':
		l.pos++
		return Token{Kind: TokHash, Pos: start, End: l.pos}, nil
	case c == '"' || c == '\'':
		return l.lexString(c)
	case isDigit(c):
		return l.lexInt(start)
	case (c == '-' || c == '+') && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]):
		return l.lexInt(start)
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
			l.pos++
		}
		tok := Token{Kind: TokIdent, Text: normalizeName(l.src[start:l.pos]), Pos: start, End: l.pos}
		if l.symbols != nil {
			if sym := l.symbols.LookupActive(tok.Text); sym != nil {
				tok.Kind = TokSymbol
				tok.Symbol = sym
			}
		}
		return tok, nil
	}
	return Token{}, parseErrorf(start, "unexpected character %q", c)
}

func (l *Lexer) lexInt(start int) (Token, error) {
	l.pos++
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	text := l.src[start:l.pos]
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return Token{}, parseErrorf(start, "integer out of range: %s", text)
	}
	return Token{Kind: TokInt, Text: text, Int: n, Pos: start, End: l.pos}, nil
}

func (l *Lexer) lexString(quote byte) (Token, error) {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		l.pos++
		switch c {
		case quote:
			return Token{Kind: TokString, Text: sb.String(), Pos: start, End: l.pos}, nil
		case '\\':
			if l.pos >= len(l.src) {
				return Token{}, parseErrorf(start, "unterminated string")
			}
			e := l.src[l.pos]
			l.pos++
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'b':
				sb.WriteByte('\b')
			case 'f':
				sb.WriteByte('\f')
			default:
				sb.WriteByte(e)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return Token{}, parseErrorf(start, "unterminated string")
}
