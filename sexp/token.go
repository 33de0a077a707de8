package sexp

import "fmt"

// TokenKind is the lexical class of a Token.
type TokenKind int

const (
	TokEOF TokenKind = iota
	TokLParen
	TokRParen
	TokInt
	TokString
	TokHash
	// TokIdent is an identifier that did not resolve in the active scope.
	TokIdent
	// TokSymbol is an identifier resolved against the active scope.
	TokSymbol
)

func (k TokenKind) String() string {
	switch k {
	case TokEOF:
		return "end of input"
	case TokLParen:
		return "'('"
	case TokRParen:
		return "')'"
	case TokInt:
		return "integer"
	case TokString:
		return "string"
	case TokHash:
		return "'#'"
	case TokIdent:
		return "identifier"
	case TokSymbol:
		return "symbol"
	}
	return fmt.Sprintf("token(%d)", int(k))
}

// Token is one lexical unit. Text holds the identifier name or the decoded
// string contents.
type Token struct {
	Kind   TokenKind
	Text   string
	Int    int64
	Symbol *Symbol
	Pos    int
	End    int
}
