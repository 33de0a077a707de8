package sexp

const (
	termChunkSize = 64
	argsChunkSize = 256
)

// arena hands out Term nodes and argument slices in chunks. Everything it
// handed out becomes invalid on reset; the chunks themselves are kept for
// the next parse.
type arena struct {
	terms    [][]Term
	termUsed int // used slots in the last terms chunk
	full     int // number of completely used terms chunks

	args     [][]*Term
	argsUsed int
	argsFull int
}

func (a *arena) newTerm(kind TermKind) *Term {
	if len(a.terms) == 0 || a.termUsed == termChunkSize {
		if len(a.terms) > 0 {
			a.full++
		}
		if a.full >= len(a.terms) {
			a.terms = append(a.terms, make([]Term, termChunkSize))
		}
		a.termUsed = 0
	}
	t := &a.terms[a.full][a.termUsed]
	a.termUsed++
	t.Kind = kind
	return t
}

// newArgs returns a copy of src backed by arena memory.
func (a *arena) newArgs(src []*Term) []*Term {
	n := len(src)
	if n == 0 {
		return nil
	}
	if n > argsChunkSize {
		out := make([]*Term, n)
		copy(out, src)
		return out
	}
	if len(a.args) == 0 || a.argsUsed+n > argsChunkSize {
		if len(a.args) > 0 {
			a.argsFull++
		}
		if a.argsFull >= len(a.args) {
			a.args = append(a.args, make([]*Term, argsChunkSize))
		}
		a.argsUsed = 0
	}
	chunk := a.args[a.argsFull]
	out := chunk[a.argsUsed : a.argsUsed+n : a.argsUsed+n]
	copy(out, src)
	a.argsUsed += n
	return out
}

// Len returns the number of live terms.
func (a *arena) Len() int {
	if len(a.terms) == 0 {
		return 0
	}
	return a.full*termChunkSize + a.termUsed
}

func (a *arena) reset() {
	for i := 0; i <= a.full && i < len(a.terms); i++ {
		chunk := a.terms[i]
		if i == a.full {
			chunk = chunk[:a.termUsed]
		}
		for j := range chunk {
			chunk[j].reset()
		}
	}
	for i := 0; i <= a.argsFull && i < len(a.args); i++ {
		clear(a.args[i])
	}
	a.full, a.termUsed = 0, 0
	a.argsFull, a.argsUsed = 0, 0
}

// release drops every chunk.
func (a *arena) release() {
	*a = arena{}
}
