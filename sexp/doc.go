// Package sexp implements a small, embeddable s-expression evaluator used to
// express mail filtering predicates and actions.
//
// Expressions are plain text in a Lisp-like notation:
//
//	(and (header-contains "Subject" "sale")
//	     (> (get-score) 2))
//
// # Values
//
// Evaluation produces a Value, one of:
//   - Undefined: no value was produced (not an error)
//   - Bool, Int, Time (seconds since the epoch), String
//   - StringSet: an unordered multiset of strings, used for lists of
//     matching message uids
//
// # Functions
//
// Two calling conventions are supported:
//   - Function: receives its arguments already evaluated, left to right
//   - ImmediateFunction: receives the unevaluated argument terms and decides
//     itself what to evaluate (this is how and, or, if and begin short-circuit)
//
// Functions live in a scoped symbol table. Scope 0 is seeded with the
// builtins; other scopes start empty and see nothing from scope 0, so a
// caller can keep separate vocabularies (for example search predicates and
// actions) in one Session:
//
//	s := sexp.New()
//	s.AddFunction(0, "get-score", getScore, msg)
//	s.SetInput(`(> (get-score) 2)`)
//	if err := s.Parse(); err != nil {
//		return err
//	}
//	v, err := s.Evaluate()
//
// # Builtins
//
//   - and, or: boolean and/or, or intersection/union of string sets
//   - not: boolean negation (non-booleans count as false)
//   - <, >, =: comparison of ints, times or strings
//   - +, -: addition of ints or times, concatenation of strings
//   - cast-int, cast-string: conversions
//   - if, begin: flow control
//
// # Errors
//
// Any native function may abort the evaluation by returning an error. The
// error unwinds straight to Parse or Evaluate, is recorded as the Session's
// last error and is returned to the caller as a *Error. No partial result is
// ever returned.
//
// A Session is not safe for concurrent use. Independent Sessions share no
// state and may be used from different goroutines.
package sexp
