package sexp

import (
	"strconv"
	"strings"
)

// RegisterBuiltins registers the builtin functions into scope. New does
// this for scope 0; any other scope that wants them must ask.
func (s *Session) RegisterBuiltins(scope int) {
	s.AddImmediateFunction(scope, "and", builtinAnd, nil)
	s.AddImmediateFunction(scope, "or", builtinOr, nil)
	s.AddFunction(scope, "not", builtinNot, nil)
	s.AddFunction(scope, "<", builtinLess, nil)
	s.AddFunction(scope, ">", builtinGreater, nil)
	s.AddFunction(scope, "=", builtinEqual, nil)
	s.AddFunction(scope, "+", builtinAdd, nil)
	s.AddFunction(scope, "-", builtinSub, nil)
	s.AddFunction(scope, "cast-int", builtinCastInt, nil)
	s.AddFunction(scope, "cast-string", builtinCastString, nil)
	s.AddImmediateFunction(scope, "if", builtinIf, nil)
	s.AddImmediateFunction(scope, "begin", builtinBegin, nil)
}

// BuiltinNames lists the names RegisterBuiltins registers.
func BuiltinNames() []string {
	return []string{"and", "or", "not", "<", ">", "=", "+", "-", "cast-int", "cast-string", "if", "begin"}
}

func builtinAnd(s *Session, args []*Term, _ any) (Value, error) {
	return combine(s, "and", args, false, intersect)
}

func builtinOr(s *Session, args []*Term, _ any) (Value, error) {
	return combine(s, "or", args, true, union)
}

// combine evaluates args left to right. Bool arguments stop at the first one
// equal to stopOn. StringSet arguments are folded with merge.
func combine(s *Session, name string, args []*Term, stopOn bool, merge func(a, b []string) []string) (Value, error) {
	var acc Value
	for i, a := range args {
		v, err := s.Eval(a)
		if err != nil {
			return Value{}, err
		}
		if i == 0 {
			if v.Kind != Bool && v.Kind != StringSet {
				return Value{}, TypeErrorf("%s: unsupported argument type %s", name, v.Kind)
			}
			acc = v
			if v.Kind == StringSet {
				acc = StringSetValue(merge(nil, v.set))
			}
		} else if v.Kind != acc.Kind {
			return Value{}, TypeErrorf("%s: mixed argument types %s and %s", name, acc.Kind, v.Kind)
		} else if v.Kind == StringSet {
			acc.set = merge(acc.set, v.set)
		}
		if v.Kind == Bool && v.b == stopOn {
			return BoolValue(stopOn), nil
		}
	}
	if acc.Kind == Bool {
		return BoolValue(!stopOn), nil
	}
	return acc, nil
}

// intersect keeps each member as often as it occurs in both inputs. A nil a
// means b is the first operand.
func intersect(a, b []string) []string {
	if a == nil {
		out := make([]string, len(b))
		copy(out, b)
		return out
	}
	counts := make(map[string]int, len(b))
	for _, m := range b {
		counts[m]++
	}
	out := a[:0]
	for _, m := range a {
		if counts[m] > 0 {
			counts[m]--
			out = append(out, m)
		}
	}
	return out
}

// union keeps every distinct member of both inputs.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, m := range list {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
	}
	return out
}

func builtinNot(_ *Session, args []Value, _ any) (Value, error) {
	if len(args) != 1 {
		return Value{}, ArityErrorf("not: expected 1 argument, got %d", len(args))
	}
	return BoolValue(!args[0].IsTrue()), nil
}

// compare returns -1, 0 or 1. Bool operands are only accepted when
// allowBool is set.
func compare(name string, args []Value, allowBool bool) (int, error) {
	if len(args) != 2 {
		return 0, ArityErrorf("%s: expected 2 arguments, got %d", name, len(args))
	}
	a, b := args[0], args[1]
	if a.Kind != b.Kind {
		return 0, TypeErrorf("%s: cannot compare %s with %s", name, a.Kind, b.Kind)
	}
	switch a.Kind {
	case Int, Time:
		switch {
		case a.n < b.n:
			return -1, nil
		case a.n > b.n:
			return 1, nil
		}
		return 0, nil
	case String:
		return strings.Compare(a.s, b.s), nil
	case Bool:
		if allowBool {
			if a.b == b.b {
				return 0, nil
			}
			return 1, nil
		}
	}
	return 0, TypeErrorf("%s: unsupported argument type %s", name, a.Kind)
}

func builtinLess(_ *Session, args []Value, _ any) (Value, error) {
	c, err := compare("<", args, false)
	if err != nil {
		return Value{}, err
	}
	return BoolValue(c < 0), nil
}

func builtinGreater(_ *Session, args []Value, _ any) (Value, error) {
	c, err := compare(">", args, false)
	if err != nil {
		return Value{}, err
	}
	return BoolValue(c > 0), nil
}

func builtinEqual(_ *Session, args []Value, _ any) (Value, error) {
	c, err := compare("=", args, true)
	if err != nil {
		return Value{}, err
	}
	return BoolValue(c == 0), nil
}

func builtinAdd(_ *Session, args []Value, _ any) (Value, error) {
	if len(args) == 0 {
		return IntValue(0), nil
	}
	kind := args[0].Kind
	switch kind {
	case Int, Time:
		var sum int64
		for _, v := range args {
			if v.Kind != kind {
				return Value{}, TypeErrorf("+: mixed argument types %s and %s", kind, v.Kind)
			}
			sum += v.n
		}
		return Value{Kind: kind, n: sum}, nil
	case String:
		var sb strings.Builder
		for _, v := range args {
			if v.Kind != String {
				return Value{}, TypeErrorf("+: mixed argument types %s and %s", kind, v.Kind)
			}
			sb.WriteString(v.s)
		}
		return StringValue(sb.String()), nil
	}
	return Value{}, TypeErrorf("+: unsupported argument type %s", kind)
}

func builtinSub(_ *Session, args []Value, _ any) (Value, error) {
	if len(args) == 0 {
		return IntValue(0), nil
	}
	kind := args[0].Kind
	if kind != Int && kind != Time {
		return Value{}, TypeErrorf("-: unsupported argument type %s", kind)
	}
	if len(args) == 1 {
		return Value{Kind: kind, n: -args[0].n}, nil
	}
	acc := args[0].n
	for _, v := range args[1:] {
		if v.Kind != kind {
			return Value{}, TypeErrorf("-: mixed argument types %s and %s", kind, v.Kind)
		}
		acc -= v.n
	}
	return Value{Kind: kind, n: acc}, nil
}

func builtinCastInt(_ *Session, args []Value, _ any) (Value, error) {
	if len(args) != 1 {
		return Value{}, ArityErrorf("cast-int: expected 1 argument, got %d", len(args))
	}
	v := args[0]
	switch v.Kind {
	case Int:
		return v, nil
	case Time:
		return IntValue(v.n), nil
	case Bool:
		if v.b {
			return IntValue(1), nil
		}
		return IntValue(0), nil
	case String:
		return IntValue(parseUnsignedPrefix(v.s)), nil
	}
	return Value{}, TypeErrorf("cast-int: unsupported argument type %s", v.Kind)
}

// parseUnsignedPrefix reads the decimal digits following leading
// whitespace. Anything unparsable, including overflow, yields 0.
func parseUnsignedPrefix(s string) int64 {
	s = strings.TrimLeft(s, " \t\n\r\f\v")
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func builtinCastString(_ *Session, args []Value, _ any) (Value, error) {
	if len(args) != 1 {
		return Value{}, ArityErrorf("cast-string: expected 1 argument, got %d", len(args))
	}
	v := args[0]
	switch v.Kind {
	case String:
		return v, nil
	case Int, Time:
		return StringValue(strconv.FormatInt(v.n, 10)), nil
	case Bool:
		if v.b {
			return StringValue("1"), nil
		}
		return StringValue("0"), nil
	}
	return Value{}, TypeErrorf("cast-string: unsupported argument type %s", v.Kind)
}

func builtinIf(s *Session, args []*Term, _ any) (Value, error) {
	if len(args) != 2 && len(args) != 3 {
		return Value{}, ArityErrorf("if: expected 2 or 3 arguments, got %d", len(args))
	}
	cond, err := s.Eval(args[0])
	if err != nil {
		return Value{}, err
	}
	if cond.IsTrue() {
		return s.Eval(args[1])
	}
	if len(args) == 3 {
		return s.Eval(args[2])
	}
	return Value{}, nil
}

func builtinBegin(s *Session, args []*Term, _ any) (Value, error) {
	var last Value
	for _, a := range args {
		v, err := s.Eval(a)
		if err != nil {
			return Value{}, err
		}
		last = v
	}
	return last, nil
}
