package sexp

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// ValueKind is the type tag of a Value.
type ValueKind int

const (
	Undefined ValueKind = iota
	Bool
	Int
	Time
	String
	StringSet
)

func (k ValueKind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Time:
		return "time"
	case String:
		return "string"
	case StringSet:
		return "string-set"
	default:
		return "undefined"
	}
}

// Value is the result of evaluating a term. The zero Value is Undefined.
type Value struct {
	Kind ValueKind

	b   bool
	n   int64
	s   string
	set []string
}

func UndefinedValue() Value { return Value{} }

func BoolValue(b bool) Value { return Value{Kind: Bool, b: b} }

func IntValue(n int64) Value { return Value{Kind: Int, n: n} }

// TimeValue holds seconds since the epoch.
func TimeValue(sec int64) Value { return Value{Kind: Time, n: sec} }

func StringValue(s string) Value { return Value{Kind: String, s: s} }

// StringSetValue wraps members; the slice is owned by the Value afterwards.
func StringSetValue(members []string) Value {
	if members == nil {
		members = []string{}
	}
	return Value{Kind: StringSet, set: members}
}

func (v Value) IsUndefined() bool { return v.Kind == Undefined }

// Bool returns the boolean payload, false for any other kind.
func (v Value) Bool() bool { return v.Kind == Bool && v.b }

// Int returns the integer or time payload.
func (v Value) Int() int64 { return v.n }

// Time returns the payload of a Time value as a time.Time in UTC.
func (v Value) Time() time.Time { return time.Unix(v.n, 0).UTC() }

// Str returns the string payload.
func (v Value) Str() string { return v.s }

// Set returns the members of a StringSet. Order is not significant.
func (v Value) Set() []string { return v.set }

// IsTrue reports whether v is Bool(true).
func (v Value) IsTrue() bool { return v.Kind == Bool && v.b }

// Clone returns a copy that shares no memory with v.
func (v Value) Clone() Value {
	if v.Kind == StringSet {
		members := make([]string, len(v.set))
		copy(members, v.set)
		v.set = members
	}
	return v
}

// Equal compares kinds and payloads; string sets compare as multisets.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case Undefined:
		return true
	case Bool:
		return v.b == o.b
	case Int, Time:
		return v.n == o.n
	case String:
		return v.s == o.s
	case StringSet:
		if len(v.set) != len(o.set) {
			return false
		}
		counts := make(map[string]int, len(v.set))
		for _, m := range v.set {
			counts[m]++
		}
		for _, m := range o.set {
			counts[m]--
			if counts[m] < 0 {
				return false
			}
		}
		return true
	}
	return false
}

// String renders v in expression syntax where one exists.
func (v Value) String() string {
	switch v.Kind {
	case Bool:
		if v.b {
			return "#t"
		}
		return "#f"
	case Int:
		return strconv.FormatInt(v.n, 10)
	case Time:
		return v.Time().Format(time.RFC3339)
	case String:
		return strconv.Quote(v.s)
	case StringSet:
		members := make([]string, len(v.set))
		for i, m := range v.set {
			members[i] = strconv.Quote(m)
		}
		sort.Strings(members)
		return "{" + strings.Join(members, " ") + "}"
	default:
		return "<undefined>"
	}
}
