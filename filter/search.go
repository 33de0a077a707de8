package filter

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/migadu/sift/rules"
	"github.com/migadu/sift/sexp"
)

// Scopes of the filter vocabulary.
const (
	ScopeSearch = 0
	ScopeAction = 1
)

// searchContext is the state the search functions read. With a current
// message, predicates answer for that message. Without one they answer
// for the whole message set with a StringSet of uids.
type searchContext struct {
	current  *Message
	messages []*Message
	now      func() time.Time
	regexes  map[string]*regexp.Regexp
}

func newSearchContext(now func() time.Time) *searchContext {
	if now == nil {
		now = time.Now
	}
	return &searchContext{now: now, regexes: make(map[string]*regexp.Regexp)}
}

func (c *searchContext) regex(fn, pattern string) (*regexp.Regexp, error) {
	if re, ok := c.regexes[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, sexp.Abortf("%s: invalid regex %q: %v", fn, pattern, err)
	}
	c.regexes[pattern] = re
	return re, nil
}

// predicate is a per-message test.
type predicate func(c *searchContext, m *Message, args []sexp.Value) (bool, error)

// wrap turns a predicate into a Func. Outside a message it collects the
// uids of the messages the predicate holds for.
func wrap(name string, minArgs, maxArgs int, p predicate) sexp.Func {
	return func(_ *sexp.Session, args []sexp.Value, data any) (sexp.Value, error) {
		if len(args) < minArgs || (maxArgs >= 0 && len(args) > maxArgs) {
			return sexp.Value{}, sexp.ArityErrorf("%s: wrong number of arguments: %d", name, len(args))
		}
		for i, a := range args {
			if a.Kind != sexp.String {
				return sexp.Value{}, sexp.TypeErrorf("%s: argument %d must be a string, got %s", name, i+1, a.Kind)
			}
		}
		c := data.(*searchContext)
		if c.current != nil {
			ok, err := p(c, c.current, args)
			if err != nil {
				return sexp.Value{}, err
			}
			return sexp.BoolValue(ok), nil
		}
		uids := []string{}
		for _, m := range c.messages {
			ok, err := p(c, m, args)
			if err != nil {
				return sexp.Value{}, err
			}
			if ok {
				uids = append(uids, m.UID)
			}
		}
		return sexp.StringSetValue(uids), nil
	}
}

// registerSearch installs the message inspection functions in scope.
func registerSearch(s *sexp.Session, scope int, c *searchContext) {
	s.AddFunction(scope, "header-contains", wrap("header-contains", 2, -1, headerContains), c)
	s.AddFunction(scope, "header-matches", wrap("header-matches", 2, 2, headerCompare(matchIs)), c)
	s.AddFunction(scope, "header-starts-with", wrap("header-starts-with", 2, 2, headerCompare(matchStartsWith)), c)
	s.AddFunction(scope, "header-ends-with", wrap("header-ends-with", 2, 2, headerCompare(matchEndsWith)), c)
	s.AddFunction(scope, "header-exists", wrap("header-exists", 1, 1, headerExists), c)
	s.AddFunction(scope, "header-regex", wrap("header-regex", 2, -1, headerRegex), c)
	s.AddFunction(scope, "header-source", wrap("header-source", 1, -1, headerSource), c)
	s.AddFunction(scope, "body-contains", wrap("body-contains", 1, -1, bodyContains), c)
	s.AddFunction(scope, "body-regex", wrap("body-regex", 1, -1, bodyRegex), c)
	s.AddFunction(scope, "user-flag", wrap("user-flag", 1, -1, userFlag), c)
	s.AddFunction(scope, "system-flag", wrap("system-flag", 1, 1, systemFlag), c)
	s.AddFunction(scope, "user-tag", userTag, c)
	s.AddFunction(scope, "get-sent-date", getter("get-sent-date", func(m *Message) int64 { return m.SentDate.Unix() }), c)
	s.AddFunction(scope, "get-received-date", getter("get-received-date", func(m *Message) int64 { return m.ReceivedDate.Unix() }), c)
	s.AddFunction(scope, "get-size", getter("get-size", func(m *Message) int64 { return m.Size / 1024 }), c)
	s.AddFunction(scope, "get-score", getter("get-score", func(m *Message) int64 { return m.Score }), c)
	s.AddFunction(scope, "get-current-date", getCurrentDate, c)
	s.AddFunction(scope, "make-time", makeTime, nil)
}

func headerContains(_ *searchContext, m *Message, args []sexp.Value) (bool, error) {
	for _, h := range m.HeaderValues(args[0].Str()) {
		lh := strings.ToLower(h)
		for _, v := range args[1:] {
			if strings.Contains(lh, strings.ToLower(v.Str())) {
				return true, nil
			}
		}
	}
	return false, nil
}

type matchKind int

const (
	matchIs matchKind = iota
	matchStartsWith
	matchEndsWith
)

// headerCompare compares the header, minus leading blanks, against a
// pattern. An all lower case pattern compares case-insensitively.
func headerCompare(kind matchKind) predicate {
	return func(_ *searchContext, m *Message, args []sexp.Value) (bool, error) {
		pattern := args[1].Str()
		fold := !hasUpper(pattern)
		for _, h := range m.HeaderValues(args[0].Str()) {
			h = strings.TrimLeftFunc(h, unicode.IsSpace)
			if fold {
				h = strings.ToLower(h)
			}
			var ok bool
			switch kind {
			case matchIs:
				ok = h == pattern
			case matchStartsWith:
				ok = strings.HasPrefix(h, pattern)
			case matchEndsWith:
				ok = strings.HasSuffix(h, pattern)
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
}

func hasUpper(s string) bool {
	return strings.IndexFunc(s, unicode.IsUpper) >= 0
}

func headerExists(_ *searchContext, m *Message, args []sexp.Value) (bool, error) {
	return m.Header.Has(args[0].Str()), nil
}

func headerRegex(c *searchContext, m *Message, args []sexp.Value) (bool, error) {
	values := m.HeaderValues(args[0].Str())
	for _, a := range args[1:] {
		re, err := c.regex("header-regex", a.Str())
		if err != nil {
			return false, err
		}
		for _, h := range values {
			if re.MatchString(h) {
				return true, nil
			}
		}
	}
	return false, nil
}

func headerSource(_ *searchContext, m *Message, args []sexp.Value) (bool, error) {
	for _, a := range args {
		if m.Source != "" && m.Source == a.Str() {
			return true, nil
		}
	}
	return false, nil
}

func bodyContains(_ *searchContext, m *Message, args []sexp.Value) (bool, error) {
	body := strings.ToLower(m.Body)
	for _, a := range args {
		if strings.Contains(body, strings.ToLower(a.Str())) {
			return true, nil
		}
	}
	return false, nil
}

func bodyRegex(c *searchContext, m *Message, args []sexp.Value) (bool, error) {
	for _, a := range args {
		re, err := c.regex("body-regex", a.Str())
		if err != nil {
			return false, err
		}
		if re.MatchString(m.Body) {
			return true, nil
		}
	}
	return false, nil
}

func userFlag(_ *searchContext, m *Message, args []sexp.Value) (bool, error) {
	for _, a := range args {
		if m.HasUserFlag(a.Str()) {
			return true, nil
		}
	}
	return false, nil
}

func systemFlag(_ *searchContext, m *Message, args []sexp.Value) (bool, error) {
	flag, ok := SystemFlag(args[0].Str())
	if !ok {
		return false, sexp.Abortf("system-flag: unknown flag %q", args[0].Str())
	}
	return m.HasFlag(flag), nil
}

func userTag(_ *sexp.Session, args []sexp.Value, data any) (sexp.Value, error) {
	if len(args) != 1 {
		return sexp.Value{}, sexp.ArityErrorf("user-tag: wrong number of arguments: %d", len(args))
	}
	if args[0].Kind != sexp.String {
		return sexp.Value{}, sexp.TypeErrorf("user-tag: argument must be a string, got %s", args[0].Kind)
	}
	c := data.(*searchContext)
	if c.current == nil {
		return sexp.Value{}, sexp.Abortf("user-tag: no current message")
	}
	return sexp.StringValue(c.current.Tags[args[0].Str()]), nil
}

// getter returns an Int read from the current message. Dates are seconds
// since the epoch so they compare against get-current-date arithmetic.
func getter(name string, read func(*Message) int64) sexp.Func {
	return func(_ *sexp.Session, args []sexp.Value, data any) (sexp.Value, error) {
		if len(args) != 0 {
			return sexp.Value{}, sexp.ArityErrorf("%s: takes no arguments", name)
		}
		c := data.(*searchContext)
		if c.current == nil {
			return sexp.Value{}, sexp.Abortf("%s: no current message", name)
		}
		return sexp.IntValue(read(c.current)), nil
	}
}

func getCurrentDate(_ *sexp.Session, args []sexp.Value, data any) (sexp.Value, error) {
	if len(args) != 0 {
		return sexp.Value{}, sexp.ArityErrorf("get-current-date: takes no arguments")
	}
	return sexp.IntValue(data.(*searchContext).now().Unix()), nil
}

// makeTime accepts seconds, a Time or a date string and returns seconds.
func makeTime(_ *sexp.Session, args []sexp.Value, _ any) (sexp.Value, error) {
	if len(args) != 1 {
		return sexp.Value{}, sexp.ArityErrorf("make-time: wrong number of arguments: %d", len(args))
	}
	switch args[0].Kind {
	case sexp.Int, sexp.Time:
		return sexp.IntValue(args[0].Int()), nil
	case sexp.String:
		t, err := rules.ParseDate(args[0].Str())
		if err != nil {
			return sexp.Value{}, sexp.Abortf("make-time: %v", err)
		}
		return sexp.IntValue(t.Unix()), nil
	}
	return sexp.Value{}, sexp.TypeErrorf("make-time: unsupported argument type %s", args[0].Kind)
}

// matchAll evaluates its argument once per message and returns the uids
// it held for. Without an argument every uid matches.
func matchAll(s *sexp.Session, args []*sexp.Term, data any) (sexp.Value, error) {
	c := data.(*searchContext)
	if len(args) > 1 {
		return sexp.Value{}, sexp.ArityErrorf("match-all: takes at most one argument")
	}
	if c.current != nil {
		return sexp.Value{}, sexp.Abortf("match-all: cannot be nested")
	}
	uids := make([]string, 0, len(c.messages))
	defer func() { c.current = nil }()
	for _, m := range c.messages {
		if len(args) == 0 {
			uids = append(uids, m.UID)
			continue
		}
		c.current = m
		v, err := s.Eval(args[0])
		if err != nil {
			return sexp.Value{}, err
		}
		if v.Kind != sexp.Bool {
			return sexp.Value{}, sexp.Abortf("(match-all) requires a single bool result")
		}
		if v.Bool() {
			uids = append(uids, m.UID)
		}
	}
	return sexp.StringSetValue(uids), nil
}

// containsCall reports whether the tree calls the named function.
func containsCall(t *sexp.Term, name string) bool {
	if t == nil || !t.IsCall() {
		return false
	}
	if t.Symbol().Name == name {
		return true
	}
	for _, a := range t.Args {
		if containsCall(a, name) {
			return true
		}
	}
	return false
}
