package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/sift/helpers"
	"github.com/migadu/sift/sexp"
)

// SystemFlags are the flag names accepted by system-flag parts and the
// set-flag/unset-flag actions.
var SystemFlags = []string{"Seen", "Answered", "Flagged", "Deleted", "Draft", "Junk", "Important"}

var headerFields = map[string]string{
	"subject": "Subject",
	"from":    "From",
	"to":      "To",
	"cc":      "Cc",
}

// BuildCode returns the predicate expression for the rule. Body parts are
// placed after every other part so cheap header tests run first.
func (r *Rule) BuildCode() (string, error) {
	if r.Expression != "" {
		return r.Expression, nil
	}

	var head, body []string
	for i := range r.Parts {
		code, err := r.Parts[i].code()
		if err != nil {
			return "", fmt.Errorf("rule %q: part %d: %w", r.Name, i+1, err)
		}
		if r.Parts[i].Field == "body" {
			body = append(body, code)
		} else {
			head = append(head, code)
		}
	}
	parts := append(head, body...)

	var sb strings.Builder
	switch len(parts) {
	case 0:
	case 1:
		sb.WriteString(parts[0])
	default:
		if r.Grouping == GroupAny {
			sb.WriteString("(or")
		} else {
			sb.WriteString("(and")
		}
		for _, p := range parts {
			sb.WriteString("\n  ")
			sb.WriteString(p)
		}
		sb.WriteByte(')')
	}

	if r.Source != "" {
		var src strings.Builder
		src.WriteString("(header-source")
		sexp.AppendString(&src, r.Source)
		src.WriteByte(')')
		if sb.Len() == 0 {
			return src.String(), nil
		}
		return "(and " + src.String() + "\n" + sb.String() + ")", nil
	}
	if sb.Len() == 0 {
		return "#t", nil
	}
	return sb.String(), nil
}

// BuildAction returns the action expression for the rule.
func (r *Rule) BuildAction() (string, error) {
	if r.ActionExpression != "" {
		return r.ActionExpression, nil
	}
	var sb strings.Builder
	sb.WriteString("(begin")
	for i := range r.Actions {
		code, err := r.Actions[i].code()
		if err != nil {
			return "", fmt.Errorf("rule %q: action %d: %w", r.Name, i+1, err)
		}
		sb.WriteString("\n  ")
		sb.WriteString(code)
	}
	sb.WriteByte(')')
	return sb.String(), nil
}

// call renders (name "a1" "a2" ...).
func call(name string, args ...string) string {
	var sb strings.Builder
	sb.WriteByte('(')
	sb.WriteString(name)
	for _, a := range args {
		sexp.AppendString(&sb, a)
	}
	sb.WriteByte(')')
	return sb.String()
}

func not(code string) string {
	return "(not " + code + ")"
}

// eachValue applies a single-value header test to every value and ors them.
func eachValue(fn, header string, values []string) string {
	if len(values) == 1 {
		return call(fn, header, values[0])
	}
	var sb strings.Builder
	sb.WriteString("(or")
	for _, v := range values {
		sb.WriteByte(' ')
		sb.WriteString(call(fn, header, v))
	}
	sb.WriteByte(')')
	return sb.String()
}

func (p *Part) needValues(n int) error {
	if len(p.Values) < n {
		return fmt.Errorf("%s %s needs a value", p.Field, p.Op)
	}
	return nil
}

func (p *Part) code() (string, error) {
	switch p.Field {
	case "subject", "from", "to", "cc", "header":
		return p.headerCode()
	case "body":
		return p.bodyCode()
	case "sent-date", "received-date":
		return p.dateCode()
	case "size":
		return p.numberCode("(get-size)", true)
	case "score":
		return p.numberCode("(get-score)", false)
	case "system-flag":
		if err := p.needValues(1); err != nil {
			return "", err
		}
		flag, ok := canonicalFlag(p.Values[0])
		if !ok {
			return "", fmt.Errorf("unknown system flag %q", p.Values[0])
		}
		return flagCode(p.Op, call("system-flag", flag))
	case "user-flag":
		if err := p.needValues(1); err != nil {
			return "", err
		}
		return flagCode(p.Op, call("user-flag", p.Values...))
	case "user-tag":
		if p.Header == "" {
			return "", fmt.Errorf("user-tag needs a tag name")
		}
		tag := call("user-tag", p.Header)
		switch p.Op {
		case "exists":
			return not("(=" + " " + tag + ` "")`), nil
		case "not-exists":
			return "(= " + tag + ` "")`, nil
		case "is", "is-not":
			if err := p.needValues(1); err != nil {
				return "", err
			}
			code := "(=" + " " + tag + sexp.EncodeString(p.Values[0]) + ")"
			if p.Op == "is-not" {
				code = not(code)
			}
			return code, nil
		}
	case "source":
		if p.Op != "is" {
			break
		}
		if err := p.needValues(1); err != nil {
			return "", err
		}
		return call("header-source", p.Values[0]), nil
	default:
		return "", fmt.Errorf("unknown field %q", p.Field)
	}
	return "", fmt.Errorf("unsupported operation %q for field %q", p.Op, p.Field)
}

func (p *Part) headerCode() (string, error) {
	header := headerFields[p.Field]
	if p.Field == "header" {
		header = strings.TrimSpace(p.Header)
		if header == "" {
			return "", fmt.Errorf("header part needs a header name")
		}
	}
	switch p.Op {
	case "exists":
		return call("header-exists", header), nil
	case "not-exists":
		return not(call("header-exists", header)), nil
	}
	if err := p.needValues(1); err != nil {
		return "", err
	}
	switch p.Op {
	case "contains":
		return call("header-contains", append([]string{header}, p.Values...)...), nil
	case "not-contains":
		return not(call("header-contains", append([]string{header}, p.Values...)...)), nil
	case "is":
		return eachValue("header-matches", header, p.Values), nil
	case "is-not":
		return not(eachValue("header-matches", header, p.Values)), nil
	case "starts-with":
		return eachValue("header-starts-with", header, p.Values), nil
	case "ends-with":
		return eachValue("header-ends-with", header, p.Values), nil
	case "regex":
		if err := checkPatterns(p.Values); err != nil {
			return "", err
		}
		return call("header-regex", append([]string{header}, p.Values...)...), nil
	}
	return "", fmt.Errorf("unsupported operation %q for field %q", p.Op, p.Field)
}

func (p *Part) bodyCode() (string, error) {
	if err := p.needValues(1); err != nil {
		return "", err
	}
	switch p.Op {
	case "contains":
		return call("body-contains", p.Values...), nil
	case "not-contains":
		return not(call("body-contains", p.Values...)), nil
	case "regex":
		if err := checkPatterns(p.Values); err != nil {
			return "", err
		}
		return call("body-regex", p.Values...), nil
	}
	return "", fmt.Errorf("unsupported operation %q for field %q", p.Op, p.Field)
}

func (p *Part) dateCode() (string, error) {
	if err := p.needValues(1); err != nil {
		return "", err
	}
	getter := "(get-sent-date)"
	if p.Field == "received-date" {
		getter = "(get-received-date)"
	}
	v := strings.TrimSpace(p.Values[0])
	switch p.Op {
	case "before", "after":
		if _, err := ParseDate(v); err != nil {
			return "", err
		}
		cmp := "<"
		if p.Op == "after" {
			cmp = ">"
		}
		return "(" + cmp + " " + getter + " " + call("make-time", v) + ")", nil
	case "older-than", "newer-than":
		d, err := helpers.ParseDuration(v)
		if err != nil {
			return "", err
		}
		cmp := "<"
		if p.Op == "newer-than" {
			cmp = ">"
		}
		secs := strconv.FormatInt(int64(d/time.Second), 10)
		return "(" + cmp + " " + getter + " (- (get-current-date) " + secs + "))", nil
	}
	return "", fmt.Errorf("unsupported operation %q for field %q", p.Op, p.Field)
}

// numberCode compares getter against an integer value. Sizes accept unit
// suffixes and compare in KiB.
func (p *Part) numberCode(getter string, size bool) (string, error) {
	if err := p.needValues(1); err != nil {
		return "", err
	}
	var n int64
	var err error
	if size {
		n, err = helpers.ParseSize(p.Values[0])
		if err == nil && !hasUnit(p.Values[0]) {
			n <<= 10
		}
		n >>= 10
	} else {
		n, err = strconv.ParseInt(strings.TrimSpace(p.Values[0]), 10, 64)
	}
	if err != nil {
		return "", fmt.Errorf("invalid number %q", p.Values[0])
	}
	num := strconv.FormatInt(n, 10)
	switch p.Op {
	case "greater-than":
		return "(> " + getter + " " + num + ")", nil
	case "less-than":
		return "(< " + getter + " " + num + ")", nil
	case "is":
		if !size {
			return "(= " + getter + " " + num + ")", nil
		}
	}
	return "", fmt.Errorf("unsupported operation %q for field %q", p.Op, p.Field)
}

func hasUnit(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && (s[len(s)-1] < '0' || s[len(s)-1] > '9')
}

func flagCode(op, test string) (string, error) {
	switch op {
	case "is-set":
		return test, nil
	case "is-not-set":
		return not(test), nil
	}
	return "", fmt.Errorf("unsupported operation %q for flags", op)
}

func checkPatterns(patterns []string) error {
	for _, pat := range patterns {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("invalid regex %q: %w", pat, err)
		}
	}
	return nil
}

func canonicalFlag(name string) (string, bool) {
	name = strings.TrimPrefix(strings.TrimSpace(name), `\`)
	for _, f := range SystemFlags {
		if strings.EqualFold(f, name) {
			return f, true
		}
	}
	return "", false
}

// ParseDate accepts RFC 3339 timestamps and YYYY-MM-DD dates (UTC).
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func (a *Action) needArgs(n int) error {
	if len(a.Args) != n {
		return fmt.Errorf("%s takes %d argument(s), got %d", a.Type, n, len(a.Args))
	}
	return nil
}

func (a *Action) code() (string, error) {
	switch a.Type {
	case "delete", "stop":
		if err := a.needArgs(0); err != nil {
			return "", err
		}
		return "(" + a.Type + ")", nil
	case "move-to", "copy-to":
		if err := a.needArgs(1); err != nil {
			return "", err
		}
		if strings.TrimSpace(a.Args[0]) == "" {
			return "", fmt.Errorf("%s needs a folder", a.Type)
		}
		return call(a.Type, a.Args[0]), nil
	case "set-flag", "unset-flag":
		if err := a.needArgs(1); err != nil {
			return "", err
		}
		flag, ok := canonicalFlag(a.Args[0])
		if !ok {
			return "", fmt.Errorf("unknown system flag %q", a.Args[0])
		}
		return call(strings.Replace(a.Type, "flag", "system-flag", 1), flag), nil
	case "set-user-flag", "unset-user-flag", "set-color", "set-label":
		if err := a.needArgs(1); err != nil {
			return "", err
		}
		return call(a.Type, a.Args[0]), nil
	case "set-tag":
		if err := a.needArgs(2); err != nil {
			return "", err
		}
		return call(a.Type, a.Args[0], a.Args[1]), nil
	case "set-score", "adjust-score":
		if err := a.needArgs(1); err != nil {
			return "", err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(a.Args[0]), 10, 64)
		if err != nil {
			return "", fmt.Errorf("%s needs an integer, got %q", a.Type, a.Args[0])
		}
		return "(" + a.Type + " " + strconv.FormatInt(n, 10) + ")", nil
	case "forward-to":
		if err := a.needArgs(1); err != nil {
			return "", err
		}
		addr, err := helpers.NormalizeAddress(a.Args[0])
		if err != nil {
			return "", err
		}
		return call(a.Type, addr), nil
	}
	return "", fmt.Errorf("unknown action %q", a.Type)
}
