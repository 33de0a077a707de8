package rules

import (
	"testing"

	"github.com/migadu/sift/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartCode(t *testing.T) {
	tests := []struct {
		name string
		part Part
		want string
	}{
		{"subject contains", Part{Field: "subject", Op: "contains", Values: []string{"sale", "offer"}}, `(header-contains "Subject" "sale" "offer")`},
		{"from not contains", Part{Field: "from", Op: "not-contains", Values: []string{"boss"}}, `(not (header-contains "From" "boss"))`},
		{"to is", Part{Field: "to", Op: "is", Values: []string{"me@example.com"}}, `(header-matches "To" "me@example.com")`},
		{"cc is many", Part{Field: "cc", Op: "is", Values: []string{"a", "b"}}, `(or (header-matches "Cc" "a") (header-matches "Cc" "b"))`},
		{"header starts", Part{Field: "header", Header: "X-Spam", Op: "starts-with", Values: []string{"yes"}}, `(header-starts-with "X-Spam" "yes")`},
		{"header exists", Part{Field: "header", Header: "List-Id", Op: "exists"}, `(header-exists "List-Id")`},
		{"header missing", Part{Field: "header", Header: "List-Id", Op: "not-exists"}, `(not (header-exists "List-Id"))`},
		{"subject regex", Part{Field: "subject", Op: "regex", Values: []string{`^\[list\]`}}, `(header-regex "Subject" "^\\[list\\]")`},
		{"escaped quote", Part{Field: "subject", Op: "contains", Values: []string{`say "hi"`}}, `(header-contains "Subject" "say \"hi\"")`},
		{"body contains", Part{Field: "body", Op: "contains", Values: []string{"unsubscribe"}}, `(body-contains "unsubscribe")`},
		{"sent before", Part{Field: "sent-date", Op: "before", Values: []string{"2024-01-01"}}, `(< (get-sent-date) (make-time "2024-01-01"))`},
		{"received newer", Part{Field: "received-date", Op: "newer-than", Values: []string{"1d"}}, `(> (get-received-date) (- (get-current-date) 86400))`},
		{"size kib", Part{Field: "size", Op: "greater-than", Values: []string{"100"}}, `(> (get-size) 100)`},
		{"size unit", Part{Field: "size", Op: "less-than", Values: []string{"2mb"}}, `(< (get-size) 2048)`},
		{"score is", Part{Field: "score", Op: "is", Values: []string{"-3"}}, `(= (get-score) -3)`},
		{"system flag", Part{Field: "system-flag", Op: "is-not-set", Values: []string{"seen"}}, `(not (system-flag "Seen"))`},
		{"user flag", Part{Field: "user-flag", Op: "is-set", Values: []string{"work", "todo"}}, `(user-flag "work" "todo")`},
		{"user tag is", Part{Field: "user-tag", Header: "label", Op: "is", Values: []string{"red"}}, `(= (user-tag "label") "red")`},
		{"user tag exists", Part{Field: "user-tag", Header: "label", Op: "exists"}, `(not (= (user-tag "label") ""))`},
		{"source", Part{Field: "source", Op: "is", Values: []string{"acct-1"}}, `(header-source "acct-1")`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.part.code()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPartCodeErrors(t *testing.T) {
	tests := []struct {
		name string
		part Part
	}{
		{"unknown field", Part{Field: "color", Op: "is", Values: []string{"x"}}},
		{"unknown op", Part{Field: "subject", Op: "sounds-like", Values: []string{"x"}}},
		{"missing value", Part{Field: "subject", Op: "contains"}},
		{"missing header name", Part{Field: "header", Op: "exists"}},
		{"bad regex", Part{Field: "body", Op: "regex", Values: []string{"("}}},
		{"bad date", Part{Field: "sent-date", Op: "before", Values: []string{"yesterday"}}},
		{"bad duration", Part{Field: "sent-date", Op: "older-than", Values: []string{"soon"}}},
		{"bad flag", Part{Field: "system-flag", Op: "is-set", Values: []string{"Shiny"}}},
		{"size is", Part{Field: "size", Op: "is", Values: []string{"10"}}},
		{"bad score", Part{Field: "score", Op: "is", Values: []string{"ten"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.part.code()
			assert.Error(t, err)
		})
	}
}

func TestBuildCode(t *testing.T) {
	subject := Part{Field: "subject", Op: "contains", Values: []string{"sale"}}
	body := Part{Field: "body", Op: "contains", Values: []string{"coupon"}}
	flag := Part{Field: "system-flag", Op: "is-not-set", Values: []string{"Seen"}}

	t.Run("single part", func(t *testing.T) {
		r := Rule{Name: "r", Parts: []Part{subject}}
		code, err := r.BuildCode()
		require.NoError(t, err)
		assert.Equal(t, `(header-contains "Subject" "sale")`, code)
	})

	t.Run("body parts last", func(t *testing.T) {
		r := Rule{Name: "r", Parts: []Part{body, subject, flag}}
		code, err := r.BuildCode()
		require.NoError(t, err)
		assert.Equal(t, "(and\n  (header-contains \"Subject\" \"sale\")\n  (not (system-flag \"Seen\"))\n  (body-contains \"coupon\"))", code)
	})

	t.Run("any grouping", func(t *testing.T) {
		r := Rule{Name: "r", Grouping: GroupAny, Parts: []Part{subject, flag}}
		code, err := r.BuildCode()
		require.NoError(t, err)
		assert.Equal(t, "(or\n  (header-contains \"Subject\" \"sale\")\n  (not (system-flag \"Seen\")))", code)
	})

	t.Run("source wraps", func(t *testing.T) {
		r := Rule{Name: "r", Source: "acct", Parts: []Part{subject}}
		code, err := r.BuildCode()
		require.NoError(t, err)
		assert.Equal(t, "(and (header-source \"acct\")\n(header-contains \"Subject\" \"sale\"))", code)
	})

	t.Run("source only", func(t *testing.T) {
		r := Rule{Name: "r", Source: "acct"}
		code, err := r.BuildCode()
		require.NoError(t, err)
		assert.Equal(t, `(header-source "acct")`, code)
	})

	t.Run("no parts matches everything", func(t *testing.T) {
		r := Rule{Name: "r"}
		code, err := r.BuildCode()
		require.NoError(t, err)
		assert.Equal(t, "#t", code)
	})

	t.Run("raw expression wins", func(t *testing.T) {
		r := Rule{Name: "r", Expression: "(> (get-score) 2)", Parts: []Part{subject}}
		code, err := r.BuildCode()
		require.NoError(t, err)
		assert.Equal(t, "(> (get-score) 2)", code)
	})
}

func TestBuildAction(t *testing.T) {
	r := Rule{Name: "r", Actions: []Action{
		{Type: "move-to", Args: []string{"Archive/2024"}},
		{Type: "set-flag", Args: []string{"seen"}},
		{Type: "adjust-score", Args: []string{"-5"}},
		{Type: "set-tag", Args: []string{"label", "work"}},
		{Type: "forward-to", Args: []string{"Ops <OPS@example.com>"}},
		{Type: "stop"},
	}}
	code, err := r.BuildAction()
	require.NoError(t, err)
	assert.Equal(t, "(begin\n"+
		"  (move-to \"Archive/2024\")\n"+
		"  (set-system-flag \"Seen\")\n"+
		"  (adjust-score -5)\n"+
		"  (set-tag \"label\" \"work\")\n"+
		"  (forward-to \"ops@example.com\")\n"+
		"  (stop))", code)

	empty := Rule{Name: "e"}
	code, err = empty.BuildAction()
	require.NoError(t, err)
	assert.Equal(t, "(begin)", code)
}

func TestActionCodeErrors(t *testing.T) {
	for _, a := range []Action{
		{Type: "explode"},
		{Type: "move-to"},
		{Type: "move-to", Args: []string{" "}},
		{Type: "delete", Args: []string{"now"}},
		{Type: "set-flag", Args: []string{"Bogus"}},
		{Type: "set-score", Args: []string{"high"}},
		{Type: "forward-to", Args: []string{"not an address"}},
		{Type: "set-tag", Args: []string{"only-name"}},
	} {
		t.Run(a.Type, func(t *testing.T) {
			_, err := a.code()
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := Rule{Name: "ok", Parts: []Part{{Field: "subject", Op: "contains", Values: []string{"x"}}}, Actions: []Action{{Type: "delete"}}}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		rule Rule
	}{
		{"no name", Rule{Actions: []Action{{Type: "delete"}}}},
		{"bad grouping", Rule{Name: "g", Grouping: "some", Actions: []Action{{Type: "delete"}}}},
		{"no actions", Rule{Name: "n"}},
		{"bad part", Rule{Name: "p", Parts: []Part{{Field: "nope"}}, Actions: []Action{{Type: "delete"}}}},
		{"sieve with parts", Rule{Name: "s", Sieve: "keep;", Parts: []Part{{Field: "subject", Op: "exists"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, consts.ErrRuleInvalid)
		})
	}

	sieve := Rule{Name: "s", Sieve: `fileinto "Junk";`}
	assert.NoError(t, sieve.Validate())

	raw := Rule{Name: "raw", Expression: "(anything)", ActionExpression: "(stop)"}
	assert.NoError(t, raw.Validate())
}

func TestRuleSetValidateAndFind(t *testing.T) {
	rs := RuleSet{Rules: []Rule{
		{Name: "One", Actions: []Action{{Type: "stop"}}},
		{Name: "one", Actions: []Action{{Type: "stop"}}},
	}}
	assert.ErrorIs(t, rs.Validate(), consts.ErrRuleInvalid)

	rs.Rules[1].Name = "two"
	rs.Rules[1].Disabled = true
	require.NoError(t, rs.Validate())

	r, err := rs.Find("ONE")
	require.NoError(t, err)
	assert.Equal(t, "One", r.Name)

	_, err = rs.Find("three")
	assert.ErrorIs(t, err, consts.ErrRuleNotFound)

	enabled := rs.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "One", enabled[0].Name)
}
