package filter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/sift/config"
	"github.com/migadu/sift/pkg/metrics"
	"github.com/migadu/sift/rules"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingForwarder struct {
	sent []string
	err  error
}

func (f *recordingForwarder) Forward(_ context.Context, to string, raw []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to)
	return nil
}

func ruleSet(rs ...rules.Rule) *rules.RuleSet {
	return &rules.RuleSet{Rules: rs}
}

func TestFilterAppliesMatchingRules(t *testing.T) {
	rs := ruleSet(
		rules.Rule{
			Name:  "deals",
			Parts: []rules.Part{{Field: "header", Header: "List-Id", Op: "exists"}},
			Actions: []rules.Action{
				{Type: "move-to", Args: []string{"Deals"}},
				{Type: "set-flag", Args: []string{"Seen"}},
				{Type: "adjust-score", Args: []string{"3"}},
			},
		},
		rules.Rule{
			Name:    "never",
			Parts:   []rules.Part{{Field: "subject", Op: "contains", Values: []string{"invoice"}}},
			Actions: []rules.Action{{Type: "delete"}},
		},
		rules.Rule{
			Name:  "high score",
			Parts: []rules.Part{{Field: "score", Op: "greater-than", Values: []string{"2"}}},
			Actions: []rules.Action{
				{Type: "copy-to", Args: []string{"Important"}},
				{Type: "set-tag", Args: []string{"reviewed", "yes"}},
			},
		},
	)
	d := NewDriver(rs, config.FilterConfig{})
	defer d.Close()

	msg := parse(t, plainMessage, "42")
	out, err := d.Filter(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, "42", out.UID)
	assert.Equal(t, []string{"deals", "high score"}, out.Matched, "later rules see the adjusted score")
	assert.Equal(t, []string{"Important", "Deals"}, out.Folders, "the move target stays last")
	assert.True(t, out.Moved)
	assert.False(t, out.Deleted)
	assert.Equal(t, map[imap.Flag]bool{imap.FlagSeen: true}, out.Flags)
	assert.Equal(t, int64(3), out.Score)
	assert.True(t, out.ScoreSet)
	assert.Equal(t, "yes", out.Tags["reviewed"])
	assert.Empty(t, out.Errors)
	assert.True(t, out.Changed())

	assert.Empty(t, msg.Flags, "the caller's message is not modified")
	assert.Equal(t, int64(0), msg.Score)
}

func TestFilterStop(t *testing.T) {
	rs := ruleSet(
		rules.Rule{Name: "first", Actions: []rules.Action{{Type: "set-label", Args: []string{"one"}}, {Type: "stop"}}},
		rules.Rule{Name: "second", Actions: []rules.Action{{Type: "delete"}}},
	)
	d := NewDriver(rs, config.FilterConfig{})
	defer d.Close()

	out, err := d.Filter(context.Background(), parse(t, plainMessage, "1"))
	require.NoError(t, err)
	assert.True(t, out.Stopped)
	assert.Equal(t, []string{"first"}, out.Matched)
	assert.False(t, out.Deleted)
	assert.Equal(t, "one", out.Tags["label"])
}

func TestFilterRecordsBrokenRules(t *testing.T) {
	rs := ruleSet(
		rules.Rule{Name: "syntax", Expression: `(header-contains "Subject" "x"`, ActionExpression: "(stop)"},
		rules.Rule{Name: "type", Expression: `(< 1 "x")`, ActionExpression: "(stop)"},
		rules.Rule{Name: "bad action", Expression: "#t", ActionExpression: `(begin (set-score 5) (move-to 3))`},
		rules.Rule{Name: "bad part", Parts: []rules.Part{{Field: "nope"}}, Actions: []rules.Action{{Type: "stop"}}},
		rules.Rule{Name: "disabled", Disabled: true, Expression: "#t", ActionExpression: "(delete)"},
		rules.Rule{Name: "ok", Expression: `(not (system-flag "Seen"))`, ActionExpression: `(set-system-flag "Flagged")`},
	)
	d := NewDriver(rs, config.FilterConfig{})
	defer d.Close()
	assert.Equal(t, []string{"syntax", "type", "bad action", "bad part", "ok"}, d.Rules())

	before := testutil.ToFloat64(metrics.ExpressionErrors.WithLabelValues(StageAction, "type"))

	out, err := d.Filter(context.Background(), parse(t, plainMessage, "1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, out.Matched)
	assert.False(t, out.Deleted)
	assert.False(t, out.ScoreSet, "a failing action expression leaves nothing applied")
	assert.Equal(t, map[imap.Flag]bool{imap.FlagFlagged: true}, out.Flags)

	require.Len(t, out.Errors, 4)
	assert.Equal(t, RuleError{Rule: "syntax", Stage: StageParse, Kind: "parse", Error: out.Errors[0].Error}, out.Errors[0])
	assert.Equal(t, StageEvaluate, out.Errors[1].Stage)
	assert.Equal(t, "type", out.Errors[1].Kind)
	assert.Equal(t, StageAction, out.Errors[2].Stage)
	assert.Equal(t, StageBuild, out.Errors[3].Stage)

	after := testutil.ToFloat64(metrics.ExpressionErrors.WithLabelValues(StageAction, "type"))
	assert.Equal(t, before+1, after)

	errs := d.Check()
	require.Len(t, errs, 2)
	assert.Equal(t, "syntax", errs[0].Rule)
	assert.Equal(t, "bad part", errs[1].Rule)
}

func TestFilterSourceRule(t *testing.T) {
	rs := ruleSet(rules.Rule{
		Name:    "work account",
		Source:  "work",
		Parts:   []rules.Part{{Field: "from", Op: "contains", Values: []string{"alice"}}},
		Actions: []rules.Action{{Type: "set-user-flag", Args: []string{"from-alice"}}},
	})
	d := NewDriver(rs, config.FilterConfig{})
	defer d.Close()

	msg := parse(t, plainMessage, "1")
	out, err := d.Filter(context.Background(), msg)
	require.NoError(t, err)
	assert.Empty(t, out.Matched)

	msg.Source = "work"
	out, err = d.Filter(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"work account"}, out.Matched)
	assert.Equal(t, map[string]bool{"from-alice": true}, out.UserFlags)
}

func TestFilterForwards(t *testing.T) {
	rs := ruleSet(rules.Rule{
		Name:    "forward",
		Actions: []rules.Action{{Type: "forward-to", Args: []string{"Ops <ops@example.com>"}}},
	})

	fwd := &recordingForwarder{}
	d := NewDriver(rs, config.FilterConfig{}, WithForwarder(fwd))
	defer d.Close()

	out, err := d.Filter(context.Background(), parse(t, plainMessage, "1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com"}, out.Forwards)
	assert.Equal(t, []string{"ops@example.com"}, fwd.sent)

	fwd.err = errors.New("relay down")
	out, err = d.Filter(context.Background(), parse(t, plainMessage, "1"))
	require.NoError(t, err)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, StageForward, out.Errors[0].Stage)
}

func TestFilterContextCancelled(t *testing.T) {
	rs := ruleSet(rules.Rule{Name: "any", Actions: []rules.Action{{Type: "delete"}}})
	d := NewDriver(rs, config.FilterConfig{EvaluationTimeout: "1m"})
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := d.Filter(ctx, parse(t, plainMessage, "1"))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, out)
	assert.Empty(t, out.Matched)
}

func TestFilterDateRule(t *testing.T) {
	rs := ruleSet(rules.Rule{
		Name:    "stale",
		Parts:   []rules.Part{{Field: "received-date", Op: "older-than", Values: []string{"7d"}}},
		Actions: []rules.Action{{Type: "move-to", Args: []string{"Archive"}}},
	})
	now := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	d := NewDriver(rs, config.FilterConfig{}, WithClock(func() time.Time { return now }))
	defer d.Close()

	out, err := d.Filter(context.Background(), parse(t, plainMessage, "1"))
	require.NoError(t, err)
	assert.Empty(t, out.Matched)

	now = now.AddDate(0, 0, 30)
	out, err = d.Filter(context.Background(), parse(t, plainMessage, "1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Archive"}, out.Folders)
}

func TestOutcomeFolders(t *testing.T) {
	out := newOutcome(&Message{UID: "1"})
	out.addFolder("A")
	out.moveTo("B")
	out.addFolder("C")
	out.addFolder("A")
	assert.Equal(t, []string{"A", "C", "B"}, out.Folders)

	out.moveTo("A")
	assert.Equal(t, []string{"C", "A"}, out.Folders)
	assert.True(t, out.Moved)
}
