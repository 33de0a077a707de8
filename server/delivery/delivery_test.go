package delivery

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/filter"
	"github.com/migadu/sift/rules"
	"github.com/migadu/sift/store"
)

func rawMessage(subject string) []byte {
	return []byte(fmt.Sprintf("From: shop@example.com\r\n"+
		"To: bob@example.org\r\n"+
		"Subject: %s\r\n"+
		"Date: Tue, 02 Jan 2024 10:00:00 +0000\r\n"+
		"\r\n"+
		"body of %s\r\n", subject, subject))
}

func newTestDeliverer(t *testing.T, cfg config.FilterConfig, rs ...rules.Rule) *Deliverer {
	t.Helper()
	st, err := store.Open(context.Background(), config.StoreConfig{Path: filepath.Join(t.TempDir(), "sift.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	d := filter.NewDriver(&rules.RuleSet{Rules: rs}, cfg)
	t.Cleanup(d.Close)

	dl, err := New(st, d, cfg)
	require.NoError(t, err)
	return dl
}

var salesRule = rules.Rule{
	Name:  "sales",
	Parts: []rules.Part{{Field: "subject", Op: "contains", Values: []string{"sale"}}},
	Actions: []rules.Action{
		{Type: "move-to", Args: []string{"Deals"}},
		{Type: "set-flag", Args: []string{"Seen"}},
	},
}

func TestDeliverAppliesOutcome(t *testing.T) {
	dl := newTestDeliverer(t, config.FilterConfig{}, salesRule)
	ctx := context.Background()

	res, err := dl.Deliver(ctx, rawMessage("Big sale"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "Deals", res.Folder)
	assert.Equal(t, []string{"sales"}, res.Outcome.Matched)
	assert.NotEmpty(t, res.RunID)

	stored, err := dl.Store().GetMessage(ctx, res.UID)
	require.NoError(t, err)
	assert.Equal(t, "Deals", stored.Folder)
	assert.True(t, stored.HasFlag("\\Seen"))

	res, err = dl.Deliver(ctx, rawMessage("Hello"), Options{})
	require.NoError(t, err)
	assert.Equal(t, consts.DefaultFolder, res.Folder)
	assert.Empty(t, res.Outcome.Matched)

	runs, err := dl.Store().Runs(ctx, res.UID, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = dl.Deliver(ctx, rawMessage("Hello"), Options{})
	assert.ErrorIs(t, err, consts.ErrMessageExists)
}

func TestDeliverDryRun(t *testing.T) {
	dl := newTestDeliverer(t, config.FilterConfig{}, salesRule)
	ctx := context.Background()

	res, err := dl.Deliver(ctx, rawMessage("Big sale"), Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "Deals", res.Folder)
	assert.Empty(t, res.RunID)

	_, err = dl.Store().GetMessage(ctx, res.UID)
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
}

func TestDeliverSkipsLargeMessages(t *testing.T) {
	dl := newTestDeliverer(t, config.FilterConfig{MaxMessageSize: "10"}, salesRule)

	res, err := dl.Deliver(context.Background(), rawMessage("Big sale"), Options{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, consts.DefaultFolder, res.Folder)
}

func TestDeliverMalformed(t *testing.T) {
	dl := newTestDeliverer(t, config.FilterConfig{})
	_, err := dl.Deliver(context.Background(), []byte("not a header line\r\n"), Options{})
	assert.ErrorIs(t, err, consts.ErrMalformedMessage)
}

func TestRefilterAndSearch(t *testing.T) {
	dl := newTestDeliverer(t, config.FilterConfig{})
	ctx := context.Background()

	for _, subject := range []string{"Summer sale", "Minutes", "Winter sale"} {
		_, err := dl.Deliver(ctx, rawMessage(subject), Options{})
		require.NoError(t, err)
	}

	uids, err := dl.Search(ctx, "INBOX", `(header-contains "Subject" "sale")`)
	require.NoError(t, err)
	assert.Len(t, uids, 2)

	uids, err = dl.Search(ctx, "INBOX", `(match-all (header-contains "Subject" "minutes"))`)
	require.NoError(t, err)
	assert.Len(t, uids, 1)

	d := filter.NewDriver(&rules.RuleSet{Rules: []rules.Rule{salesRule}}, config.FilterConfig{})
	defer d.Close()
	dl.SetDriver(d)

	results, err := dl.Refilter(ctx, "INBOX")
	require.NoError(t, err)
	assert.Len(t, results, 3)

	inbox, err := dl.Store().ListFolder(ctx, "INBOX")
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
	deals, err := dl.Store().ListFolder(ctx, "Deals")
	require.NoError(t, err)
	assert.Len(t, deals, 2)
}

func TestSetDriverKeepsOldDriverOpenWhileInUse(t *testing.T) {
	dl := newTestDeliverer(t, config.FilterConfig{}, salesRule)
	ctx := context.Background()

	old, release := dl.Acquire()

	next := filter.NewDriver(&rules.RuleSet{}, config.FilterConfig{})
	dl.SetDriver(next)
	t.Cleanup(dl.Close)

	// The held driver still runs its rules after the swap.
	msg, err := filter.ParseMessage(rawMessage("Late sale"), "INBOX")
	require.NoError(t, err)
	out, err := old.Filter(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"sales"}, out.Matched)
	assert.Equal(t, []string{"sales"}, old.Rules())

	current, releaseCurrent := dl.Acquire()
	assert.Same(t, next, current)
	releaseCurrent()

	release()
	assert.Empty(t, old.Rules(), "closed after the last user released it")
}
