package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/filter"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.StoreConfig{
		Path:            filepath.Join(t.TempDir(), "sift.db"),
		MaxRetries:      2,
		InitialInterval: "1ms",
		MaxInterval:     "5ms",
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rawMessage(subject string) []byte {
	return []byte(fmt.Sprintf("From: Alice <alice@example.com>\r\n"+
		"To: bob@example.org\r\n"+
		"Subject: %s\r\n"+
		"Date: Tue, 02 Jan 2024 10:00:00 +0000\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"Hello Bob\r\n", subject))
}

func putMessage(t *testing.T, s *Store, subject, folder string) *filter.Message {
	t.Helper()
	msg, err := filter.ParseMessage(rawMessage(subject), folder)
	require.NoError(t, err)
	require.NoError(t, s.PutMessage(context.Background(), msg))
	return msg
}

func TestPutAndGetMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg, err := filter.ParseMessage(rawMessage("hello"), "")
	require.NoError(t, err)
	msg.Flags = []imap.Flag{imap.FlagSeen}
	msg.UserFlags = []string{"work"}
	msg.Tags = map[string]string{"color": "red"}
	msg.Score = 7
	msg.Source = "personal"
	require.NoError(t, s.PutMessage(ctx, msg))

	got, err := s.GetMessage(ctx, msg.UID)
	require.NoError(t, err)
	assert.Equal(t, consts.DefaultFolder, got.Folder)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, got.Flags)
	assert.Equal(t, []string{"work"}, got.UserFlags)
	assert.Equal(t, map[string]string{"color": "red"}, got.Tags)
	assert.Equal(t, int64(7), got.Score)
	assert.Equal(t, "personal", got.Source)
	assert.Equal(t, msg.Raw, got.Raw)
	assert.Equal(t, msg.SentDate.Unix(), got.SentDate.Unix())

	err = s.PutMessage(ctx, msg)
	assert.ErrorIs(t, err, consts.ErrMessageExists)

	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
}

func TestPutMessageAfterMove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := putMessage(t, s, "moved away", "INBOX")

	_, err := s.Apply(ctx, msg.UID, &filter.Outcome{Folders: []string{"Archive"}, Moved: true})
	require.NoError(t, err)

	again, err := filter.ParseMessage(rawMessage("moved away"), "INBOX")
	require.NoError(t, err)
	require.Equal(t, msg.UID, again.UID)
	err = s.PutMessage(ctx, again)
	assert.ErrorIs(t, err, consts.ErrMessageExists)

	inbox, err := s.ListFolder(ctx, "INBOX")
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestListFolder(t *testing.T) {
	s := newTestStore(t)
	putMessage(t, s, "one", "INBOX")
	putMessage(t, s, "two", "INBOX")
	putMessage(t, s, "three", "Archive")

	msgs, err := s.ListFolder(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	folders, err := s.Folders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"INBOX": 2, "Archive": 1}, folders)
}

func TestApplyOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := putMessage(t, s, "deal", "INBOX")

	out := &filter.Outcome{
		UID:       msg.UID,
		Folders:   []string{"Important", "Deals"},
		Moved:     true,
		Flags:     map[imap.Flag]bool{imap.FlagSeen: true},
		UserFlags: map[string]bool{"promo": true},
		Tags:      map[string]string{"label": "shopping"},
		Score:     4,
		ScoreSet:  true,
	}
	copies, err := s.Apply(ctx, msg.UID, out)
	require.NoError(t, err)
	require.Len(t, copies, 1)

	moved, err := s.GetMessage(ctx, msg.UID)
	require.NoError(t, err)
	assert.Equal(t, "Deals", moved.Folder)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, moved.Flags)
	assert.Equal(t, []string{"promo"}, moved.UserFlags)
	assert.Equal(t, int64(4), moved.Score)
	assert.Equal(t, "shopping", moved.Tags["label"])

	copied, err := s.GetMessage(ctx, copies[0])
	require.NoError(t, err)
	assert.Equal(t, "Important", copied.Folder)
	assert.Equal(t, "shopping", copied.Tags["label"])

	inbox, err := s.ListFolder(ctx, "INBOX")
	require.NoError(t, err)
	assert.Empty(t, inbox)

	// Clearing a flag and a tag.
	_, err = s.Apply(ctx, msg.UID, &filter.Outcome{
		Flags: map[imap.Flag]bool{imap.FlagSeen: false},
		Tags:  map[string]string{"label": ""},
	})
	require.NoError(t, err)
	moved, err = s.GetMessage(ctx, msg.UID)
	require.NoError(t, err)
	assert.Empty(t, moved.Flags)
	assert.NotContains(t, moved.Tags, "label")

	_, err = s.Apply(ctx, "missing", &filter.Outcome{})
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
}

func TestApplyDeleteAndExpunge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := putMessage(t, s, "spam", "INBOX")
	putMessage(t, s, "ham", "INBOX")

	_, err := s.Apply(ctx, msg.UID, &filter.Outcome{Deleted: true})
	require.NoError(t, err)

	msgs, err := s.ListFolder(ctx, "INBOX")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	n, err := s.Expunge(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetMessage(ctx, msg.UID)
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
}

func TestRecordRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	first := &filter.Outcome{UID: "m1", Matched: []string{"a"}}
	second := &filter.Outcome{UID: "m1", Matched: []string{"a", "b"}, Deleted: true,
		Errors: []filter.RuleError{{Rule: "c", Stage: filter.StageParse, Kind: "parse", Error: "boom"}}}

	_, err := s.RecordRun(ctx, base, first)
	require.NoError(t, err)
	id, err := s.RecordRun(ctx, base.Add(time.Minute), second)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	runs, err := s.Runs(ctx, "m1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, []string{"a", "b"}, runs[0].Matched)
	assert.Equal(t, 1, runs[0].Errors)
	assert.True(t, runs[0].Outcome.Deleted)
	assert.Equal(t, base.Add(time.Minute), runs[0].StartedAt)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRuns)
}

func TestClosedStore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.GetMessage(context.Background(), "x")
	assert.ErrorIs(t, err, consts.ErrStoreClosed)
}

func TestIsTransientSQLiteErr(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("database table is locked"), true},
		{errors.New("disk I/O error (522)"), true},
		{errors.New("UNIQUE constraint failed"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isTransientSQLiteErr(tt.err), "%v", tt.err)
	}
}

func TestMigratorVersion(t *testing.T) {
	s := newTestStore(t)
	m, err := NewMigrator(s.DB())
	require.NoError(t, err)
	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}
