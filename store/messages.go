package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/filter"
	"github.com/migadu/sift/helpers"
	"github.com/migadu/sift/logger"
)

const messageColumns = `uid, folder, raw, received_date, flags, user_flags, score, source`

// PutMessage stores msg. A message whose uid is taken, or whose content is
// already in the same folder, is rejected with consts.ErrMessageExists.
// Uids default to the content hash, so a message moved to another folder
// still counts as stored.
func (s *Store) PutMessage(ctx context.Context, msg *filter.Message) error {
	if msg.UID == "" {
		msg.UID = uuid.NewString()
	}
	if msg.Folder == "" {
		msg.Folder = consts.DefaultFolder
	}
	hash := helpers.HashContent(msg.Raw)
	subject, _ := (&mail.Header{Header: msg.Header}).Subject()
	flags, userFlags, err := encodeFlags(msg.Flags, msg.UserFlags)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	err = s.run(ctx, "put", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var exists int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM messages WHERE uid = ? OR (folder = ? AND content_hash = ?)`,
				msg.UID, msg.Folder, hash).Scan(&exists)
			if err != nil {
				return err
			}
			if exists > 0 {
				return consts.ErrMessageExists
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO messages (uid, folder, content_hash, raw, size, subject, sent_date, received_date,
				 flags, user_flags, score, source, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				msg.UID, msg.Folder, hash, msg.Raw, len(msg.Raw), helpers.SanitizeUTF8(subject),
				msg.SentDate.Unix(), msg.ReceivedDate.Unix(), flags, userFlags, msg.Score, msg.Source, now, now)
			if err != nil {
				return err
			}
			return writeTags(ctx, tx, msg.UID, msg.Tags)
		})
	})
	if err != nil {
		if errors.Is(err, consts.ErrMessageExists) {
			return consts.ErrMessageExists
		}
		return fmt.Errorf("failed to store message: %w", err)
	}
	logger.Debug("Store: message stored", "uid", msg.UID, "folder", msg.Folder, "size", len(msg.Raw))
	return nil
}

// GetMessage loads one message, deleted or not.
func (s *Store) GetMessage(ctx context.Context, uid string) (*filter.Message, error) {
	var msg *filter.Message
	err := s.run(ctx, "get", func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE uid = ?`, uid)
		m, err := scanMessage(row)
		if err != nil {
			return err
		}
		if m.Tags, err = s.readTags(ctx, uid); err != nil {
			return err
		}
		msg = m
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", consts.ErrMessageNotFound, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", uid, err)
	}
	return msg, nil
}

// ListFolder returns the live messages of folder, oldest first.
func (s *Store) ListFolder(ctx context.Context, folder string) ([]*filter.Message, error) {
	var msgs []*filter.Message
	err := s.run(ctx, "list", func() error {
		msgs = msgs[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE folder = ? AND deleted = 0 ORDER BY received_date, uid`, folder)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Tags, err = s.readTags(ctx, m.UID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list folder %s: %w", folder, err)
	}
	return msgs, nil
}

// Folders returns the number of live messages per folder.
func (s *Store) Folders(ctx context.Context) (map[string]int64, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return stats.MessagesPerFolder, nil
}

// Apply makes the stored message match a filter outcome in one
// transaction: state changes, copies into other folders, then the move.
// It returns the uids of the copies.
func (s *Store) Apply(ctx context.Context, uid string, out *filter.Outcome) ([]string, error) {
	var copies []string
	err := s.run(ctx, "apply", func() error {
		copies = copies[:0]
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var folder, flagsJSON, userJSON string
			var score int64
			err := tx.QueryRowContext(ctx,
				`SELECT folder, flags, user_flags, score FROM messages WHERE uid = ?`, uid).Scan(&folder, &flagsJSON, &userJSON, &score)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", consts.ErrMessageNotFound, uid)
			}
			if err != nil {
				return err
			}

			flags, userFlags, err := decodeFlags(flagsJSON, userJSON)
			if err != nil {
				return err
			}
			flags = mergeFlags(flags, out.Flags)
			userFlags = mergeUserFlags(userFlags, out.UserFlags)
			if out.ScoreSet {
				score = out.Score
			}
			if flagsJSON, userJSON, err = encodeFlags(flags, userFlags); err != nil {
				return err
			}

			now := time.Now().Unix()
			_, err = tx.ExecContext(ctx,
				`UPDATE messages SET flags = ?, user_flags = ?, score = ?, deleted = deleted OR ?, updated_at = ? WHERE uid = ?`,
				flagsJSON, userJSON, score, out.Deleted, now, uid)
			if err != nil {
				return err
			}
			if err := writeTags(ctx, tx, uid, out.Tags); err != nil {
				return err
			}

			targets := out.Folders
			var moveTo string
			if out.Moved && len(targets) > 0 {
				moveTo = targets[len(targets)-1]
				targets = targets[:len(targets)-1]
			}
			for _, target := range targets {
				if target == folder {
					continue
				}
				copyUID := uuid.NewString()
				res, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO messages (uid, folder, content_hash, raw, size, subject, sent_date, received_date,
					 flags, user_flags, score, source, deleted, created_at, updated_at)
					 SELECT ?, ?, content_hash, raw, size, subject, sent_date, received_date,
					 flags, user_flags, score, source, deleted, ?, ? FROM messages WHERE uid = ?`,
					copyUID, target, now, now, uid)
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n == 0 {
					continue
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO message_tags (uid, name, value) SELECT ?, name, value FROM message_tags WHERE uid = ?`,
					copyUID, uid); err != nil {
					return err
				}
				copies = append(copies, copyUID)
			}

			if moveTo != "" && moveTo != folder {
				_, err := tx.ExecContext(ctx,
					`UPDATE messages SET folder = ?, updated_at = ? WHERE uid = ?`, moveTo, now, uid)
				if err != nil {
					if strings.Contains(err.Error(), "UNIQUE") {
						// The target already holds this content; the move
						// collapses into it.
						_, err = tx.ExecContext(ctx, `UPDATE messages SET deleted = 1, updated_at = ? WHERE uid = ?`, now, uid)
					}
					if err != nil {
						return err
					}
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply outcome to %s: %w", uid, err)
	}
	return copies, nil
}

// Expunge removes the messages of folder marked deleted and returns how
// many went.
func (s *Store) Expunge(ctx context.Context, folder string) (int64, error) {
	var n int64
	err := s.run(ctx, "expunge", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE folder = ? AND deleted = 1`, folder)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to expunge %s: %w", folder, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*filter.Message, error) {
	var uid, folder, flagsJSON, userJSON, source string
	var raw []byte
	var received, score int64
	if err := row.Scan(&uid, &folder, &raw, &received, &flagsJSON, &userJSON, &score, &source); err != nil {
		return nil, err
	}
	m, err := filter.ParseMessage(raw, folder)
	if err != nil {
		return nil, err
	}
	m.UID = uid
	m.ReceivedDate = time.Unix(received, 0).UTC()
	m.Score = score
	m.Source = source
	if m.Flags, m.UserFlags, err = decodeFlags(flagsJSON, userJSON); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) readTags(ctx context.Context, uid string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM message_tags WHERE uid = ?`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tags := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		tags[name] = value
	}
	return tags, rows.Err()
}

func writeTags(ctx context.Context, tx *sql.Tx, uid string, tags map[string]string) error {
	for name, value := range tags {
		var err error
		if value == "" {
			_, err = tx.ExecContext(ctx, `DELETE FROM message_tags WHERE uid = ? AND name = ?`, uid, name)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO message_tags (uid, name, value) VALUES (?, ?, ?)
				 ON CONFLICT(uid, name) DO UPDATE SET value = excluded.value`, uid, name, value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func encodeFlags(flags []imap.Flag, userFlags []string) (string, string, error) {
	if flags == nil {
		flags = []imap.Flag{}
	}
	if userFlags == nil {
		userFlags = []string{}
	}
	f, err := json.Marshal(helpers.SanitizeFlags(flags))
	if err != nil {
		return "", "", err
	}
	u, err := json.Marshal(userFlags)
	if err != nil {
		return "", "", err
	}
	return string(f), string(u), nil
}

func decodeFlags(flagsJSON, userJSON string) ([]imap.Flag, []string, error) {
	var flags []imap.Flag
	var userFlags []string
	if err := json.Unmarshal([]byte(flagsJSON), &flags); err != nil {
		return nil, nil, fmt.Errorf("corrupt flags column: %w", err)
	}
	if err := json.Unmarshal([]byte(userJSON), &userFlags); err != nil {
		return nil, nil, fmt.Errorf("corrupt user_flags column: %w", err)
	}
	return flags, userFlags, nil
}

func mergeFlags(have []imap.Flag, changes map[imap.Flag]bool) []imap.Flag {
	set := make(map[imap.Flag]bool, len(have)+len(changes))
	for _, f := range have {
		set[f] = true
	}
	for f, on := range changes {
		set[f] = on
	}
	out := make([]imap.Flag, 0, len(set))
	for f, on := range set {
		if on {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func mergeUserFlags(have []string, changes map[string]bool) []string {
	set := make(map[string]bool, len(have)+len(changes))
	for _, f := range have {
		set[f] = true
	}
	for f, on := range changes {
		set[f] = on
	}
	out := make([]string, 0, len(set))
	for f, on := range set {
		if on {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
