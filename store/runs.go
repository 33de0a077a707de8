package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/sift/filter"
)

// Run is one recorded filter pass over a message.
type Run struct {
	ID        string          `json:"id"`
	UID       string          `json:"uid"`
	StartedAt time.Time       `json:"started_at"`
	Matched   []string        `json:"matched"`
	Outcome   *filter.Outcome `json:"outcome"`
	Errors    int             `json:"errors"`
}

// RecordRun stores the outcome of filtering uid and returns the run id.
func (s *Store) RecordRun(ctx context.Context, startedAt time.Time, out *filter.Outcome) (string, error) {
	matched := out.Matched
	if matched == nil {
		matched = []string{}
	}
	matchedJSON, err := json.Marshal(matched)
	if err != nil {
		return "", err
	}
	outcomeJSON, err := json.Marshal(out)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	err = s.run(ctx, "record_run", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO filter_runs (id, uid, started_at, matched, outcome, errors) VALUES (?, ?, ?, ?, ?, ?)`,
			id, out.UID, startedAt.UnixMilli(), string(matchedJSON), string(outcomeJSON), len(out.Errors))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to record filter run for %s: %w", out.UID, err)
	}
	return id, nil
}

// Runs returns the recorded runs for uid, newest first.
func (s *Store) Runs(ctx context.Context, uid string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []Run
	err := s.run(ctx, "runs", func() error {
		runs = runs[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, uid, started_at, matched, outcome, errors FROM filter_runs
			 WHERE uid = ? ORDER BY started_at DESC, id LIMIT ?`, uid, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r Run
			var started int64
			var matchedJSON, outcomeJSON string
			if err := rows.Scan(&r.ID, &r.UID, &started, &matchedJSON, &outcomeJSON, &r.Errors); err != nil {
				return err
			}
			r.StartedAt = time.UnixMilli(started).UTC()
			if err := json.Unmarshal([]byte(matchedJSON), &r.Matched); err != nil {
				return fmt.Errorf("corrupt matched column: %w", err)
			}
			r.Outcome = &filter.Outcome{}
			if err := json.Unmarshal([]byte(outcomeJSON), r.Outcome); err != nil {
				return fmt.Errorf("corrupt outcome column: %w", err)
			}
			runs = append(runs, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load filter runs for %s: %w", uid, err)
	}
	return runs, nil
}
