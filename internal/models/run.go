// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoRuns is returned when no fulfillment run has been recorded yet.
var ErrNoRuns = errors.New("no fulfillment runs recorded")

// RunDetail captures the outcome for one subscription target within a run.
type RunDetail struct {
	Target   string `json:"target"`
	Outcome  string `json:"outcome"`
	Source   string `json:"source,omitempty"`
	Title    string `json:"title,omitempty"`
	Episodes []int  `json:"episodes,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RunSummary is one recorded fulfillment sweep.
type RunSummary struct {
	ID         int64       `json:"id"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
	Fulfilled  int         `json:"fulfilled"`
	Partial    int         `json:"partial"`
	Failed     int         `json:"failed"`
	Details    []RunDetail `json:"details"`
}

// RunStore records fulfillment run history.
type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Begin inserts a run row marked as started and returns its ID.
func (s *RunStore) Begin(ctx context.Context, startedAt time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO fulfillment_runs (started_at) VALUES (?) RETURNING id", startedAt.UTC()).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("begin fulfillment run: %w", err)
	}
	return id, nil
}

// Finish closes a run row with its final counters and per-target details.
func (s *RunStore) Finish(ctx context.Context, id int64, finishedAt time.Time, fulfilled, partial, failed int, details []RunDetail) error {
	if details == nil {
		details = []RunDetail{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode run details: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE fulfillment_runs
		SET finished_at = ?, fulfilled = ?, partial = ?, failed = ?, details = ?
		WHERE id = ?`,
		finishedAt.UTC(), fulfilled, partial, failed, string(encoded), id)
	if err != nil {
		return fmt.Errorf("finish fulfillment run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish fulfillment run: run %d not found", id)
	}
	return nil
}

// Latest returns the most recently started run.
func (s *RunStore) Latest(ctx context.Context) (*RunSummary, error) {
	var (
		run RunSummary
		raw string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, fulfilled, partial, failed, details
		FROM fulfillment_runs ORDER BY started_at DESC, id DESC LIMIT 1`).
		Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Fulfilled, &run.Partial, &run.Failed, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRuns
		}
		return nil, fmt.Errorf("latest fulfillment run: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &run.Details); err != nil {
		return nil, fmt.Errorf("decode run details: %w", err)
	}
	return &run, nil
}
