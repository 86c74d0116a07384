// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrSubscriptionNotFound is returned when a subscription row does not exist.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// MissingMovie is a movie subscription awaiting its first successful
// download. It is deleted entirely on fulfillment.
type MissingMovie struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Year      int       `json:"year"`
	CreatedAt time.Time `json:"createdAt"`
}

// MissingTVSeason tracks which episodes of a subscribed season are still
// missing. The record is deleted once the set empties.
type MissingTVSeason struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Year            int       `json:"year"`
	Season          int       `json:"season"`
	MissingEpisodes []int     `json:"missingEpisodes"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// SeasonMax returns the highest missing episode number, used as the
// substitute upper bound for open-ended full-season candidates.
func (s *MissingTVSeason) SeasonMax() int {
	max := 0
	for _, e := range s.MissingEpisodes {
		if e > max {
			max = e
		}
	}
	return max
}

// SubscriptionStore persists missing movies and TV seasons. Reads are safe
// concurrently; writes to the same logical record are serialized by the
// store mutex so concurrent unrelated-target processing cannot interleave
// a read-modify-write.
type SubscriptionStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func encodeEpisodes(eps []int) (string, error) {
	sorted := append([]int(nil), eps...)
	sort.Ints(sorted)
	data, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("encode episodes: %w", err)
	}
	return string(data), nil
}

func decodeEpisodes(raw string) ([]int, error) {
	var eps []int
	if err := json.Unmarshal([]byte(raw), &eps); err != nil {
		return nil, fmt.Errorf("decode episodes: %w", err)
	}
	return eps, nil
}

// ListMovies returns all missing movies, oldest first.
func (s *SubscriptionStore) ListMovies(ctx context.Context) ([]MissingMovie, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, year, created_at FROM missing_movies ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list missing movies: %w", err)
	}
	defer rows.Close()

	var movies []MissingMovie
	for rows.Next() {
		var m MissingMovie
		if err := rows.Scan(&m.ID, &m.Title, &m.Year, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan missing movie: %w", err)
		}
		movies = append(movies, m)
	}
	return movies, rows.Err()
}

// ListTVSeasons returns all seasons with missing episodes, oldest first.
func (s *SubscriptionStore) ListTVSeasons(ctx context.Context) ([]MissingTVSeason, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, year, season, missing_episodes, created_at, updated_at FROM missing_tv_seasons ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list missing tv seasons: %w", err)
	}
	defer rows.Close()

	var seasons []MissingTVSeason
	for rows.Next() {
		var (
			row MissingTVSeason
			raw string
		)
		if err := rows.Scan(&row.ID, &row.Title, &row.Year, &row.Season, &raw, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan missing tv season: %w", err)
		}
		if row.MissingEpisodes, err = decodeEpisodes(raw); err != nil {
			return nil, err
		}
		seasons = append(seasons, row)
	}
	return seasons, rows.Err()
}

// GetTVSeason fetches one season by ID.
func (s *SubscriptionStore) GetTVSeason(ctx context.Context, id int64) (*MissingTVSeason, error) {
	var (
		row MissingTVSeason
		raw string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, year, season, missing_episodes, created_at, updated_at FROM missing_tv_seasons WHERE id = ?", id).
		Scan(&row.ID, &row.Title, &row.Year, &row.Season, &raw, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get missing tv season: %w", err)
	}
	if row.MissingEpisodes, err = decodeEpisodes(raw); err != nil {
		return nil, err
	}
	return &row, nil
}

// UpsertMovie creates or refreshes a movie subscription.
func (s *SubscriptionStore) UpsertMovie(ctx context.Context, title string, year int) (*MissingMovie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m MissingMovie
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO missing_movies (title, year)
		VALUES (?, ?)
		ON CONFLICT (title, year) DO UPDATE SET title = excluded.title
		RETURNING id, title, year, created_at`,
		title, year).
		Scan(&m.ID, &m.Title, &m.Year, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert missing movie: %w", err)
	}
	return &m, nil
}

// UpsertTVSeason creates or replaces a season subscription with the given
// missing episode set.
func (s *SubscriptionStore) UpsertTVSeason(ctx context.Context, title string, year, season int, episodes []int) (*MissingTVSeason, error) {
	encoded, err := encodeEpisodes(episodes)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		row MissingTVSeason
		raw string
	)
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO missing_tv_seasons (title, year, season, missing_episodes)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (title, year, season) DO UPDATE SET
			missing_episodes = excluded.missing_episodes,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id, title, year, season, missing_episodes, created_at, updated_at`,
		title, year, season, encoded).
		Scan(&row.ID, &row.Title, &row.Year, &row.Season, &raw, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert missing tv season: %w", err)
	}
	if row.MissingEpisodes, err = decodeEpisodes(raw); err != nil {
		return nil, err
	}
	return &row, nil
}

// DeleteMovie removes a fulfilled movie subscription.
func (s *SubscriptionStore) DeleteMovie(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM missing_movies WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete missing movie: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// DeleteTVSeason removes a season subscription outright.
func (s *SubscriptionStore) DeleteTVSeason(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM missing_tv_seasons WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete missing tv season: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// RemoveEpisodes shrinks a season's missing set after a successful
// dispatch. When the set empties the record is deleted and deleted=true is
// returned. The read-modify-write runs in one transaction under the store
// mutex, one persistence write per call.
func (s *SubscriptionStore) RemoveEpisodes(ctx context.Context, id int64, fulfilled []int) (remaining []int, deleted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin episode removal: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, "SELECT missing_episodes FROM missing_tv_seasons WHERE id = ?", id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrSubscriptionNotFound
		}
		return nil, false, fmt.Errorf("read missing episodes: %w", err)
	}

	current, err := decodeEpisodes(raw)
	if err != nil {
		return nil, false, err
	}

	drop := make(map[int]struct{}, len(fulfilled))
	for _, e := range fulfilled {
		drop[e] = struct{}{}
	}
	for _, e := range current {
		if _, ok := drop[e]; !ok {
			remaining = append(remaining, e)
		}
	}

	if len(remaining) == 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM missing_tv_seasons WHERE id = ?", id); err != nil {
			return nil, false, fmt.Errorf("delete fulfilled tv season: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit episode removal: %w", err)
		}
		return nil, true, nil
	}

	encoded, err := encodeEpisodes(remaining)
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE missing_tv_seasons SET missing_episodes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		encoded, id); err != nil {
		return nil, false, fmt.Errorf("update missing episodes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit episode removal: %w", err)
	}
	return remaining, false, nil
}
