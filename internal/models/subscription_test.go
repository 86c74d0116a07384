// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/mediahunt/internal/database"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMovieSubscriptionLifecycle(t *testing.T) {
	store := NewSubscriptionStore(testDB(t))
	ctx := context.Background()

	movie, err := store.UpsertMovie(ctx, "Dune Part Two", 2024)
	require.NoError(t, err)
	assert.NotZero(t, movie.ID)

	again, err := store.UpsertMovie(ctx, "Dune Part Two", 2024)
	require.NoError(t, err)
	assert.Equal(t, movie.ID, again.ID, "upsert of the same title/year must not create a second row")

	movies, err := store.ListMovies(ctx)
	require.NoError(t, err)
	require.Len(t, movies, 1)
	assert.Equal(t, "Dune Part Two", movies[0].Title)

	require.NoError(t, store.DeleteMovie(ctx, movie.ID))
	assert.ErrorIs(t, store.DeleteMovie(ctx, movie.ID), ErrSubscriptionNotFound)

	movies, err = store.ListMovies(ctx)
	require.NoError(t, err)
	assert.Empty(t, movies)
}

func TestTVSeasonEpisodesSortedAndDeduped(t *testing.T) {
	store := NewSubscriptionStore(testDB(t))
	ctx := context.Background()

	season, err := store.UpsertTVSeason(ctx, "Severance", 2025, 2, []int{5, 1, 3})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, season.MissingEpisodes)

	replaced, err := store.UpsertTVSeason(ctx, "Severance", 2025, 2, []int{2, 4})
	require.NoError(t, err)
	assert.Equal(t, season.ID, replaced.ID)
	assert.Equal(t, []int{2, 4}, replaced.MissingEpisodes)

	fetched, err := store.GetTVSeason(ctx, season.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, fetched.MissingEpisodes)
}

func TestRemoveEpisodesShrinksThenDeletes(t *testing.T) {
	store := NewSubscriptionStore(testDB(t))
	ctx := context.Background()

	season, err := store.UpsertTVSeason(ctx, "The Bear", 2025, 4, []int{1, 2, 3})
	require.NoError(t, err)

	remaining, deleted, err := store.RemoveEpisodes(ctx, season.ID, []int{2, 7})
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, []int{1, 3}, remaining, "episodes outside the missing set are ignored")

	remaining, deleted, err = store.RemoveEpisodes(ctx, season.ID, []int{1, 3})
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Empty(t, remaining)

	_, err = store.GetTVSeason(ctx, season.ID)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	_, _, err = store.RemoveEpisodes(ctx, season.ID, []int{1})
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestSeasonMax(t *testing.T) {
	season := MissingTVSeason{MissingEpisodes: []int{3, 12, 7}}
	assert.Equal(t, 12, season.SeasonMax())
	assert.Zero(t, (&MissingTVSeason{}).SeasonMax())
}

func TestRunHistory(t *testing.T) {
	store := NewRunStore(testDB(t))
	ctx := context.Background()

	_, err := store.Latest(ctx)
	assert.ErrorIs(t, err, ErrNoRuns)

	started := time.Now().UTC().Truncate(time.Second)
	id, err := store.Begin(ctx, started)
	require.NoError(t, err)

	details := []RunDetail{
		{Target: "movie:Dune Part Two (2024)", Outcome: "fulfilled", Source: "alpha"},
		{Target: "tv:Severance S02", Outcome: "partial", Episodes: []int{4, 5}},
	}
	require.NoError(t, store.Finish(ctx, id, started.Add(time.Minute), 1, 1, 0, details))

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, latest.ID)
	assert.Equal(t, 1, latest.Fulfilled)
	assert.Equal(t, 1, latest.Partial)
	assert.Zero(t, latest.Failed)
	require.NotNil(t, latest.FinishedAt)
	require.Len(t, latest.Details, 2)
	assert.Equal(t, "fulfilled", latest.Details[0].Outcome)
	assert.Equal(t, []int{4, 5}, latest.Details[1].Episodes)

	err = store.Finish(ctx, 9999, time.Now(), 0, 0, 0, nil)
	assert.Error(t, err)
}
