package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
)

// setupTestDB creates a named shared in-memory SQLite database for testing.
// Writer and reader connections share the same in-memory database via
// cache=shared; a unique name derived from t.Name() isolates parallel tests.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// Percent-encode the test name so it's a safe SQLite URI filename
	// component and cannot be misinterpreted as query parameters.
	safeName := url.PathEscape(t.Name())
	// WAL mode is not applicable to in-memory databases; omit journal_mode.
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		safeName,
	)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("create test db writer: %v", err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.PingContext(context.Background()); err != nil {
		_ = writer.Close()
		t.Fatalf("ping test db writer: %v", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		t.Fatalf("create test db reader: %v", err)
	}
	reader.SetMaxOpenConns(4)
	if err := reader.PingContext(context.Background()); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		t.Fatalf("ping test db reader: %v", err)
	}

	db := &DB{Writer: writer, Reader: reader, path: dsn}

	if err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

// addTestAccount inserts an account required for scan foreign keys.
func addTestAccount(t *testing.T, db *DB) int64 {
	t.Helper()
	id, err := NewAccountRepo(db).Add(context.Background(), model.Account{
		Name:           "acme",
		APIKey:         "key-" + url.PathEscape(t.Name()),
		ProviderConfig: "{}",
	})
	require.NoError(t, err)
	return id
}

// addTestRepo inserts a repository required for foreign key constraints.
func addTestRepo(t *testing.T, db *DB, owner, name string) int64 {
	t.Helper()
	id, err := NewRepoRepo(db).Add(context.Background(), model.Repository{
		Owner: owner,
		Name:  name,
	})
	require.NoError(t, err)
	return id
}

func strPtr(s string) *string { return &s }

func makePR(repoID int64, number int, title string) model.PullRequest {
	now := time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)
	return model.PullRequest{
		RepoID:    repoID,
		Number:    number,
		Title:     title,
		Body:      "fixes a thing",
		Author:    "testuser",
		State:     model.PRStateOpen,
		FilePaths: []string{"internal/app/service.go"},
		DiffHash:  strPtr("abcd1234abcd1234"),
		UpdatedAt: now,
	}
}
