package directory

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/natefinch/atomic"
)

// Store persists directory snapshots between runs.
type Store interface {
	Load(ctx context.Context) ([]ShareFile, error)
	Save(ctx context.Context, files []ShareFile) error
	Close() error
}

// OpenStore opens the backend named by driver ("sqlite" or "json").
func OpenStore(driver, path string) (Store, error) {
	switch driver {
	case "sqlite":
		return OpenSQLiteStore(path)
	case "json":
		return NewJSONStore(path), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// SQLiteStore keeps the directory in a single sqlite table.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// autosave and shutdown save may overlap
	db.SetMaxOpenConns(1)

	const schema = `
	CREATE TABLE IF NOT EXISTS share_files (
		path     TEXT PRIMARY KEY,
		grp      TEXT NOT NULL,
		owner    TEXT NOT NULL,
		location TEXT NOT NULL UNIQUE
	);
	CREATE INDEX IF NOT EXISTS idx_share_files_grp ON share_files(grp);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]ShareFile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, grp, owner, location FROM share_files ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []ShareFile
	for rows.Next() {
		var sf ShareFile
		if err := rows.Scan(&sf.Path, &sf.Group, &sf.Owner, &sf.Location); err != nil {
			return nil, err
		}
		files = append(files, sf)
	}
	return files, rows.Err()
}

// Save replaces the table contents in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, files []ShareFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM share_files`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO share_files (path, grp, owner, location) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sf := range files {
		if _, err := stmt.ExecContext(ctx, sf.Path, sf.Group, sf.Owner, sf.Location); err != nil {
			return fmt.Errorf("insert %s: %w", sf.Path, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// JSONStore keeps the directory in a JSON file replaced atomically on save.
type JSONStore struct {
	path string
}

func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

type jsonSnapshot struct {
	Files []ShareFile `json:"files"`
}

func (s *JSONStore) Load(context.Context) ([]ShareFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snap jsonSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	return snap.Files, nil
}

func (s *JSONStore) Save(_ context.Context, files []ShareFile) error {
	if files == nil {
		files = []ShareFile{}
	}
	data, err := json.MarshalIndent(jsonSnapshot{Files: files}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(data))
}

func (s *JSONStore) Close() error { return nil }
