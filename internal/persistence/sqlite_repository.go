package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// sqliteRepository stores every document as one row of the documents table.
type sqliteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database file and its schema.
func NewSQLiteRepository(path string) (StateRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &sqliteRepository{db: db}, nil
}

func createTables(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		return err
	}
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS documents (
		bot_id TEXT NOT NULL,
		name TEXT NOT NULL,
		body BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (bot_id, name)
	);`)
	return err
}

// Set upserts the document inside a transaction.
func (r *sqliteRepository) Set(botID string, doc Document, data []byte) error {
	if err := validBotID(botID); err != nil {
		return err
	}
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
	INSERT INTO documents (bot_id, name, body, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(bot_id, name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		botID, string(doc), data, time.Now().UnixMilli())
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("upsert %s/%s: %w", botID, doc, err)
	}
	return tx.Commit()
}

// Get returns (nil, nil) when the row does not exist.
func (r *sqliteRepository) Get(botID string, doc Document) ([]byte, error) {
	var data []byte
	err := r.db.QueryRow(`SELECT body FROM documents WHERE bot_id = ? AND name = ?`, botID, string(doc)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *sqliteRepository) Delete(botID string) error {
	if err := validBotID(botID); err != nil {
		return err
	}
	_, err := r.db.Exec(`DELETE FROM documents WHERE bot_id = ?`, botID)
	return err
}

func (r *sqliteRepository) Close() error {
	return r.db.Close()
}
