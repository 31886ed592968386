package persistence

import (
	"fmt"
	"llm-trading-fleet/internal/models"
	"os"
	"path/filepath"
	"strings"
)

// Document names one of the three per-bot documents.
type Document string

const (
	DocAccount       Document = "account"
	DocConversations Document = "conversations"
	DocTrades        Document = "trades"
)

// Documents lists every per-bot document.
var Documents = []Document{DocAccount, DocConversations, DocTrades}

// StateRepository defines the interface for state persistence.
// It abstracts the underlying storage mechanism (BadgerDB, SQLite, plain files)
// from the rest of the application. Documents are stored and replaced whole.
type StateRepository interface {
	// Get loads one document. If it is not found, it returns (nil, nil).
	Get(botID string, doc Document) ([]byte, error)

	// Set atomically replaces one document.
	Set(botID string, doc Document, data []byte) error

	// Delete removes every document of a bot.
	Delete(botID string) error

	// Close gracefully closes the connection to the database.
	Close() error
}

// Open 根据配置选择存储实现
func Open(cfg models.StateConfig) (StateRepository, error) {
	switch cfg.Driver {
	case "", "badger":
		return NewBadgerRepository(cfg.Path)
	case "sqlite":
		path := cfg.Path
		if !strings.HasSuffix(path, ".db") {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return nil, err
			}
			path = filepath.Join(path, "fleet.db")
		}
		return NewSQLiteRepository(path)
	case "file":
		return NewFileRepository(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown state driver %q", cfg.Driver)
	}
}

func validBotID(botID string) error {
	if botID == "" || strings.ContainsAny(botID, `/\`) || strings.Contains(botID, "..") {
		return fmt.Errorf("invalid bot id %q", botID)
	}
	return nil
}
