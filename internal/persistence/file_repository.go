package persistence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// fileRepository keeps each document as <dir>/<bot>/<document>.json.
// Writes go to a temp file first and are renamed into place.
type fileRepository struct {
	mu  sync.Mutex
	dir string
}

func NewFileRepository(dir string) (StateRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &fileRepository{dir: dir}, nil
}

func (r *fileRepository) path(botID string, doc Document) string {
	return filepath.Join(r.dir, botID, string(doc)+".json")
}

func (r *fileRepository) Set(botID string, doc Document, data []byte) error {
	if err := validBotID(botID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.path(botID, doc)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+string(doc)+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func (r *fileRepository) Get(botID string, doc Document) ([]byte, error) {
	if err := validBotID(botID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path(botID, doc))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (r *fileRepository) Delete(botID string) error {
	if err := validBotID(botID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return os.RemoveAll(filepath.Join(r.dir, botID))
}

func (r *fileRepository) Close() error { return nil }
