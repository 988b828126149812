package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// fileSchema is the on-disk shape of the order board.
type fileSchema struct {
	Orders []*Order `json:"orders"`
}

// FileStore persists the board as one JSON file. Every save is a full
// rewrite through a temp file and rename, so the file on disk is always
// a complete, parseable board.
type FileStore struct {
	path string
}

// NewFileStore creates a store at path. The file is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the board. A missing file is an empty board; a corrupt
// file is an error so the caller can surface it instead of silently
// dropping orders.
func (s *FileStore) Load(_ context.Context) ([]*Order, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orders: read %s: %w", s.path, err)
	}

	var file fileSchema
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("orders: parse %s: %w", s.path, err)
	}
	return file.Orders, nil
}

// Save atomically rewrites the board file.
func (s *FileStore) Save(_ context.Context, orders []*Order) error {
	raw, err := json.MarshalIndent(fileSchema{Orders: orders}, "", "  ")
	if err != nil {
		return fmt.Errorf("orders: encode board: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("orders: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".orders-*.json")
	if err != nil {
		return fmt.Errorf("orders: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("orders: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("orders: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("orders: rename: %w", err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
