// Package state owns the last-known-status store and the reconciliation
// logic that turns fresh verdicts into change events.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aluiziolira/stockwatch/models"
)

// RecordStore is the persistence contract: a keyed mapping of
// (product, pincode) to the last observed record, surviving restarts.
type RecordStore interface {
	Read(productID, pincode string) (models.StateRecord, bool)
	Write(record models.StateRecord) error
}

// FileStore persists records as a single JSON document keyed by
// "productID|pincode", the format the store has always used on disk.
type FileStore struct {
	path string

	mu      sync.Mutex
	records map[string]models.StateRecord
}

// NewFileStore loads an existing store file, or starts empty when the file
// does not exist yet.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		records: make(map[string]models.StateRecord),
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.records); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", path, err)
	}
	return s, nil
}

// Read returns the record for a key, if any.
func (s *FileStore) Read(productID, pincode string) (models.StateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[storeKey(productID, pincode)]
	return rec, ok
}

// Write stores a record and persists the whole mapping atomically, so a
// cancelled process never leaves a partially written file.
func (s *FileStore) Write(record models.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[storeKey(record.ProductID, record.Pincode)] = record
	return s.persistLocked()
}

// Len reports how many keys the store holds.
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *FileStore) persistLocked() error {
	if err := ensureDir(s.path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func storeKey(productID, pincode string) string {
	return productID + "|" + pincode
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

// MemoryStore is an in-process RecordStore for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.StateRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.StateRecord)}
}

// Read returns the record for a key, if any.
func (s *MemoryStore) Read(productID, pincode string) (models.StateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[storeKey(productID, pincode)]
	return rec, ok
}

// Write stores a record.
func (s *MemoryStore) Write(record models.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[storeKey(record.ProductID, record.Pincode)] = record
	return nil
}
