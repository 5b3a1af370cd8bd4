// Package storage provides durable named-blob persistence for
// checkpoints and exported weights.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a named blob does not exist.
var ErrNotFound = errors.New("storage: blob not found")

// Store is the durable blob capability the checkpoint layer consumes:
// atomic write of a named byte blob, and read-back.
type Store interface {
	// WriteAtomic durably replaces the blob under name. Readers never
	// observe a partial write.
	WriteAtomic(name string, data []byte) error

	// ReadAll returns the blob's contents, or ErrNotFound.
	ReadAll(name string) ([]byte, error)

	// Close releases the store.
	Close() error
}

// BadgerStore wraps BadgerDB for persistent blob storage.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (creating if needed) a badger-backed store in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Disable logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// WriteAtomic replaces the blob in a single transaction.
func (s *BadgerStore) WriteAtomic(name string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), data)
	})
}

// ReadAll returns a copy of the blob's contents.
func (s *BadgerStore) ReadAll(name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// FileStore keeps each blob as a file in one directory, written via a
// temp file and rename so readers never see partial contents. Used for
// exported weight files and as a dependency-free store in tests.
type FileStore struct {
	dir string
}

// OpenFiles creates a file-backed store rooted at dir.
func OpenFiles(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// WriteAtomic writes to a temp file in the same directory, then renames
// over the target.
func (s *FileStore) WriteAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit blob: %w", err)
	}
	return nil
}

// ReadAll returns the file's contents.
func (s *FileStore) ReadAll(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close is a no-op for a file store.
func (s *FileStore) Close() error { return nil }
