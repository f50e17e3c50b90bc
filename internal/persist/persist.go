// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

// Package persist stores the small set of durable key-value stamps the
// session guard shares across restarts (last activity, session start).
// Values are strings; timestamps are stored as epoch milliseconds so the
// stamps stay readable and comparable across writers.
package persist

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Store is the key-value surface the session guard persists through.
type Store interface {
	// Get returns the value for key; found is false when the key is absent.
	Get(key string) (value string, found bool, err error)
	// Set writes or overwrites key.
	Set(key, value string) error
	// Delete removes key; deleting an absent key is not an error.
	Delete(key string) error
	// Close releases the underlying database.
	Close() error
}

// BadgerStore is the durable Store backed by BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// Ensure BadgerStore implements Store
var _ Store = (*BadgerStore)(nil)

// Open opens the store at path. An empty path selects Badger's in-memory
// mode: the same engine, no files, state gone on restart. Used by tests and
// by deployments that opt out of durable session stamps.
func Open(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open persist store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get returns the value for key.
func (s *BadgerStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// Set writes key.
func (s *BadgerStore) Set(key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *BadgerStore) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// SetTime stores t under key as epoch milliseconds.
func SetTime(store Store, key string, t time.Time) error {
	return store.Set(key, strconv.FormatInt(t.UnixMilli(), 10))
}

// GetTime reads an epoch-millis stamp. A missing key returns found=false;
// a malformed value is an error, not a zero time, so callers can tell
// corruption apart from absence.
func GetTime(store Store, key string) (time.Time, bool, error) {
	raw, found, err := store.Get(key)
	if err != nil || !found {
		return time.Time{}, found, err
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stamp %q is not epoch millis: %w", key, err)
	}
	return time.UnixMilli(millis), true, nil
}
