// Package testutil provides in-memory implementations of storage
// interfaces for use in tests across the module.
package testutil

import "github.com/ainblock/ainchain/storage"

// MemDB is a thread-safe in-memory storage.DB for tests, re-exported
// from the production in-memory backing the live state tree uses.
type MemDB = storage.MemDB

// NewMemDB creates an empty MemDB.
func NewMemDB() *MemDB { return storage.NewMemDB() }

// NewPathDB returns a storage.PathDB backed by a fresh MemDB.
func NewPathDB() *storage.PathDB { return storage.NewPathDB(NewMemDB()) }
