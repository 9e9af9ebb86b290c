package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/crypto"
)

// accountPath is the state-tree path under which an account's balance is
// kept, used by the OpTransfer operation.
func accountPath(address string) string {
	return "/accounts/" + address + "/balance"
}

type pathSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// PathDB implements the engine's narrow DB contract — getValue(path),
// executeTransactionList, setDbToSnapshot — on top of a generic key-value
// store, with snapshot/rollback and deterministic root hashing carried
// over from the teacher's StateDB unchanged in algorithm.
type PathDB struct {
	db        DB
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []pathSnapshot
}

// NewPathDB creates a PathDB backed by db.
func NewPathDB(db DB) *PathDB {
	return &PathDB{
		db:      db,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// GetValue returns the raw JSON value stored at path, or core.ErrNotFound.
func (s *PathDB) GetValue(path string) (json.RawMessage, error) {
	if s.deleted[path] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[path]; ok {
		return json.RawMessage(v), nil
	}
	return s.db.Get([]byte(path))
}

// SetValue writes value at path. A nil or JSON-null value deletes the
// path instead, matching the consensus-update transaction's GC use of
// "SET_VALUE null" to age out stale records.
func (s *PathDB) SetValue(path string, value json.RawMessage) error {
	if value == nil || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return s.DeleteValue(path)
	}
	delete(s.deleted, path)
	s.dirty[path] = append([]byte(nil), value...)
	return nil
}

// DeleteValue removes path from the tree.
func (s *PathDB) DeleteValue(path string) error {
	delete(s.dirty, path)
	s.deleted[path] = true
	return nil
}

// GetAccount reads the balance stored for address, defaulting to a
// zero-value account when none exists yet.
func (s *PathDB) GetAccount(address string) (*core.Account, error) {
	raw, err := s.GetValue(accountPath(address))
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address}, nil
	}
	if err != nil {
		return nil, err
	}
	var acc core.Account
	if err := json.Unmarshal(raw, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// SetAccount writes an account's balance back to the tree.
func (s *PathDB) SetAccount(acc *core.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return s.SetValue(accountPath(acc.Address), data)
}

// IteratePrefix returns every path under prefix, merging the persisted
// backing store with the current write buffer. Used by the consensus
// engine to scan registration records under a height, where no single
// key is known in advance.
func (s *PathDB) IteratePrefix(prefix string) map[string]json.RawMessage {
	merged := make(map[string][]byte)
	it := s.db.NewIterator([]byte(prefix))
	for it.Next() {
		k := string(it.Key())
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		merged[k] = v
	}
	it.Release()

	for k, v := range s.dirty {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}
	for k := range s.deleted {
		delete(merged, k)
	}

	out := make(map[string]json.RawMessage, len(merged))
	for k, v := range merged {
		out[k] = json.RawMessage(v)
	}
	return out
}

// ApplyOperation executes a single operation against the tree.
func (s *PathDB) ApplyOperation(sender string, op Operation) error {
	switch op.Type {
	case core.OpSetValue:
		return s.SetValue(op.Path, op.Value)
	case core.OpTransfer:
		return s.applyTransfer(sender, op.Path, op.Amount)
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// Operation is a local alias kept for readability at call sites; it is
// identical to core.Operation.
type Operation = core.Operation

func (s *PathDB) applyTransfer(from, to string, amount uint64) error {
	sender, err := s.GetAccount(from)
	if err != nil {
		return fmt.Errorf("get sender account: %w", err)
	}
	if sender.Balance < amount {
		return fmt.Errorf("insufficient balance: have %d need %d", sender.Balance, amount)
	}
	recipient, err := s.GetAccount(to)
	if err != nil {
		return fmt.Errorf("get recipient account: %w", err)
	}
	sender.Balance -= amount
	recipient.Balance += amount
	if err := s.SetAccount(sender); err != nil {
		return err
	}
	return s.SetAccount(recipient)
}

// ApplyTransaction executes every operation a transaction carries. On
// failure, operations applied before the failing one are not undone:
// callers that need isolation from a bad transaction among otherwise-good
// ones should Snapshot before calling and RevertToSnapshot on error.
func (s *PathDB) ApplyTransaction(tx *core.Transaction) error {
	for _, op := range tx.Operations() {
		if err := s.ApplyOperation(tx.Address, op); err != nil {
			return fmt.Errorf("tx %s: %w", tx.ID, err)
		}
	}
	return nil
}

// ExecuteTransactionList applies txs in order. If abortOnFailure is true
// (the committed-block replay path, where every transaction is already
// known-good), the first failure is fatal and returned immediately. If
// false (the speculative mempool-replay path), a failing transaction is
// skipped rather than aborting the whole batch.
func (s *PathDB) ExecuteTransactionList(txs []*core.Transaction, abortOnFailure bool) error {
	for _, tx := range txs {
		snapID, err := s.Snapshot()
		if err != nil {
			return err
		}
		if err := s.ApplyTransaction(tx); err != nil {
			_ = s.RevertToSnapshot(snapID)
			if abortOnFailure {
				return err
			}
			continue
		}
	}
	return nil
}

// Snapshot saves the current write buffer and returns a snapshot ID.
func (s *PathDB) Snapshot() (int, error) {
	snap := pathSnapshot{
		dirty:   make(map[string][]byte, len(s.dirty)),
		deleted: make(map[string]bool, len(s.deleted)),
	}
	for k, v := range s.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap.dirty[k] = cp
	}
	for k, v := range s.deleted {
		snap.deleted[k] = v
	}
	s.snapshots = append(s.snapshots, snap)
	return len(s.snapshots) - 1, nil
}

// RevertToSnapshot restores the write buffer to a previously saved
// snapshot. The snapshot maps are deep-copied so later writes cannot
// corrupt them.
func (s *PathDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("invalid snapshot id %d", id)
	}
	snap := s.snapshots[id]

	dirty := make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		dirty[k] = cp
	}
	deleted := make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		deleted[k] = v
	}

	s.dirty = dirty
	s.deleted = deleted
	s.snapshots = s.snapshots[:id]
	return nil
}

// ComputeRoot returns the deterministic hash of the complete world state:
// every persisted path merged with the current write buffer, minus
// deleted paths, sorted and length-prefix encoded. It does not flush or
// modify state, so it is safe to call before signing a block.
func (s *PathDB) ComputeRoot() string {
	merged := make(map[string][]byte)
	it := s.db.NewIterator(nil)
	for it.Next() {
		k := string(it.Key())
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		merged[k] = v
	}
	it.Release()

	for k, v := range s.dirty {
		merged[k] = v
	}
	for k := range s.deleted {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		kb := []byte(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kb)))
		buf.Write(lenBuf[:])
		buf.Write(kb)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.Hash(buf.Bytes())
}

// Commit atomically flushes the write buffer to the underlying DB via a
// batch, then clears it.
func (s *PathDB) Commit() error {
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}

// SetDbToSnapshot bulk-loads every committed path from src into the
// receiver's backing store, bypassing the write buffer. It is how the
// Node State Reconstructor seeds a fresh live db from the durable
// snapshot db before replaying in-memory blocks on top.
func (s *PathDB) SetDbToSnapshot(src *PathDB) error {
	batch := s.db.NewBatch()
	it := src.db.NewIterator(nil)
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		batch.Set(k, v)
	}
	it.Release()
	return batch.Write()
}
