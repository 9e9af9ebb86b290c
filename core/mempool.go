package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	maxMempoolSize = 10_000
	maxTxAge       = int64(time.Hour)       // reject txs older than 1 hour
	maxTxFuture    = int64(5 * time.Minute) // reject txs more than 5 min in the future
)

// Mempool is a thread-safe pending-transaction pool. It satisfies the
// read contract the consensus engine depends on:
// getValidTransactions()/cleanUpForNewBlock()/updateNonceTrackers().
type Mempool struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
	ord []string // insertion-ordered IDs for deterministic pending iteration

	// nonceTracker records the highest nonce seen per address among
	// transactions added to the pool. UpdateNonceTrackers does not read
	// it; it works from the committed nonces passed to it.
	nonceTracker map[string]int64
}

// NewMempool creates an empty mempool.
func NewMempool() *Mempool {
	return &Mempool{
		txs:          make(map[string]*Transaction),
		nonceTracker: make(map[string]int64),
	}
}

// Add validates and inserts a transaction. Returns an error if the pool is
// full, the tx is already present, the signature is invalid, or the
// timestamp is out of the acceptable window (-1h / +5m).
func (m *Mempool) Add(tx *Transaction) error {
	if err := tx.Verify(); err != nil {
		return fmt.Errorf("invalid tx signature: %w", err)
	}
	now := time.Now().UnixNano()
	if now-tx.Timestamp > maxTxAge {
		return errors.New("transaction expired")
	}
	if tx.Timestamp-now > maxTxFuture {
		return errors.New("transaction timestamp too far in the future")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.txs) >= maxMempoolSize {
		return errors.New("mempool full")
	}
	if _, exists := m.txs[tx.ID]; exists {
		return errors.New("tx already in pool")
	}
	m.txs[tx.ID] = tx
	m.ord = append(m.ord, tx.ID)
	if tx.Nonce >= 0 && tx.Nonce > m.nonceTracker[tx.Address] {
		m.nonceTracker[tx.Address] = tx.Nonce
	}
	return nil
}

// Get returns a transaction by ID.
func (m *Mempool) Get(id string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	return tx, ok
}

// GetValidTransactions returns up to n pending transactions in insertion
// order. All pooled transactions already passed Add()'s validation, so
// this is simply a bounded, ordered snapshot.
func (m *Mempool) GetValidTransactions(n int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Transaction, 0, n)
	for _, id := range m.ord {
		if len(result) >= n {
			break
		}
		if tx, ok := m.txs[id]; ok {
			result = append(result, tx)
		}
	}
	return result
}

// CleanUpForNewBlock removes every transaction in block from the pool
// (called after a block commits).
func (m *Mempool) CleanUpForNewBlock(block *Block) {
	ids := make([]string, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		ids = append(ids, tx.ID)
	}
	m.remove(ids)
}

// UpdateNonceTrackers drops any pooled transaction whose nonce is no
// longer ahead of the committed account nonce, preventing stale
// already-applied transactions from lingering in the pool.
func (m *Mempool) UpdateNonceTrackers(committedNonces map[string]int64) {
	m.mu.RLock()
	var stale []string
	for _, id := range m.ord {
		tx, ok := m.txs[id]
		if !ok || tx.Nonce < 0 {
			continue
		}
		if committed, ok := committedNonces[tx.Address]; ok && tx.Nonce < committed {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	m.remove(stale)
}

func (m *Mempool) remove(ids []string) {
	if len(ids) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		delete(m.txs, id)
		removed[id] = true
	}
	filtered := m.ord[:0]
	for _, id := range m.ord {
		if !removed[id] {
			filtered = append(filtered, id)
		}
	}
	m.ord = filtered
}

// Size returns the current number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}
