// Package nodestate rebuilds the live key/value view a proposal or a
// query reads from durable sources: the snapshot db of aged-out blocks,
// the block store's in-memory window, and the transaction pool.
package nodestate

import (
	"fmt"
	"sync"
	"time"

	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/crypto"
	"github.com/ainblock/ainchain/storage"
)

// TxData describes a transaction the local node wants to construct on
// its own behalf. Address, when set to an address other than the local
// key's, overrides the sender: the transaction then carries SkipVerif
// instead of a signature. The consensus engine leaves Address empty, so
// its consensus-update, registration and deposit transactions are signed
// with the local key.
type TxData struct {
	Address string
	Op      *core.Operation
	OpList  []core.Operation
}

// Reconstructor is the node state reconstructor: it owns the local
// account's nonce counter and produces the speculative "live" view other
// components read from.
type Reconstructor struct {
	mu sync.Mutex

	store      *storage.BlockStore
	snapshotDB *storage.PathDB
	pool       *core.Mempool
	localKey   crypto.PrivateKey
	localAddr  string

	live       *storage.PathDB
	nextNonce  int64
}

// New creates a reconstructor. localKey signs every transaction the node
// constructs on its own behalf, unless TxData.Address overrides the
// signer.
func New(store *storage.BlockStore, snapshotDB *storage.PathDB, pool *core.Mempool, localKey crypto.PrivateKey) *Reconstructor {
	return &Reconstructor{
		store:      store,
		snapshotDB: snapshotDB,
		pool:       pool,
		localKey:   localKey,
		localAddr:  localKey.Public().Hex(),
	}
}

// Init brings up the block store, then computes the local account's
// starting nonce by scanning the in-memory chain from newest to oldest
// for the highest nonce this address has used.
func (r *Reconstructor) Init(isFirstNode bool, genesis *core.Block) error {
	if err := r.store.Init(isFirstNode, genesis); err != nil {
		return fmt.Errorf("init block store: %w", err)
	}

	window := r.store.Window()
	highest := int64(-1)
	for i := len(window) - 1; i >= 0; i-- {
		for _, tx := range window[i].Transactions {
			if tx.Address == r.localAddr && tx.Nonce >= 0 && tx.Nonce > highest {
				highest = tx.Nonce
			}
		}
	}

	r.mu.Lock()
	r.nextNonce = highest + 1
	r.mu.Unlock()

	return r.Reconstruct()
}

// Reconstruct rebuilds the live view: snapshot db, then every in-memory
// block's transactions replayed in order (a failure here is fatal — a
// committed block can never be invalid), then every currently pending
// pool transaction (a failure here just drops that transaction from the
// speculative view; it is still sitting in the pool for the next
// attempt).
func (r *Reconstructor) Reconstruct() error {
	live := storage.NewPathDB(storage.NewMemDB())
	if err := live.SetDbToSnapshot(r.snapshotDB); err != nil {
		return fmt.Errorf("seed live db from snapshot: %w", err)
	}

	for _, b := range r.store.Window() {
		if err := live.ExecuteTransactionList(b.Transactions, true); err != nil {
			return fmt.Errorf("replay block %d: %w", b.Number, err)
		}
	}

	pending := r.pool.GetValidTransactions(r.pool.Size())
	if err := live.ExecuteTransactionList(pending, false); err != nil {
		return fmt.Errorf("replay pool transactions: %w", err)
	}

	r.mu.Lock()
	r.live = live
	r.mu.Unlock()
	return nil
}

// Live returns the current speculative state view.
func (r *Reconstructor) Live() *storage.PathDB {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// AddNewBlock delegates the append to the block store, cleans the pool
// against the committed block and its now-superseded nonces, then
// rebuilds the live view on top of the new chain head.
func (r *Reconstructor) AddNewBlock(block *core.Block) error {
	if err := r.store.AddNewBlock(block); err != nil {
		return err
	}
	r.pool.CleanUpForNewBlock(block)

	committed := make(map[string]int64)
	for _, tx := range block.Transactions {
		if tx.Nonce < 0 {
			continue
		}
		if cur, ok := committed[tx.Address]; !ok || tx.Nonce+1 > cur {
			committed[tx.Address] = tx.Nonce + 1
		}
	}
	r.pool.UpdateNonceTrackers(committed)

	r.mu.Lock()
	if committed[r.localAddr] > r.nextNonce {
		r.nextNonce = committed[r.localAddr]
	}
	r.mu.Unlock()

	return r.Reconstruct()
}

// CreateTransaction builds and, unless Address overrides the signer,
// signs a transaction on the local node's behalf. isNoncedTransaction
// assigns and advances the local nonce counter; otherwise Nonce is -1.
func (r *Reconstructor) CreateTransaction(data TxData, isNoncedTransaction bool) *core.Transaction {
	override := data.Address != "" && data.Address != r.localAddr
	addr := r.localAddr
	if data.Address != "" {
		addr = data.Address
	}

	nonce := int64(-1)
	if isNoncedTransaction {
		r.mu.Lock()
		nonce = r.nextNonce
		r.nextNonce++
		r.mu.Unlock()
	}

	tx := &core.Transaction{
		Address:   addr,
		Nonce:     nonce,
		Timestamp: time.Now().UnixNano(),
		Op:        data.Op,
		OpList:    data.OpList,
	}
	if override {
		tx.SkipVerif = true
		tx.ID = tx.Hash()
	} else {
		tx.Sign(r.localKey)
	}
	return tx
}

// LocalAddress returns the hex-encoded public key this reconstructor
// signs transactions with.
func (r *Reconstructor) LocalAddress() string {
	return r.localAddr
}

// PendingTransactions returns up to n transactions from the pool, in the
// order a block proposal should include them.
func (r *Reconstructor) PendingTransactions(n int) []*core.Transaction {
	return r.pool.GetValidTransactions(n)
}

// GetBlockByNumber exposes the block store's lookup directly.
func (r *Reconstructor) GetBlockByNumber(n int64) (*core.Block, error) {
	return r.store.GetBlockByNumber(n)
}

// LastBlock exposes the block store's chain head directly.
func (r *Reconstructor) LastBlock() *core.Block {
	return r.store.LastBlock()
}

// MarkDesynced flags that the local chain has fallen behind, as
// observed by the consensus engine receiving a future-height proposal.
func (r *Reconstructor) MarkDesynced() {
	r.store.MarkDesynced()
}
