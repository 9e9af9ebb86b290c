package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ainblock/ainchain/crypto"
)

// OpType identifies what an Operation does to the state path tree.
type OpType string

const (
	// OpSetValue writes (or, with a nil Value, deletes) a single path.
	OpSetValue OpType = "SET_VALUE"
	// OpTransfer debits Transaction.Address and credits Operation.Path
	// (reused here as the recipient address) by Operation.Amount. It is
	// the one supplemental application-level operation beyond the
	// consensus engine's own bookkeeping transactions.
	OpTransfer OpType = "TRANSFER"
)

// Operation is one write against the state path tree.
type Operation struct {
	Type   OpType          `json:"type"`
	Path   string          `json:"path"`
	Value  json.RawMessage `json:"value,omitempty"`
	Amount uint64          `json:"amount,omitempty"` // only meaningful for OpTransfer
}

// Transaction is the atomic unit of change the engine and the mempool
// operate on. A transaction carries either a single Op or an OpList
// (the consensus "SET op_list" form), never both.
//
// Nonce is -1 for a non-nonced transaction (e.g. a deposit request that
// doesn't need replay protection tied to a specific account sequence).
//
// SkipVerif is set by nodestate.Reconstructor.CreateTransaction when the
// caller overrides the sender address with one other than the local
// key's; such a transaction carries no signature. The field is serialized
// with the transaction, and Verify accepts any transaction that has it
// set, including one received from a peer.
type Transaction struct {
	ID        string          `json:"id"`
	Address   string          `json:"address"` // hex-encoded ed25519 public key
	Nonce     int64           `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	Op        *Operation      `json:"op,omitempty"`
	OpList    []Operation     `json:"op_list,omitempty"`
	Signature string          `json:"signature,omitempty"`
	SkipVerif bool            `json:"skip_verif,omitempty"`
}

type signingBody struct {
	Address   string      `json:"address"`
	Nonce     int64       `json:"nonce"`
	Timestamp int64       `json:"timestamp"`
	Op        *Operation  `json:"op,omitempty"`
	OpList    []Operation `json:"op_list,omitempty"`
}

// Hash returns a deterministic content hash of the transaction, excluding
// Signature/SkipVerif/ID. Returns "" only if json.Marshal fails, which
// cannot happen for this struct shape.
func (tx *Transaction) Hash() string {
	data, err := json.Marshal(signingBody{
		Address:   tx.Address,
		Nonce:     tx.Nonce,
		Timestamp: tx.Timestamp,
		Op:        tx.Op,
		OpList:    tx.OpList,
	})
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign computes ID and Signature from the private key.
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	tx.ID = tx.Hash()
	tx.Signature = crypto.Sign(priv, []byte(tx.ID))
}

// Verify checks the signature unless SkipVerif is set, in which case it
// returns nil without any check (see SkipVerif's doc comment).
func (tx *Transaction) Verify() error {
	if tx.SkipVerif {
		return nil
	}
	if tx.Address == "" {
		return errors.New("missing address field")
	}
	pub, err := crypto.PubKeyFromHex(tx.Address)
	if err != nil {
		return fmt.Errorf("invalid address (must be ed25519 pubkey hex): %w", err)
	}
	return crypto.Verify(pub, []byte(tx.Hash()), tx.Signature)
}

// NewSetValueTx builds an unsigned single-operation transaction.
func NewSetValueTx(address string, nonce int64, timestamp int64, path string, value any) (*Transaction, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return &Transaction{
		Address:   address,
		Nonce:     nonce,
		Timestamp: timestamp,
		Op:        &Operation{Type: OpSetValue, Path: path, Value: raw},
	}, nil
}

// NewOpListTx builds an unsigned batch transaction.
func NewOpListTx(address string, nonce int64, timestamp int64, ops []Operation) *Transaction {
	return &Transaction{
		Address:   address,
		Nonce:     nonce,
		Timestamp: timestamp,
		OpList:    ops,
	}
}

// NewTransferTx builds an unsigned native-token transfer transaction.
func NewTransferTx(from string, nonce int64, timestamp int64, to string, amount uint64) *Transaction {
	return &Transaction{
		Address:   from,
		Nonce:     nonce,
		Timestamp: timestamp,
		Op:        &Operation{Type: OpTransfer, Path: to, Amount: amount},
	}
}

// Operations returns the transaction's writes as a single slice,
// regardless of whether it used the single-Op or OpList form.
func (tx *Transaction) Operations() []Operation {
	if tx.Op != nil {
		return []Operation{*tx.Op}
	}
	return tx.OpList
}
