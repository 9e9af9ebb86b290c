package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ainblock/ainchain/crypto"
)

// GenesisLastHash is the canonical previous-hash value for block 0.
const GenesisLastHash = ""

// Block is the unit the consensus engine proposes and the block store
// persists. Number is monotone from 0; LastHash chains to the previous
// block's Hash; Validators is the proposer's view of the voted validator
// set at proposal time.
type Block struct {
	Number       int64             `json:"number"`
	LastHash     string            `json:"last_hash"`
	Hash         string            `json:"hash"`
	Timestamp    int64             `json:"timestamp"`
	Transactions []*Transaction    `json:"transactions"`
	Proposer     string            `json:"proposer"`
	Validators   map[string]uint64 `json:"validators"`
	Signature    string            `json:"signature,omitempty"`
}

// hashableBlock mirrors Block minus Hash/Signature, the fields ComputeHash
// must not depend on.
type hashableBlock struct {
	Number       int64             `json:"number"`
	LastHash     string            `json:"last_hash"`
	Timestamp    int64             `json:"timestamp"`
	Transactions []*Transaction    `json:"transactions"`
	Proposer     string            `json:"proposer"`
	Validators   map[string]uint64 `json:"validators"`
}

// ComputeHash returns the deterministic hash of the block's content.
// encoding/json sorts map keys, so the Validators field hashes the same
// way on every peer regardless of map iteration order.
func (b *Block) ComputeHash() string {
	data, err := json.Marshal(hashableBlock{
		Number:       b.Number,
		LastHash:     b.LastHash,
		Timestamp:    b.Timestamp,
		Transactions: b.Transactions,
		Proposer:     b.Proposer,
		Validators:   b.Validators,
	})
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign finalizes Hash and Signature using the proposer's private key.
func (b *Block) Sign(priv crypto.PrivateKey) {
	b.Hash = b.ComputeHash()
	b.Signature = crypto.Sign(priv, []byte(b.Hash))
}

// VerifyHashes checks that Hash matches the recomputed content hash.
// This is the "validateHashes" predicate the Chain Validator composes.
func (b *Block) VerifyHashes() error {
	if computed := b.ComputeHash(); b.Hash != computed {
		return fmt.Errorf("block %d: hash mismatch: stored %s computed %s", b.Number, b.Hash, computed)
	}
	return nil
}

// VerifySignature checks the proposer's signature over Hash.
func (b *Block) VerifySignature(pub crypto.PublicKey) error {
	return crypto.Verify(pub, []byte(b.Hash), b.Signature)
}

// IsGenesisCandidate reports whether b is shaped like a legitimate
// genesis block: number 0 and last_hash == "".
func (b *Block) IsGenesisCandidate() bool {
	return b.Number == 0 && b.LastHash == GenesisLastHash
}

// TotalStake sums the block's recorded validator set.
func (b *Block) TotalStake() uint64 {
	var total uint64
	for _, s := range b.Validators {
		total += s
	}
	return total
}

// NewBlock assembles an unsigned block for proposal with Hash unset; the
// caller sets it, via Sign or by assigning ComputeHash(), once Timestamp
// and the transaction list are final.
func NewBlock(number int64, lastHash, proposer string, txs []*Transaction, validators map[string]uint64) *Block {
	if txs == nil {
		txs = []*Transaction{}
	}
	if validators == nil {
		validators = map[string]uint64{}
	}
	return &Block{
		Number:       number,
		LastHash:     lastHash,
		Transactions: txs,
		Proposer:     proposer,
		Validators:   validators,
	}
}

// txIDBuffer builds a deterministic, length-prefixed encoding of a
// transaction ID list. Kept for callers that want a content digest of a
// block's transaction set independent of full block hashing.
func txIDBuffer(txs []*Transaction) []byte {
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, tx := range txs {
		id := []byte(tx.ID)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(id)))
		buf.Write(lenBuf[:])
		buf.Write(id)
	}
	return buf.Bytes()
}

// TxRoot returns a deterministic digest of a block's transaction IDs.
func TxRoot(txs []*Transaction) string {
	if len(txs) == 0 {
		return crypto.Hash([]byte("empty"))
	}
	return crypto.Hash(txIDBuffer(txs))
}
