package wallet

import (
	"fmt"

	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/crypto"
)

// Wallet holds a key pair and provides transaction-building helpers.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// ForIndex derives a deterministic Wallet at index from masterSeed, for
// nodes that run without a keystore file and are given an account_index
// to select a key by instead (config.Config.AccountIndex).
func ForIndex(masterSeed []byte, index int) (*Wallet, error) {
	material := append(append([]byte{}, masterSeed...), []byte(fmt.Sprintf(":%d", index))...)
	seed := crypto.HashBytes(material)

	priv, err := crypto.PrivKeyFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("derive wallet at index %d: %w", index, err)
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded ed25519 public key (used as "from" address).
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// Address returns the short human-readable address (first 20 bytes of SHA-256(pubkey)).
func (w *Wallet) Address() string {
	return w.pub.Address()
}

// NewSetValueTx creates a signed single-operation transaction.
func (w *Wallet) NewSetValueTx(nonce, timestamp int64, path string, value any) (*core.Transaction, error) {
	tx, err := core.NewSetValueTx(w.pub.Hex(), nonce, timestamp, path, value)
	if err != nil {
		return nil, err
	}
	tx.Sign(w.priv)
	return tx, nil
}

// Transfer creates a signed native-token transfer transaction.
func (w *Wallet) Transfer(nonce, timestamp int64, to string, amount uint64) *core.Transaction {
	tx := core.NewTransferTx(w.pub.Hex(), nonce, timestamp, to, amount)
	tx.Sign(w.priv)
	return tx
}
