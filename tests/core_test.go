package tests

import (
	"testing"
	"time"

	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/crypto"
	"github.com/ainblock/ainchain/wallet"
)

// TestKeyGenAndAddress verifies that key generation and address derivation work.
func TestKeyGenAndAddress(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if len(pub.Hex()) != 64 {
		t.Errorf("pubkey hex length: got %d want 64", len(pub.Hex()))
	}
	addr := pub.Address()
	if len(addr) != 40 {
		t.Errorf("address length: got %d want 40", len(addr))
	}
	// Roundtrip: derived public key should match
	derived := priv.Public()
	if derived.Hex() != pub.Hex() {
		t.Error("derived public key does not match")
	}
}

// TestSignVerify ensures Sign/Verify round-trips correctly.
func TestSignVerify(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("hello ainchain")
	sig := crypto.Sign(priv, data)
	if err := crypto.Verify(pub, data, sig); err != nil {
		t.Errorf("valid signature failed: %v", err)
	}
	if err := crypto.Verify(pub, []byte("tampered"), sig); err == nil {
		t.Error("tampered data should fail verification")
	}
}

// TestPrivKeyFromSeedIsDeterministic ensures the same seed always derives
// the same key pair, and distinct seeds derive distinct pairs.
func TestPrivKeyFromSeedIsDeterministic(t *testing.T) {
	seed := crypto.HashBytes([]byte("seed-material"))
	priv1, err := crypto.PrivKeyFromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	priv2, err := crypto.PrivKeyFromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	if priv1.Public().Hex() != priv2.Public().Hex() {
		t.Error("same seed should derive the same public key")
	}

	otherSeed := crypto.HashBytes([]byte("different-material"))
	priv3, err := crypto.PrivKeyFromSeed(otherSeed)
	if err != nil {
		t.Fatal(err)
	}
	if priv1.Public().Hex() == priv3.Public().Hex() {
		t.Error("different seeds should derive different public keys")
	}
}

// TestTransactionSignVerify ensures transaction signing and verification work.
func TestTransactionSignVerify(t *testing.T) {
	w, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}

	tx := w.Transfer(0, 0, "deadbeef", 100)
	if tx.ID == "" {
		t.Error("tx ID should be set after signing")
	}
	if err := tx.Verify(); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	// Tamper with the amount to check that verification catches it.
	tx.Op.Amount = 999
	if err := tx.Verify(); err == nil {
		t.Error("tampered tx should fail verification")
	}
}

// TestBlockHash ensures that hashing a block is deterministic.
func TestBlockHash(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(1, "0000", pub.Hex(), nil, nil)
	block.Sign(priv)

	if block.Hash == "" {
		t.Error("hash should be set after signing")
	}
	// Re-compute and compare
	if block.ComputeHash() != block.Hash {
		t.Error("ComputeHash() does not match stored hash")
	}
}

// TestMempool verifies add/dedupe/pending operations.
func TestMempool(t *testing.T) {
	mp := core.NewMempool()
	w, _ := wallet.Generate()

	tx := w.Transfer(0, time.Now().UnixNano(), "aa", 1)
	if err := mp.Add(tx); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if mp.Size() != 1 {
		t.Errorf("size: got %d want 1", mp.Size())
	}
	// Duplicate should fail
	if err := mp.Add(tx); err == nil {
		t.Error("adding duplicate tx should fail")
	}

	pending := mp.GetValidTransactions(10)
	if len(pending) != 1 {
		t.Errorf("pending: got %d want 1", len(pending))
	}

	block := core.NewBlock(1, "0000", w.PubKey(), []*core.Transaction{tx}, nil)
	mp.CleanUpForNewBlock(block)
	if mp.Size() != 0 {
		t.Error("pool should be empty after cleanup")
	}
}
