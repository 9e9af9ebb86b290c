package core

import "errors"

// ErrNotFound is returned when a requested object does not exist in
// storage or in the state path tree.
var ErrNotFound = errors.New("not found")

// Account is the minimal ledger entry the TRANSFER operation needs.
// Address is the hex-encoded ed25519 public key.
type Account struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}
