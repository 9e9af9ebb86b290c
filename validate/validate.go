// Package validate holds the chain-level predicates the block store uses
// to accept or reject a sequence of blocks. Every function here is pure: no I/O, no mutable state.
package validate

import (
	"errors"
	"fmt"

	"github.com/ainblock/ainchain/core"
)

// ErrEmptyChain is returned by ValidateChainFromGenesis when given no
// blocks at all.
var ErrEmptyChain = errors.New("empty chain")

// ErrNotGenesis is returned when the first block of a from-genesis check
// does not match the expected genesis block.
var ErrNotGenesis = errors.New("chain does not start at the canonical genesis block")

// ValidateChainSubsection checks that every block in chain chains to its
// predecessor by hash and that every block's own hash is internally
// consistent. It does not check against any external genesis or prior
// local state — callers with that context use ValidateChainFromGenesis
// or check the boundary block themselves (as the block store's merge
// does against its local last block).
func ValidateChainSubsection(chain []*core.Block) error {
	for i, b := range chain {
		if err := b.VerifyHashes(); err != nil {
			return fmt.Errorf("chain subsection: %w", err)
		}
		if i == 0 {
			continue
		}
		prev := chain[i-1]
		if b.LastHash != prev.Hash {
			return fmt.Errorf("chain subsection: block %d last_hash %q does not match block %d hash %q",
				b.Number, b.LastHash, prev.Number, prev.Hash)
		}
		if b.Number != prev.Number+1 {
			return fmt.Errorf("chain subsection: block numbers not contiguous: %d after %d", b.Number, prev.Number)
		}
	}
	return nil
}

// ValidateChainFromGenesis checks that chain[0] is exactly genesis and
// that the remainder forms a valid subsection off of it.
func ValidateChainFromGenesis(chain []*core.Block, genesis *core.Block) error {
	if len(chain) == 0 {
		return ErrEmptyChain
	}
	if chain[0].Hash != genesis.Hash || chain[0].Number != genesis.Number {
		return ErrNotGenesis
	}
	return ValidateChainSubsection(chain)
}
