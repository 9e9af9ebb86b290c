package config

import (
	"fmt"

	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/crypto"
	"github.com/ainblock/ainchain/storage"
)

// CreateGenesisBlock builds and signs block #0 from the config's Alloc
// map, crediting every listed address in state before computing the
// consensus-update-free genesis block. Unlike every later block, genesis
// carries no consensus-update transaction — there is no prior height to
// register against.
func CreateGenesisBlock(cfg *Config, state *storage.PathDB, proposerPriv crypto.PrivateKey) (*core.Block, error) {
	proposerPub := proposerPriv.Public()

	for address, balance := range cfg.Genesis.Alloc {
		if err := state.SetAccount(&core.Account{Address: address, Balance: balance}); err != nil {
			return nil, fmt.Errorf("credit genesis alloc %s: %w", address, err)
		}
	}
	if err := state.Commit(); err != nil {
		return nil, fmt.Errorf("commit genesis state: %w", err)
	}

	block := core.NewBlock(0, core.GenesisLastHash, proposerPub.Hex(), nil, nil)
	block.Sign(proposerPriv)
	return block, nil
}
