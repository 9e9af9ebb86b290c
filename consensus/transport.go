package consensus

import (
	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/nodestate"
	"github.com/ainblock/ainchain/storage"
)

// TransportOut is everything the engine needs from the outside world: the
// network layer for broadcasting and chain-subsection requests, and the
// local execution path for transactions the engine constructs itself.
// network.Node implements this; the engine holds only the interface so
// network code never needs to be imported here.
type TransportOut interface {
	BroadcastConsensusMessage(msg *ConsensusMessage) error
	ExecuteAndBroadcastTransaction(tx *core.Transaction) error
	ExecuteTransaction(tx *core.Transaction) error
	RequestChainSubsection(refBlock *core.Block) error
}

// NodeView is the narrow slice of the node state reconstructor the
// engine depends on, kept as an interface so tests can substitute a fake
// without pulling in the real block store and path tree.
type NodeView interface {
	LastBlock() *core.Block
	GetBlockByNumber(n int64) (*core.Block, error)
	Live() *storage.PathDB
	AddNewBlock(block *core.Block) error
	CreateTransaction(data nodestate.TxData, isNoncedTransaction bool) *core.Transaction
	PendingTransactions(n int) []*core.Transaction
	LocalAddress() string
	MarkDesynced()
}
