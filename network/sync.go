package network

import (
	"encoding/json"
	"log"

	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/storage"
)

// ChainSubsectionRequest carries the reference block a peer last saw,
// used to ask another node for everything past it.
type ChainSubsectionRequest struct {
	RefBlock *core.Block `json:"ref_block"`
}

// ChainSubsectionResponse carries the blocks a peer serves in answer to
// a ChainSubsectionRequest.
type ChainSubsectionResponse struct {
	Blocks []*core.Block `json:"blocks"`
}

// Syncer answers and issues chain-subsection requests on top of the
// local block store, implementing the "longest-chain wins at sync time"
// reconciliation the engine's requestChainSubsection outbound call
// depends on.
type Syncer struct {
	node  *Node
	store *storage.BlockStore
}

// NewSyncer wires a Syncer's handlers onto node.
func NewSyncer(node *Node, store *storage.BlockStore) *Syncer {
	s := &Syncer{node: node, store: store}
	node.Handle(MsgChainSubsectionReq, s.handleChainSubsectionRequest)
	node.Handle(MsgChainSubsection, s.handleChainSubsection)
	return s
}

func (s *Syncer) handleChainSubsectionRequest(peer *Peer, msg Message) {
	var req ChainSubsectionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		log.Printf("[sync] unmarshal chain subsection request: %v", err)
		return
	}
	if req.RefBlock == nil {
		return
	}
	section, err := s.store.RequestBlockchainSection(req.RefBlock)
	if err != nil {
		log.Printf("[sync] serve chain subsection from %s: %v", peer.ID, err)
		return
	}
	data, err := json.Marshal(ChainSubsectionResponse{Blocks: section})
	if err != nil {
		log.Printf("[sync] marshal chain subsection response: %v", err)
		return
	}
	if err := peer.Send(Message{Type: MsgChainSubsection, Payload: data}); err != nil {
		log.Printf("[sync] send chain subsection to %s: %v", peer.ID, err)
	}
}

func (s *Syncer) handleChainSubsection(peer *Peer, msg Message) {
	var resp ChainSubsectionResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		log.Printf("[sync] unmarshal chain subsection response: %v", err)
		return
	}
	if err := s.store.Merge(resp.Blocks); err != nil {
		log.Printf("[sync] merge chain subsection from %s: %v", peer.ID, err)
	}
}
