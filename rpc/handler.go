package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/ainblock/ainchain/consensus"
	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/indexer"
	"github.com/ainblock/ainchain/nodestate"
)

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	view    *nodestate.Reconstructor
	engine  *consensus.Engine
	mempool *core.Mempool
	indexer *indexer.Indexer
}

// NewHandler creates an RPC Handler.
func NewHandler(view *nodestate.Reconstructor, engine *consensus.Engine, mempool *core.Mempool, idx *indexer.Indexer) *Handler {
	return &Handler{view: view, engine: engine, mempool: mempool, indexer: idx}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return h.getBlockHeight(req)

	case "getBlock":
		return h.getBlock(req)

	case "getBalance":
		return h.getBalance(req)

	case "getConsensusState":
		return h.getConsensusState(req)

	case "getValidatorSet":
		return h.getValidatorSet(req)

	case "getRegistrations":
		return h.getRegistrations(req)

	case "sendTx":
		return h.sendTx(req)

	case "getMempoolSize":
		return okResponse(req.ID, h.mempool.Size())

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlockHeight(req Request) Response {
	last := h.view.LastBlock()
	if last == nil {
		return okResponse(req.ID, int64(-1))
	}
	return okResponse(req.ID, last.Number)
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Height *int64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	var block *core.Block
	var err error
	if params.Height != nil {
		block, err = h.view.GetBlockByNumber(*params.Height)
	} else {
		block = h.view.LastBlock()
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if block == nil {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getValidatorSet(req Request) Response {
	var params struct {
		Height *int64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}

	var block *core.Block
	var err error
	if params.Height != nil {
		block, err = h.view.GetBlockByNumber(*params.Height)
	} else {
		block = h.view.LastBlock()
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if block == nil {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, block.Validators)
}

func (h *Handler) getBalance(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	live := h.view.Live()
	if live == nil {
		return errResponse(req.ID, CodeInternalError, "live state not initialized")
	}
	acc, err := live.GetAccount(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"address": params.Address, "balance": acc.Balance})
}

func (h *Handler) getConsensusState(req Request) Response {
	state := h.engine.State()
	return okResponse(req.ID, map[string]any{
		"status":   h.engine.Status().String(),
		"number":   state.Number,
		"round":    state.Round,
		"proposer": state.Proposer,
	})
}

func (h *Handler) getRegistrations(req Request) Response {
	var params struct {
		Number int64 `json:"number"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	ids, err := h.indexer.GetRegistrantsAtHeight(params.Number)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, ids)
}

func (h *Handler) sendTx(req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Recompute the ID server-side; do not trust the client-provided value.
	tx.ID = tx.Hash()
	if err := h.mempool.Add(&tx); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"tx_id": tx.ID})
}
