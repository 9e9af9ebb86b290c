package tests

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ainblock/ainchain/config"
	"github.com/ainblock/ainchain/consensus"
	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/events"
	"github.com/ainblock/ainchain/indexer"
	"github.com/ainblock/ainchain/internal/testutil"
	"github.com/ainblock/ainchain/nodestate"
	"github.com/ainblock/ainchain/rpc"
	"github.com/ainblock/ainchain/storage"
	"github.com/ainblock/ainchain/wallet"
)

// noopTransport discards every outbound call a lone-node test has no peers
// to send to.
type noopTransport struct{}

func (noopTransport) BroadcastConsensusMessage(*consensus.ConsensusMessage) error { return nil }
func (noopTransport) ExecuteAndBroadcastTransaction(tx *core.Transaction) error   { return nil }
func (noopTransport) ExecuteTransaction(*core.Transaction) error                 { return nil }
func (noopTransport) RequestChainSubsection(*core.Block) error                   { return nil }

// newTestHandler builds an RPC handler on top of a freshly initialized
// single-node chain: genesis only, no committed blocks beyond that.
func newTestHandler(t *testing.T) (*rpc.Handler, *wallet.Wallet) {
	t.Helper()
	w, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		NodeID:              "test-node",
		DataDir:             t.TempDir(),
		Genesis:             config.GenesisConfig{ChainID: "test-chain", Alloc: map[string]uint64{w.PubKey(): 1_000_000}},
		Stake:               0,
		MaxConsensusStateDB: 100,
		TransitionTimeoutMS: 1,
		ProposalTimeoutMS:   100_000,
		DayMS:               86_400_000,
	}

	db := testutil.NewMemDB()
	snapshotDB := storage.NewPathDB(db)
	blockStore := storage.NewBlockStore(t.TempDir(), snapshotDB, 20)
	mempool := core.NewMempool()
	view := nodestate.New(blockStore, snapshotDB, mempool, w.PrivKey())

	genesis, err := config.CreateGenesisBlock(cfg, snapshotDB, w.PrivKey())
	if err != nil {
		t.Fatal(err)
	}
	if err := view.Init(true, genesis); err != nil {
		t.Fatal(err)
	}

	emitter := events.NewEmitter()
	idx := indexer.New(db, emitter)
	engine := consensus.New(cfg, w.PubKey(), view, noopTransport{}, emitter, idx)
	if err := engine.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Stop)

	return rpc.NewHandler(view, engine, mempool, idx), w
}

func dispatch(handler *rpc.Handler, method string, params any) rpc.Response {
	raw, _ := json.Marshal(params)
	return handler.Dispatch(rpc.Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  raw,
	})
}

// TestRPCGetBlockHeight verifies that getBlockHeight reports the genesis
// block right after a single-node chain starts.
func TestRPCGetBlockHeight(t *testing.T) {
	handler, _ := newTestHandler(t)
	resp := dispatch(handler, "getBlockHeight", struct{}{})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	var height int64
	switch v := resp.Result.(type) {
	case int64:
		height = v
	case float64:
		height = int64(v)
	default:
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	if height != 0 {
		t.Errorf("height: got %d want 0", height)
	}
}

// TestRPCGetBalance verifies getBalance returns the genesis allocation for
// the node's own key and zero for an unknown account.
func TestRPCGetBalance(t *testing.T) {
	handler, w := newTestHandler(t)

	resp := dispatch(handler, "getBalance", map[string]string{"address": w.PubKey()})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type: %T", resp.Result)
	}
	balance, _ := result["balance"].(uint64)
	if balance != 1_000_000 {
		t.Errorf("balance: got %v want 1000000", balance)
	}

	resp = dispatch(handler, "getBalance", map[string]string{"address": "nonexistent"})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	result, _ = resp.Result.(map[string]any)
	balance, _ = result["balance"].(uint64)
	if balance != 0 {
		t.Errorf("balance: got %v want 0", balance)
	}
}

// TestRPCGetMempoolSize verifies getMempoolSize returns 0 for an empty mempool.
func TestRPCGetMempoolSize(t *testing.T) {
	handler, _ := newTestHandler(t)
	resp := dispatch(handler, "getMempoolSize", struct{}{})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	size, _ := resp.Result.(int)
	if size != 0 {
		t.Errorf("mempool size: got %d want 0", size)
	}
}

// TestRPCSendTx verifies a signed transaction submitted via sendTx lands in
// the mempool and getMempoolSize reflects it.
func TestRPCSendTx(t *testing.T) {
	handler, w := newTestHandler(t)

	other, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	tx := w.Transfer(0, time.Now().UnixNano(), other.PubKey(), 10)
	raw, err := json.Marshal(tx)
	if err != nil {
		t.Fatal(err)
	}
	resp := handler.Dispatch(rpc.Request{JSONRPC: "2.0", ID: 1, Method: "sendTx", Params: raw})
	if resp.Error != nil {
		t.Fatalf("sendTx error: %v", resp.Error.Message)
	}

	resp = dispatch(handler, "getMempoolSize", struct{}{})
	size, _ := resp.Result.(int)
	if size != 1 {
		t.Errorf("mempool size after sendTx: got %d want 1", size)
	}
}

// TestRPCGetConsensusState verifies the consensus state reflects the
// height the engine is currently trying to decide.
func TestRPCGetConsensusState(t *testing.T) {
	handler, _ := newTestHandler(t)
	resp := dispatch(handler, "getConsensusState", struct{}{})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type: %T", resp.Result)
	}
	number, _ := result["number"].(int64)
	if number != 1 {
		t.Errorf("consensus number: got %v want 1 (genesis is height 0)", result["number"])
	}
}

// TestRPCMethodNotFound verifies that unknown methods return a -32601 error.
func TestRPCMethodNotFound(t *testing.T) {
	handler, _ := newTestHandler(t)
	resp := dispatch(handler, "nonExistentMethod", struct{}{})
	if resp.Error == nil {
		t.Error("expected error for unknown method")
	}
	if resp.Error.Code != rpc.CodeMethodNotFound {
		t.Errorf("error code: got %d want %d", resp.Error.Code, rpc.CodeMethodNotFound)
	}
}
