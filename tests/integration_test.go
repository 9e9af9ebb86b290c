package tests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/ainblock/ainchain/config"
	"github.com/ainblock/ainchain/consensus"
	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/events"
	"github.com/ainblock/ainchain/indexer"
	"github.com/ainblock/ainchain/internal/testutil"
	"github.com/ainblock/ainchain/network"
	"github.com/ainblock/ainchain/nodestate"
	"github.com/ainblock/ainchain/rpc"
	"github.com/ainblock/ainchain/storage"
	"github.com/ainblock/ainchain/wallet"
)

// rpcCall is a helper that sends a JSON-RPC request and decodes the result.
func rpcCall(t *testing.T, url, method string, params any) json.RawMessage {
	t.Helper()
	body := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	}
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("rpc %s: %v", method, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		t.Fatalf("rpc %s decode: %v (raw: %s)", method, err, raw)
	}
	if rpcResp.Error != nil {
		t.Fatalf("rpc %s error: [%d] %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result
}

// waitHeight waits until the chain height reaches at least target.
func waitHeight(t *testing.T, url string, target int64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		result := rpcCall(t, url, "getBlockHeight", map[string]any{})
		var h int64
		json.Unmarshal(result, &h)
		if h >= target {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for chain height")
}

// startSoloNode starts a full single-validator node (P2P + RPC + consensus)
// that stakes itself at genesis and so mints every subsequent block alone.
func startSoloNode(t *testing.T, w *wallet.Wallet, allocTo *wallet.Wallet, allocAmount uint64) (rpcURL string) {
	t.Helper()

	cfg := &config.Config{
		NodeID: "solo-node",
		Genesis: config.GenesisConfig{
			ChainID: "integration-test",
			Alloc: map[string]uint64{
				w.PubKey():       5_000_000,
				allocTo.PubKey(): allocAmount,
			},
		},
		Stake:                 1_000,
		MaxConsensusStateDB:   100,
		TransitionTimeoutMS:   5,
		ProposalTimeoutMS:     2_000,
		DayMS:                 86_400_000,
		ChainSubsectionLength: 20,
	}

	db := testutil.NewMemDB()
	snapshotDB := storage.NewPathDB(db)
	blockStore := storage.NewBlockStore(t.TempDir(), snapshotDB, cfg.ChainSubsectionLength)
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

	node := network.NewNode(cfg.NodeID, ":0", mempool, view, nil)
	network.NewSyncer(node, blockStore)
	engine := consensus.New(cfg, w.PubKey(), view, node, emitter, idx)
	node.SetConsensusHandler(engine.HandleConsensusMessage)

	if err := node.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(node.Stop)

	rpcServer := rpc.NewServer(":0", rpc.NewHandler(view, engine, mempool, idx), "")
	if err := rpcServer.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rpcServer.Stop() })

	if err := engine.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Stop)

	return fmt.Sprintf("http://%s/", rpcServer.Addr().String())
}

// TestSoloNodeMintsBlocksAndRegisters verifies that a single staked
// validator advances the chain on its own and that each committed height
// is reflected in the registration index.
func TestSoloNodeMintsBlocksAndRegisters(t *testing.T) {
	validator, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}

	url := startSoloNode(t, validator, receiver, 100_000)
	waitHeight(t, url, 2)

	result := rpcCall(t, url, "getRegistrations", map[string]any{"number": 1})
	var registrants []string
	json.Unmarshal(result, &registrants)
	if len(registrants) != 1 || registrants[0] != validator.PubKey() {
		t.Fatalf("registrants at height 1: got %v, want [%s]", registrants, validator.PubKey())
	}
}

// TestSoloNodeAppliesTransfer verifies that a signed transfer submitted via
// sendTx is eventually committed and reflected in both balances.
func TestSoloNodeAppliesTransfer(t *testing.T) {
	validator, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}

	url := startSoloNode(t, validator, receiver, 100_000)
	waitHeight(t, url, 1)

	tx := validator.Transfer(0, time.Now().UnixNano(), receiver.PubKey(), 25_000)
	data, err := json.Marshal(tx)
	if err != nil {
		t.Fatal(err)
	}
	result := rpcCall(t, url, "sendTx", json.RawMessage(data))
	var sent struct {
		TxID string `json:"tx_id"`
	}
	json.Unmarshal(result, &sent)
	if sent.TxID == "" {
		t.Fatal("expected a tx_id in sendTx response")
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		result = rpcCall(t, url, "getBalance", map[string]string{"address": receiver.PubKey()})
		var bal struct {
			Balance uint64 `json:"balance"`
		}
		json.Unmarshal(result, &bal)
		if bal.Balance == 125_000 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for transfer to apply")
}
