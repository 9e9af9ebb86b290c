package consensus

import (
	"context"
	"testing"

	"github.com/ainblock/ainchain/config"
	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/events"
	"github.com/ainblock/ainchain/internal/testutil"
	"github.com/ainblock/ainchain/nodestate"
	"github.com/ainblock/ainchain/storage"
)

type fakeView struct {
	last      *core.Block
	blocks    map[int64]*core.Block
	live      *storage.PathDB
	localAddr string

	desynced    bool
	addedBlocks []*core.Block
	addErr      error
}

func (f *fakeView) LastBlock() *core.Block { return f.last }

func (f *fakeView) GetBlockByNumber(n int64) (*core.Block, error) {
	if b, ok := f.blocks[n]; ok {
		return b, nil
	}
	return nil, core.ErrNotFound
}

func (f *fakeView) Live() *storage.PathDB { return f.live }

func (f *fakeView) AddNewBlock(block *core.Block) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.addedBlocks = append(f.addedBlocks, block)
	f.last = block
	f.blocks[block.Number] = block
	return nil
}

func (f *fakeView) CreateTransaction(data nodestate.TxData, isNoncedTransaction bool) *core.Transaction {
	return &core.Transaction{Address: f.localAddr, Nonce: -1, Op: data.Op, OpList: data.OpList, SkipVerif: true}
}

func (f *fakeView) PendingTransactions(n int) []*core.Transaction { return nil }

func (f *fakeView) LocalAddress() string { return f.localAddr }

func (f *fakeView) MarkDesynced() { f.desynced = true }

type fakeTransport struct {
	broadcasts    []*ConsensusMessage
	chainRequests []*core.Block
	executed      []*core.Transaction
	executedBcast []*core.Transaction
}

func (f *fakeTransport) BroadcastConsensusMessage(msg *ConsensusMessage) error {
	f.broadcasts = append(f.broadcasts, msg)
	return nil
}

func (f *fakeTransport) ExecuteAndBroadcastTransaction(tx *core.Transaction) error {
	f.executedBcast = append(f.executedBcast, tx)
	return nil
}

func (f *fakeTransport) ExecuteTransaction(tx *core.Transaction) error {
	f.executed = append(f.executed, tx)
	return nil
}

func (f *fakeTransport) RequestChainSubsection(refBlock *core.Block) error {
	f.chainRequests = append(f.chainRequests, refBlock)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		MaxConsensusStateDB: 100,
		TransitionTimeoutMS: 1,
		ProposalTimeoutMS:   100_000,
		DayMS:               86_400_000,
	}
}

// S4 — future-message catch-up: a valid PROPOSE for a height ahead of the
// engine's current state must trigger a chain-subsection request and mark
// the node desynced, without committing anything.
func TestHandleConsensusMessageFutureHeightTriggersCatchUp(t *testing.T) {
	block4 := &core.Block{Number: 4, Hash: "hash4"}
	view := &fakeView{last: block4, blocks: map[int64]*core.Block{4: block4}, live: testutil.NewPathDB(), localAddr: "A"}
	transport := &fakeTransport{}
	emitter := events.NewEmitter()

	e := New(testConfig(), "A", view, transport, emitter, nil)
	e.status = StatusRunning
	e.state = ConsensusState{Number: 5, Round: 0, Proposer: "A"}

	msg := &ConsensusMessage{Type: MsgPropose, Propose: &core.Block{Number: 9, Hash: "future"}}
	e.handleConsensusMessage(context.Background(), msg)

	if !view.desynced {
		t.Fatal("expected the node to be marked desynced")
	}
	if len(transport.chainRequests) != 1 || transport.chainRequests[0] != block4 {
		t.Fatalf("expected exactly one chain subsection request for the last block, got %+v", transport.chainRequests)
	}
	if len(view.addedBlocks) != 0 {
		t.Fatalf("expected no block to be committed, got %d", len(view.addedBlocks))
	}
	if len(transport.broadcasts) != 0 {
		t.Fatalf("expected no rebroadcast, got %d", len(transport.broadcasts))
	}
}

// Stale messages (number < current) must be silently dropped: no catch-up,
// no commit, no broadcast.
func TestHandleConsensusMessageStaleHeightDropped(t *testing.T) {
	view := &fakeView{last: &core.Block{Number: 4, Hash: "hash4"}, blocks: map[int64]*core.Block{}, live: testutil.NewPathDB(), localAddr: "A"}
	transport := &fakeTransport{}
	e := New(testConfig(), "A", view, transport, events.NewEmitter(), nil)
	e.status = StatusRunning
	e.state = ConsensusState{Number: 5, Round: 0, Proposer: "A"}

	msg := &ConsensusMessage{Type: MsgPropose, Propose: &core.Block{Number: 3, Hash: "stale"}}
	e.handleConsensusMessage(context.Background(), msg)

	if view.desynced {
		t.Fatal("a stale message must not mark the node desynced")
	}
	if len(transport.chainRequests) != 0 {
		t.Fatal("a stale message must not trigger a catch-up request")
	}
}

// S3 — round advance on timeout: a (number, round) that fires while the
// engine is still waiting at that exact round advances the round, rewrites
// the proposer with the round-shifted seed, and a subsequent stale firing
// for the superseded round is ignored.
func TestHandleTimeoutAdvancesRoundAndReelectsProposer(t *testing.T) {
	seedBlock := &core.Block{Number: 1, Hash: "deadbeef"}
	validators := map[string]uint64{"A": 100, "B": 100, "C": 100}
	seedBlock.Validators = validators

	view := &fakeView{
		last:      seedBlock,
		blocks:    map[int64]*core.Block{1: seedBlock},
		live:      testutil.NewPathDB(),
		localAddr: "not-a-validator",
	}
	transport := &fakeTransport{}
	e := New(testConfig(), "not-a-validator", view, transport, events.NewEmitter(), nil)
	e.status = StatusRunning
	e.running.Store(true)
	e.state = ConsensusState{Number: 2, Round: 0, Proposer: "B"}

	e.handleTimeout(context.Background(), RoundKey{Number: 2, Round: 0})

	got := e.State()
	if got.Round != 1 {
		t.Fatalf("expected round to advance to 1, got %d", got.Round)
	}
	if got.Proposer != "C" {
		t.Fatalf("expected re-election with the round-1 seed to pick C, got %q", got.Proposer)
	}

	// A stale firing for the superseded (2,0) must be ignored.
	e.handleTimeout(context.Background(), RoundKey{Number: 2, Round: 0})
	still := e.State()
	if still.Round != 1 || still.Proposer != "C" {
		t.Fatalf("stale timeout must not change state, got round=%d proposer=%q", still.Round, still.Proposer)
	}
}

func TestCheckProposalRequiresExpectedProposer(t *testing.T) {
	view := &fakeView{last: &core.Block{Number: 0}, blocks: map[int64]*core.Block{}, live: testutil.NewPathDB(), localAddr: "A"}
	e := New(testConfig(), "A", view, &fakeTransport{}, events.NewEmitter(), nil)
	e.state = ConsensusState{Number: 1, Round: 0, Proposer: "B"}

	if e.checkProposal(&core.Block{Proposer: "C"}) {
		t.Fatal("expected rejection of a block from an unelected proposer")
	}
	if !e.checkProposal(&core.Block{Proposer: "B"}) {
		t.Fatal("expected acceptance of a block from the elected proposer")
	}
}

func TestGetStakeAtNumberEarlyHeightsAreZero(t *testing.T) {
	view := &fakeView{last: &core.Block{Number: 0}, blocks: map[int64]*core.Block{}, live: testutil.NewPathDB(), localAddr: "A"}
	e := New(testConfig(), "A", view, &fakeTransport{}, events.NewEmitter(), nil)

	for _, n := range []int64{0, 1} {
		stake, err := e.getStakeAtNumber(n, "A")
		if err != nil {
			t.Fatalf("getStakeAtNumber(%d): unexpected error: %v", n, err)
		}
		if stake != 0 {
			t.Fatalf("getStakeAtNumber(%d) = %d, want 0", n, stake)
		}
	}
}

func TestGetStakeAtNumberMissingPreviousBlockIsLocalStateCorruption(t *testing.T) {
	view := &fakeView{last: &core.Block{Number: 0}, blocks: map[int64]*core.Block{}, live: testutil.NewPathDB(), localAddr: "A"}
	e := New(testConfig(), "A", view, &fakeTransport{}, events.NewEmitter(), nil)

	_, err := e.getStakeAtNumber(5, "A")
	if err == nil {
		t.Fatal("expected an error when the previous block cannot be found")
	}
}
