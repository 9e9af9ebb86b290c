// Package consensus implements the proposer-election and
// proposal-acceptance state machine: round timeouts, stake queries, and
// staking/registration emission on top of a node state view and an
// outbound transport.
package consensus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ainblock/ainchain/config"
	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/events"
	"github.com/ainblock/ainchain/nodestate"
)

// Status is the engine's lifecycle state.
type Status int

// maxProposalTransactions bounds how many pool transactions a single
// proposal pulls in, independent of the pool's own capacity.
const maxProposalTransactions = 1000

const (
	StatusStarting Status = iota
	StatusInitialized
	StatusRunning
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "STARTING"
	case StatusInitialized:
		return "INITIALIZED"
	case StatusRunning:
		return "RUNNING"
	case StatusStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ConsensusState is the height/round/proposer currently being decided.
// It is rebuilt from the chain on startup and never persisted.
type ConsensusState struct {
	Number   int64
	Round    int
	Proposer string
}

// Engine is the proposer-election and proposal-acceptance state machine.
// It owns ConsensusState and the round timer exclusively; the block store
// and state db are owned by view.
type Engine struct {
	cfg       *config.Config
	localAddr string
	view      NodeView
	transport TransportOut
	emitter   *events.Emitter
	index     RegistrationIndex
	timer     *Timer

	mu     sync.Mutex
	status Status
	state  ConsensusState

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an Engine. localAddr is the node's own address (hex ed25519
// pubkey), used to decide whether it is the elected proposer and to build
// locally-originated transactions. index may be nil, in which case
// getValidatorsVotedFor falls back to a full prefix scan of the path
// tree; production wiring passes the node's *indexer.Indexer so that
// query instead does one targeted point read per known registrant.
func New(cfg *config.Config, localAddr string, view NodeView, transport TransportOut, emitter *events.Emitter, index RegistrationIndex) *Engine {
	return &Engine{
		cfg:       cfg,
		localAddr: localAddr,
		view:      view,
		transport: transport,
		emitter:   emitter,
		index:     index,
		timer:     NewTimer(),
		status:    StatusStarting,
	}
}

// Status returns the engine's current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// State returns a copy of the current consensus state.
func (e *Engine) State() ConsensusState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Init computes the starting height and stake, emits a stake deposit if
// configured and none exists yet, then starts the engine. Any failure
// rewinds status to STARTING so a caller may retry.
func (e *Engine) Init() error {
	last := e.view.LastBlock()
	lastNumber := int64(-1)
	if last != nil {
		lastNumber = last.Number
	}

	e.mu.Lock()
	e.state = ConsensusState{Number: lastNumber + 1, Round: 0}
	e.status = StatusInitialized
	e.mu.Unlock()

	currentStake, err := e.currentStake()
	if err != nil {
		e.mu.Lock()
		e.status = StatusStarting
		e.mu.Unlock()
		return fmt.Errorf("consensus init: %w", err)
	}
	if currentStake == 0 && e.cfg.Stake > 0 {
		if err := e.Stake(int64(e.cfg.Stake)); err != nil {
			e.mu.Lock()
			e.status = StatusStarting
			e.mu.Unlock()
			return fmt.Errorf("consensus init: emit stake deposit: %w", err)
		}
	}

	e.Start()
	return nil
}

// currentStake reports the local validator's weight at the height the
// engine is about to decide. For height 1 it reads the deposit account
// directly; for later heights it defers to the previous block's
// recorded validator set via getStakeAtNumber.
func (e *Engine) currentStake() (uint64, error) {
	e.mu.Lock()
	number := e.state.Number
	e.mu.Unlock()

	if number == 1 {
		return getValidConsensusDeposit(e.view.Live(), e.localAddr, nowMs(), e.cfg.DayMS), nil
	}
	return e.getStakeAtNumber(number, e.localAddr)
}

// getStakeAtNumber returns addr's recorded stake in the validator set
// that elected block n. Heights at or below 1 have no prior block to
// read, so stake is defined as 0. Failing to find block n-1 for n > 1 is
// a local state corruption: the chain is inconsistent with the engine's
// own bookkeeping.
func (e *Engine) getStakeAtNumber(n int64, addr string) (uint64, error) {
	if n <= 1 {
		return 0, nil
	}
	prev, err := e.view.GetBlockByNumber(n - 1)
	if err != nil || prev == nil {
		return 0, fmt.Errorf("%w: missing block %d for stake lookup", ErrLocalStateCorruption, n-1)
	}
	return prev.Validators[addr], nil
}

// Start transitions to RUNNING and kicks off the first height/round
// evaluation.
func (e *Engine) Start() {
	e.mu.Lock()
	e.status = StatusRunning
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.ctx = ctx
	e.cancel = cancel
	e.mu.Unlock()
	e.running.Store(true)
	e.updateToState(ctx)
}

// HandleConsensusMessage is the exported inbound entry point the network
// layer calls when a PROPOSE (or, in the future, another consensus
// message kind) arrives from a peer.
func (e *Engine) HandleConsensusMessage(msg *ConsensusMessage) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		return
	}
	e.handleConsensusMessage(ctx, msg)
}

// Stop transitions to STOPPED and cancels any pending timer or
// in-flight trampoline.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.status = StatusStopped
	e.mu.Unlock()

	e.running.Store(false)
	if e.cancel != nil {
		e.cancel()
	}
	e.timer.Cancel()
	e.wg.Wait()
}

// updateToState advances to the next height, resets the round, and
// re-elects the proposer, then trampolines into tryPropose after a short
// yield so deep commit→propose call chains never grow the stack.
func (e *Engine) updateToState(ctx context.Context) {
	last := e.view.LastBlock()
	lastNumber := int64(-1)
	if last != nil {
		lastNumber = last.Number
	}

	e.mu.Lock()
	if e.state.Number > lastNumber+1 {
		e.mu.Unlock()
		log.Printf("[consensus] updateToState: state ahead of chain (state=%d, lastNumber=%d), aborting", e.state.Number, lastNumber)
		return
	}
	e.state.Number = lastNumber + 1
	e.state.Round = 0
	e.state.Proposer = e.selectProposerForState(e.state.Number, e.state.Round)
	e.mu.Unlock()

	delay := time.Duration(e.cfg.TransitionTimeoutMS) * time.Millisecond
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if !e.running.Load() {
			return
		}
		e.tryPropose(ctx)
	}()
}

// validatorSetForNumber returns the validator set in effect for height n:
// the previous block's recorded validators, or (for height 1 only) the
// local node's own configured stake.
func (e *Engine) validatorSetForNumber(n int64) map[string]uint64 {
	if n == 1 {
		if e.cfg.Stake > 0 {
			return map[string]uint64{e.localAddr: e.cfg.Stake}
		}
		return map[string]uint64{}
	}
	prev, err := e.view.GetBlockByNumber(n - 1)
	if err != nil || prev == nil {
		return map[string]uint64{}
	}
	return prev.Validators
}

// seedBlockFor returns the block whose hash seeds proposer election for
// height n: the last block itself for early heights, or the block
// MaxConsensusStateDB positions back once the chain is long enough that a
// stable lookback target exists.
func (e *Engine) seedBlockFor(n int64) *core.Block {
	if n <= e.cfg.MaxConsensusStateDB {
		return e.view.LastBlock()
	}
	b, err := e.view.GetBlockByNumber(n - e.cfg.MaxConsensusStateDB)
	if err != nil {
		return e.view.LastBlock()
	}
	return b
}

// selectProposerForState resolves the validator set and seed block for
// (number, round) and runs the deterministic election.
func (e *Engine) selectProposerForState(number int64, round int) string {
	validators := e.validatorSetForNumber(number)
	if len(validators) == 0 {
		return ""
	}
	seedBlock := e.seedBlockFor(number)
	if seedBlock == nil {
		return ""
	}
	return selectProposer(validators, seedBlock.Hash, round)
}

// tryPropose arms the round timeout and, if locally elected, builds and
// dispatches a proposal as though it had arrived from the network.
func (e *Engine) tryPropose(ctx context.Context) {
	e.mu.Lock()
	number, round, proposer := e.state.Number, e.state.Round, e.state.Proposer
	e.mu.Unlock()

	key := RoundKey{Number: number, Round: round}
	d := time.Duration(e.cfg.ProposalTimeoutMS) * time.Millisecond
	e.timer.Arm(key, d, func(firedKey RoundKey) { e.handleTimeout(ctx, firedKey) })

	if proposer != e.localAddr || proposer == "" {
		return
	}

	block, err := e.createBlockProposal(number, round, proposer)
	if err != nil {
		log.Printf("[consensus] createBlockProposal failed at height %d: %v", number, err)
		return
	}
	e.handleConsensusMessage(ctx, &ConsensusMessage{Type: MsgPropose, Propose: block})
}

// createBlockProposal assembles a candidate block for blockNumber: the
// pending pool transactions plus a trailing consensus-update transaction
// that records this height's validator set and, once the retained window
// is exceeded, garbage-collects the aged-out record.
func (e *Engine) createBlockProposal(blockNumber int64, round int, proposer string) (*core.Block, error) {
	last := e.view.LastBlock()
	if last == nil {
		return nil, fmt.Errorf("%w: no last block to propose from", ErrLocalStateCorruption)
	}

	pending := e.view.PendingTransactions(maxProposalTransactions)

	votes := getValidatorsVotedFor(e.view.Live(), e.index, last.Number)
	validators := make(map[string]uint64, len(votes))
	var total uint64
	for addr, rec := range votes {
		if rec.BlockHash == last.Hash {
			validators[addr] = rec.Stake
			total += rec.Stake
		}
	}

	record := ProposeRecord{
		Number:       blockNumber,
		Validators:   validators,
		TotalAtStake: total,
		Proposer:     proposer,
	}

	var updateTx *core.Transaction
	if blockNumber <= e.cfg.MaxConsensusStateDB {
		updateTx = e.view.CreateTransaction(nodestate.TxData{
			Op: &core.Operation{Type: core.OpSetValue, Path: proposePath(blockNumber), Value: mustMarshal(record)},
		}, false)
	} else {
		agedOut := blockNumber - e.cfg.MaxConsensusStateDB
		updateTx = e.view.CreateTransaction(nodestate.TxData{
			OpList: []core.Operation{
				{Type: core.OpSetValue, Path: proposePath(blockNumber), Value: mustMarshal(record)},
				{Type: core.OpSetValue, Path: proposePath(agedOut), Value: nil},
			},
		}, false)
	}

	if err := e.transport.ExecuteTransaction(updateTx); err != nil {
		return nil, fmt.Errorf("execute consensus-update transaction: %w", err)
	}

	txs2 := append(pending, updateTx)
	block := core.NewBlock(blockNumber, last.Hash, proposer, txs2, validators)
	block.Timestamp = time.Now().UnixNano() / int64(time.Millisecond)
	block.Hash = block.ComputeHash()

	e.emitter.Emit(events.Event{
		Type:        events.EventProposalMade,
		BlockHeight: blockNumber,
		Data:        map[string]any{"proposer": proposer, "round": round},
	})
	return block, nil
}

// handleConsensusMessage is the sole inbound entry point: proposals
// arriving from the network and locally-constructed proposals both flow
// through here.
func (e *Engine) handleConsensusMessage(ctx context.Context, msg *ConsensusMessage) {
	if e.Status() != StatusRunning {
		return
	}
	if msg == nil || msg.Type != MsgPropose || msg.Propose == nil {
		log.Printf("[consensus] dropping malformed consensus message")
		return
	}
	block := msg.Propose

	e.mu.Lock()
	current := e.state.Number
	e.mu.Unlock()

	switch {
	case block.Number < current:
		return // stale, silent drop
	case block.Number > current:
		e.view.MarkDesynced()
		if err := e.transport.RequestChainSubsection(e.view.LastBlock()); err != nil {
			log.Printf("[consensus] requestChainSubsection failed: %v", err)
		}
		e.emitter.Emit(events.Event{Type: events.EventConsensusDesynced, BlockHeight: current, Data: map[string]any{"received": block.Number}})
		return
	}

	if !e.checkProposal(block) {
		log.Printf("[consensus] %v: proposal at height %d failed checks", ErrProtocolViolation, block.Number)
		return
	}

	e.commit(ctx, block)
	if err := e.transport.BroadcastConsensusMessage(msg); err != nil {
		log.Printf("[consensus] rebroadcast failed: %v", err)
	}
}

// checkProposal reports whether block is acceptable at the current round:
// it must come from the elected proposer. The block's content is not
// validated: neither its hash nor its last_hash link to the chain head is
// checked here, and the block store's append checks only that the number
// follows the head.
func (e *Engine) checkProposal(block *core.Block) bool {
	e.mu.Lock()
	expected := e.state.Proposer
	e.mu.Unlock()
	return block.Proposer == expected && expected != ""
}

// commit appends block, emits a registration if the local node has
// stake, and advances to the next height.
func (e *Engine) commit(ctx context.Context, block *core.Block) {
	if err := e.view.AddNewBlock(block); err != nil {
		log.Printf("[consensus] addNewBlock failed for height %d: %v", block.Number, err)
		return
	}

	e.emitter.Emit(events.Event{Type: events.EventBlockCommitted, BlockHeight: block.Number, Data: map[string]any{"proposer": block.Proposer}})

	if err := e.tryRegister(block); err != nil {
		log.Printf("[consensus] tryRegister failed for height %d: %v", block.Number, err)
	}

	e.updateToState(ctx)
}

// tryRegister emits and broadcasts a registration attesting that the
// local node voted block as the selected block of its height, provided
// the local node currently holds stake.
func (e *Engine) tryRegister(block *core.Block) error {
	localStake, err := e.getStakeAtNumber(block.Number, e.localAddr)
	if err != nil {
		return err
	}
	if localStake == 0 {
		return nil
	}

	rec := RegisterRecord{BlockHash: block.Hash, Stake: localStake}
	tx := e.view.CreateTransaction(nodestate.TxData{
		Op: &core.Operation{Type: core.OpSetValue, Path: registerPath(block.Number, e.localAddr), Value: mustMarshal(rec)},
	}, false)

	if err := e.transport.ExecuteAndBroadcastTransaction(tx); err != nil {
		return fmt.Errorf("broadcast registration: %w", err)
	}
	e.emitter.Emit(events.Event{Type: events.EventRegistrationEmitted, BlockHeight: block.Number, Data: map[string]any{"address": e.localAddr, "stake": localStake}})
	return nil
}

// handleTimeout fires when the armed (number, round) elapses without a
// committed proposal. A stale firing (the engine has since moved on) is
// ignored; otherwise the round advances and a new proposer is elected.
func (e *Engine) handleTimeout(ctx context.Context, key RoundKey) {
	e.mu.Lock()
	if key.Number != e.state.Number || key.Round < e.state.Round {
		e.mu.Unlock()
		return
	}
	e.state.Round = key.Round + 1
	e.state.Proposer = e.selectProposerForState(e.state.Number, e.state.Round)
	number, round := e.state.Number, e.state.Round
	e.mu.Unlock()

	e.emitter.Emit(events.Event{Type: events.EventRoundTimeout, BlockHeight: number, Data: map[string]any{"round": round}})

	if !e.running.Load() {
		return
	}
	e.tryPropose(ctx)
}

// Stake emits a deposit push request for amount. Non-positive amounts are
// ignored.
func (e *Engine) Stake(amount int64) error {
	if amount <= 0 {
		return nil
	}
	pushID := newPushID(nowMs())
	tx := e.view.CreateTransaction(nodestate.TxData{
		Op: &core.Operation{Type: core.OpSetValue, Path: depositPushPath(e.localAddr, pushID), Value: mustMarshal(amount)},
	}, false)
	if err := e.transport.ExecuteAndBroadcastTransaction(tx); err != nil {
		return fmt.Errorf("broadcast deposit: %w", err)
	}
	e.emitter.Emit(events.Event{Type: events.EventDepositEmitted, Data: map[string]any{"address": e.localAddr, "amount": amount}})
	return nil
}

func nowMs() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
