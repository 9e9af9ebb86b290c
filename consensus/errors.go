package consensus

import "errors"

// Sentinel errors naming the error taxonomy the engine distinguishes.
// They are kinds, not exhaustive types — callers wrap these with errors.Is
// rather than switching on a concrete error type.
var (
	// ErrProtocolViolation covers a malformed message, a wrong proposer,
	// or a proposal that fails block-level validation. The message is
	// dropped; the engine never crashes on it.
	ErrProtocolViolation = errors.New("consensus: protocol violation")
	// ErrLocalStateCorruption covers failing to find a block this node
	// expects to exist (e.g. the previous block during a stake lookup).
	// It is fatal to the in-flight call and rewinds status to STARTING.
	ErrLocalStateCorruption = errors.New("consensus: local state corruption")
	// ErrMergeRejection covers a chain section that cannot be connected
	// to the local chain. The caller may retry with another peer.
	ErrMergeRejection = errors.New("consensus: merge rejected")
)
