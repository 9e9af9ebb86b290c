package consensus

import "github.com/ainblock/ainchain/core"

// MessageType discriminates the consensus wire protocol. PROPOSE is the
// only variant today; handleConsensusMessage matches exhaustively with a
// default drop arm so a future kind introduced by a newer peer can never
// panic an older one.
type MessageType string

// MsgPropose carries a candidate block for the current height.
const MsgPropose MessageType = "PROPOSE"

// ConsensusMessage is the tagged union the protocol exchanges. Propose is
// populated (and only meaningful) when Type == MsgPropose.
type ConsensusMessage struct {
	Type    MessageType `json:"type"`
	Propose *core.Block `json:"value,omitempty"`
}
