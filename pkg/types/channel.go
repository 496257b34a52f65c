package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChannelStatus is the state-channel lifecycle state. prefund -> open ->
// running -> closing -> finalized, no transition reversible.
type ChannelStatus string

const (
	ChannelPrefund   ChannelStatus = "prefund"
	ChannelOpen      ChannelStatus = "open"
	ChannelRunning   ChannelStatus = "running"
	ChannelClosing   ChannelStatus = "closing"
	ChannelFinalized ChannelStatus = "finalized"
)

// ChannelState is one numbered, co-signed snapshot of session balances.
// StateHash is the keccak digest of the canonical encoding of
// (channelId, turnNum, balances); both signatures recover to the two
// participants over the personal-prefixed hash.
type ChannelState struct {
	ChannelID  string             `json:"channelId"`
	TurnNum    uint64             `json:"turnNum"`
	Balances   map[Asset]*big.Int `json:"balances"`
	StateHash  common.Hash        `json:"stateHash"`
	Signatures [2][]byte          `json:"signatures"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Copy deep-copies the state so history entries stay immutable.
func (s *ChannelState) Copy() *ChannelState {
	if s == nil {
		return nil
	}
	clone := &ChannelState{
		ChannelID: s.ChannelID,
		TurnNum:   s.TurnNum,
		Balances:  make(map[Asset]*big.Int, len(s.Balances)),
		StateHash: s.StateHash,
		Timestamp: s.Timestamp,
	}
	for asset, amt := range s.Balances {
		clone.Balances[asset] = new(big.Int).Set(amt)
	}
	for i := range s.Signatures {
		clone.Signatures[i] = append([]byte(nil), s.Signatures[i]...)
	}
	return clone
}

// ChannelSession is the ledger's view of one channel: exactly two
// participants, the current state, and the ordered state history.
type ChannelSession struct {
	ChannelID    string            `json:"channelId"`
	Status       ChannelStatus     `json:"status"`
	Participants [2]common.Address `json:"participants"`
	CurrentState *ChannelState     `json:"currentState"`
	StateHistory []*ChannelState   `json:"stateHistory"`
	OpenedAt     time.Time         `json:"openedAt"`
	ClosedAt     *time.Time        `json:"closedAt,omitempty"`
}

// Copy deep-copies the channel session.
func (c *ChannelSession) Copy() *ChannelSession {
	if c == nil {
		return nil
	}
	clone := &ChannelSession{
		ChannelID:    c.ChannelID,
		Status:       c.Status,
		Participants: c.Participants,
		CurrentState: c.CurrentState.Copy(),
		StateHistory: make([]*ChannelState, len(c.StateHistory)),
		OpenedAt:     c.OpenedAt,
	}
	for i, st := range c.StateHistory {
		clone.StateHistory[i] = st.Copy()
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		clone.ClosedAt = &t
	}
	return clone
}
