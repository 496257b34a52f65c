package types

import (
	"math/big"
	"time"
)

// SessionStatus is the session lifecycle state. Transitions are strictly
// one-way: none -> active -> closing -> settled, with error as a sink.
type SessionStatus string

const (
	SessionNone    SessionStatus = "none"
	SessionActive  SessionStatus = "active"
	SessionClosing SessionStatus = "closing"
	SessionSettled SessionStatus = "settled"
	SessionError   SessionStatus = "error"
)

// ExecutionType records where a swap was applied.
type ExecutionType string

const (
	ExecutionOffchain ExecutionType = "offchain"
	ExecutionOnchain  ExecutionType = "onchain"
)

// SessionBalance tracks a single asset inside a session. PnL is the derived
// difference Amount - InitialAmount and is kept in sync on every mutation.
type SessionBalance struct {
	Asset         Asset    `json:"asset"`
	Amount        *big.Int `json:"amount"`
	InitialAmount *big.Int `json:"initialAmount"`
	PnL           *big.Int `json:"pnl"`
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (b *SessionBalance) Copy() *SessionBalance {
	if b == nil {
		return nil
	}
	clone := &SessionBalance{Asset: b.Asset}
	if b.Amount != nil {
		clone.Amount = new(big.Int).Set(b.Amount)
	}
	if b.InitialAmount != nil {
		clone.InitialAmount = new(big.Int).Set(b.InitialAmount)
	}
	if b.PnL != nil {
		clone.PnL = new(big.Int).Set(b.PnL)
	}
	return clone
}

// SwapProposal is a not-yet-accepted swap request. The id is unique within a
// session. Amounts are smallest-unit integers of the respective asset.
type SwapProposal struct {
	ID                 string    `json:"id"`
	TokenIn            Asset     `json:"tokenIn"`
	TokenOut           Asset     `json:"tokenOut"`
	AmountIn           *big.Int  `json:"amountIn"`
	EstimatedAmountOut *big.Int  `json:"estimatedAmountOut"`
	MaxSlippageBps     uint32    `json:"maxSlippageBps"`
	Dex                string    `json:"dex"`
	Timestamp          time.Time `json:"timestamp"`
}

// SwapResult records an applied (or executed) swap.
type SwapResult struct {
	ProposalID    string        `json:"proposalId"`
	Success       bool          `json:"success"`
	TokenIn       Asset         `json:"tokenIn"`
	TokenOut      Asset         `json:"tokenOut"`
	AmountIn      *big.Int      `json:"amountIn"`
	AmountOut     *big.Int      `json:"amountOut"`
	ExecutedPrice string        `json:"executedPrice"`
	ExecutionType ExecutionType `json:"executionType"`
	Timestamp     time.Time     `json:"timestamp"`
}

// SessionState is the full off-chain view of one session. It is owned
// exclusively by the session manager; callers receive copies.
type SessionState struct {
	SessionID        string                    `json:"sessionId"`
	Status           SessionStatus             `json:"status"`
	Balances         map[Asset]*SessionBalance `json:"balances"`
	History          []*SwapResult             `json:"history"`
	OpenedAt         time.Time                 `json:"openedAt"`
	ClosedAt         *time.Time                `json:"closedAt,omitempty"`
	SettlementTxHash string                    `json:"settlementTxHash,omitempty"`
	Degraded         bool                      `json:"degraded,omitempty"`
}

// Copy deep-copies the session state.
func (s *SessionState) Copy() *SessionState {
	if s == nil {
		return nil
	}
	clone := &SessionState{
		SessionID:        s.SessionID,
		Status:           s.Status,
		Balances:         make(map[Asset]*SessionBalance, len(s.Balances)),
		History:          make([]*SwapResult, len(s.History)),
		OpenedAt:         s.OpenedAt,
		SettlementTxHash: s.SettlementTxHash,
		Degraded:         s.Degraded,
	}
	for asset, bal := range s.Balances {
		clone.Balances[asset] = bal.Copy()
	}
	for i, h := range s.History {
		hc := *h
		if h.AmountIn != nil {
			hc.AmountIn = new(big.Int).Set(h.AmountIn)
		}
		if h.AmountOut != nil {
			hc.AmountOut = new(big.Int).Set(h.AmountOut)
		}
		clone.History[i] = &hc
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		clone.ClosedAt = &t
	}
	return clone
}

// SettlementRecord is the parsed result of an on-chain settlement.
type SettlementRecord struct {
	SessionID     string         `json:"sessionId"`
	WalletAddress string         `json:"walletAddress"`
	Balances      map[Asset]*big.Int `json:"balances"`
	TxHash        string         `json:"txHash"`
	BlockNumber   uint64         `json:"blockNumber"`
	Timestamp     time.Time      `json:"timestamp"`
}
