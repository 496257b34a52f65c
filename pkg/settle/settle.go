// Package settle encodes a finalized session for on-chain submission,
// drives the settlement transaction to one confirmation, and parses the
// resulting SessionSettled event.
package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nikillxh/sentinel/pkg/types"
)

var (
	// ErrPreValidation marks a settlement the guard rejected before any gas
	// was spent. Terminal for this close attempt; the session stays closing.
	ErrPreValidation = errors.New("settlement pre-validation rejected")
	// ErrNotClosing marks a settle call on a session in the wrong status.
	ErrNotClosing = errors.New("session is not closing")
)

// Event is a parsed SessionSettled occurrence.
type Event struct {
	SessionID   [32]byte
	Operator    common.Address
	UsdcDelta   *big.Int
	EthDelta    *big.Int
	Timestamp   time.Time
	TxHash      string
	BlockNumber uint64
}

// Backend abstracts where the guard and vault live: the deployed contracts
// (ChainBackend) or the in-process reference implementation (LocalBackend).
type Backend interface {
	// ValidateSettlement is the read-only pre-check against the guard.
	ValidateSettlement(ctx context.Context, sessionID [32]byte, token common.Address, usdcAmount, ethAmount *big.Int) error
	// SubmitSettlement sends the settlement transaction.
	SubmitSettlement(ctx context.Context, sessionID [32]byte, token common.Address, usdcDelta, ethDelta *big.Int) (string, error)
	// WaitForSettlement blocks until one confirmation and parses the event.
	WaitForSettlement(ctx context.Context, txHash string) (*Event, error)
}

// Settler converts a finalized session into a settlement record.
type Settler struct {
	backend Backend
	wallet  common.Address
}

// NewSettler binds a backend and the custodial wallet address recorded in
// settlement records.
func NewSettler(backend Backend, wallet common.Address) *Settler {
	return &Settler{backend: backend, wallet: wallet}
}

// SessionKey encodes a session identifier as its on-chain bytes32 form:
// keccak256 of the UTF-8 id.
func SessionKey(sessionID string) [32]byte {
	var key [32]byte
	copy(key[:], crypto.Keccak256([]byte(sessionID)))
	return key
}

// Settle runs the full pipeline: encode, pre-validate, submit, await one
// confirmation, parse the event. Transport failures after submission may be
// retried safely; the guard's replay map makes re-submission idempotent.
func (s *Settler) Settle(ctx context.Context, session *types.SessionState) (*types.SettlementRecord, error) {
	if session == nil {
		return nil, errors.New("nil session")
	}
	if session.Status != types.SessionClosing {
		return nil, fmt.Errorf("%w: status %s", ErrNotClosing, session.Status)
	}

	key := SessionKey(session.SessionID)
	usdcDelta, ethDelta := SessionDeltas(session)

	if err := s.backend.ValidateSettlement(ctx, key, types.AssetUSDC.Address(),
		new(big.Int).Abs(usdcDelta), new(big.Int).Abs(ethDelta)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPreValidation, err)
	}

	txHash, err := s.backend.SubmitSettlement(ctx, key, types.AssetUSDC.Address(), usdcDelta, ethDelta)
	if err != nil {
		return nil, fmt.Errorf("settlement submission failed: %w", err)
	}

	event, err := s.backend.WaitForSettlement(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("settlement confirmation failed: %w", err)
	}

	balances := make(map[types.Asset]*big.Int, len(session.Balances))
	for asset, bal := range session.Balances {
		balances[asset] = new(big.Int).Set(bal.Amount)
	}
	return &types.SettlementRecord{
		SessionID:     session.SessionID,
		WalletAddress: s.wallet.Hex(),
		Balances:      balances,
		TxHash:        event.TxHash,
		BlockNumber:   event.BlockNumber,
		Timestamp:     event.Timestamp,
	}, nil
}

// SessionDeltas computes the settlement deltas in on-chain integer units:
// USDC released from the deposit (initial - current) and ETH accumulated
// (current - initial).
func SessionDeltas(session *types.SessionState) (usdcDelta, ethDelta *big.Int) {
	usdcDelta = big.NewInt(0)
	ethDelta = big.NewInt(0)
	if bal, ok := session.Balances[types.AssetUSDC]; ok && bal.Amount != nil && bal.InitialAmount != nil {
		usdcDelta = new(big.Int).Sub(bal.InitialAmount, bal.Amount)
	}
	if bal, ok := session.Balances[types.AssetETH]; ok && bal.Amount != nil && bal.InitialAmount != nil {
		ethDelta = new(big.Int).Sub(bal.Amount, bal.InitialAmount)
	}
	return usdcDelta, ethDelta
}
