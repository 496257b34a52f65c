// Package channel keeps the authoritative off-chain balance sheet as a
// sequence of monotonically numbered, co-signed states. One ledger owns one
// channel at a time; a finalized channel can be replaced by opening anew.
package channel

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nikillxh/sentinel/pkg/types"
)

var (
	// ErrInvalidTransition marks a lifecycle call in the wrong status.
	ErrInvalidTransition = errors.New("invalid channel transition")
	// ErrSignatureMismatch marks a signature that does not recover to the
	// expected participant. The prior turn stays authoritative.
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrUpdateTimeout marks a counterparty round-trip that exceeded the
	// bounded window; the caller rolls back and may retry.
	ErrUpdateTimeout = errors.New("channel update timed out")
)

const defaultUpdateTimeout = 30 * time.Second

// Ledger produces and stores co-signed channel states.
type Ledger struct {
	operatorKey  *ecdsa.PrivateKey
	operatorAddr common.Address
	cosigner     CoSigner
	timeout      time.Duration

	mu      sync.Mutex
	session *types.ChannelSession
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithUpdateTimeout bounds each counterparty signature round-trip.
func WithUpdateTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.timeout = d }
}

// NewLedger builds a ledger for an operator key and a counterparty adapter.
func NewLedger(operatorKey *ecdsa.PrivateKey, cosigner CoSigner, opts ...Option) *Ledger {
	l := &Ledger{
		operatorKey:  operatorKey,
		operatorAddr: crypto.PubkeyToAddress(operatorKey.PublicKey),
		cosigner:     cosigner,
		timeout:      defaultUpdateTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OperatorAddress returns the ledger's signing identity.
func (l *Ledger) OperatorAddress() common.Address {
	return l.operatorAddr
}

// Open creates the turn-0 state over the initial balances, collects both
// signatures, and moves the channel prefund -> open -> running. Legal only
// when no channel exists or the previous one is finalized.
func (l *Ledger) Open(ctx context.Context, channelID string, initial map[types.Asset]*big.Int) (*types.ChannelSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session != nil && l.session.Status != types.ChannelFinalized {
		return nil, fmt.Errorf("%w: open while channel %s is %s",
			ErrInvalidTransition, l.session.ChannelID, l.session.Status)
	}

	session := &types.ChannelSession{
		ChannelID:    channelID,
		Status:       types.ChannelPrefund,
		Participants: [2]common.Address{l.operatorAddr, l.cosigner.Address()},
		OpenedAt:     time.Now().UTC(),
	}

	state, err := l.buildSignedState(ctx, channelID, 0, initial)
	if err != nil {
		return nil, err
	}
	session.Status = types.ChannelOpen
	session.CurrentState = state
	session.StateHistory = []*types.ChannelState{state}
	session.Status = types.ChannelRunning
	l.session = session
	return session.Copy(), nil
}

// Update creates turn n+1 over the new balances and appends it once both
// signatures verify. Requires running. On any failure the prior turn stays
// authoritative and nothing is appended.
func (l *Ledger) Update(ctx context.Context, newBalances map[types.Asset]*big.Int) (*types.ChannelState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil || l.session.Status != types.ChannelRunning {
		return nil, fmt.Errorf("%w: update requires running channel", ErrInvalidTransition)
	}

	state, err := l.buildSignedState(ctx, l.session.ChannelID, l.session.CurrentState.TurnNum+1, newBalances)
	if err != nil {
		return nil, err
	}
	l.session.CurrentState = state
	l.session.StateHistory = append(l.session.StateHistory, state)
	return state.Copy(), nil
}

// Close produces the final co-signed turn over the current balances and
// moves the channel running -> closing -> finalized.
func (l *Ledger) Close(ctx context.Context) (*types.ChannelSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil || l.session.Status != types.ChannelRunning {
		return nil, fmt.Errorf("%w: close requires running channel", ErrInvalidTransition)
	}
	l.session.Status = types.ChannelClosing

	state, err := l.buildSignedState(ctx, l.session.ChannelID,
		l.session.CurrentState.TurnNum+1, l.session.CurrentState.Balances)
	if err != nil {
		// The channel stays closing: no further updates are admitted, and a
		// later Close fails with ErrInvalidTransition.
		return nil, err
	}
	l.session.CurrentState = state
	l.session.StateHistory = append(l.session.StateHistory, state)
	l.session.Status = types.ChannelFinalized
	now := time.Now().UTC()
	l.session.ClosedAt = &now
	return l.session.Copy(), nil
}

// LatestHash returns the digest of the newest fully-signed state.
func (l *Ledger) LatestHash() (common.Hash, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil || l.session.CurrentState == nil {
		return common.Hash{}, false
	}
	return l.session.CurrentState.StateHash, true
}

// Channel returns a copy of the current channel session.
func (l *Ledger) Channel() (*types.ChannelSession, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil, false
	}
	return l.session.Copy(), true
}

// buildSignedState assembles one turn: canonical hash, operator signature,
// counterparty signature via the adapter, then recovery checks on both.
func (l *Ledger) buildSignedState(ctx context.Context, channelID string, turnNum uint64, balances map[types.Asset]*big.Int) (*types.ChannelState, error) {
	snapshot := make(map[types.Asset]*big.Int, len(balances))
	for asset, amt := range balances {
		if amt.Sign() < 0 {
			return nil, fmt.Errorf("negative balance for %s", asset)
		}
		snapshot[asset] = new(big.Int).Set(amt)
	}

	state := &types.ChannelState{
		ChannelID: channelID,
		TurnNum:   turnNum,
		Balances:  snapshot,
		StateHash: StateHash(channelID, turnNum, snapshot),
		Timestamp: time.Now().UTC(),
	}

	operatorSig, err := crypto.Sign(signingDigest(state.StateHash), l.operatorKey)
	if err != nil {
		return nil, fmt.Errorf("operator signing failed: %w", err)
	}

	signCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	counterSig, err := l.cosigner.CounterSign(signCtx, state, operatorSig)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(signCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: turn %d", ErrUpdateTimeout, turnNum)
		}
		return nil, fmt.Errorf("counterparty signature for turn %d: %w", turnNum, err)
	}

	if err := l.verifySignature(state.StateHash, operatorSig, l.operatorAddr); err != nil {
		return nil, err
	}
	if err := l.verifySignature(state.StateHash, counterSig, l.cosigner.Address()); err != nil {
		return nil, err
	}

	state.Signatures = [2][]byte{operatorSig, counterSig}
	return state, nil
}

func (l *Ledger) verifySignature(stateHash common.Hash, sig []byte, expected common.Address) error {
	recovered, err := RecoverSigner(stateHash, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if recovered != expected {
		return fmt.Errorf("%w: recovered %s, expected %s",
			ErrSignatureMismatch, recovered.Hex(), expected.Hex())
	}
	return nil
}
