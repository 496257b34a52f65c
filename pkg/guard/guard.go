// Package guard mirrors the on-chain PolicyGuard and SessionVault contracts
// in Go: the same validation, replay, and event semantics, bit-for-bit with
// the deployed bytecode. It backs the local settlement backend and the test
// suite; production settlements reach the real contracts through
// pkg/contractclient instead.
package guard

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrAlreadySettled marks a replayed session id.
	ErrAlreadySettled = errors.New("session already settled")
	// ErrUnauthorized marks a caller outside the allowed role.
	ErrUnauthorized = errors.New("unauthorized caller")
	// ErrValidationFailed marks a settlement outside the policy mirror.
	ErrValidationFailed = errors.New("settlement validation failed")
)

// PolicyMirror is the guard's on-chain copy of the off-chain policy:
// absolute per-session settlement caps, the token allow-set, and the policy
// fingerprint anchored off-chain.
type PolicyMirror struct {
	MaxSettlementUsdc *big.Int
	MaxSettlementEth  *big.Int
	AllowedTokens     []common.Address
	PolicyHash        [32]byte
}

// Copy deep-copies the mirror.
func (p PolicyMirror) Copy() PolicyMirror {
	clone := p
	if p.MaxSettlementUsdc != nil {
		clone.MaxSettlementUsdc = new(big.Int).Set(p.MaxSettlementUsdc)
	}
	if p.MaxSettlementEth != nil {
		clone.MaxSettlementEth = new(big.Int).Set(p.MaxSettlementEth)
	}
	clone.AllowedTokens = append([]common.Address(nil), p.AllowedTokens...)
	return clone
}

// PolicyUpdatedEvent mirrors the PolicyUpdated(oldHash, newHash, timestamp)
// contract event.
type PolicyUpdatedEvent struct {
	OldHash   [32]byte
	NewHash   [32]byte
	Timestamp time.Time
}

// PolicyGuard re-validates settlements and owns the replay map. markSettled
// is callable only by the bound vault so an adversarial caller cannot burn a
// session id.
type PolicyGuard struct {
	mu      sync.Mutex
	owner   common.Address
	vault   common.Address
	policy  PolicyMirror
	settled map[[32]byte]bool
	updates []PolicyUpdatedEvent
}

// NewPolicyGuard deploys a guard owned by owner with the initial mirror.
func NewPolicyGuard(owner common.Address, policy PolicyMirror) *PolicyGuard {
	return &PolicyGuard{
		owner:   owner,
		policy:  policy.Copy(),
		settled: make(map[[32]byte]bool),
	}
}

// BindVault fixes the vault address allowed to call MarkSettled. Owner only,
// one-shot.
func (g *PolicyGuard) BindVault(caller, vault common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if caller != g.owner {
		return fmt.Errorf("%w: %s is not the guard owner", ErrUnauthorized, caller.Hex())
	}
	if g.vault != (common.Address{}) {
		return fmt.Errorf("vault already bound to %s", g.vault.Hex())
	}
	g.vault = vault
	return nil
}

// ValidateSettlement is the read-only pre-check: replay, per-session caps,
// and the token allow-set. The same checks run again inside the settlement
// transaction.
func (g *PolicyGuard) ValidateSettlement(sessionID [32]byte, token common.Address, usdcAmount, ethAmount *big.Int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validateLocked(sessionID, token, usdcAmount, ethAmount)
}

func (g *PolicyGuard) validateLocked(sessionID [32]byte, token common.Address, usdcAmount, ethAmount *big.Int) error {
	if g.settled[sessionID] {
		return fmt.Errorf("%w: %x", ErrAlreadySettled, sessionID)
	}
	if usdcAmount != nil && g.policy.MaxSettlementUsdc != nil && usdcAmount.Cmp(g.policy.MaxSettlementUsdc) > 0 {
		return fmt.Errorf("%w: usdc %s exceeds cap %s",
			ErrValidationFailed, usdcAmount, g.policy.MaxSettlementUsdc)
	}
	if ethAmount != nil && g.policy.MaxSettlementEth != nil && ethAmount.Cmp(g.policy.MaxSettlementEth) > 0 {
		return fmt.Errorf("%w: eth %s exceeds cap %s",
			ErrValidationFailed, ethAmount, g.policy.MaxSettlementEth)
	}
	if usdcAmount != nil && usdcAmount.Sign() > 0 && !g.tokenAllowedLocked(token) {
		return fmt.Errorf("%w: token %s not allowed", ErrValidationFailed, token.Hex())
	}
	return nil
}

// MarkSettled flips the replay bit. Only the bound vault may call it; it
// runs no validation of its own (the vault's settlement path uses
// validateAndMark to validate and mark in one step).
func (g *PolicyGuard) MarkSettled(caller common.Address, sessionID [32]byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.vault == (common.Address{}) || caller != g.vault {
		return fmt.Errorf("%w: markSettled restricted to the vault", ErrUnauthorized)
	}
	if g.settled[sessionID] {
		return fmt.Errorf("%w: %x", ErrAlreadySettled, sessionID)
	}
	g.settled[sessionID] = true
	return nil
}

// validateAndMark runs both halves atomically for the vault's settlement
// path.
func (g *PolicyGuard) validateAndMark(caller common.Address, sessionID [32]byte, token common.Address, usdcAmount, ethAmount *big.Int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.vault == (common.Address{}) || caller != g.vault {
		return fmt.Errorf("%w: settlement restricted to the vault", ErrUnauthorized)
	}
	if err := g.validateLocked(sessionID, token, usdcAmount, ethAmount); err != nil {
		return err
	}
	g.settled[sessionID] = true
	return nil
}

// UpdatePolicy swaps the mirror. Owner only; emits the old->new hash
// transition.
func (g *PolicyGuard) UpdatePolicy(caller common.Address, policy PolicyMirror) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if caller != g.owner {
		return fmt.Errorf("%w: %s is not the guard owner", ErrUnauthorized, caller.Hex())
	}
	g.updates = append(g.updates, PolicyUpdatedEvent{
		OldHash:   g.policy.PolicyHash,
		NewHash:   policy.PolicyHash,
		Timestamp: time.Now().UTC(),
	})
	g.policy = policy.Copy()
	return nil
}

// GetPolicy returns the current mirror.
func (g *PolicyGuard) GetPolicy() PolicyMirror {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy.Copy()
}

// PolicyHash returns the anchored fingerprint.
func (g *PolicyGuard) PolicyHash() [32]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy.PolicyHash
}

// IsTokenAllowed checks the allow-set.
func (g *PolicyGuard) IsTokenAllowed(token common.Address) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokenAllowedLocked(token)
}

func (g *PolicyGuard) tokenAllowedLocked(token common.Address) bool {
	for _, allowed := range g.policy.AllowedTokens {
		if allowed == token {
			return true
		}
	}
	return false
}

// SettledSessions reads the replay map.
func (g *PolicyGuard) SettledSessions(sessionID [32]byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settled[sessionID]
}

// PolicyUpdates returns the emitted PolicyUpdated events in order.
func (g *PolicyGuard) PolicyUpdates() []PolicyUpdatedEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]PolicyUpdatedEvent(nil), g.updates...)
}
