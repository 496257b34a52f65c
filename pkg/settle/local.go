package settle

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nikillxh/sentinel/pkg/guard"
)

// LocalBackend settles against the in-process guard and vault. Used in
// tests and RPC-less deployments; semantics match the chain path, including
// replay rejection.
type LocalBackend struct {
	guardRef *guard.PolicyGuard
	vault    *guard.Vault
	operator common.Address

	mu     sync.Mutex
	events map[string]*Event
	blocks uint64
}

// NewLocalBackend wires the reference contracts. operator is the caller
// identity for vault calls (owner or entry point).
func NewLocalBackend(g *guard.PolicyGuard, v *guard.Vault, operator common.Address) *LocalBackend {
	return &LocalBackend{
		guardRef: g,
		vault:    v,
		operator: operator,
		events:   make(map[string]*Event),
	}
}

// ValidateSettlement implements Backend.
func (b *LocalBackend) ValidateSettlement(_ context.Context, sessionID [32]byte, token common.Address, usdcAmount, ethAmount *big.Int) error {
	return b.guardRef.ValidateSettlement(sessionID, token, usdcAmount, ethAmount)
}

// SubmitSettlement implements Backend. The synthesized transaction hash is
// derived from (sessionID, local block counter) and stored with its event, so
// a retried wait finds the same event.
func (b *LocalBackend) SubmitSettlement(_ context.Context, sessionID [32]byte, token common.Address, usdcDelta, ethDelta *big.Int) (string, error) {
	event, err := b.vault.SettleSession(b.operator, sessionID, token, usdcDelta, ethDelta)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks++
	txHash := "0x" + hex.EncodeToString(crypto.Keccak256(sessionID[:], []byte{byte(b.blocks)}))
	b.events[txHash] = &Event{
		SessionID:   event.SessionID,
		Operator:    event.Operator,
		UsdcDelta:   event.UsdcDelta,
		EthDelta:    event.EthDelta,
		Timestamp:   event.Timestamp,
		TxHash:      txHash,
		BlockNumber: b.blocks,
	}
	return txHash, nil
}

// WaitForSettlement implements Backend. Local settlement confirms
// immediately.
func (b *LocalBackend) WaitForSettlement(_ context.Context, txHash string) (*Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	event, ok := b.events[txHash]
	if !ok {
		return nil, fmt.Errorf("unknown settlement transaction %s", txHash)
	}
	return event, nil
}
