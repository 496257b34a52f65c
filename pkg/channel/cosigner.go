package channel

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nikillxh/sentinel/pkg/types"
)

// CoSigner is the counterparty transport adapter. The ledger hands it an
// outbound operator-signed state and expects the counterparty signature
// back. Production binds this to the broker's message bus; tests and
// single-process deployments use LocalCoSigner. Re-delivery of the same
// (channelId, turnNum) must return the same signature.
type CoSigner interface {
	Address() common.Address
	CounterSign(ctx context.Context, state *types.ChannelState, operatorSig []byte) ([]byte, error)
}

// LocalCoSigner is a deterministic in-process counterparty: it re-derives
// the canonical hash, refuses anything that does not match, and signs with
// its own key. geth's ECDSA signing is deterministic, so re-delivery is
// idempotent by construction.
type LocalCoSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address

	mu   sync.Mutex
	seen map[string][]byte // channelId/turnNum -> signature
}

// NewLocalCoSigner wraps a counterparty key.
func NewLocalCoSigner(key *ecdsa.PrivateKey) *LocalCoSigner {
	return &LocalCoSigner{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
		seen: make(map[string][]byte),
	}
}

// Address implements CoSigner.
func (s *LocalCoSigner) Address() common.Address {
	return s.addr
}

// CounterSign implements CoSigner. It validates the state hash against the
// canonical encoding before signing; a mismatched hash is a hard refusal.
func (s *LocalCoSigner) CounterSign(_ context.Context, state *types.ChannelState, operatorSig []byte) ([]byte, error) {
	expected := StateHash(state.ChannelID, state.TurnNum, state.Balances)
	if expected != state.StateHash {
		return nil, fmt.Errorf("state hash mismatch for %s turn %d", state.ChannelID, state.TurnNum)
	}
	if len(operatorSig) == 0 {
		return nil, fmt.Errorf("missing operator signature for %s turn %d", state.ChannelID, state.TurnNum)
	}

	key := fmt.Sprintf("%s/%d", state.ChannelID, state.TurnNum)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig, ok := s.seen[key]; ok {
		return append([]byte(nil), sig...), nil
	}
	sig, err := crypto.Sign(signingDigest(state.StateHash), s.key)
	if err != nil {
		return nil, fmt.Errorf("counterparty signing failed: %w", err)
	}
	s.seen[key] = sig
	return append([]byte(nil), sig...), nil
}
