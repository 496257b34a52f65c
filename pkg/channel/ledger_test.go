package channel

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikillxh/sentinel/pkg/types"
)

func newTestLedger(t *testing.T) (*Ledger, *ecdsa.PrivateKey) {
	t.Helper()
	operatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	counterKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewLedger(operatorKey, NewLocalCoSigner(counterKey)), counterKey
}

func balances(usdc, eth int64) map[types.Asset]*big.Int {
	return map[types.Asset]*big.Int{
		types.AssetUSDC: big.NewInt(usdc),
		types.AssetETH:  big.NewInt(eth),
	}
}

func TestOpenProducesSignedTurnZero(t *testing.T) {
	ledger, _ := newTestLedger(t)

	session, err := ledger.Open(context.Background(), "chan-1", balances(1_000_000_000, 0))
	require.NoError(t, err)

	assert.Equal(t, types.ChannelRunning, session.Status)
	require.NotNil(t, session.CurrentState)
	assert.Equal(t, uint64(0), session.CurrentState.TurnNum)
	require.Len(t, session.StateHistory, 1)
	assert.Len(t, session.CurrentState.Signatures[0], 65)
	assert.Len(t, session.CurrentState.Signatures[1], 65)

	// Both signatures recover to the two participants.
	op, err := RecoverSigner(session.CurrentState.StateHash, session.CurrentState.Signatures[0])
	require.NoError(t, err)
	assert.Equal(t, session.Participants[0], op)
	cp, err := RecoverSigner(session.CurrentState.StateHash, session.CurrentState.Signatures[1])
	require.NoError(t, err)
	assert.Equal(t, session.Participants[1], cp)
}

func TestUpdateIncrementsTurnByOne(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_, err := ledger.Open(context.Background(), "chan-1", balances(1_000_000_000, 0))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		state, err := ledger.Update(context.Background(), balances(1_000_000_000-int64(i)*20_000_000, int64(i)*7_900_000))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), state.TurnNum)
	}

	session, ok := ledger.Channel()
	require.True(t, ok)
	assert.Equal(t, uint64(3), session.CurrentState.TurnNum)
	assert.Len(t, session.StateHistory, 4)
	// turnNum always equals len(stateHistory) - 1.
	assert.Equal(t, session.CurrentState.TurnNum, uint64(len(session.StateHistory)-1))
	for i, st := range session.StateHistory {
		assert.Equal(t, uint64(i), st.TurnNum)
	}
}

func TestCloseFinalizes(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_, err := ledger.Open(context.Background(), "chan-1", balances(1_000_000_000, 0))
	require.NoError(t, err)
	_, err = ledger.Update(context.Background(), balances(980_000_000, 7_900_000))
	require.NoError(t, err)

	session, err := ledger.Close(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.ChannelFinalized, session.Status)
	assert.Equal(t, uint64(2), session.CurrentState.TurnNum)
	assert.Len(t, session.StateHistory, 3)
	assert.NotNil(t, session.ClosedAt)
	// Final turn carries forward the last balances.
	assert.Equal(t, "980000000", session.CurrentState.Balances[types.AssetUSDC].String())
}

func TestLifecycleMisuse(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Update(ctx, balances(1, 0))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = ledger.Close(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = ledger.Open(ctx, "chan-1", balances(1_000_000_000, 0))
	require.NoError(t, err)

	_, err = ledger.Open(ctx, "chan-2", balances(1, 0))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = ledger.Close(ctx)
	require.NoError(t, err)

	_, err = ledger.Update(ctx, balances(1, 0))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = ledger.Close(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// A finalized channel may be replaced by a fresh open.
	_, err = ledger.Open(ctx, "chan-2", balances(5, 0))
	assert.NoError(t, err)
}

func TestRejectedCoSignatureAcceptsNoChannel(t *testing.T) {
	operatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	counterKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	rogueKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	// Adapter that signs with a key other than the address it advertises.
	rogue := &rogueCoSigner{advertised: NewLocalCoSigner(counterKey), signer: NewLocalCoSigner(rogueKey)}
	ledger := NewLedger(operatorKey, rogue)

	_, err = ledger.Open(context.Background(), "chan-1", balances(1_000_000_000, 0))
	assert.ErrorIs(t, err, ErrSignatureMismatch)
	_, ok := ledger.Channel()
	assert.False(t, ok, "no channel is accepted with a bad signature")
}

// rogueCoSigner advertises one participant address but signs with another.
type rogueCoSigner struct {
	advertised *LocalCoSigner
	signer     *LocalCoSigner
}

func (r *rogueCoSigner) Address() common.Address {
	return r.advertised.Address()
}

func (r *rogueCoSigner) CounterSign(ctx context.Context, state *types.ChannelState, operatorSig []byte) ([]byte, error) {
	return r.signer.CounterSign(ctx, state, operatorSig)
}

func TestUpdateFailureKeepsHistory(t *testing.T) {
	operatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	counterKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	flaky := &flakyCoSigner{inner: NewLocalCoSigner(counterKey)}
	ledger := NewLedger(operatorKey, flaky)

	_, err = ledger.Open(context.Background(), "chan-1", balances(1_000_000_000, 0))
	require.NoError(t, err)

	flaky.fail = true
	_, err = ledger.Update(context.Background(), balances(980_000_000, 7_900_000))
	require.Error(t, err)

	session, ok := ledger.Channel()
	require.True(t, ok)
	assert.Equal(t, uint64(0), session.CurrentState.TurnNum)
	assert.Len(t, session.StateHistory, 1)

	// Recovered transport: the next update lands on turn 1.
	flaky.fail = false
	state, err := ledger.Update(context.Background(), balances(980_000_000, 7_900_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.TurnNum)
}

func TestCounterSignIdempotentByTurn(t *testing.T) {
	counterKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	cosigner := NewLocalCoSigner(counterKey)

	bal := balances(1_000_000_000, 0)
	state := &types.ChannelState{
		ChannelID: "chan-1",
		TurnNum:   1,
		Balances:  bal,
		StateHash: StateHash("chan-1", 1, bal),
		Timestamp: time.Now(),
	}
	operatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	opSig, err := crypto.Sign(signingDigest(state.StateHash), operatorKey)
	require.NoError(t, err)

	sig1, err := cosigner.CounterSign(context.Background(), state, opSig)
	require.NoError(t, err)
	sig2, err := cosigner.CounterSign(context.Background(), state, opSig)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)
}

func TestCanonicalStateEncoding(t *testing.T) {
	encoded := CanonicalState("abc123", 7, balances(980_000_000, 7_975_936))
	assert.Equal(t,
		`{"balances":{"ETH":"7975936","USDC":"980000000"},"channelId":"abc123","turnNum":7}`,
		encoded)

	// Key order in the input map never shows through.
	other := CanonicalState("abc123", 7, map[types.Asset]*big.Int{
		types.AssetETH:  big.NewInt(7_975_936),
		types.AssetUSDC: big.NewInt(980_000_000),
	})
	assert.Equal(t, encoded, other)
	assert.Equal(t,
		StateHash("abc123", 7, balances(980_000_000, 7_975_936)),
		StateHash("abc123", 7, balances(980_000_000, 7_975_936)))
}

func TestNegativeBalanceRejected(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_, err := ledger.Open(context.Background(), "chan-1", map[types.Asset]*big.Int{
		types.AssetUSDC: big.NewInt(-1),
	})
	assert.Error(t, err)
}

// flakyCoSigner simulates transport loss on demand.
type flakyCoSigner struct {
	inner *LocalCoSigner
	fail  bool
}

func (f *flakyCoSigner) Address() common.Address {
	return f.inner.Address()
}

func (f *flakyCoSigner) CounterSign(ctx context.Context, state *types.ChannelState, operatorSig []byte) ([]byte, error) {
	if f.fail {
		return nil, errors.New("transport unreachable")
	}
	return f.inner.CounterSign(ctx, state, operatorSig)
}
