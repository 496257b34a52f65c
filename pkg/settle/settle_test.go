package settle

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikillxh/sentinel/pkg/guard"
	"github.com/nikillxh/sentinel/pkg/types"
)

var (
	ownerAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	vaultAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func newLocalSettler(t *testing.T) (*Settler, *guard.PolicyGuard, *guard.Vault) {
	t.Helper()
	g := guard.NewPolicyGuard(ownerAddr, guard.PolicyMirror{
		MaxSettlementUsdc: big.NewInt(10_000_000_000),
		MaxSettlementEth:  new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		AllowedTokens:     []common.Address{types.AssetUSDC.Address()},
	})
	require.NoError(t, g.BindVault(ownerAddr, vaultAddr))
	v := guard.NewVault(vaultAddr, ownerAddr, common.Address{}, g)
	return NewSettler(NewLocalBackend(g, v, ownerAddr), vaultAddr), g, v
}

func closingSession(usdcFinal, ethFinal int64) *types.SessionState {
	return &types.SessionState{
		SessionID: "sess-settle-1",
		Status:    types.SessionClosing,
		Balances: map[types.Asset]*types.SessionBalance{
			types.AssetUSDC: {
				Asset:         types.AssetUSDC,
				Amount:        big.NewInt(usdcFinal),
				InitialAmount: big.NewInt(1_000_000_000),
				PnL:           big.NewInt(usdcFinal - 1_000_000_000),
			},
			types.AssetETH: {
				Asset:         types.AssetETH,
				Amount:        big.NewInt(ethFinal),
				InitialAmount: big.NewInt(0),
				PnL:           big.NewInt(ethFinal),
			},
		},
		OpenedAt: time.Now(),
	}
}

func TestSessionKeyIsKeccakOfID(t *testing.T) {
	key := SessionKey("sess-1")
	assert.Equal(t, crypto.Keccak256([]byte("sess-1")), key[:])
	assert.Equal(t, SessionKey("sess-1"), SessionKey("sess-1"))
	assert.NotEqual(t, SessionKey("sess-1"), SessionKey("sess-2"))
}

func TestSessionDeltas(t *testing.T) {
	session := closingSession(960_400_000, 15_792_355_287_049_373)
	usdcDelta, ethDelta := SessionDeltas(session)
	assert.Equal(t, "39600000", usdcDelta.String())
	assert.Equal(t, "15792355287049373", ethDelta.String())
}

func TestSettleHappyPath(t *testing.T) {
	settler, g, v := newLocalSettler(t)
	session := closingSession(960_400_000, 15_792_355_287_049_373)

	record, err := settler.Settle(context.Background(), session)
	require.NoError(t, err)

	assert.Equal(t, "sess-settle-1", record.SessionID)
	assert.Equal(t, vaultAddr.Hex(), record.WalletAddress)
	assert.NotEmpty(t, record.TxHash)
	assert.Equal(t, "960400000", record.Balances[types.AssetUSDC].String())

	events := v.SettledEvents()
	require.Len(t, events, 1)
	assert.Equal(t, SessionKey("sess-settle-1"), events[0].SessionID)
	assert.Equal(t, "39600000", events[0].UsdcDelta.String())
	assert.Equal(t, "15792355287049373", events[0].EthDelta.String())
	assert.True(t, g.SettledSessions(SessionKey("sess-settle-1")))
}

func TestSettleReplayRejected(t *testing.T) {
	settler, _, v := newLocalSettler(t)
	session := closingSession(960_400_000, 15_792_355_287_049_373)

	_, err := settler.Settle(context.Background(), session)
	require.NoError(t, err)

	_, err = settler.Settle(context.Background(), session)
	assert.ErrorIs(t, err, ErrPreValidation)
	assert.Len(t, v.SettledEvents(), 1, "replay produces no second event")
}

func TestSettlePreValidationFailureIsTerminal(t *testing.T) {
	settler, g, v := newLocalSettler(t)
	// Accumulated ETH beyond the guard's per-session cap.
	session := closingSession(1_000_000_000, 0)
	session.Balances[types.AssetETH].Amount = new(big.Int).Mul(big.NewInt(11), big.NewInt(1e18))

	_, err := settler.Settle(context.Background(), session)
	assert.ErrorIs(t, err, ErrPreValidation)
	assert.Empty(t, v.SettledEvents())
	assert.False(t, g.SettledSessions(SessionKey(session.SessionID)))
	// Session status is untouched by the settler; the manager keeps closing.
	assert.Equal(t, types.SessionClosing, session.Status)
}

func TestSettleRequiresClosingStatus(t *testing.T) {
	settler, _, _ := newLocalSettler(t)
	session := closingSession(960_400_000, 0)
	session.Status = types.SessionActive

	_, err := settler.Settle(context.Background(), session)
	assert.ErrorIs(t, err, ErrNotClosing)
}

func TestSettleNoSwapsSettlesZeroDeltas(t *testing.T) {
	settler, _, v := newLocalSettler(t)
	session := closingSession(1_000_000_000, 0)

	record, err := settler.Settle(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, "1000000000", record.Balances[types.AssetUSDC].String())

	events := v.SettledEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "0", events[0].UsdcDelta.String())
	assert.Equal(t, "0", events[0].EthDelta.String())
}
