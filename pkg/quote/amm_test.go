package quote

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikillxh/sentinel/pkg/types"
)

func TestLocalAMMQuoteUSDCToETH(t *testing.T) {
	amm := NewLocalAMM()

	// 20 USDC against reserves (2,500,000 USDC, 1000 ETH), 30 bps fee:
	// afterFee = 19.94 USDC; out = 1000e18 * 19.94e6 / (2.5e12 + 19.94e6).
	q, err := amm.QuoteSwap(context.Background(), types.AssetUSDC, types.AssetETH, big.NewInt(20_000_000))
	require.NoError(t, err)

	expected, _ := new(big.Int).SetString("7975936383931401", 10)
	assert.Equal(t, expected, q.EstimatedAmountOut)
	assert.Equal(t, uint32(31), q.PriceImpactBps)
	assert.Equal(t, "local-amm", q.Route)
	assert.Equal(t, uint64(localAMMGas), q.EstimatedGas)
}

func TestLocalAMMQuoteETHToUSDC(t *testing.T) {
	amm := NewLocalAMM()

	oneEth, _ := new(big.Int).SetString("1000000000000000000", 10)
	q, err := amm.QuoteSwap(context.Background(), types.AssetETH, types.AssetUSDC, oneEth)
	require.NoError(t, err)

	// Roughly 2500 USDC minus fee and impact.
	assert.True(t, q.EstimatedAmountOut.Cmp(big.NewInt(2_480_000_000)) > 0)
	assert.True(t, q.EstimatedAmountOut.Cmp(big.NewInt(2_500_000_000)) < 0)
}

func TestLocalAMMDeterministic(t *testing.T) {
	amm := NewLocalAMM()
	in := big.NewInt(20_000_000)

	q1, err := amm.QuoteSwap(context.Background(), types.AssetUSDC, types.AssetETH, in)
	require.NoError(t, err)
	q2, err := amm.QuoteSwap(context.Background(), types.AssetUSDC, types.AssetETH, in)
	require.NoError(t, err)

	// Reference reserves are not consumed by quoting.
	assert.Equal(t, q1.EstimatedAmountOut, q2.EstimatedAmountOut)
	assert.Equal(t, q1.PriceImpactBps, q2.PriceImpactBps)
}

func TestLocalAMMUnknownPair(t *testing.T) {
	amm := &LocalAMM{reserves: map[pairKey]*pool{}, route: "local-amm"}

	_, err := amm.QuoteSwap(context.Background(), types.AssetUSDC, types.AssetETH, big.NewInt(1_000_000))
	assert.ErrorIs(t, err, ErrNoLiquidity)
}

func TestLocalAMMRejectsBadInput(t *testing.T) {
	amm := NewLocalAMM()

	_, err := amm.QuoteSwap(context.Background(), types.AssetUSDC, types.AssetUSDC, big.NewInt(1))
	assert.ErrorIs(t, err, ErrNoLiquidity)

	_, err = amm.QuoteSwap(context.Background(), types.AssetUSDC, types.AssetETH, big.NewInt(0))
	assert.Error(t, err)

	_, err = amm.QuoteSwap(context.Background(), types.Asset("DAI"), types.AssetETH, big.NewInt(1))
	assert.ErrorIs(t, err, ErrNoLiquidity)
}

func TestLocalAMMImpactGrowsWithSize(t *testing.T) {
	amm := NewLocalAMM()

	small, err := amm.QuoteSwap(context.Background(), types.AssetUSDC, types.AssetETH, big.NewInt(20_000_000))
	require.NoError(t, err)
	large, err := amm.QuoteSwap(context.Background(), types.AssetUSDC, types.AssetETH, big.NewInt(250_000_000_000))
	require.NoError(t, err)

	assert.Greater(t, large.PriceImpactBps, small.PriceImpactBps)
}

type failingOracle struct{ err error }

func (f *failingOracle) QuoteSwap(context.Context, types.Asset, types.Asset, *big.Int) (*Quote, error) {
	return nil, f.err
}

func TestFallbackOracleFailsOver(t *testing.T) {
	fallback := NewFallbackOracle(
		&failingOracle{err: errors.New("rpc unreachable")},
		NewLocalAMM(),
	)

	q, err := fallback.QuoteSwap(context.Background(), types.AssetUSDC, types.AssetETH, big.NewInt(20_000_000))
	require.NoError(t, err)
	assert.Equal(t, "local-amm", q.Route)
}

func TestFallbackOracleFallsOverOnNoLiquidity(t *testing.T) {
	// An illiquid pool on the primary backend still quotes via the local AMM.
	calls := 0
	illiquid := oracleFunc(func(context.Context, types.Asset, types.Asset, *big.Int) (*Quote, error) {
		calls++
		return nil, ErrNoLiquidity
	})
	fallback := NewFallbackOracle(illiquid, NewLocalAMM())

	q, err := fallback.QuoteSwap(context.Background(), types.AssetUSDC, types.AssetETH, big.NewInt(20_000_000))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "local-amm", q.Route)
}

func TestFallbackOracleNoLiquidityOnEveryBackend(t *testing.T) {
	// DAI/ETH has no reference pool either: only then is the pair reported
	// as having no liquidity.
	illiquid := oracleFunc(func(context.Context, types.Asset, types.Asset, *big.Int) (*Quote, error) {
		return nil, ErrNoLiquidity
	})
	fallback := NewFallbackOracle(illiquid, NewLocalAMM())

	_, err := fallback.QuoteSwap(context.Background(), types.AssetDAI, types.AssetETH, big.NewInt(1_000_000))
	assert.ErrorIs(t, err, ErrNoLiquidity)
}

func TestFallbackOracleMixedFailuresAreNotNoLiquidity(t *testing.T) {
	fallback := NewFallbackOracle(
		oracleFunc(func(context.Context, types.Asset, types.Asset, *big.Int) (*Quote, error) {
			return nil, ErrNoLiquidity
		}),
		&failingOracle{err: errors.New("rpc unreachable")},
	)

	_, err := fallback.QuoteSwap(context.Background(), types.AssetUSDC, types.AssetETH, big.NewInt(1_000_000))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoLiquidity)
	assert.ErrorContains(t, err, "all quote backends failed")
}

func TestFallbackOracleAllBackendsFail(t *testing.T) {
	fallback := NewFallbackOracle(
		&failingOracle{err: errors.New("one")},
		&failingOracle{err: errors.New("two")},
	)

	_, err := fallback.QuoteSwap(context.Background(), types.AssetUSDC, types.AssetETH, big.NewInt(1_000_000))
	assert.ErrorContains(t, err, "all quote backends failed")
}

type oracleFunc func(ctx context.Context, in, out types.Asset, amount *big.Int) (*Quote, error)

func (f oracleFunc) QuoteSwap(ctx context.Context, in, out types.Asset, amount *big.Int) (*Quote, error) {
	return f(ctx, in, out, amount)
}

func TestMinAmountOut(t *testing.T) {
	q := &Quote{EstimatedAmountOut: big.NewInt(10_000)}
	assert.Equal(t, big.NewInt(9_950), q.MinAmountOut(50))
	assert.Equal(t, big.NewInt(10_000), q.MinAmountOut(0))
}
