package policy

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikillxh/sentinel/pkg/types"
)

func defaultConfig() Config {
	return Config{
		MaxTradeBps:    200,
		MaxSlippageBps: 50,
		AllowedDexes:   []string{"default-venue"},
		AllowedAssets:  assetsOf("USDC", "ETH"),
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(defaultConfig())
	require.NoError(t, err)
	return engine
}

func balancesWithUSDC(amount int64) map[types.Asset]*types.SessionBalance {
	usdc := big.NewInt(amount)
	return map[types.Asset]*types.SessionBalance{
		types.AssetUSDC: {
			Asset:         types.AssetUSDC,
			Amount:        new(big.Int).Set(usdc),
			InitialAmount: new(big.Int).Set(usdc),
			PnL:           big.NewInt(0),
		},
		types.AssetETH: {
			Asset:         types.AssetETH,
			Amount:        big.NewInt(0),
			InitialAmount: big.NewInt(0),
			PnL:           big.NewInt(0),
		},
	}
}

func proposal(amountIn int64) *types.SwapProposal {
	return &types.SwapProposal{
		ID:             "prop-1",
		TokenIn:        types.AssetUSDC,
		TokenOut:       types.AssetETH,
		AmountIn:       big.NewInt(amountIn),
		MaxSlippageBps: 50,
		Dex:            "default-venue",
		Timestamp:      time.Now(),
	}
}

func TestEvaluateApproved(t *testing.T) {
	engine := newTestEngine(t)

	// 20 USDC against a 1000 USDC balance with a 2% cap.
	decision := engine.Evaluate(proposal(20_000_000), balancesWithUSDC(1_000_000_000))

	assert.True(t, decision.Approved)
	require.Len(t, decision.Results, RuleCount)
	for _, r := range decision.Results {
		assert.True(t, r.Passed, "rule %s should pass", r.RuleID)
	}
	assert.Equal(t, engine.Hash(), decision.PolicyHash)
	assert.Equal(t,
		[]string{RuleMaxTradeSize, RuleAllowedDex, RuleAllowedAssets, RuleMaxSlippage},
		[]string{decision.Results[0].RuleID, decision.Results[1].RuleID, decision.Results[2].RuleID, decision.Results[3].RuleID})
}

func TestMaxTradeSizeBoundary(t *testing.T) {
	engine := newTestEngine(t)
	balances := balancesWithUSDC(980_000_000) // cap = 2% * 980 = 19.6 USDC

	t.Run("equal_to_cap_passes", func(t *testing.T) {
		decision := engine.Evaluate(proposal(19_600_000), balances)
		assert.True(t, decision.Approved)
	})

	t.Run("one_unit_over_cap_fails", func(t *testing.T) {
		decision := engine.Evaluate(proposal(19_600_001), balances)
		assert.False(t, decision.Approved)
		r := decision.Results[0]
		assert.Equal(t, RuleMaxTradeSize, r.RuleID)
		assert.False(t, r.Passed)
		assert.Equal(t, "19600001", r.Value)
		assert.Equal(t, "19600000", r.Limit)
		assert.Contains(t, r.Reason, "exceeds cap")
	})

	t.Run("oversized_fails_with_value_and_limit", func(t *testing.T) {
		decision := engine.Evaluate(proposal(50_000_000), balances)
		assert.False(t, decision.Approved)
		r := decision.Results[0]
		assert.Equal(t, "50000000", r.Value)
		assert.Equal(t, "19600000", r.Limit)
	})
}

func TestMaxTradeSizeMissingBalance(t *testing.T) {
	engine := newTestEngine(t)

	p := proposal(1_000_000)
	p.TokenIn = types.AssetETH
	p.TokenOut = types.AssetUSDC
	decision := engine.Evaluate(p, map[types.Asset]*types.SessionBalance{})

	assert.False(t, decision.Approved)
	r := decision.Results[0]
	assert.False(t, r.Passed)
	assert.Contains(t, r.Reason, "no balance entry")
	assert.Equal(t, "0", r.Limit)
}

func TestAllowedDexCaseSensitive(t *testing.T) {
	engine := newTestEngine(t)
	balances := balancesWithUSDC(1_000_000_000)

	p := proposal(10_000_000)
	p.Dex = "curve"
	decision := engine.Evaluate(p, balances)
	assert.False(t, decision.Approved)
	assert.False(t, decision.Results[1].Passed)
	assert.Contains(t, decision.Results[1].Reason, `"curve"`)

	p.Dex = "Default-Venue"
	decision = engine.Evaluate(p, balances)
	assert.False(t, decision.Results[1].Passed, "dex comparison is case-sensitive")
}

func TestAllowedAssetsReportsViolatingSide(t *testing.T) {
	engine, err := NewEngine(Config{
		MaxTradeBps:    200,
		MaxSlippageBps: 50,
		AllowedDexes:   []string{"default-venue"},
		AllowedAssets:  assetsOf("USDC"),
	})
	require.NoError(t, err)

	p := proposal(10_000_000)
	decision := engine.Evaluate(p, balancesWithUSDC(1_000_000_000))
	assert.False(t, decision.Approved)
	r := decision.Results[2]
	assert.False(t, r.Passed)
	assert.Contains(t, r.Reason, "tokenOut=ETH")
	assert.NotContains(t, r.Reason, "tokenIn=USDC")
}

func TestMaxSlippageBoundary(t *testing.T) {
	engine := newTestEngine(t)
	balances := balancesWithUSDC(1_000_000_000)

	p := proposal(10_000_000)
	p.MaxSlippageBps = 50
	assert.True(t, engine.Evaluate(p, balances).Approved)

	p.MaxSlippageBps = 51
	decision := engine.Evaluate(p, balances)
	assert.False(t, decision.Approved)
	assert.False(t, decision.Results[3].Passed)
}

func TestAllFailuresReportedTogether(t *testing.T) {
	engine := newTestEngine(t)

	p := proposal(900_000_000)
	p.Dex = "curve"
	p.MaxSlippageBps = 500
	decision := engine.Evaluate(p, balancesWithUSDC(1_000_000_000))

	assert.False(t, decision.Approved)
	require.Len(t, decision.Results, RuleCount)
	assert.False(t, decision.Results[0].Passed)
	assert.False(t, decision.Results[1].Passed)
	assert.True(t, decision.Results[2].Passed)
	assert.False(t, decision.Results[3].Passed)
}

func TestEvaluateDeterministic(t *testing.T) {
	engine := newTestEngine(t)
	balances := balancesWithUSDC(1_000_000_000)
	p := proposal(20_000_000)

	d1 := engine.Evaluate(p, balances)
	d2 := engine.Evaluate(p, balances)

	d1.EvaluatedAt = time.Time{}
	d2.EvaluatedAt = time.Time{}
	assert.Equal(t, d1, d2)
}

func TestEvaluateDoesNotMutateInputs(t *testing.T) {
	engine := newTestEngine(t)
	balances := balancesWithUSDC(1_000_000_000)
	before := balances[types.AssetUSDC].Amount.String()

	engine.Evaluate(proposal(20_000_000), balances)

	assert.Equal(t, before, balances[types.AssetUSDC].Amount.String())
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero_trade_bps", Config{MaxSlippageBps: 50, AllowedDexes: []string{"d"}, AllowedAssets: assetsOf("USDC")}},
		{"over_denominator", Config{MaxTradeBps: 10_001, MaxSlippageBps: 50, AllowedDexes: []string{"d"}, AllowedAssets: assetsOf("USDC")}},
		{"no_dexes", Config{MaxTradeBps: 200, MaxSlippageBps: 50, AllowedAssets: assetsOf("USDC")}},
		{"no_assets", Config{MaxTradeBps: 200, MaxSlippageBps: 50, AllowedDexes: []string{"d"}}},
		{"unknown_asset", Config{MaxTradeBps: 200, MaxSlippageBps: 50, AllowedDexes: []string{"d"}, AllowedAssets: assetsOf("WBTC")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEngine(tc.cfg)
			assert.Error(t, err)
		})
	}
}
