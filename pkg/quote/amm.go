package quote

import (
	"context"
	"fmt"
	"math/big"

	"github.com/nikillxh/sentinel/pkg/types"
)

const (
	bpsDenominator = 10_000
	// LocalAMMFeeBps is the constant-product pool fee.
	LocalAMMFeeBps = 30
	// localAMMGas approximates a single-hop swap.
	localAMMGas = 150_000
)

// LocalAMM is a deterministic constant-product quoter over fixed reference
// reserves. It backs simulations and acts as the failover when the on-chain
// quoter is unreachable. Reserves are reference values, not a live pool:
// quoting does not consume them.
type LocalAMM struct {
	reserves map[pairKey]*pool
	route    string
}

type pairKey struct {
	a, b types.Asset
}

type pool struct {
	reserveA *big.Int // smallest units of key.a
	reserveB *big.Int // smallest units of key.b
}

// NewLocalAMM builds the default pool set: USDC/ETH at 2,500,000 USDC to
// 1,000 ETH (spot 2500 USDC per ETH), and USDC/DAI at 2,500,000 of each.
func NewLocalAMM() *LocalAMM {
	amm := &LocalAMM{
		reserves: make(map[pairKey]*pool),
		route:    "local-amm",
	}
	usdcReserve, _ := new(big.Int).SetString("2500000000000", 10)     // 2.5M USDC, 6 decimals
	ethReserve, _ := new(big.Int).SetString("1000000000000000000000", 10) // 1000 ETH, 18 decimals
	amm.SetReserves(types.AssetUSDC, types.AssetETH, usdcReserve, ethReserve)
	daiReserve, _ := new(big.Int).SetString("2500000000000000000000000", 10) // 2.5M DAI, 18 decimals
	amm.SetReserves(types.AssetUSDC, types.AssetDAI, new(big.Int).Set(usdcReserve), daiReserve)
	return amm
}

// SetReserves registers (or replaces) the reference reserves for a pair.
func (l *LocalAMM) SetReserves(a, b types.Asset, reserveA, reserveB *big.Int) {
	key, flipped := orderPair(a, b)
	p := &pool{}
	if flipped {
		p.reserveA = new(big.Int).Set(reserveB)
		p.reserveB = new(big.Int).Set(reserveA)
	} else {
		p.reserveA = new(big.Int).Set(reserveA)
		p.reserveB = new(big.Int).Set(reserveB)
	}
	l.reserves[key] = p
}

// QuoteSwap implements Oracle with the constant-product formula:
// amountInAfterFee = amountIn * (1 - fee); amountOut = reserveOut *
// amountInAfterFee / (reserveIn + amountInAfterFee). All integer math.
func (l *LocalAMM) QuoteSwap(_ context.Context, tokenIn, tokenOut types.Asset, amountIn *big.Int) (*Quote, error) {
	if err := validatePair(tokenIn, tokenOut, amountIn); err != nil {
		return nil, err
	}
	reserveIn, reserveOut, err := l.reservesFor(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}

	amountInAfterFee := new(big.Int).Mul(amountIn, big.NewInt(bpsDenominator-LocalAMMFeeBps))
	amountInAfterFee.Div(amountInAfterFee, big.NewInt(bpsDenominator))

	denominator := new(big.Int).Add(reserveIn, amountInAfterFee)
	amountOut := new(big.Int).Mul(reserveOut, amountInAfterFee)
	amountOut.Div(amountOut, denominator)

	return &Quote{
		TokenIn:            tokenIn,
		TokenOut:           tokenOut,
		AmountIn:           new(big.Int).Set(amountIn),
		EstimatedAmountOut: amountOut,
		PriceImpactBps:     priceImpactBps(amountIn, amountOut, reserveIn, reserveOut),
		Route:              l.route,
		EstimatedGas:       localAMMGas,
	}, nil
}

func (l *LocalAMM) reservesFor(tokenIn, tokenOut types.Asset) (reserveIn, reserveOut *big.Int, err error) {
	key, flipped := orderPair(tokenIn, tokenOut)
	p, ok := l.reserves[key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrNoLiquidity, tokenIn, tokenOut)
	}
	if flipped {
		return p.reserveB, p.reserveA, nil
	}
	return p.reserveA, p.reserveB, nil
}

// priceImpactBps is |1 - (amountOut/amountIn) / (reserveOut/reserveIn)| in
// basis points, computed as a pure integer ratio. Includes the pool fee.
func priceImpactBps(amountIn, amountOut, reserveIn, reserveOut *big.Int) uint32 {
	execScaled := new(big.Int).Mul(amountOut, reserveIn)
	execScaled.Mul(execScaled, big.NewInt(bpsDenominator))
	spotScale := new(big.Int).Mul(amountIn, reserveOut)
	if spotScale.Sign() == 0 {
		return 0
	}
	ratio := execScaled.Div(execScaled, spotScale)
	impact := new(big.Int).Sub(big.NewInt(bpsDenominator), ratio)
	impact.Abs(impact)
	if !impact.IsUint64() || impact.Uint64() > bpsDenominator {
		return bpsDenominator
	}
	return uint32(impact.Uint64())
}

func orderPair(a, b types.Asset) (pairKey, bool) {
	if b < a {
		return pairKey{a: b, b: a}, true
	}
	return pairKey{a: a, b: b}, false
}
