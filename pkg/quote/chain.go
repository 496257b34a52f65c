package quote

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nikillxh/sentinel/pkg/contractclient"
	"github.com/nikillxh/sentinel/pkg/types"
	"github.com/nikillxh/sentinel/pkg/util"
)

// microQuoteAmount sizes the tiny probe used to derive a spot price when the
// pool state read is unavailable.
var microQuoteAmount = big.NewInt(1_000)

// ChainQuoter prices swaps with a read-only call against a canonical
// exact-input-single quoter contract. Spot price for the impact estimate is
// derived from the pool's sqrt-price reading when a pool client is bound,
// falling back to a micro-quote of a tiny amount.
type ChainQuoter struct {
	quoter *contractclient.ContractClient
	pool   *contractclient.ContractClient // optional
	fee    *big.Int                       // pool fee tier for the quoter call
	route  string
}

// NewChainQuoter binds the quoter contract and, optionally, the pool whose
// sqrt price anchors the spot estimate.
func NewChainQuoter(quoter, pool *contractclient.ContractClient, feeTier int64) *ChainQuoter {
	return &ChainQuoter{
		quoter: quoter,
		pool:   pool,
		fee:    big.NewInt(feeTier),
		route:  "onchain-quoter",
	}
}

// QuoteSwap implements Oracle.
func (c *ChainQuoter) QuoteSwap(ctx context.Context, tokenIn, tokenOut types.Asset, amountIn *big.Int) (*Quote, error) {
	if err := validatePair(tokenIn, tokenOut, amountIn); err != nil {
		return nil, err
	}

	amountOut, gas, err := c.exactInputSingle(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}

	spotOut, err := c.spotAmountOut(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}

	return &Quote{
		TokenIn:            tokenIn,
		TokenOut:           tokenOut,
		AmountIn:           new(big.Int).Set(amountIn),
		EstimatedAmountOut: amountOut,
		PriceImpactBps:     impactAgainstSpot(amountOut, spotOut),
		Route:              c.route,
		EstimatedGas:       gas,
	}, nil
}

// exactInputSingle runs the quoter's read-only quote call.
func (c *ChainQuoter) exactInputSingle(ctx context.Context, tokenIn, tokenOut types.Asset, amountIn *big.Int) (*big.Int, uint64, error) {
	outputs, err := c.quoter.CallContext(ctx, nil, "quoteExactInputSingle",
		tokenIn.Address(), tokenOut.Address(), c.fee, amountIn, big.NewInt(0))
	if err != nil {
		return nil, 0, fmt.Errorf("quoter call failed: %w", err)
	}
	if len(outputs) == 0 {
		return nil, 0, fmt.Errorf("quoter returned no outputs")
	}
	amountOut, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected quoter output type %T", outputs[0])
	}
	if amountOut.Sign() == 0 {
		return nil, 0, fmt.Errorf("%w: %s/%s", ErrNoLiquidity, tokenIn, tokenOut)
	}
	var gas uint64
	if len(outputs) > 1 {
		if g, ok := outputs[len(outputs)-1].(*big.Int); ok && g.IsUint64() {
			gas = g.Uint64()
		}
	}
	return amountOut, gas, nil
}

// spotAmountOut derives the zero-impact output for amountIn: preferred from
// the pool's sqrt-price representation (squared and adjusted for canonical
// token order), otherwise scaled up from a micro-quote.
func (c *ChainQuoter) spotAmountOut(ctx context.Context, tokenIn, tokenOut types.Asset, amountIn *big.Int) (*big.Int, error) {
	if c.pool != nil {
		sqrtPrice, err := c.poolSqrtPrice(ctx)
		if err == nil {
			return util.SpotFromSqrtPrice(sqrtPrice, tokenIn, tokenOut, amountIn)
		}
	}
	microOut, _, err := c.exactInputSingle(ctx, tokenIn, tokenOut, microQuoteAmount)
	if err != nil {
		return nil, fmt.Errorf("micro-quote failed: %w", err)
	}
	spot := new(big.Int).Mul(microOut, amountIn)
	return spot.Div(spot, microQuoteAmount), nil
}

// poolSqrtPrice reads the pool's current sqrtPriceX96, trying the Algebra
// state getter first and the Uniswap slot0 layout second.
func (c *ChainQuoter) poolSqrtPrice(ctx context.Context) (*big.Int, error) {
	outputs, err := c.pool.CallContext(ctx, nil, "safelyGetStateOfAMM")
	if err != nil {
		outputs, err = c.pool.CallContext(ctx, nil, "slot0")
		if err != nil {
			return nil, fmt.Errorf("pool state read failed: %w", err)
		}
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("pool state read returned no outputs")
	}
	sqrtPrice, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected sqrtPrice type %T", outputs[0])
	}
	return sqrtPrice, nil
}

// impactAgainstSpot compares the quoted output to the zero-impact output.
func impactAgainstSpot(amountOut, spotOut *big.Int) uint32 {
	if spotOut == nil || spotOut.Sign() == 0 {
		return 0
	}
	scaled := new(big.Int).Mul(amountOut, big.NewInt(bpsDenominator))
	ratio := scaled.Div(scaled, spotOut)
	impact := new(big.Int).Sub(big.NewInt(bpsDenominator), ratio)
	impact.Abs(impact)
	if !impact.IsUint64() || impact.Uint64() > bpsDenominator {
		return bpsDenominator
	}
	return uint32(impact.Uint64())
}

// MinAmountOut applies a slippage tolerance to a quote for callers that
// execute on-chain against it.
func (q *Quote) MinAmountOut(slippageBps uint32) *big.Int {
	return util.ApplySlippageBps(q.EstimatedAmountOut, slippageBps)
}

// QuoterAddress exposes the bound quoter address for diagnostics.
func (c *ChainQuoter) QuoterAddress() common.Address {
	return c.quoter.ContractAddress()
}
