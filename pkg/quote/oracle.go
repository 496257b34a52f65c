// Package quote prices prospective swaps. The Oracle interface hides the
// backend: an on-chain exact-input quoter when an RPC endpoint is configured,
// a local constant-product pool otherwise, with automatic failover.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"

	"github.com/nikillxh/sentinel/pkg/types"
)

// ErrNoLiquidity marks an unknown pair. It is a proposal error, not a
// session error: the caller surfaces it and the session stays usable.
var ErrNoLiquidity = errors.New("no liquidity for pair")

// Quote is a priced swap estimate. EstimatedAmountOut is in the output
// asset's smallest unit; PriceImpactBps includes the pool fee.
type Quote struct {
	TokenIn            types.Asset `json:"tokenIn"`
	TokenOut           types.Asset `json:"tokenOut"`
	AmountIn           *big.Int    `json:"amountIn"`
	EstimatedAmountOut *big.Int    `json:"estimatedAmountOut"`
	PriceImpactBps     uint32      `json:"priceImpactBps"`
	Route              string      `json:"route"`
	EstimatedGas       uint64      `json:"estimatedGas"`
}

// Oracle prices a swap of amountIn (smallest units of tokenIn).
type Oracle interface {
	QuoteSwap(ctx context.Context, tokenIn, tokenOut types.Asset, amountIn *big.Int) (*Quote, error)
}

// FallbackOracle tries each backend in priority order and falls over on any
// error. An unknown pair is reported only once every backend has returned it.
type FallbackOracle struct {
	backends []Oracle
}

// NewFallbackOracle composes backends in priority order.
func NewFallbackOracle(backends ...Oracle) *FallbackOracle {
	return &FallbackOracle{backends: backends}
}

// QuoteSwap implements Oracle.
func (f *FallbackOracle) QuoteSwap(ctx context.Context, tokenIn, tokenOut types.Asset, amountIn *big.Int) (*Quote, error) {
	if len(f.backends) == 0 {
		return nil, errors.New("no quote backends configured")
	}
	var lastErr error
	allNoLiquidity := true
	for _, backend := range f.backends {
		q, err := backend.QuoteSwap(ctx, tokenIn, tokenOut, amountIn)
		if err == nil {
			return q, nil
		}
		if !errors.Is(err, ErrNoLiquidity) {
			allNoLiquidity = false
		}
		log.Printf("quote backend failed, falling over: %v", err)
		lastErr = err
	}
	if allNoLiquidity {
		return nil, fmt.Errorf("%w: %s/%s on every backend", ErrNoLiquidity, tokenIn, tokenOut)
	}
	return nil, fmt.Errorf("all quote backends failed: %w", lastErr)
}

func validatePair(tokenIn, tokenOut types.Asset, amountIn *big.Int) error {
	if !tokenIn.Valid() || !tokenOut.Valid() {
		return fmt.Errorf("%w: %s/%s", ErrNoLiquidity, tokenIn, tokenOut)
	}
	if tokenIn == tokenOut {
		return fmt.Errorf("%w: identical assets %s/%s", ErrNoLiquidity, tokenIn, tokenOut)
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return fmt.Errorf("amountIn must be positive")
	}
	return nil
}
