package util

import (
	"fmt"
	"math/big"

	"github.com/nikillxh/sentinel/pkg/types"
)

const bpsDenominator = 10_000

// q96 is the fixed-point scale of a Uniswap/Algebra sqrt price (2^96).
var q96 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))

// SqrtPriceToPrice squares a sqrtPriceX96 pool reading into a raw token1/token0
// price. The caller adjusts by the decimal delta of the pair.
func SqrtPriceToPrice(sqrtPriceX96 *big.Int) *big.Float {
	ratio := new(big.Float).Quo(new(big.Float).SetInt(sqrtPriceX96), q96)
	return new(big.Float).Mul(ratio, ratio)
}

// SpotFromSqrtPrice derives a smallest-unit spot quote for amountIn of
// tokenIn, given a pool's sqrtPriceX96 in canonical token order
// (token0 < token1 by address). Only used for display and impact estimation;
// invariant checks never rely on it.
func SpotFromSqrtPrice(sqrtPriceX96 *big.Int, tokenIn, tokenOut types.Asset, amountIn *big.Int) (*big.Int, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return nil, fmt.Errorf("invalid sqrt price")
	}
	token0, token1 := tokenIn, tokenOut
	zeroForOne := true
	if bytesCompare(token1.Address().Bytes(), token0.Address().Bytes()) < 0 {
		token0, token1 = token1, token0
		zeroForOne = false
	}
	price := SqrtPriceToPrice(sqrtPriceX96) // token1 per token0, raw units
	in := new(big.Float).SetInt(amountIn)
	var out *big.Float
	if zeroForOne {
		out = new(big.Float).Mul(in, price)
	} else {
		out = new(big.Float).Quo(in, price)
	}
	result, _ := out.Int(nil)
	return result, nil
}

// ApplySlippageBps scales an amount down by a basis-point tolerance,
// floor-divided: amount * (10000 - bps) / 10000.
func ApplySlippageBps(amount *big.Int, bps uint32) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, big.NewInt(int64(bpsDenominator-int(bps))))
	return out.Div(out, big.NewInt(bpsDenominator))
}

// ExtractGasCost multiplies a receipt's gas used by its effective gas price.
func ExtractGasCost(receipt *types.TxReceipt) (*big.Int, error) {
	if receipt == nil {
		return nil, fmt.Errorf("nil receipt")
	}
	gasUsed, ok := new(big.Int).SetString(receipt.GasUsed, 0)
	if !ok {
		return nil, fmt.Errorf("invalid gasUsed: %q", receipt.GasUsed)
	}
	gasPrice, ok := new(big.Int).SetString(receipt.EffectiveGasPrice, 0)
	if !ok {
		return nil, fmt.Errorf("invalid effectiveGasPrice: %q", receipt.EffectiveGasPrice)
	}
	return new(big.Int).Mul(gasUsed, gasPrice), nil
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}
