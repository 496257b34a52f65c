package types

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Asset identifies a supported asset symbol. The set is closed: only the
// symbols registered below are valid anywhere in the kernel.
type Asset string

const (
	AssetUSDC Asset = "USDC"
	AssetETH  Asset = "ETH"
	AssetDAI  Asset = "DAI"
)

// AssetInfo carries the display decimals and on-chain address of an asset.
type AssetInfo struct {
	Symbol   Asset
	Decimals int
	Address  common.Address
}

// Default mainnet addresses. Overridable through SetAssetAddress when the
// config names a different deployment.
var assetRegistry = map[Asset]*AssetInfo{
	AssetUSDC: {
		Symbol:   AssetUSDC,
		Decimals: 6,
		Address:  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
	},
	AssetETH: {
		Symbol:   AssetETH,
		Decimals: 18,
		Address:  common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
	},
	AssetDAI: {
		Symbol:   AssetDAI,
		Decimals: 18,
		Address:  common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
	},
}

// ParseAsset validates a symbol against the closed asset set.
func ParseAsset(symbol string) (Asset, error) {
	a := Asset(strings.ToUpper(strings.TrimSpace(symbol)))
	if _, ok := assetRegistry[a]; !ok {
		return "", fmt.Errorf("unsupported asset: %q", symbol)
	}
	return a, nil
}

// Info returns the registry entry for the asset.
func (a Asset) Info() *AssetInfo {
	return assetRegistry[a]
}

// Valid reports whether the asset belongs to the closed set.
func (a Asset) Valid() bool {
	_, ok := assetRegistry[a]
	return ok
}

// Decimals returns the asset's smallest-unit scale.
func (a Asset) Decimals() int {
	info, ok := assetRegistry[a]
	if !ok {
		return 0
	}
	return info.Decimals
}

// Address returns the asset's on-chain token address.
func (a Asset) Address() common.Address {
	info, ok := assetRegistry[a]
	if !ok {
		return common.Address{}
	}
	return info.Address
}

// SetAssetAddress rebinds an asset to a deployment-specific token address.
func SetAssetAddress(a Asset, addr common.Address) error {
	info, ok := assetRegistry[a]
	if !ok {
		return fmt.Errorf("unsupported asset: %q", a)
	}
	info.Address = addr
	return nil
}

// Assets returns the closed asset set in symbol order.
func Assets() []Asset {
	out := make([]Asset, 0, len(assetRegistry))
	for a := range assetRegistry {
		out = append(out, a)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ParseUnits converts a human-readable decimal string ("19.6") into the
// asset's smallest unit. Excess fractional digits are rejected rather than
// silently truncated.
func ParseUnits(value string, decimals int) (*big.Int, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac := s, ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole, frac = s[:idx], s[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", value, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))
	combined := whole + frac
	out, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", value)
	}
	if neg {
		out.Neg(out)
	}
	return out, nil
}

// FormatUnits renders a smallest-unit amount as a human-readable decimal
// string with trailing zeros trimmed.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	digits := abs.String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}
