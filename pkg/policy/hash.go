package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/nikillxh/sentinel/pkg/types"
)

// Canonicalize renders a config as its canonical UTF-8 form: a JSON object
// with keys in lexicographic order, set-valued fields sorted element-wise,
// integers in decimal, no whitespace. Two configs produce the same canonical
// form iff they are operationally identical, regardless of field or set
// order in the source.
func Canonicalize(cfg Config) string {
	assets := make([]string, len(cfg.AllowedAssets))
	for i, a := range cfg.AllowedAssets {
		assets[i] = string(a)
	}
	sort.Strings(assets)
	dexes := append([]string(nil), cfg.AllowedDexes...)
	sort.Strings(dexes)

	var b strings.Builder
	b.WriteString(`{"allowedAssets":[`)
	writeQuotedList(&b, assets)
	b.WriteString(`],"allowedDexes":[`)
	writeQuotedList(&b, dexes)
	b.WriteString(`],"maxSlippageBps":`)
	b.WriteString(strconv.FormatUint(uint64(cfg.MaxSlippageBps), 10))
	b.WriteString(`,"maxTradeBps":`)
	b.WriteString(strconv.FormatUint(uint64(cfg.MaxTradeBps), 10))
	b.WriteString("}")
	return b.String()
}

// Hash is the policy fingerprint: SHA-256 over the canonical form, returned
// as a 0x-prefixed hex string. The same computation anchors the policy under
// its ENS text record and in the on-chain guard.
func Hash(cfg Config) string {
	sum := sha256.Sum256([]byte(Canonicalize(cfg)))
	return "0x" + hex.EncodeToString(sum[:])
}

// HashBytes returns the fingerprint as raw digest bytes for on-chain use.
func HashBytes(cfg Config) [32]byte {
	return sha256.Sum256([]byte(Canonicalize(cfg)))
}

func writeQuotedList(b *strings.Builder, values []string) {
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(v)
		b.WriteByte('"')
	}
}

// assetsOf is a convenience for tests constructing configs from symbols.
func assetsOf(symbols ...string) []types.Asset {
	out := make([]types.Asset, len(symbols))
	for i, s := range symbols {
		out[i] = types.Asset(s)
	}
	return out
}
