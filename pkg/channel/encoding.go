package channel

import (
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nikillxh/sentinel/pkg/types"
)

// CanonicalState renders (channelId, turnNum, balances) in the canonical
// text form both participants hash and sign: a JSON object with keys in
// lexicographic order, balance keys sorted, amounts as smallest-unit decimal
// strings, no whitespace.
func CanonicalState(channelID string, turnNum uint64, balances map[types.Asset]*big.Int) string {
	assets := make([]string, 0, len(balances))
	for a := range balances {
		assets = append(assets, string(a))
	}
	sort.Strings(assets)

	var b strings.Builder
	b.WriteString(`{"balances":{`)
	for i, asset := range assets {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(asset)
		b.WriteString(`":"`)
		amt := balances[types.Asset(asset)]
		if amt == nil {
			b.WriteString("0")
		} else {
			b.WriteString(amt.String())
		}
		b.WriteByte('"')
	}
	b.WriteString(`},"channelId":"`)
	b.WriteString(channelID)
	b.WriteString(`","turnNum":`)
	b.WriteString(strconv.FormatUint(turnNum, 10))
	b.WriteString("}")
	return b.String()
}

// StateHash is the keccak digest of the canonical encoding. This is the
// value both parties sign and the settlement contract can recompute.
func StateHash(channelID string, turnNum uint64, balances map[types.Asset]*big.Int) common.Hash {
	return crypto.Keccak256Hash([]byte(CanonicalState(channelID, turnNum, balances)))
}

// signingDigest applies the chain's personal-message prefix to a state hash
// so an on-chain ecrecover of the signature yields the signer address.
func signingDigest(stateHash common.Hash) []byte {
	return accounts.TextHash(stateHash.Bytes())
}

// RecoverSigner returns the address that produced a signature over the
// personal-prefixed state hash.
func RecoverSigner(stateHash common.Hash, sig []byte) (common.Address, error) {
	pub, err := crypto.SigToPub(signingDigest(stateHash), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
