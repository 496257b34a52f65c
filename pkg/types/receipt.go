package types

import (
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// TxReceipt is the listener's view of a mined transaction. Numeric fields
// stay as the node's hex strings; callers parse with SetString(s, 0).
type TxReceipt struct {
	TxHash            string           `json:"transactionHash"`
	Status            string           `json:"status"`
	BlockNumber       string           `json:"blockNumber"`
	GasUsed           string           `json:"gasUsed"`
	EffectiveGasPrice string           `json:"effectiveGasPrice"`
	ContractAddress   string           `json:"contractAddress,omitempty"`
	Logs              []*gethtypes.Log `json:"logs"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *TxReceipt) Succeeded() bool {
	return r != nil && r.Status == "0x1"
}
