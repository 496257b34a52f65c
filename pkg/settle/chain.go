package settle

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nikillxh/sentinel/pkg/contractclient"
	"github.com/nikillxh/sentinel/pkg/txlistener"
)

// Minimal interfaces of the deployed contracts, embedded so no artifact
// files are needed at runtime.
const (
	// GuardABI covers the read-only pre-validation surface.
	GuardABI = `[
  {"type":"function","name":"validateSettlement","stateMutability":"view",
   "inputs":[{"name":"sessionId","type":"bytes32"},{"name":"token","type":"address"},
             {"name":"usdcAmount","type":"uint256"},{"name":"ethAmount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"settledSessions","stateMutability":"view",
   "inputs":[{"name":"sessionId","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"policyHash","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"bytes32"}]}
]`

	// VaultABI covers settlement submission and its event.
	VaultABI = `[
  {"type":"function","name":"settleSession","stateMutability":"nonpayable",
   "inputs":[{"name":"sessionId","type":"bytes32"},{"name":"token","type":"address"},
             {"name":"usdcDelta","type":"int256"},{"name":"ethDelta","type":"int256"}],
   "outputs":[]},
  {"type":"event","name":"SessionSettled","anonymous":false,
   "inputs":[{"name":"sessionId","type":"bytes32","indexed":true},
             {"name":"operator","type":"address","indexed":true},
             {"name":"usdcDelta","type":"int256","indexed":false},
             {"name":"ethDelta","type":"int256","indexed":false},
             {"name":"timestamp","type":"uint256","indexed":false}]}
]`
)

// ChainBackend settles against the deployed guard and vault contracts.
type ChainBackend struct {
	guardClient *contractclient.ContractClient
	vaultClient *contractclient.ContractClient
	listener    *txlistener.TxListener
	operatorKey *ecdsa.PrivateKey
	operator    common.Address
}

// NewChainBackend wires the contract clients, the confirmation listener,
// and the operator key that signs the settlement transaction.
func NewChainBackend(
	guardClient, vaultClient *contractclient.ContractClient,
	listener *txlistener.TxListener,
	operatorKey *ecdsa.PrivateKey,
	operator common.Address,
) *ChainBackend {
	return &ChainBackend{
		guardClient: guardClient,
		vaultClient: vaultClient,
		listener:    listener,
		operatorKey: operatorKey,
		operator:    operator,
	}
}

// ValidateSettlement implements Backend with a read-only guard call so
// rejections surface before any gas is spent.
func (b *ChainBackend) ValidateSettlement(ctx context.Context, sessionID [32]byte, token common.Address, usdcAmount, ethAmount *big.Int) error {
	outputs, err := b.guardClient.CallContext(ctx, &b.operator, "validateSettlement",
		sessionID, token, usdcAmount, ethAmount)
	if err != nil {
		return fmt.Errorf("guard call failed: %w", err)
	}
	ok, isBool := outputs[0].(bool)
	if !isBool {
		return fmt.Errorf("unexpected validateSettlement output %T", outputs[0])
	}
	if !ok {
		return fmt.Errorf("guard rejected settlement for session %x", sessionID)
	}
	return nil
}

// SubmitSettlement implements Backend.
func (b *ChainBackend) SubmitSettlement(ctx context.Context, sessionID [32]byte, token common.Address, usdcDelta, ethDelta *big.Int) (string, error) {
	txHash, err := b.vaultClient.SendContext(ctx, contractclient.Standard, nil, &b.operator, b.operatorKey,
		"settleSession", sessionID, token, usdcDelta, ethDelta)
	if err != nil {
		return "", err
	}
	return txHash.Hex(), nil
}

// WaitForSettlement implements Backend: one confirmation, then the
// SessionSettled event parsed out of the receipt.
func (b *ChainBackend) WaitForSettlement(ctx context.Context, txHash string) (*Event, error) {
	receipt, err := b.listener.WaitForTransactionContext(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, err
	}
	if !receipt.Succeeded() {
		return nil, fmt.Errorf("settlement transaction reverted: %s", txHash)
	}

	events, err := b.vaultClient.DecodeReceiptEvents(receipt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode settlement receipt: %w", err)
	}
	for _, decoded := range events {
		if decoded.EventName != "SessionSettled" {
			continue
		}
		event := &Event{TxHash: txHash}
		if id, ok := decoded.Parameter["sessionId"].([32]byte); ok {
			event.SessionID = id
		}
		if op, ok := decoded.Parameter["operator"].(common.Address); ok {
			event.Operator = op
		}
		if v, ok := decoded.Parameter["usdcDelta"].(*big.Int); ok {
			event.UsdcDelta = v
		}
		if v, ok := decoded.Parameter["ethDelta"].(*big.Int); ok {
			event.EthDelta = v
		}
		if ts, ok := decoded.Parameter["timestamp"].(*big.Int); ok {
			event.Timestamp = time.Unix(ts.Int64(), 0).UTC()
		}
		if blockNum, ok := new(big.Int).SetString(receipt.BlockNumber, 0); ok {
			event.BlockNumber = blockNum.Uint64()
		}
		return event, nil
	}
	return nil, fmt.Errorf("no SessionSettled event in receipt %s", txHash)
}
