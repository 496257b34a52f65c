// Package contractclient wraps one deployed contract behind an ABI-driven
// Call/Send interface so the rest of the kernel never touches raw calldata.
package contractclient

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/nikillxh/sentinel/pkg/types"
)

// TxMode selects the transaction envelope for Send.
type TxMode int

const (
	// Standard submits an EIP-1559 dynamic-fee transaction.
	Standard TxMode = iota
	// Legacy submits a pre-1559 transaction with a flat gas price.
	Legacy
)

// ContractClient binds one contract address to its ABI over an RPC client.
type ContractClient struct {
	client  *ethclient.Client
	address common.Address
	abi     *abi.ABI
}

// DecodedTransaction is the result of decoding calldata against the ABI.
type DecodedTransaction struct {
	MethodName string                 `json:"methodName"`
	Parameter  map[string]interface{} `json:"parameter"`
}

// DecodedEvent is one log entry unpacked against the ABI.
type DecodedEvent struct {
	EventName string                 `json:"EventName"`
	Parameter map[string]interface{} `json:"Parameter"`
}

// NewContractClient builds a client for a single contract.
func NewContractClient(client *ethclient.Client, address common.Address, contractABI *abi.ABI) *ContractClient {
	return &ContractClient{
		client:  client,
		address: address,
		abi:     contractABI,
	}
}

// ContractAddress returns the bound contract address.
func (c *ContractClient) ContractAddress() common.Address {
	return c.address
}

// Abi exposes the parsed ABI for callers that pack composite calls.
func (c *ContractClient) Abi() *abi.ABI {
	return c.abi
}

// Call performs a read-only eth_call of the named method and returns the
// unpacked outputs.
func (c *ContractClient) Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	return c.CallContext(context.Background(), from, method, args...)
}

// CallContext is Call with caller-owned cancellation.
func (c *ContractClient) CallContext(ctx context.Context, from *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &c.address, Data: data}
	if from != nil {
		msg.From = *from
	}
	raw, err := c.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s failed: %w", method, err)
	}
	outputs, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s outputs: %w", method, err)
	}
	return outputs, nil
}

// Send packs, signs, and submits a state-changing call. A nil gasLimit uses
// automatic estimation. Returns the transaction hash; confirmation is the
// caller's business (see pkg/txlistener).
func (c *ContractClient) Send(
	mode TxMode,
	gasLimit *uint64,
	from *common.Address,
	pk *ecdsa.PrivateKey,
	method string,
	args ...interface{},
) (common.Hash, error) {
	return c.SendContext(context.Background(), mode, gasLimit, from, pk, method, args...)
}

// SendContext is Send with caller-owned cancellation.
func (c *ContractClient) SendContext(
	ctx context.Context,
	mode TxMode,
	gasLimit *uint64,
	from *common.Address,
	pk *ecdsa.PrivateKey,
	method string,
	args ...interface{},
) (common.Hash, error) {
	if pk == nil {
		return common.Hash{}, errors.New("nil private key")
	}
	sender := crypto.PubkeyToAddress(pk.PublicKey)
	if from != nil && *from != sender {
		return common.Hash{}, fmt.Errorf("from %s does not match key %s", from.Hex(), sender.Hex())
	}

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, sender)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch nonce: %w", err)
	}
	chainID, err := c.client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch chain id: %w", err)
	}

	limit := uint64(0)
	if gasLimit != nil {
		limit = *gasLimit
	} else {
		limit, err = c.client.EstimateGas(ctx, ethereum.CallMsg{
			From: sender,
			To:   &c.address,
			Data: data,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to estimate gas for %s: %w", method, err)
		}
	}

	var tx *gethtypes.Transaction
	switch mode {
	case Standard:
		tipCap, err := c.client.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to fetch tip cap: %w", err)
		}
		head, err := c.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to fetch head: %w", err)
		}
		feeCap := new(big.Int).Set(tipCap)
		if head.BaseFee != nil {
			feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		}
		tx = gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       limit,
			To:        &c.address,
			Data:      data,
		})
	case Legacy:
		gasPrice, err := c.client.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to fetch gas price: %w", err)
		}
		tx = gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      limit,
			To:       &c.address,
			Data:     data,
		})
	default:
		return common.Hash{}, fmt.Errorf("unknown tx mode %d", mode)
	}

	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), pk)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign %s: %w", method, err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send %s: %w", method, err)
	}
	return signed.Hash(), nil
}

// TransactionData fetches the calldata of a known transaction.
func (c *ContractClient) TransactionData(txHash common.Hash) ([]byte, error) {
	tx, _, err := c.client.TransactionByHash(context.Background(), txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	return tx.Data(), nil
}

// DecodeTransaction resolves calldata to a method name and named arguments.
func (c *ContractClient) DecodeTransaction(data []byte) (*DecodedTransaction, error) {
	if len(data) < 4 {
		return nil, errors.New("calldata shorter than a selector")
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("unknown method selector 0x%x: %w", data[:4], err)
	}
	params := map[string]interface{}{}
	if err := method.Inputs.UnpackIntoMap(params, data[4:]); err != nil {
		return nil, fmt.Errorf("failed to unpack %s arguments: %w", method.Name, err)
	}
	return &DecodedTransaction{MethodName: method.Name, Parameter: params}, nil
}

// ParseReceipt unpacks every log in the receipt that belongs to this
// contract's ABI and returns the events as a JSON array.
func (c *ContractClient) ParseReceipt(receipt *types.TxReceipt) (string, error) {
	events, err := c.DecodeReceiptEvents(receipt)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("failed to marshal events: %w", err)
	}
	return string(out), nil
}

// DecodeReceiptEvents returns the typed form of ParseReceipt.
func (c *ContractClient) DecodeReceiptEvents(receipt *types.TxReceipt) ([]DecodedEvent, error) {
	if receipt == nil {
		return nil, errors.New("nil receipt")
	}
	var events []DecodedEvent
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 {
			continue
		}
		event, err := c.abi.EventByID(lg.Topics[0])
		if err != nil {
			continue // log from another contract's ABI
		}
		params := map[string]interface{}{}
		if err := c.abi.UnpackIntoMap(params, event.Name, lg.Data); err != nil {
			return nil, fmt.Errorf("failed to unpack event %s: %w", event.Name, err)
		}
		indexed := make([]abi.Argument, 0, len(event.Inputs))
		for _, input := range event.Inputs {
			if input.Indexed {
				indexed = append(indexed, input)
			}
		}
		if len(indexed) > 0 {
			if err := abi.ParseTopicsIntoMap(params, indexed, lg.Topics[1:]); err != nil {
				return nil, fmt.Errorf("failed to parse topics of %s: %w", event.Name, err)
			}
		}
		events = append(events, DecodedEvent{EventName: event.Name, Parameter: params})
	}
	return events, nil
}
