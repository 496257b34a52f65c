// Package txlistener polls an RPC endpoint until a submitted transaction is
// mined, then hands back a receipt snapshot.
package txlistener

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/nikillxh/sentinel/pkg/types"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultTimeout      = 5 * time.Minute
)

// ErrTimeout is returned when a transaction is not mined within the
// configured window. Retrying is safe for settlement transactions; the
// on-chain replay map makes re-submission idempotent.
var ErrTimeout = errors.New("timed out waiting for transaction")

// TxListener waits for transaction confirmations by polling.
type TxListener struct {
	client       *ethclient.Client
	pollInterval time.Duration
	timeout      time.Duration
}

// Option customizes a TxListener.
type Option func(*TxListener)

// WithPollInterval sets the receipt polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(l *TxListener) { l.pollInterval = d }
}

// WithTimeout bounds the total wait per transaction.
func WithTimeout(d time.Duration) Option {
	return func(l *TxListener) { l.timeout = d }
}

// NewTxListener builds a listener over an existing client connection.
func NewTxListener(client *ethclient.Client, opts ...Option) *TxListener {
	l := &TxListener{
		client:       client,
		pollInterval: defaultPollInterval,
		timeout:      defaultTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WaitForTransaction blocks until the transaction is mined or the timeout
// elapses, then returns the receipt with one confirmation.
func (l *TxListener) WaitForTransaction(txHash common.Hash) (*types.TxReceipt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	return l.WaitForTransactionContext(ctx, txHash)
}

// WaitForTransactionContext is WaitForTransaction with caller-owned
// cancellation.
func (l *TxListener) WaitForTransactionContext(ctx context.Context, txHash common.Hash) (*types.TxReceipt, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			status := "0x0"
			if receipt.Status == 1 {
				status = "0x1"
			}
			return &types.TxReceipt{
				TxHash:            txHash.Hex(),
				Status:            status,
				BlockNumber:       hexBig(receipt.BlockNumber),
				GasUsed:           hexUint(receipt.GasUsed),
				EffectiveGasPrice: hexBig(receipt.EffectiveGasPrice),
				Logs:              receipt.Logs,
			}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrTimeout, txHash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func hexBig(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

func hexUint(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
