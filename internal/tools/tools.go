// Package tools is the strictly typed surface the agent calls. Every input
// is schema-validated at the boundary; every response carries the uniform
// {success, data, error, policyDecision, timestamp} envelope. The agent has
// no other path into the kernel.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	sentinel "github.com/nikillxh/sentinel"
	"github.com/nikillxh/sentinel/pkg/policy"
	"github.com/nikillxh/sentinel/pkg/types"
)

// Tool names.
const (
	ToolGetSessionBalance     = "get_session_balance"
	ToolSimulateSwap          = "simulate_swap"
	ToolProposeSwap           = "propose_swap"
	ToolCloseSessionAndSettle = "close_session_and_settle"
)

// Response is the uniform tool envelope.
type Response struct {
	Success        bool             `json:"success"`
	Data           interface{}      `json:"data,omitempty"`
	Error          string           `json:"error,omitempty"`
	PolicyDecision *policy.Decision `json:"policyDecision,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// BalanceInput selects one asset.
type BalanceInput struct {
	Asset string `json:"asset"`
}

// SwapInput names a pair and a human-readable decimal amount.
type SwapInput struct {
	TokenIn  string `json:"tokenIn"`
	TokenOut string `json:"tokenOut"`
	Amount   string `json:"amount"`
}

// Registry dispatches tool calls into the session manager.
type Registry struct {
	kernel *sentinel.Sentinel
}

// NewRegistry binds the kernel.
func NewRegistry(kernel *sentinel.Sentinel) *Registry {
	return &Registry{kernel: kernel}
}

// Names lists the available tools.
func (r *Registry) Names() []string {
	return []string{
		ToolGetSessionBalance,
		ToolSimulateSwap,
		ToolProposeSwap,
		ToolCloseSessionAndSettle,
	}
}

// Handle validates the payload against the named tool's schema and runs it.
// Errors never escape as Go errors: they become {success:false}.
func (r *Registry) Handle(ctx context.Context, name string, payload json.RawMessage) Response {
	switch name {
	case ToolGetSessionBalance:
		var input BalanceInput
		if err := decodeStrict(payload, &input); err != nil {
			return fail(err, nil)
		}
		return r.getSessionBalance(input)
	case ToolSimulateSwap:
		input, err := decodeSwapInput(payload)
		if err != nil {
			return fail(err, nil)
		}
		return r.simulateSwap(ctx, input)
	case ToolProposeSwap:
		input, err := decodeSwapInput(payload)
		if err != nil {
			return fail(err, nil)
		}
		return r.proposeSwap(ctx, input)
	case ToolCloseSessionAndSettle:
		if err := decodeEmpty(payload); err != nil {
			return fail(err, nil)
		}
		return r.closeAndSettle(ctx)
	default:
		return fail(fmt.Errorf("unknown tool: %q", name), nil)
	}
}

func (r *Registry) getSessionBalance(input BalanceInput) Response {
	asset, err := types.ParseAsset(input.Asset)
	if err != nil {
		return fail(err, nil)
	}
	balance, err := r.kernel.Balance(asset)
	if err != nil {
		return fail(err, nil)
	}
	summary, err := r.kernel.Summary()
	if err != nil {
		return fail(err, nil)
	}
	return ok(map[string]interface{}{
		"balance": map[string]string{
			"asset":         string(balance.Asset),
			"amount":        types.FormatUnits(balance.Amount, asset.Decimals()),
			"initialAmount": types.FormatUnits(balance.InitialAmount, asset.Decimals()),
			"pnl":           types.FormatUnits(balance.PnL, asset.Decimals()),
		},
		"summary": summary,
	}, nil)
}

func (r *Registry) simulateSwap(ctx context.Context, input *swapCall) Response {
	sim, err := r.kernel.SimulateSwap(ctx, input.tokenIn, input.tokenOut, input.amount)
	if err != nil {
		return fail(err, nil)
	}
	return ok(sim, &sim.Decision)
}

func (r *Registry) proposeSwap(ctx context.Context, input *swapCall) Response {
	outcome, err := r.kernel.ProposeSwap(ctx, input.tokenIn, input.tokenOut, input.amount)
	if err != nil {
		if errors.Is(err, sentinel.ErrPolicyRejected) && outcome != nil {
			return fail(err, &outcome.Decision)
		}
		return fail(err, nil)
	}
	return ok(outcome.Result, &outcome.Decision)
}

func (r *Registry) closeAndSettle(ctx context.Context) Response {
	closed, err := r.kernel.Close(ctx)
	if err != nil {
		return fail(err, nil)
	}
	record, err := r.kernel.Settle(ctx)
	if err != nil {
		// Close already happened; the session stays closing for a retry.
		return fail(err, nil)
	}
	finalBalances := make(map[string]string, len(closed.Balances))
	for asset, bal := range closed.Balances {
		finalBalances[string(asset)] = types.FormatUnits(bal.Amount, asset.Decimals())
	}
	return ok(map[string]interface{}{
		"finalBalances":    finalBalances,
		"settlementTxHash": record.TxHash,
		"blockNumber":      record.BlockNumber,
	}, nil)
}

type swapCall struct {
	tokenIn  types.Asset
	tokenOut types.Asset
	amount   *big.Int
}

func decodeSwapInput(payload json.RawMessage) (*swapCall, error) {
	var input SwapInput
	if err := decodeStrict(payload, &input); err != nil {
		return nil, err
	}
	tokenIn, err := types.ParseAsset(input.TokenIn)
	if err != nil {
		return nil, fmt.Errorf("tokenIn: %w", err)
	}
	tokenOut, err := types.ParseAsset(input.TokenOut)
	if err != nil {
		return nil, fmt.Errorf("tokenOut: %w", err)
	}
	if input.Amount == "" {
		return nil, errors.New("amount is required")
	}
	amount, err := types.ParseUnits(input.Amount, tokenIn.Decimals())
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	if amount.Sign() <= 0 {
		return nil, errors.New("amount must be positive")
	}
	return &swapCall{tokenIn: tokenIn, tokenOut: tokenOut, amount: amount}, nil
}

func decodeStrict(payload json.RawMessage, out interface{}) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}

func decodeEmpty(payload json.RawMessage) error {
	var empty struct{}
	return decodeStrict(payload, &empty)
}

func ok(data interface{}, decision *policy.Decision) Response {
	return Response{
		Success:        true,
		Data:           data,
		PolicyDecision: decision,
		Timestamp:      time.Now().UTC(),
	}
}

func fail(err error, decision *policy.Decision) Response {
	return Response{
		Success:        false,
		Error:          err.Error(),
		PolicyDecision: decision,
		Timestamp:      time.Now().UTC(),
	}
}
