// Package policy implements the deterministic rule engine that screens swap
// proposals before any balance is touched. Evaluation is a pure function of
// the immutable config, the proposal, and a balance snapshot; no floating
// point appears in any threshold comparison.
package policy

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/nikillxh/sentinel/pkg/types"
)

// Stable rule identifiers, in evaluation order.
const (
	RuleMaxTradeSize  = "max_trade_size"
	RuleAllowedDex    = "allowed_dex"
	RuleAllowedAssets = "allowed_assets"
	RuleMaxSlippage   = "max_slippage"
)

// RuleCount is the fixed number of rules every decision reports.
const RuleCount = 4

const bpsDenominator = 10_000

// Config is the immutable policy for one session. MaxTradeBps is the
// per-swap cap as basis points of the input-asset balance (200 = 2%).
type Config struct {
	MaxTradeBps    uint32
	MaxSlippageBps uint32
	AllowedDexes   []string
	AllowedAssets  []types.Asset
}

// Copy returns a defensive copy of the config.
func (c Config) Copy() Config {
	clone := c
	clone.AllowedDexes = append([]string(nil), c.AllowedDexes...)
	clone.AllowedAssets = append([]types.Asset(nil), c.AllowedAssets...)
	return clone
}

// RuleResult is the outcome of a single rule evaluation.
type RuleResult struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Passed   bool   `json:"passed"`
	Reason   string `json:"reason,omitempty"`
	Value    string `json:"value"`
	Limit    string `json:"limit"`
}

// Decision is the engine's verdict: all rule results in fixed order, the
// conjunction in Approved, and the fingerprint of the policy that produced it.
type Decision struct {
	Approved    bool         `json:"approved"`
	Results     []RuleResult `json:"results"`
	EvaluatedAt time.Time    `json:"evaluatedAt"`
	PolicyHash  string       `json:"policyHash"`
}

// Engine holds the immutable config and its precomputed hash. The rule set
// is static; Evaluate never returns an error and never mutates its inputs.
type Engine struct {
	config Config
	hash   string
}

// NewEngine validates the config, normalizes its set fields, and precomputes
// the policy hash.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.MaxTradeBps == 0 || cfg.MaxTradeBps > bpsDenominator {
		return nil, fmt.Errorf("maxTradeBps must be in (0, %d], got %d", bpsDenominator, cfg.MaxTradeBps)
	}
	if cfg.MaxSlippageBps == 0 || cfg.MaxSlippageBps > bpsDenominator {
		return nil, fmt.Errorf("maxSlippageBps must be in (0, %d], got %d", bpsDenominator, cfg.MaxSlippageBps)
	}
	if len(cfg.AllowedDexes) == 0 {
		return nil, fmt.Errorf("allowedDexes must not be empty")
	}
	if len(cfg.AllowedAssets) == 0 {
		return nil, fmt.Errorf("allowedAssets must not be empty")
	}
	for _, a := range cfg.AllowedAssets {
		if !a.Valid() {
			return nil, fmt.Errorf("unsupported asset in allowedAssets: %q", a)
		}
	}
	normalized := cfg.Copy()
	sort.Strings(normalized.AllowedDexes)
	sort.Slice(normalized.AllowedAssets, func(i, j int) bool {
		return normalized.AllowedAssets[i] < normalized.AllowedAssets[j]
	})
	return &Engine{config: normalized, hash: Hash(normalized)}, nil
}

// Config returns a copy of the engine's policy.
func (e *Engine) Config() Config {
	return e.config.Copy()
}

// Hash returns the canonical policy fingerprint as a 0x-prefixed hex string.
func (e *Engine) Hash() string {
	return e.hash
}

// Evaluate runs all four rules against the proposal and balance snapshot.
// Every rule is always evaluated; failures are reported together. The only
// time dependency is the EvaluatedAt stamp.
func (e *Engine) Evaluate(proposal *types.SwapProposal, balances map[types.Asset]*types.SessionBalance) Decision {
	results := []RuleResult{
		e.checkMaxTradeSize(proposal, balances),
		e.checkAllowedDex(proposal),
		e.checkAllowedAssets(proposal),
		e.checkMaxSlippage(proposal),
	}
	approved := true
	for _, r := range results {
		approved = approved && r.Passed
	}
	return Decision{
		Approved:    approved,
		Results:     results,
		EvaluatedAt: time.Now().UTC(),
		PolicyHash:  e.hash,
	}
}

// checkMaxTradeSize enforces amountIn <= balance * maxTradeBps / 10000,
// boundary inclusive, in smallest-unit integer arithmetic. A missing balance
// entry is an explicit failure, never a silent pass.
func (e *Engine) checkMaxTradeSize(proposal *types.SwapProposal, balances map[types.Asset]*types.SessionBalance) RuleResult {
	result := RuleResult{
		RuleID:   RuleMaxTradeSize,
		RuleName: "Max Trade Size",
		Value:    amountString(proposal.AmountIn),
	}
	bal, ok := balances[proposal.TokenIn]
	if !ok || bal == nil || bal.Amount == nil {
		result.Limit = "0"
		result.Reason = fmt.Sprintf("no balance entry for %s", proposal.TokenIn)
		return result
	}
	cap := new(big.Int).Mul(bal.Amount, big.NewInt(int64(e.config.MaxTradeBps)))
	cap.Div(cap, big.NewInt(bpsDenominator))
	result.Limit = cap.String()
	if proposal.AmountIn == nil || proposal.AmountIn.Sign() <= 0 {
		result.Reason = "amountIn must be positive"
		return result
	}
	if proposal.AmountIn.Cmp(cap) > 0 {
		result.Reason = fmt.Sprintf("amountIn %s exceeds cap %s (%s bps of %s balance)",
			proposal.AmountIn, cap, fmt.Sprint(e.config.MaxTradeBps), proposal.TokenIn)
		return result
	}
	result.Passed = true
	return result
}

// checkAllowedDex is an exact, case-sensitive membership test.
func (e *Engine) checkAllowedDex(proposal *types.SwapProposal) RuleResult {
	result := RuleResult{
		RuleID:   RuleAllowedDex,
		RuleName: "Allowed DEX",
		Value:    proposal.Dex,
		Limit:    fmt.Sprintf("%v", e.config.AllowedDexes),
	}
	for _, dex := range e.config.AllowedDexes {
		if dex == proposal.Dex {
			result.Passed = true
			return result
		}
	}
	result.Reason = fmt.Sprintf("dex %q is not in the allowed set", proposal.Dex)
	return result
}

// checkAllowedAssets requires both sides of the pair to be allowed and
// reports each violating side.
func (e *Engine) checkAllowedAssets(proposal *types.SwapProposal) RuleResult {
	result := RuleResult{
		RuleID:   RuleAllowedAssets,
		RuleName: "Allowed Assets",
		Value:    fmt.Sprintf("%s->%s", proposal.TokenIn, proposal.TokenOut),
		Limit:    fmt.Sprintf("%v", e.config.AllowedAssets),
	}
	var violations []string
	if !e.assetAllowed(proposal.TokenIn) {
		violations = append(violations, fmt.Sprintf("tokenIn=%s", proposal.TokenIn))
	}
	if !e.assetAllowed(proposal.TokenOut) {
		violations = append(violations, fmt.Sprintf("tokenOut=%s", proposal.TokenOut))
	}
	if len(violations) > 0 {
		result.Reason = fmt.Sprintf("asset not allowed: %v", violations)
		return result
	}
	result.Passed = true
	return result
}

// checkMaxSlippage enforces maxSlippageBps <= policy max, boundary inclusive.
func (e *Engine) checkMaxSlippage(proposal *types.SwapProposal) RuleResult {
	result := RuleResult{
		RuleID:   RuleMaxSlippage,
		RuleName: "Max Slippage",
		Value:    fmt.Sprint(proposal.MaxSlippageBps),
		Limit:    fmt.Sprint(e.config.MaxSlippageBps),
	}
	if proposal.MaxSlippageBps > e.config.MaxSlippageBps {
		result.Reason = fmt.Sprintf("slippage %d bps exceeds policy max %d bps",
			proposal.MaxSlippageBps, e.config.MaxSlippageBps)
		return result
	}
	result.Passed = true
	return result
}

func (e *Engine) assetAllowed(a types.Asset) bool {
	for _, allowed := range e.config.AllowedAssets {
		if allowed == a {
			return true
		}
	}
	return false
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
