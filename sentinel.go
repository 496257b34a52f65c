// Package sentinel is the policy-governed trading session kernel: it owns
// the session lifecycle, drives every proposal through quote -> policy ->
// balance -> channel, and hands finalized sessions to the settlement
// client. An untrusted agent only ever reaches it through the tool surface;
// no path mutates a balance without an approved decision and a co-signed
// channel state.
package sentinel

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikillxh/sentinel/internal/audit"
	"github.com/nikillxh/sentinel/pkg/channel"
	"github.com/nikillxh/sentinel/pkg/policy"
	"github.com/nikillxh/sentinel/pkg/quote"
	"github.com/nikillxh/sentinel/pkg/settle"
	"github.com/nikillxh/sentinel/pkg/types"
)

const (
	// DefaultDex is the venue attached to proposals that name none.
	DefaultDex = "default-venue"
	// DefaultSlippageBps is the tolerance attached to proposals that name none.
	DefaultSlippageBps uint32 = 50
)

// SessionConfig carries the session-scoped options.
type SessionConfig struct {
	DefaultDepositUsdc   *big.Int
	MaxActionsPerSession int
	Timeout              time.Duration
}

// SwapRecorder mirrors applied swaps to durable storage. Mirror failures
// are logged, never fatal.
type SwapRecorder interface {
	RecordSwap(sessionID string, result *types.SwapResult) error
}

// SimulationResult is a dry-run of the proposal pipeline: the quote, the
// proposal as it would be submitted, and the would-be decision.
type SimulationResult struct {
	Quote        *quote.Quote        `json:"quote"`
	Proposal     *types.SwapProposal `json:"proposal"`
	Decision     policy.Decision     `json:"decision"`
	WouldApprove bool                `json:"wouldApprove"`
}

// SwapOutcome pairs an applied swap with the decision that admitted it. On
// rejection Result is nil and Decision carries the failing rules.
type SwapOutcome struct {
	Result   *types.SwapResult `json:"result,omitempty"`
	Decision policy.Decision   `json:"decision"`
}

// Summary is the compact session view exposed to tools and the dashboard.
type Summary struct {
	SessionID   string              `json:"sessionId"`
	Status      types.SessionStatus `json:"status"`
	ActionCount int                 `json:"actionCount"`
	SwapCount   int                 `json:"swapCount"`
	ChannelID   string              `json:"channelId,omitempty"`
	ChannelTurn uint64              `json:"channelTurn"`
	Degraded    bool                `json:"degraded"`
	PolicyHash  string              `json:"policyHash"`
	OpenedAt    time.Time           `json:"openedAt"`
}

// ProposalOption adjusts one proposal.
type ProposalOption func(*types.SwapProposal)

// WithDex overrides the proposal's venue.
func WithDex(dex string) ProposalOption {
	return func(p *types.SwapProposal) { p.Dex = dex }
}

// WithSlippageBps overrides the proposal's slippage tolerance.
func WithSlippageBps(bps uint32) ProposalOption {
	return func(p *types.SwapProposal) { p.MaxSlippageBps = bps }
}

// Sentinel is the session manager. One instance owns at most one session at
// a time; proposals execute serially under the session lock so the policy
// check and the balance mutation observe one consistent snapshot.
type Sentinel struct {
	engine   *policy.Engine
	oracle   quote.Oracle
	ledger   *channel.Ledger
	settler  *settle.Settler
	auditLog *audit.Log
	recorder SwapRecorder
	cfg      SessionConfig

	mu        sync.Mutex
	session   *types.SessionState
	channelID string
	actions   int
}

// Option customizes a Sentinel.
type Option func(*Sentinel)

// WithLedger attaches a channel ledger. Without one the kernel runs
// memory-only and marks every session degraded.
func WithLedger(l *channel.Ledger) Option {
	return func(s *Sentinel) { s.ledger = l }
}

// WithSettler attaches a settlement client.
func WithSettler(st *settle.Settler) Option {
	return func(s *Sentinel) { s.settler = st }
}

// WithAuditLog replaces the default in-memory audit log.
func WithAuditLog(l *audit.Log) Option {
	return func(s *Sentinel) { s.auditLog = l }
}

// WithSwapRecorder attaches a durable swap mirror.
func WithSwapRecorder(r SwapRecorder) Option {
	return func(s *Sentinel) { s.recorder = r }
}

// WithSessionConfig overrides the session defaults.
func WithSessionConfig(cfg SessionConfig) Option {
	return func(s *Sentinel) { s.cfg = cfg }
}

// New assembles a session manager around a policy engine and quote oracle.
func New(engine *policy.Engine, oracle quote.Oracle, opts ...Option) *Sentinel {
	s := &Sentinel{
		engine: engine,
		oracle: oracle,
		cfg: SessionConfig{
			DefaultDepositUsdc:   big.NewInt(1_000_000_000), // 1000 USDC
			MaxActionsPerSession: 50,
			Timeout:              30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auditLog == nil {
		s.auditLog = audit.NewLog()
	}
	return s
}

// Open starts a session funded with depositUsdc (nil uses the configured
// default). Initial balances are {USDC: deposit, ETH: 0}. When a ledger is
// attached, the channel opens over the same balances; a transport failure
// degrades the session to memory-only and is recorded, not fatal.
func (s *Sentinel) Open(ctx context.Context, depositUsdc *big.Int) (*types.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil &&
		s.session.Status != types.SessionSettled && s.session.Status != types.SessionError {
		return nil, fmt.Errorf("%w: session %s is %s",
			ErrSessionActive, s.session.SessionID, s.session.Status)
	}

	deposit := depositUsdc
	if deposit == nil {
		deposit = s.cfg.DefaultDepositUsdc
	}
	if deposit.Sign() <= 0 {
		return nil, fmt.Errorf("deposit must be positive, got %s", deposit)
	}

	session := &types.SessionState{
		SessionID: uuid.NewString(),
		Status:    types.SessionActive,
		Balances: map[types.Asset]*types.SessionBalance{
			types.AssetUSDC: {
				Asset:         types.AssetUSDC,
				Amount:        new(big.Int).Set(deposit),
				InitialAmount: new(big.Int).Set(deposit),
				PnL:           big.NewInt(0),
			},
			types.AssetETH: {
				Asset:         types.AssetETH,
				Amount:        big.NewInt(0),
				InitialAmount: big.NewInt(0),
				PnL:           big.NewInt(0),
			},
		},
		OpenedAt: time.Now().UTC(),
	}

	s.channelID = ""
	if s.ledger != nil {
		channelID := newChannelID()
		if _, err := s.ledger.Open(ctx, channelID, balanceAmounts(session.Balances)); err != nil {
			session.Degraded = true
			s.auditLog.Append(audit.KindChannelDegraded, session.SessionID, "", err.Error(), nil)
			log.Printf("channel open failed, continuing memory-only: %v", err)
		} else {
			s.channelID = channelID
			s.auditLog.Append(audit.KindChannelOpened, session.SessionID, channelID, "", nil)
		}
	} else {
		session.Degraded = true
	}

	s.session = session
	s.actions = 0
	s.auditLog.Append(audit.KindSessionOpened, session.SessionID, "", "", map[string]string{
		"depositUsdc": deposit.String(),
	})
	return session.Copy(), nil
}

// SimulateSwap prices a swap and dry-runs the policy decision against the
// current balances, or a synthetic default-deposit balance set when no
// session is active. Nothing is mutated.
func (s *Sentinel) SimulateSwap(ctx context.Context, tokenIn, tokenOut types.Asset, amountIn *big.Int) (*SimulationResult, error) {
	balances, sessionID := s.simulationBalances()

	q, err := s.oracle.QuoteSwap(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}

	proposal := s.buildProposal(q)
	decision := s.engine.Evaluate(proposal, balances)

	s.auditLog.Append(audit.KindSwapSimulated, sessionID, proposal.ID, "", map[string]string{
		"tokenIn":      string(tokenIn),
		"tokenOut":     string(tokenOut),
		"amountIn":     amountIn.String(),
		"wouldApprove": fmt.Sprint(decision.Approved),
	})
	return &SimulationResult{
		Quote:        q,
		Proposal:     proposal,
		Decision:     decision,
		WouldApprove: decision.Approved,
	}, nil
}

// ProposeSwap is the canonical pipeline: quote, build, evaluate, check
// sufficiency, apply the delta, co-sign the channel state, append history.
// Proposals are serialized end-to-end under the session lock; a failed
// channel update rolls the balance delta back so the sheet and the channel
// never diverge.
func (s *Sentinel) ProposeSwap(ctx context.Context, tokenIn, tokenOut types.Asset, amountIn *big.Int, opts ...ProposalOption) (*SwapOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || s.session.Status != types.SessionActive {
		return nil, s.stateError("propose_swap")
	}
	if s.cfg.MaxActionsPerSession > 0 && s.actions >= s.cfg.MaxActionsPerSession {
		return nil, fmt.Errorf("%w: %d actions", ErrActionLimit, s.actions)
	}
	s.actions++

	q, err := s.oracle.QuoteSwap(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		s.auditLog.Append(audit.KindSwapFailed, s.session.SessionID, "", err.Error(), nil)
		return nil, err
	}

	proposal := s.buildProposal(q)
	for _, opt := range opts {
		opt(proposal)
	}

	decision := s.engine.Evaluate(proposal, s.session.Balances)
	if !decision.Approved {
		s.auditLog.Append(audit.KindSwapRejected, s.session.SessionID, proposal.ID,
			failedRules(decision), map[string]string{
				"tokenIn":  string(tokenIn),
				"tokenOut": string(tokenOut),
				"amountIn": amountIn.String(),
			})
		return &SwapOutcome{Decision: decision}, ErrPolicyRejected
	}

	balanceIn := s.session.Balances[proposal.TokenIn]
	balanceOut := s.session.Balances[proposal.TokenOut]
	if balanceIn == nil || balanceIn.Amount.Cmp(proposal.AmountIn) < 0 {
		s.auditLog.Append(audit.KindSwapFailed, s.session.SessionID, proposal.ID,
			"insufficient balance", nil)
		return nil, fmt.Errorf("%w: %s %s", ErrInsufficientBalance,
			proposal.TokenIn, proposal.AmountIn)
	}
	if balanceOut == nil {
		balanceOut = &types.SessionBalance{
			Asset:         proposal.TokenOut,
			Amount:        big.NewInt(0),
			InitialAmount: big.NewInt(0),
			PnL:           big.NewInt(0),
		}
		s.session.Balances[proposal.TokenOut] = balanceOut
	}

	// Apply the delta, then ask the ledger to co-sign the new sheet. The
	// rollback below is what keeps balance sheet and channel in lockstep.
	balanceIn.Amount.Sub(balanceIn.Amount, proposal.AmountIn)
	balanceOut.Amount.Add(balanceOut.Amount, proposal.EstimatedAmountOut)
	balanceIn.PnL = new(big.Int).Sub(balanceIn.Amount, balanceIn.InitialAmount)
	balanceOut.PnL = new(big.Int).Sub(balanceOut.Amount, balanceOut.InitialAmount)

	if s.ledger != nil && !s.session.Degraded {
		updateCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		state, err := s.ledger.Update(updateCtx, balanceAmounts(s.session.Balances))
		cancel()
		if err != nil {
			balanceIn.Amount.Add(balanceIn.Amount, proposal.AmountIn)
			balanceOut.Amount.Sub(balanceOut.Amount, proposal.EstimatedAmountOut)
			balanceIn.PnL = new(big.Int).Sub(balanceIn.Amount, balanceIn.InitialAmount)
			balanceOut.PnL = new(big.Int).Sub(balanceOut.Amount, balanceOut.InitialAmount)
			s.auditLog.Append(audit.KindSwapFailed, s.session.SessionID, proposal.ID, err.Error(), nil)
			return nil, fmt.Errorf("%w: %v", ErrChannelUpdate, err)
		}
		s.auditLog.Append(audit.KindChannelUpdated, s.session.SessionID, proposal.ID, "",
			map[string]string{"turnNum": fmt.Sprint(state.TurnNum)})
	}

	result := &types.SwapResult{
		ProposalID:    proposal.ID,
		Success:       true,
		TokenIn:       proposal.TokenIn,
		TokenOut:      proposal.TokenOut,
		AmountIn:      new(big.Int).Set(proposal.AmountIn),
		AmountOut:     new(big.Int).Set(proposal.EstimatedAmountOut),
		ExecutedPrice: executedPrice(proposal),
		ExecutionType: types.ExecutionOffchain,
		Timestamp:     time.Now().UTC(),
	}
	s.session.History = append(s.session.History, result)

	s.auditLog.Append(audit.KindSwapExecuted, s.session.SessionID, proposal.ID, "",
		map[string]string{
			"amountIn":  result.AmountIn.String(),
			"amountOut": result.AmountOut.String(),
		})
	if s.recorder != nil {
		if err := s.recorder.RecordSwap(s.session.SessionID, result); err != nil {
			log.Printf("swap mirror failed for %s: %v", proposal.ID, err)
		}
	}
	return &SwapOutcome{Result: result, Decision: decision}, nil
}

// Close transitions active -> closing, finalizes the channel, and returns
// the session ready for settlement. Once closing, no further swaps are
// admitted even before settlement completes.
func (s *Sentinel) Close(ctx context.Context) (*types.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || s.session.Status != types.SessionActive {
		return nil, s.stateError("close")
	}
	s.session.Status = types.SessionClosing
	now := time.Now().UTC()
	s.session.ClosedAt = &now
	s.auditLog.Append(audit.KindSessionClosing, s.session.SessionID, "", "", nil)

	if s.ledger != nil && !s.session.Degraded {
		closed, err := s.ledger.Close(ctx)
		if err != nil {
			// The session stays closing and admits no further swaps;
			// settlement proceeds from the last fully-signed state.
			s.auditLog.Append(audit.KindSessionError, s.session.SessionID, "", err.Error(), nil)
			return nil, fmt.Errorf("channel close failed: %w", err)
		}
		s.auditLog.Append(audit.KindChannelFinalized, s.session.SessionID, closed.ChannelID, "",
			map[string]string{"finalTurn": fmt.Sprint(closed.CurrentState.TurnNum)})
	}
	return s.session.Copy(), nil
}

// Settle submits the closed session through the configured settlement
// backend and, on success, marks the session settled. A pre-validation
// failure leaves the session closing so the operator can retry after
// fixing the policy mirror.
func (s *Sentinel) Settle(ctx context.Context) (*types.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || s.session.Status != types.SessionClosing {
		return nil, s.stateError("settle")
	}
	if s.settler == nil {
		return nil, ErrSettlerNotConfigured
	}

	record, err := s.settler.Settle(ctx, s.session)
	if err != nil {
		s.auditLog.Append(audit.KindSettlementFailed, s.session.SessionID, "", err.Error(), nil)
		return nil, err
	}

	s.session.Status = types.SessionSettled
	s.session.SettlementTxHash = record.TxHash
	s.auditLog.Append(audit.KindSessionSettled, s.session.SessionID, record.TxHash, "",
		map[string]string{"blockNumber": fmt.Sprint(record.BlockNumber)})
	return record, nil
}

// MarkSettled records an externally driven settlement. Legal only from
// closing.
func (s *Sentinel) MarkSettled(txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || s.session.Status != types.SessionClosing {
		return s.stateError("mark_settled")
	}
	s.session.Status = types.SessionSettled
	s.session.SettlementTxHash = txHash
	s.auditLog.Append(audit.KindSessionSettled, s.session.SessionID, txHash, "", nil)
	return nil
}

// Balance returns a copy of one asset's session balance.
func (s *Sentinel) Balance(asset types.Asset) (*types.SessionBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, ErrNoActiveSession
	}
	bal, ok := s.session.Balances[asset]
	if !ok {
		return nil, fmt.Errorf("no balance entry for %s", asset)
	}
	return bal.Copy(), nil
}

// Session returns a copy of the full session state.
func (s *Sentinel) Session() (*types.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, false
	}
	return s.session.Copy(), true
}

// Summary builds the compact view.
func (s *Sentinel) Summary() (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, ErrNoActiveSession
	}
	summary := &Summary{
		SessionID:   s.session.SessionID,
		Status:      s.session.Status,
		ActionCount: s.actions,
		SwapCount:   len(s.session.History),
		ChannelID:   s.channelID,
		Degraded:    s.session.Degraded,
		PolicyHash:  s.engine.Hash(),
		OpenedAt:    s.session.OpenedAt,
	}
	if s.ledger != nil {
		if ch, ok := s.ledger.Channel(); ok {
			summary.ChannelTurn = ch.CurrentState.TurnNum
		}
	}
	return summary, nil
}

// Channel exposes the ledger's channel session, when one exists.
func (s *Sentinel) Channel() (*types.ChannelSession, bool) {
	if s.ledger == nil {
		return nil, false
	}
	return s.ledger.Channel()
}

// Policy returns the engine's immutable config.
func (s *Sentinel) Policy() policy.Config {
	return s.engine.Config()
}

// PolicyHash returns the canonical fingerprint of the session policy.
func (s *Sentinel) PolicyHash() string {
	return s.engine.Hash()
}

// AuditLog exposes the append-only event record.
func (s *Sentinel) AuditLog() *audit.Log {
	return s.auditLog
}

func (s *Sentinel) buildProposal(q *quote.Quote) *types.SwapProposal {
	return &types.SwapProposal{
		ID:                 uuid.NewString(),
		TokenIn:            q.TokenIn,
		TokenOut:           q.TokenOut,
		AmountIn:           new(big.Int).Set(q.AmountIn),
		EstimatedAmountOut: new(big.Int).Set(q.EstimatedAmountOut),
		MaxSlippageBps:     DefaultSlippageBps,
		Dex:                DefaultDex,
		Timestamp:          time.Now().UTC(),
	}
}

// simulationBalances snapshots the live balances, or fabricates the default
// deposit when no session is active so previews work before open.
func (s *Sentinel) simulationBalances() (map[types.Asset]*types.SessionBalance, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil && s.session.Status == types.SessionActive {
		snapshot := make(map[types.Asset]*types.SessionBalance, len(s.session.Balances))
		for asset, bal := range s.session.Balances {
			snapshot[asset] = bal.Copy()
		}
		return snapshot, s.session.SessionID
	}
	deposit := new(big.Int).Set(s.cfg.DefaultDepositUsdc)
	return map[types.Asset]*types.SessionBalance{
		types.AssetUSDC: {
			Asset:         types.AssetUSDC,
			Amount:        deposit,
			InitialAmount: new(big.Int).Set(deposit),
			PnL:           big.NewInt(0),
		},
		types.AssetETH: {
			Asset:         types.AssetETH,
			Amount:        big.NewInt(0),
			InitialAmount: big.NewInt(0),
			PnL:           big.NewInt(0),
		},
	}, ""
}

func (s *Sentinel) stateError(op string) error {
	status := types.SessionNone
	if s.session != nil {
		status = s.session.Status
	}
	if status == types.SessionNone {
		return fmt.Errorf("%w: %s", ErrNoActiveSession, op)
	}
	return fmt.Errorf("%w: %s in status %s", ErrInvalidSessionState, op, status)
}

// executedPrice renders the human-readable input-per-output price. Display
// only; no invariant depends on it.
func executedPrice(p *types.SwapProposal) string {
	if p.EstimatedAmountOut.Sign() == 0 {
		return "0"
	}
	in := new(big.Float).Quo(
		new(big.Float).SetInt(p.AmountIn),
		decimalScale(p.TokenIn.Decimals()))
	out := new(big.Float).Quo(
		new(big.Float).SetInt(p.EstimatedAmountOut),
		decimalScale(p.TokenOut.Decimals()))
	return new(big.Float).Quo(in, out).Text('f', 6)
}

func decimalScale(decimals int) *big.Float {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Float).SetInt(scale)
}

func balanceAmounts(balances map[types.Asset]*types.SessionBalance) map[types.Asset]*big.Int {
	out := make(map[types.Asset]*big.Int, len(balances))
	for asset, bal := range balances {
		out[asset] = new(big.Int).Set(bal.Amount)
	}
	return out
}

func failedRules(decision policy.Decision) string {
	var failed []string
	for _, r := range decision.Results {
		if !r.Passed {
			failed = append(failed, r.RuleID)
		}
	}
	return strings.Join(failed, ",")
}

// newChannelID generates the opaque 96-bit channel prefix.
func newChannelID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
