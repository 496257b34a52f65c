package guard

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Call is one execute target.
type Call struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// ExecutedEvent mirrors Executed(target, value, data).
type ExecutedEvent struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// SessionSettledEvent mirrors SessionSettled(sessionId, operator, usdcDelta,
// ethDelta, timestamp).
type SessionSettledEvent struct {
	SessionID [32]byte
	Operator  common.Address
	UsdcDelta *big.Int
	EthDelta  *big.Int
	Timestamp time.Time
}

// Vault is the minimal smart-contract wallet custodying session funds.
// Execution is gated to the owner key or the account-abstraction entry
// point; the agent's key holds no role anywhere.
type Vault struct {
	mu         sync.Mutex
	address    common.Address
	owner      common.Address
	entryPoint common.Address
	guard      *PolicyGuard
	nonce      uint64
	native     *big.Int
	tokens     map[common.Address]*big.Int
	executed   []ExecutedEvent
	settled    []SessionSettledEvent
}

// NewVault deploys a vault at address, owned by owner, wired to its guard.
// entryPoint may be zero when account abstraction is not used.
func NewVault(address, owner, entryPoint common.Address, g *PolicyGuard) *Vault {
	return &Vault{
		address:    address,
		owner:      owner,
		entryPoint: entryPoint,
		guard:      g,
		native:     big.NewInt(0),
		tokens:     make(map[common.Address]*big.Int),
	}
}

// Address returns the vault's own address.
func (v *Vault) Address() common.Address {
	return v.address
}

// Receive is the native-value deposit hook.
func (v *Vault) Receive(amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.native.Add(v.native, amount)
}

// Credit funds a token balance (mirrors an ERC-20 transfer in).
func (v *Vault) Credit(token common.Address, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal, ok := v.tokens[token]
	if !ok {
		bal = big.NewInt(0)
		v.tokens[token] = bal
	}
	bal.Add(bal, amount)
}

// NativeBalance is a balance view.
func (v *Vault) NativeBalance() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.native)
}

// TokenBalance is a balance view.
func (v *Vault) TokenBalance(token common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if bal, ok := v.tokens[token]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// GetNonce reads the user-operation replay counter.
func (v *Vault) GetNonce() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nonce
}

// Execute runs one call. Owner or entry point only; the nonce increments
// once per executed call.
func (v *Vault) Execute(caller, target common.Address, value *big.Int, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.executeLocked(caller, Call{Target: target, Value: value, Data: data})
}

// ExecuteBatch runs calls in order, stopping at the first failure.
func (v *Vault) ExecuteBatch(caller common.Address, calls []Call) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, call := range calls {
		if err := v.executeLocked(caller, call); err != nil {
			return fmt.Errorf("batch call %d: %w", i, err)
		}
	}
	return nil
}

func (v *Vault) executeLocked(caller common.Address, call Call) error {
	if err := v.requireAuthorizedLocked(caller); err != nil {
		return err
	}
	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}
	if value.Sign() > 0 {
		if v.native.Cmp(value) < 0 {
			return fmt.Errorf("insufficient native balance: have %s, need %s", v.native, value)
		}
		v.native.Sub(v.native, value)
	}
	v.nonce++
	v.executed = append(v.executed, ExecutedEvent{
		Target: call.Target,
		Value:  new(big.Int).Set(value),
		Data:   append([]byte(nil), call.Data...),
	})
	return nil
}

// SettleSession validates against the guard, marks the replay bit, and
// emits SessionSettled, all in one call. Validation and marking cannot be
// split across transactions.
func (v *Vault) SettleSession(caller common.Address, sessionID [32]byte, token common.Address, usdcDelta, ethDelta *big.Int) (*SessionSettledEvent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireAuthorizedLocked(caller); err != nil {
		return nil, err
	}
	if err := v.guard.validateAndMark(v.address, sessionID, token, abs(usdcDelta), abs(ethDelta)); err != nil {
		return nil, err
	}
	v.nonce++
	event := SessionSettledEvent{
		SessionID: sessionID,
		Operator:  caller,
		UsdcDelta: new(big.Int).Set(usdcDelta),
		EthDelta:  new(big.Int).Set(ethDelta),
		Timestamp: time.Now().UTC(),
	}
	v.settled = append(v.settled, event)
	return &event, nil
}

// ValidateUserOp recovers the signer of a user-operation hash from its
// personal-prefixed digest; success iff the signer is the owner.
func (v *Vault) ValidateUserOp(userOpHash [32]byte, sig []byte) bool {
	pub, err := crypto.SigToPub(accounts.TextHash(userOpHash[:]), sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == v.owner
}

// SettledEvents returns emitted SessionSettled events in order.
func (v *Vault) SettledEvents() []SessionSettledEvent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]SessionSettledEvent(nil), v.settled...)
}

// ExecutedEvents returns emitted Executed events in order.
func (v *Vault) ExecutedEvents() []ExecutedEvent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]ExecutedEvent(nil), v.executed...)
}

func (v *Vault) requireAuthorizedLocked(caller common.Address) error {
	if caller == v.owner {
		return nil
	}
	if v.entryPoint != (common.Address{}) && caller == v.entryPoint {
		return nil
	}
	return fmt.Errorf("%w: %s is neither owner nor entry point", ErrUnauthorized, caller.Hex())
}

func abs(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Abs(v)
}
