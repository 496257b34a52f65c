// Package identity resolves the agent's human-readable name and checks the
// policy hash anchored under its text record against the locally computed
// fingerprint.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/nikillxh/sentinel/pkg/contractclient"
	"github.com/nikillxh/sentinel/pkg/util"
)

// PolicyHashTextKey is the reserved text-record key anchoring a policy
// fingerprint to a name.
const PolicyHashTextKey = "com.sentinel.policyHash"

// ErrPolicyAnchorMismatch is returned in strict mode when the anchored hash
// differs from the local one.
var ErrPolicyAnchorMismatch = errors.New("anchored policy hash mismatch")

const (
	registryABI = `[
  {"type":"function","name":"resolver","stateMutability":"view",
   "inputs":[{"name":"node","type":"bytes32"}],
   "outputs":[{"name":"","type":"address"}]}
]`
	resolverABI = `[
  {"type":"function","name":"addr","stateMutability":"view",
   "inputs":[{"name":"node","type":"bytes32"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"text","stateMutability":"view",
   "inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],
   "outputs":[{"name":"","type":"string"}]}
]`
)

// Resolver looks names up through the standard naming registry.
type Resolver struct {
	client   *ethclient.Client
	registry *contractclient.ContractClient
	strict   bool
}

// NewResolver binds the registry deployment. strict turns an anchor
// mismatch from a warning into a hard failure.
func NewResolver(client *ethclient.Client, registryAddr common.Address, strict bool) (*Resolver, error) {
	parsedRegistry, err := util.ParseABI(registryABI)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		client:   client,
		registry: contractclient.NewContractClient(client, registryAddr, parsedRegistry),
		strict:   strict,
	}, nil
}

// Namehash implements the standard recursive name hashing algorithm.
func Namehash(name string) common.Hash {
	node := common.Hash{}
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256Hash([]byte(labels[i]))
		node = crypto.Keccak256Hash(node.Bytes(), labelHash.Bytes())
	}
	return node
}

// Resolve returns the address a name points at.
func (r *Resolver) Resolve(ctx context.Context, name string) (common.Address, error) {
	resolver, node, err := r.resolverFor(ctx, name)
	if err != nil {
		return common.Address{}, err
	}
	outputs, err := resolver.CallContext(ctx, nil, "addr", node)
	if err != nil {
		return common.Address{}, fmt.Errorf("addr lookup for %s failed: %w", name, err)
	}
	addr, ok := outputs[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected addr output %T", outputs[0])
	}
	return addr, nil
}

// Text reads one text record of a name.
func (r *Resolver) Text(ctx context.Context, name, key string) (string, error) {
	resolver, node, err := r.resolverFor(ctx, name)
	if err != nil {
		return "", err
	}
	outputs, err := resolver.CallContext(ctx, nil, "text", node, key)
	if err != nil {
		return "", fmt.Errorf("text lookup %s[%s] failed: %w", name, key, err)
	}
	value, ok := outputs[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected text output %T", outputs[0])
	}
	return value, nil
}

// VerifyPolicyAnchor resolves the name, reads the anchored policy hash, and
// compares it to the locally computed one. A mismatch logs a warning, or
// fails when the resolver is strict.
func (r *Resolver) VerifyPolicyAnchor(ctx context.Context, name, localHash string) error {
	anchored, err := r.Text(ctx, name, PolicyHashTextKey)
	if err != nil {
		return err
	}
	if strings.EqualFold(strings.TrimSpace(anchored), strings.TrimSpace(localHash)) {
		return nil
	}
	if r.strict {
		return fmt.Errorf("%w: anchored %s, local %s", ErrPolicyAnchorMismatch, anchored, localHash)
	}
	log.Printf("warning: policy hash anchored at %s is %s, local is %s", name, anchored, localHash)
	return nil
}

func (r *Resolver) resolverFor(ctx context.Context, name string) (*contractclient.ContractClient, common.Hash, error) {
	node := Namehash(name)
	outputs, err := r.registry.CallContext(ctx, nil, "resolver", node)
	if err != nil {
		return nil, node, fmt.Errorf("registry lookup for %s failed: %w", name, err)
	}
	resolverAddr, ok := outputs[0].(common.Address)
	if !ok {
		return nil, node, fmt.Errorf("unexpected resolver output %T", outputs[0])
	}
	if resolverAddr == (common.Address{}) {
		return nil, node, fmt.Errorf("no resolver set for %s", name)
	}
	parsedResolver, err := util.ParseABI(resolverABI)
	if err != nil {
		return nil, node, err
	}
	return contractclient.NewContractClient(r.client, resolverAddr, parsedResolver), node, nil
}
