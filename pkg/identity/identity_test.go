package identity

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestNamehash(t *testing.T) {
	// Empty name hashes to the zero node.
	assert.Equal(t, common.Hash{}, Namehash(""))

	// Reference vector from the ENS specification.
	assert.Equal(t,
		common.HexToHash("0x93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae"),
		Namehash("eth"))

	// Deterministic and label-sensitive.
	assert.Equal(t, Namehash("agent.sentinel.eth"), Namehash("agent.sentinel.eth"))
	assert.NotEqual(t, Namehash("agent.sentinel.eth"), Namehash("sentinel.eth"))
	assert.NotEqual(t, Namehash("a.b"), Namehash("b.a"))
}

func TestPolicyHashTextKey(t *testing.T) {
	assert.Equal(t, "com.sentinel.policyHash", PolicyHashTextKey)
}
