package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFacts_AcceptsWellFormedFacts(t *testing.T) {
	err := ValidateFacts([]VACFact{
		{Fact: "tier", Args: []any{"gold"}},
		{Fact: "solvent"},
	})
	assert.NoError(t, err)
}

func TestValidateFacts_AcceptsEmpty(t *testing.T) {
	assert.NoError(t, ValidateFacts(nil))
}

func TestValidateFacts_RejectsMissingFactName(t *testing.T) {
	err := ValidateFacts([]VACFact{{Args: []any{"gold"}}})
	assert.Error(t, err)
}

func TestRootVerifier_RejectsMalformedFacts(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v := NewRootVerifier(pub)

	token := mintRoot(t, priv, 0, func(c *RootClaims) {
		c.Facts = []VACFact{{Fact: ""}}
	})

	_, err = v.Verify(token, nil)
	assert.Error(t, err)
}
