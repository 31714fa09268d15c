package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintRoot(t *testing.T, priv ed25519.PrivateKey, depth int, extra ...func(*RootClaims)) string {
	t.Helper()
	claims := &RootClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Unix(1700000000, 0)),
		},
		Depth: depth,
	}
	for _, fn := range extra {
		fn(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func TestIdentifier_DeterministicAndFixedLength(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_ = pub
	token := mintRoot(t, priv, 0)

	id1, err := IdentifierFromToken(token)
	require.NoError(t, err)
	id2, err := IdentifierFromToken(token)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, IdentifierSize)
}

func TestRootVerifier_AcceptsValidCredential(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v := NewRootVerifier(pub)

	token := mintRoot(t, priv, 0)
	result, err := v.Verify(token, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claims.Depth)
}

func TestRootVerifier_RejectsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	v := NewRootVerifier(pub)
	token := mintRoot(t, otherPriv, 0)

	_, err = v.Verify(token, nil)
	require.Error(t, err)
}

type fakeRevoker struct{ revoked map[string]bool }

func (f fakeRevoker) IsRevoked(id []byte) bool { return f.revoked[string(id)] }

func TestRootVerifier_RevokedAndBadSignatureShareErrorKind(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v := NewRootVerifier(pub)
	token := mintRoot(t, priv, 0)

	id, err := IdentifierFromToken(token)
	require.NoError(t, err)

	revoker := fakeRevoker{revoked: map[string]bool{string(id[:]): true}}
	_, errRevoked := v.Verify(token, revoker)
	require.Error(t, errRevoked)

	_, badPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	badToken := mintRoot(t, badPriv, 0)
	_, errBadSig := v.Verify(badToken, nil)
	require.Error(t, errBadSig)

	assert.Equal(t, errRevoked.Error(), errBadSig.Error(), "both failures must present the same message/kind")
}

func TestVerifyChain_EmptyChainIsDepthZeroDirect(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v := NewRootVerifier(pub)

	auth := mintRoot(t, priv, 0)
	result, err := v.VerifyChain(nil, auth)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Depth)
	assert.Len(t, result.Identifiers, 1)
}

func TestVerifyChain_AcceptsStrictlyIncreasingDepths(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v := NewRootVerifier(pub)

	c0 := mintRoot(t, priv, 0)
	c1 := mintRoot(t, priv, 1)
	// The chain terminates in the Authorization credential itself: its
	// identifier must match the last chain element, so the presented
	// credential IS that element, not something deeper.
	auth := c1

	result, err := v.VerifyChain([]string{c0, c1}, auth)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Depth)
	assert.Len(t, result.Identifiers, 2)
}

func TestVerifyChain_RejectsOutOfOrderDepth(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v := NewRootVerifier(pub)

	c0 := mintRoot(t, priv, 0)
	c1 := mintRoot(t, priv, 5) // should be depth 1
	auth := mintRoot(t, priv, 2)

	_, err = v.VerifyChain([]string{c0, c1}, auth)
	assert.Error(t, err)
}

func TestVerifyChain_RejectsMismatchedLastIdentifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v := NewRootVerifier(pub)

	c0 := mintRoot(t, priv, 0)
	auth := mintRoot(t, priv, 1) // independently minted, different identifier than c0

	_, err = v.VerifyChain([]string{c0}, auth)
	assert.Error(t, err)
}

func TestMintForChain_EmbedsChainIdentifiersAndDepth(t *testing.T) {
	ks, err := NewSessionKeySet()
	require.NoError(t, err)

	chain := &ChainResult{Identifiers: []string{"aa", "bb"}, Depth: 1}
	token, err := NewMinter(ks).MintForChain("GET /x", "wf-1", chain)
	require.NoError(t, err)

	claims, err := VerifyReceipt(token, ks, "wf-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"aa", "bb"}, claims.ChainIdentifiers)
	assert.Equal(t, 1, claims.ChainDepth)
}

func TestMint_LeavesChainFieldsEmptyForDirectPresentation(t *testing.T) {
	ks, err := NewSessionKeySet()
	require.NoError(t, err)

	token, err := NewMinter(ks).Mint("GET /x", "wf-1")
	require.NoError(t, err)

	claims, err := VerifyReceipt(token, ks, "wf-1", time.Now())
	require.NoError(t, err)
	assert.Empty(t, claims.ChainIdentifiers)
	assert.Equal(t, 0, claims.ChainDepth)
}

func TestSessionKeySet_RotationInvalidatesPriorReceipts(t *testing.T) {
	ks, err := NewSessionKeySet()
	require.NoError(t, err)

	minter := NewMinter(ks)
	token, err := minter.Mint("GET /x", "wf-1")
	require.NoError(t, err)

	now := time.Unix(ks.RotatedAt().Unix()+1, 0)
	_, err = VerifyReceipt(token, ks, "wf-1", now)
	require.NoError(t, err)

	require.NoError(t, ks.Rotate())
	_, err = VerifyReceipt(token, ks, "wf-1", now)
	assert.Error(t, err, "receipt signed under the rotated-out key must no longer verify")
}

func TestVerifyReceipt_ExpiresAfterLifetimePlusGrace(t *testing.T) {
	ks, err := NewSessionKeySet()
	require.NoError(t, err)

	mintedAt := time.Unix(1700000000, 0)
	minter := NewMinter(ks).WithClock(func() time.Time { return mintedAt })
	token, err := minter.Mint("GET /x", "wf-1")
	require.NoError(t, err)

	within := mintedAt.Add(ReceiptLifetime + ReceiptClockSkewGrace - time.Second)
	_, err = VerifyReceipt(token, ks, "wf-1", within)
	assert.NoError(t, err)

	after := mintedAt.Add(ReceiptLifetime + ReceiptClockSkewGrace + time.Second)
	_, err = VerifyReceipt(token, ks, "wf-1", after)
	assert.Error(t, err)
}

func TestVerifyReceipt_RejectsWorkflowMismatch(t *testing.T) {
	ks, err := NewSessionKeySet()
	require.NoError(t, err)

	mintedAt := time.Unix(1700000000, 0)
	minter := NewMinter(ks).WithClock(func() time.Time { return mintedAt })
	token, err := minter.Mint("GET /x", "wf-1")
	require.NoError(t, err)

	_, err = VerifyReceipt(token, ks, "wf-2", mintedAt)
	assert.Error(t, err)
}

func TestVerifyReceiptOffline_AcceptsUnderPublishedKey(t *testing.T) {
	ks, err := NewSessionKeySet()
	require.NoError(t, err)

	token, err := NewMinter(ks).Mint("GET /x", "wf-1")
	require.NoError(t, err)

	claims, err := VerifyReceiptOffline(token, ks.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, "wf-1", claims.WorkflowID)
}

func TestVerifyReceiptOffline_SurvivesRotation(t *testing.T) {
	ks, err := NewSessionKeySet()
	require.NoError(t, err)

	token, err := NewMinter(ks).Mint("GET /x", "wf-1")
	require.NoError(t, err)
	pub := ks.PublicKey()

	require.NoError(t, ks.Rotate())

	_, err = VerifyReceiptOffline(token, pub)
	assert.NoError(t, err, "a verifier holding the historical public key can still check a receipt after rotation")
}

func TestVerifyReceiptOffline_RejectsWrongKey(t *testing.T) {
	ks, err := NewSessionKeySet()
	require.NoError(t, err)
	token, err := NewMinter(ks).Mint("GET /x", "wf-1")
	require.NoError(t, err)

	other, err := NewSessionKeySet()
	require.NoError(t, err)

	_, err = VerifyReceiptOffline(token, other.PublicKey())
	assert.Error(t, err)
}
