package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/predictlabs/settler/internal/domain"
)

const (
	testKeyHex   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	otherKeyHex  = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"
	testChainID  = 137
	testMarketID = "mkt_2024_fed_cut"
)

func TestResolveSignatureRoundTrip(t *testing.T) {
	signer, err := NewResolveSigner(testKeyHex, testChainID)
	require.NoError(t, err)
	verifier := NewResolveVerifier(testChainID)

	sig, err := signer.SignResolve(testMarketID, domain.OutcomeA, 1_900_000_000)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	err = verifier.Authorize(signer.Address().Hex(), testMarketID, domain.OutcomeA, 1_900_000_000, sig)
	require.NoError(t, err)
}

func TestResolveSignatureHexRoundTrip(t *testing.T) {
	signer, err := NewResolveSigner("0x"+testKeyHex, testChainID)
	require.NoError(t, err)
	verifier := NewResolveVerifier(testChainID)

	hexSig, err := signer.SignResolveHex(testMarketID, domain.OutcomeB, 1_900_000_000)
	require.NoError(t, err)

	sig, err := ParseSignatureHex(hexSig)
	require.NoError(t, err)

	err = verifier.Authorize(signer.Address().Hex(), testMarketID, domain.OutcomeB, 1_900_000_000, sig)
	require.NoError(t, err)
}

func TestResolveSignatureRejectsWrongSigner(t *testing.T) {
	authority, err := NewResolveSigner(testKeyHex, testChainID)
	require.NoError(t, err)
	imposter, err := NewResolveSigner(otherKeyHex, testChainID)
	require.NoError(t, err)
	verifier := NewResolveVerifier(testChainID)

	sig, err := imposter.SignResolve(testMarketID, domain.OutcomeA, 1_900_000_000)
	require.NoError(t, err)

	err = verifier.Authorize(authority.Address().Hex(), testMarketID, domain.OutcomeA, 1_900_000_000, sig)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestResolveSignatureBoundToPayload(t *testing.T) {
	signer, err := NewResolveSigner(testKeyHex, testChainID)
	require.NoError(t, err)
	verifier := NewResolveVerifier(testChainID)

	sig, err := signer.SignResolve(testMarketID, domain.OutcomeA, 1_900_000_000)
	require.NoError(t, err)

	// Any field change invalidates the signature.
	err = verifier.Authorize(signer.Address().Hex(), "mkt_other", domain.OutcomeA, 1_900_000_000, sig)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	err = verifier.Authorize(signer.Address().Hex(), testMarketID, domain.OutcomeB, 1_900_000_000, sig)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	err = verifier.Authorize(signer.Address().Hex(), testMarketID, domain.OutcomeA, 1_900_000_001, sig)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestResolveSignatureBoundToChain(t *testing.T) {
	signer, err := NewResolveSigner(testKeyHex, testChainID)
	require.NoError(t, err)
	otherChain := NewResolveVerifier(1)

	sig, err := signer.SignResolve(testMarketID, domain.OutcomeA, 1_900_000_000)
	require.NoError(t, err)

	err = otherChain.Authorize(signer.Address().Hex(), testMarketID, domain.OutcomeA, 1_900_000_000, sig)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestResolveSignatureLengthChecked(t *testing.T) {
	verifier := NewResolveVerifier(testChainID)
	err := verifier.Authorize("0x0", testMarketID, domain.OutcomeA, 0, []byte{0x01, 0x02})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestKeyEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	require.Equal(t, testKeyHex, got)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)
}
