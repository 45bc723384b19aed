package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/predictlabs/settler/internal/domain"
)

// Resolve requests are authorized with a typed-data signature in the EIP-712
// style. The authority signs the digest of (marketId, outcome, deadline)
// under the Settler domain; the service recovers the signer address and
// compares it against the market's authority.

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	// Resolve(string marketId,uint8 outcome,uint256 deadline)
	resolveTypeHash = ethcrypto.Keccak256(
		[]byte("Resolve(string marketId,uint8 outcome,uint256 deadline)"),
	)
)

const (
	domainName    = "Settler"
	domainVersion = "1"
)

// ResolveVerifier checks resolve authorization signatures. It implements
// domain.Authorizer.
type ResolveVerifier struct {
	domainSep []byte
}

// NewResolveVerifier creates a verifier bound to the given chain ID. The
// chain ID partitions signatures between environments, so a signature minted
// against staging never authorizes a production resolve.
func NewResolveVerifier(chainID int64) *ResolveVerifier {
	return &ResolveVerifier{domainSep: buildDomainSeparator(chainID)}
}

var _ domain.Authorizer = (*ResolveVerifier)(nil)

// Authorize recovers the signer of sig over the resolve digest and reports
// whether it matches authority. sig is the 65-byte r||s||v form, with v in
// either {0,1} or {27,28}.
func (v *ResolveVerifier) Authorize(authority string, marketID string, outcome domain.Outcome, deadline int64, sig []byte) error {
	if len(sig) != 65 {
		return fmt.Errorf("crypto: signature is %d bytes, want 65: %w", len(sig), domain.ErrUnauthorized)
	}

	// ethcrypto.SigToPub expects the recovery byte in {0,1}.
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	digest := resolveDigest(v.domainSep, marketID, outcome, deadline)
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return fmt.Errorf("crypto: recover signer: %w", domain.ErrUnauthorized)
	}

	signer := ethcrypto.PubkeyToAddress(*pub)
	if signer != common.HexToAddress(authority) {
		return fmt.Errorf("crypto: signer %s is not authority %s: %w", signer.Hex(), authority, domain.ErrUnauthorized)
	}
	return nil
}

// ResolveSigner produces resolve authorization signatures. It is the
// counterpart of ResolveVerifier, used by the CLI and by tests.
type ResolveSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// NewResolveSigner creates a signer from a hex-encoded secp256k1 private key.
func NewResolveSigner(privateKeyHex string, chainID int64) (*ResolveSigner, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return &ResolveSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep:  buildDomainSeparator(chainID),
	}, nil
}

// Address returns the address derived from the signer's private key.
func (s *ResolveSigner) Address() common.Address {
	return s.address
}

// SignResolve signs the resolve payload and returns the 65-byte signature
// with v in {27,28}.
func (s *ResolveSigner) SignResolve(marketID string, outcome domain.Outcome, deadline int64) ([]byte, error) {
	digest := resolveDigest(s.domainSep, marketID, outcome, deadline)
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign resolve: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// SignResolveHex is SignResolve with the result hex-encoded for transport.
func (s *ResolveSigner) SignResolveHex(marketID string, outcome domain.Outcome, deadline int64) (string, error) {
	sig, err := s.SignResolve(marketID, outcome, deadline)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// ParseSignatureHex decodes a hex signature string as produced by
// SignResolveHex back into bytes.
func ParseSignatureHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: decode signature: %w", err)
	}
	return raw, nil
}

// buildDomainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func buildDomainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			bigIntTo32Bytes(big.NewInt(chainID)),
		),
	)
}

// resolveDigest computes the final typed-data digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func resolveDigest(domainSep []byte, marketID string, outcome domain.Outcome, deadline int64) []byte {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			resolveTypeHash,
			ethcrypto.Keccak256([]byte(marketID)),
			bigIntTo32Bytes(big.NewInt(int64(outcome))),
			bigIntTo32Bytes(big.NewInt(deadline)),
		),
	)
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// bigIntTo32Bytes left-pads n's big-endian bytes to 32.
func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

// concatBytes joins the given slices into one allocation.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	out := make([]byte, 0, total)
	for _, s := range slices {
		out = append(out, s...)
	}
	return out
}
