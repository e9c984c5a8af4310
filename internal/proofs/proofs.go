package proofs

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of an [R || S || V] secp256k1 signature.
const SignatureLength = crypto.SignatureLength

// ErrMalformedSignature is returned when a signature cannot be decoded or
// does not recover to a public key.
var ErrMalformedSignature = errors.New("malformed signature")

// ResultHash returns keccak256 over the raw result payload.
func ResultHash(data []byte) common.Hash {
	return crypto.Keccak256Hash(data)
}

// ResultDigest returns keccak256(uint256(taskID) || resultHash), the packed
// message an agent signs when asserting completion.
func ResultDigest(taskID uint64, resultHash common.Hash) common.Hash {
	id := math.U256Bytes(new(big.Int).SetUint64(taskID))
	return crypto.Keccak256Hash(id, resultHash.Bytes())
}

// Signer produces EIP-191 signatures with a secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps an existing private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewSignerFromHex parses a hex encoded private key, with or without 0x.
func NewSignerFromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewSigner(key), nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewSigner(key), nil
}

// Address returns the account derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKeyHex returns the key without 0x prefix.
func (s *Signer) PrivateKeyHex() string {
	return hexutil.Encode(crypto.FromECDSA(s.key))[2:]
}

// SignMessage signs the EIP-191 personal message wrapping of message.
// V is returned as 27/28 to match wallet output.
func (s *Signer) SignMessage(message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignResult signs ResultDigest(taskID, resultHash).
func (s *Signer) SignResult(taskID uint64, resultHash common.Hash) ([]byte, error) {
	digest := ResultDigest(taskID, resultHash)
	return s.SignMessage(digest.Bytes())
}

// EIP191Verifier recovers signer addresses from personal-message signatures.
type EIP191Verifier struct{}

// Recover returns the address that produced sig over the EIP-191 wrapping of
// message. V may be 0/1 or 27/28; S must be in the lower half of the curve order.
func (EIP191Verifier) Recover(message, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, SignatureLength, len(sig))
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	switch v := normalized[crypto.RecoveryIDOffset]; v {
	case 0, 1:
	case 27, 28:
		normalized[crypto.RecoveryIDOffset] = v - 27
	default:
		return common.Address{}, fmt.Errorf("%w: invalid recovery id %d", ErrMalformedSignature, v)
	}
	// Only the low-S form is accepted so each signature has a single valid encoding.
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[crypto.RecoveryIDOffset], r, s, true) {
		return common.Address{}, fmt.Errorf("%w: signature values out of range or high S", ErrMalformedSignature)
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// DecodeSignature parses a 0x-prefixed hex signature.
func DecodeSignature(s string) ([]byte, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(raw) != SignatureLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, SignatureLength, len(raw))
	}
	return raw, nil
}
