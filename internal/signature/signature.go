// Package signature binds instructions to the identities that authorized them.
package signature

import (
	"EscrowLedger/internal/ledger"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSignature = errors.New("invalid signature")

// Verifier confirms that the claimed identity signed digest.
type Verifier interface {
	Verify(claimed ledger.Address, digest []byte, sig []byte) error
}

// Secp256k1Verifier recovers the public key from a 65-byte [R || S || V]
// signature and compares its identity to the claimed signer.
type Secp256k1Verifier struct{}

func (Secp256k1Verifier) Verify(claimed ledger.Address, digest []byte, sig []byte) error {
	if len(digest) != 32 {
		return fmt.Errorf("%w: digest must be 32 bytes, got %d", ErrInvalidSignature, len(digest))
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if got := AddressFromPublicKey(pub); got != claimed {
		return fmt.Errorf("%w: signed by %s, claimed %s", ErrInvalidSignature, got, claimed)
	}
	return nil
}

// AddressFromPublicKey is the full Keccak-256 of the uncompressed public key
// without its 0x04 prefix.
func AddressFromPublicKey(pub *ecdsa.PublicKey) ledger.Address {
	var a ledger.Address
	copy(a[:], crypto.Keccak256(crypto.FromECDSAPub(pub)[1:]))
	return a
}

// Digest hashes a canonical payload into the 32 bytes that get signed.
func Digest(payload []byte) []byte {
	return crypto.Keccak256(payload)
}

func Sign(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(digest, key)
}

func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// LoadKey parses a hex private key (with or without 0x prefix).
func LoadKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	return crypto.HexToECDSA(hexKey)
}

// EncodeKey returns the hex encoding of a private key without 0x prefix.
func EncodeKey(key *ecdsa.PrivateKey) string {
	return fmt.Sprintf("%x", crypto.FromECDSA(key))
}
