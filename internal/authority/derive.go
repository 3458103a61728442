// Package authority derives program-owned addresses and the signing contexts
// that let a program act for an address it holds no private key for.
package authority

import (
	"EscrowLedger/internal/ledger"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	MaxSeeds      = 16
	MaxSeedLength = 32

	derivationMarker = "ProgramDerivedAddress"
)

var (
	ErrSeedTooLong   = errors.New("seed exceeds maximum length")
	ErrTooManySeeds  = errors.New("too many seeds")
	ErrOnCurve       = errors.New("derived address is a valid public key")
	ErrNoViableBump  = errors.New("no bump produces an off-curve address")
	ErrInvalidSigner = errors.New("signer seeds do not derive the required authority")
)

// Deriver maps named seed components to stable program-owned addresses.
type Deriver interface {
	// FindProgramAddress searches bumps from 255 down and returns the first
	// address that cannot collide with a key pair.
	FindProgramAddress(seeds [][]byte, program ledger.Address) (ledger.Address, uint8, error)
	// CreateProgramAddress derives the address for an explicit bump.
	CreateProgramAddress(seeds [][]byte, bump uint8, program ledger.Address) (ledger.Address, error)
}

// KeccakDeriver hashes seeds ‖ bump ‖ program ‖ marker with Keccak-256. A
// candidate that decodes as a compressed secp256k1 x-coordinate is rejected so
// a derived address can never double as a public key.
type KeccakDeriver struct{}

func (KeccakDeriver) CreateProgramAddress(seeds [][]byte, bump uint8, program ledger.Address) (ledger.Address, error) {
	if len(seeds) > MaxSeeds-1 {
		return ledger.Address{}, fmt.Errorf("%w: %d", ErrTooManySeeds, len(seeds))
	}

	parts := make([][]byte, 0, len(seeds)+3)
	for i, s := range seeds {
		if len(s) > MaxSeedLength {
			return ledger.Address{}, fmt.Errorf("%w: seed %d is %d bytes", ErrSeedTooLong, i, len(s))
		}
		parts = append(parts, s)
	}
	parts = append(parts, []byte{bump}, program.Bytes(), []byte(derivationMarker))

	var addr ledger.Address
	copy(addr[:], crypto.Keccak256(parts...))

	if onCurve(addr) {
		return ledger.Address{}, ErrOnCurve
	}
	return addr, nil
}

func (d KeccakDeriver) FindProgramAddress(seeds [][]byte, program ledger.Address) (ledger.Address, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := d.CreateProgramAddress(seeds, uint8(bump), program)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return ledger.Address{}, 0, err
		}
	}
	return ledger.Address{}, 0, ErrNoViableBump
}

func onCurve(addr ledger.Address) bool {
	compressed := make([]byte, 0, 33)
	compressed = append(compressed, 0x02)
	compressed = append(compressed, addr[:]...)
	_, err := crypto.DecompressPubkey(compressed)
	return err == nil
}
