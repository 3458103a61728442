package authority

import (
	"EscrowLedger/internal/ledger"
	"fmt"
)

// Signer is the authority behind a transfer or account close.
type Signer interface {
	// Authority returns the address this signer speaks for.
	Authority() (ledger.Address, error)
}

// Identity is a caller whose signature has already been verified by the core.
type Identity ledger.Address

func (id Identity) Authority() (ledger.Address, error) {
	return ledger.Address(id), nil
}

func (id Identity) Address() ledger.Address {
	return ledger.Address(id)
}

// ProgramSigner proves authority over a derived address by carrying the seeds
// and bump that reproduce it. It holds no key material.
type ProgramSigner struct {
	deriver Deriver
	program ledger.Address
	seeds   [][]byte
	bump    uint8
}

func NewProgramSigner(d Deriver, program ledger.Address, bump uint8, seeds ...[]byte) ProgramSigner {
	return ProgramSigner{deriver: d, program: program, seeds: seeds, bump: bump}
}

// Authority re-derives the address. A signer built with the wrong bump or
// seeds yields a different address or an error, never the intended one.
func (s ProgramSigner) Authority() (ledger.Address, error) {
	addr, err := s.deriver.CreateProgramAddress(s.seeds, s.bump, s.program)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("%w: %v", ErrInvalidSigner, err)
	}
	return addr, nil
}

// Require fails unless the signer speaks for want.
func Require(s Signer, want ledger.Address) error {
	got, err := s.Authority()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: have %s, need %s", ErrInvalidSigner, got, want)
	}
	return nil
}
