package state

import (
	"EscrowLedger/internal/canonical"
	"EscrowLedger/internal/ledger"
	"encoding/binary"
	"fmt"
)

// EscrowRecord is the data stored at an escrow address. Bump and VaultBump
// are the canonical bumps so signing contexts never re-search.
type EscrowRecord struct {
	Seed            uint64         `cbor:"1,keyasint" json:"seed"`
	Maker           ledger.Address `cbor:"2,keyasint" json:"maker"`
	OfferedAsset    ledger.AssetID `cbor:"3,keyasint" json:"offered_asset"`
	RequestedAsset  ledger.AssetID `cbor:"4,keyasint" json:"requested_asset"`
	OfferedAmount   uint64         `cbor:"5,keyasint" json:"offered_amount"`
	RequestedAmount uint64         `cbor:"6,keyasint" json:"requested_amount"`
	Bump            uint8          `cbor:"7,keyasint" json:"bump"`
	VaultBump       uint8          `cbor:"8,keyasint" json:"vault_bump"`
}

func (r *EscrowRecord) Encode() ([]byte, error) {
	return canonical.Marshal(r)
}

func DecodeEscrowRecord(data []byte) (*EscrowRecord, error) {
	var r EscrowRecord
	if err := canonical.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode escrow record: %w", err)
	}
	return &r, nil
}

// SeedBytes is the 8-byte little-endian form used in address derivation.
func SeedBytes(seed uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], seed)
	return b[:]
}

func AssetBytes(id ledger.AssetID) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(id))
	return b[:]
}
