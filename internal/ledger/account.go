package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeProgram
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeAvailable AccountSubType = iota

	// Program sub-types
	SubTypeVault
	SubTypeStorageReserve

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AccountKey is the in-memory key for balance tracking.
// EntityID is the owner for user accounts and the account address for program accounts.
type AccountKey struct {
	Scope    AccountScope
	EntityID Address
	SubType  AccountSubType
	AssetID  AssetID
}

// NewWalletKey creates the spendable balance key of an identity.
func NewWalletKey(owner Address, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  SubTypeAvailable,
		AssetID:  assetID,
	}
}

// NewVaultKey creates the balance key of a program-owned vault.
func NewVaultKey(vault Address, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeProgram,
		EntityID: vault,
		SubType:  SubTypeVault,
		AssetID:  assetID,
	}
}

// NewReserveKey creates the key holding the storage reserve of an account.
func NewReserveKey(account Address, nativeAsset AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeProgram,
		EntityID: account,
		SubType:  SubTypeStorageReserve,
		AssetID:  nativeAsset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// IsExternal reports whether the account sits on the custody boundary and may go negative.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%d", k.EntityID.Hex(), k.subTypeName(), k.AssetID)
	case AccountScopeProgram:
		return fmt.Sprintf("program:%s:%s:%d", k.EntityID.Hex(), k.subTypeName(), k.AssetID)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%d", k.subTypeName(), k.AssetID)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeVault:
		return "vault"
	case SubTypeStorageReserve:
		return "reserve"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

func parseSubType(s string) (AccountSubType, bool) {
	switch s {
	case "available":
		return SubTypeAvailable, true
	case "vault":
		return SubTypeVault, true
	case "reserve":
		return SubTypeStorageReserve, true
	case "deposits":
		return SubTypeExternalDeposits, true
	case "withdrawals":
		return SubTypeExternalWithdrawals, true
	}
	return 0, false
}

// ParseAccountPath is the inverse of AccountPath. Used by snapshot restore.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	var key AccountKey

	parseAsset := func(s string) (AssetID, error) {
		id, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("account path %q: asset: %w", path, err)
		}
		return AssetID(id), nil
	}

	switch {
	case len(parts) == 4 && (parts[0] == "user" || parts[0] == "program"):
		key.Scope = AccountScopeUser
		if parts[0] == "program" {
			key.Scope = AccountScopeProgram
		}
		addr, err := ParseAddress(parts[1])
		if err != nil {
			return key, fmt.Errorf("account path %q: %w", path, err)
		}
		key.EntityID = addr
		sub, ok := parseSubType(parts[2])
		if !ok {
			return key, fmt.Errorf("account path %q: unknown sub-type %q", path, parts[2])
		}
		key.SubType = sub
		if key.AssetID, err = parseAsset(parts[3]); err != nil {
			return key, err
		}
	case len(parts) == 3 && parts[0] == "external":
		key.Scope = AccountScopeExternal
		sub, ok := parseSubType(parts[1])
		if !ok {
			return key, fmt.Errorf("account path %q: unknown sub-type %q", path, parts[1])
		}
		key.SubType = sub
		id, err := parseAsset(parts[2])
		if err != nil {
			return key, err
		}
		key.AssetID = id
	default:
		return key, fmt.Errorf("malformed account path %q", path)
	}

	if key.AccountPath() != path {
		return key, fmt.Errorf("account path %q is not canonical", path)
	}
	return key, nil
}
