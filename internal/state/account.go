// Package state holds program-owned accounts: escrow records and the vaults
// that custody their offered assets. Every account carries a storage reserve
// that is returned when it is closed.
package state

import (
	"EscrowLedger/internal/ledger"
	"bytes"
	"errors"
	"sort"
)

var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountNotEmpty = errors.New("account still holds a balance")
)

type AccountKind uint8

const (
	AccountKindEscrow AccountKind = 1
	AccountKindVault  AccountKind = 2
)

func (k AccountKind) String() string {
	switch k {
	case AccountKindEscrow:
		return "escrow"
	case AccountKindVault:
		return "vault"
	default:
		return "UNKNOWN"
	}
}

// Account is a program-owned address with data and a locked reserve.
// Accounts are treated as immutable once stored.
type Account struct {
	Address ledger.Address `json:"address"`
	Kind    AccountKind    `json:"kind"`
	Owner   ledger.Address `json:"owner"` // owning program
	Size    int            `json:"size"`
	Reserve int64          `json:"reserve"`
	Payer   ledger.Address `json:"payer"`

	// Vault-only fields.
	Asset     ledger.AssetID `json:"asset,omitempty"`
	Authority ledger.Address `json:"authority,omitempty"`

	Data      []byte `json:"data,omitempty"`
	CreatedAt int64  `json:"created_at"` // sequence of the creating event
}

func (a *Account) clone() *Account {
	c := *a
	c.Data = bytes.Clone(a.Data)
	return &c
}

// AccountStore is the committed account set. It is owned by the core
// goroutine and must not be shared.
type AccountStore struct {
	accounts map[ledger.Address]*Account
}

func NewAccountStore() *AccountStore {
	return &AccountStore{accounts: make(map[ledger.Address]*Account)}
}

func (s *AccountStore) Get(addr ledger.Address) (*Account, bool) {
	a, ok := s.accounts[addr]
	return a, ok
}

func (s *AccountStore) Put(a *Account) {
	s.accounts[a.Address] = a
}

func (s *AccountStore) Delete(addr ledger.Address) {
	delete(s.accounts, addr)
}

func (s *AccountStore) Len() int {
	return len(s.accounts)
}

// All returns accounts ordered by address.
func (s *AccountStore) All() []*Account {
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// Restore replaces the store content from a snapshot.
func (s *AccountStore) Restore(accounts []*Account) {
	s.accounts = make(map[ledger.Address]*Account, len(accounts))
	for _, a := range accounts {
		s.accounts[a.Address] = a.clone()
	}
}
