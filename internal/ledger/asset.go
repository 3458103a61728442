package ledger

import (
	"errors"
	"fmt"
	"sort"
)

// AssetID identifies a registered asset (mint).
type AssetID uint16

// Asset is a registered mint with its fixed decimal precision.
type Asset struct {
	ID       AssetID
	Symbol   string
	Decimals uint8
}

// AssetRef is a caller's declaration of an asset and the precision it expects.
// It is checked against the registry before any transfer.
type AssetRef struct {
	ID       AssetID `json:"id"`
	Decimals uint8   `json:"decimals"`
}

var (
	ErrUnknownAsset     = errors.New("unknown asset")
	ErrDecimalsMismatch = errors.New("declared decimals do not match asset")
	ErrDuplicateAsset   = errors.New("asset already registered")
)

// AssetRegistry holds the set of assets the ledger can move.
// Populated once at startup; read-only afterwards.
type AssetRegistry struct {
	byID     map[AssetID]Asset
	bySymbol map[string]AssetID
}

func NewAssetRegistry(assets ...Asset) (*AssetRegistry, error) {
	r := &AssetRegistry{
		byID:     make(map[AssetID]Asset, len(assets)),
		bySymbol: make(map[string]AssetID, len(assets)),
	}
	for _, a := range assets {
		if err := r.register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *AssetRegistry) register(a Asset) error {
	if a.ID == 0 {
		return fmt.Errorf("asset %q: id 0 is reserved", a.Symbol)
	}
	if a.Symbol == "" {
		return fmt.Errorf("asset %d: empty symbol", a.ID)
	}
	if _, ok := r.byID[a.ID]; ok {
		return fmt.Errorf("%w: id %d", ErrDuplicateAsset, a.ID)
	}
	if _, ok := r.bySymbol[a.Symbol]; ok {
		return fmt.Errorf("%w: symbol %s", ErrDuplicateAsset, a.Symbol)
	}
	r.byID[a.ID] = a
	r.bySymbol[a.Symbol] = a.ID
	return nil
}

func (r *AssetRegistry) Get(id AssetID) (Asset, bool) {
	a, ok := r.byID[id]
	return a, ok
}

func (r *AssetRegistry) BySymbol(symbol string) (Asset, bool) {
	id, ok := r.bySymbol[symbol]
	if !ok {
		return Asset{}, false
	}
	return r.byID[id], true
}

// Check validates a declared asset reference against the registry.
func (r *AssetRegistry) Check(ref AssetRef) (Asset, error) {
	a, ok := r.byID[ref.ID]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %d", ErrUnknownAsset, ref.ID)
	}
	if a.Decimals != ref.Decimals {
		return Asset{}, fmt.Errorf("%w: %s has %d decimals, declared %d",
			ErrDecimalsMismatch, a.Symbol, a.Decimals, ref.Decimals)
	}
	return a, nil
}

// Ref returns the correct declaration for a registered asset.
func (r *AssetRegistry) Ref(id AssetID) (AssetRef, error) {
	a, ok := r.byID[id]
	if !ok {
		return AssetRef{}, fmt.Errorf("%w: %d", ErrUnknownAsset, id)
	}
	return AssetRef{ID: a.ID, Decimals: a.Decimals}, nil
}

// All returns the registered assets ordered by ID.
func (r *AssetRegistry) All() []Asset {
	out := make([]Asset, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
