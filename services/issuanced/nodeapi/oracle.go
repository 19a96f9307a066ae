package nodeapi

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"esgcoupon/services/issuanced/apperr"
	"esgcoupon/services/issuanced/authorizer"
)

var (
	// ErrUnavailable marks transport failures and overloaded nodes. Callers
	// retry these and must never read them as a zero balance.
	ErrUnavailable = apperr.New(apperr.ErrUnavailable, "nodeapi: node unavailable")
	// ErrAssetNotFound is returned for unknown asset ids.
	ErrAssetNotFound = apperr.New(apperr.ErrNotFound, "nodeapi: asset not found")
)

// Balance is an account's holding of an asset. Accounts that have not opted
// in to the asset report OptedIn=false and a zero amount.
type Balance struct {
	Address string       `json:"address"`
	AssetID string       `json:"asset_id"`
	Amount  *uint256.Int `json:"amount"`
	OptedIn bool         `json:"opted_in"`
}

// Asset describes the token as seen by the network.
type Asset struct {
	AssetID      string       `json:"asset_id"`
	TotalSupply  *uint256.Int `json:"total_supply"`
	MetadataHash string       `json:"metadata_hash"`
}

// BalanceOracle reads balances and asset parameters from the token network.
type BalanceOracle interface {
	Balance(ctx context.Context, address, assetID string) (Balance, error)
	Asset(ctx context.Context, assetID string) (Asset, error)
}

// Transactor is satisfied by Client; kept here so callers can depend on the
// narrow interface.
type Transactor = authorizer.Transactor

// StaticOracle is an in-memory oracle. Addresses listed as unreachable fail
// with ErrUnavailable.
type StaticOracle struct {
	mu          sync.RWMutex
	assets      map[string]Asset
	balances    map[string]*uint256.Int
	unreachable map[string]bool
	broadcasts  []authorizer.Descriptor
}

// NewStaticOracle returns an empty oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		assets:      make(map[string]Asset),
		balances:    make(map[string]*uint256.Int),
		unreachable: make(map[string]bool),
	}
}

func balanceKey(address, assetID string) string {
	return strings.TrimSpace(assetID) + "/" + strings.TrimSpace(address)
}

// SetAsset registers asset parameters.
func (s *StaticOracle) SetAsset(asset Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[asset.AssetID] = asset
}

// SetBalance opts address in and sets its balance.
func (s *StaticOracle) SetBalance(address, assetID string, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey(address, assetID)] = uint256.NewInt(amount)
}

// SetUnreachable makes lookups of address fail.
func (s *StaticOracle) SetUnreachable(address string, unreachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreachable[strings.TrimSpace(address)] = unreachable
}

func (s *StaticOracle) Balance(ctx context.Context, address, assetID string) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unreachable[strings.TrimSpace(address)] {
		return Balance{}, fmt.Errorf("%w: %s", ErrUnavailable, address)
	}
	amount, ok := s.balances[balanceKey(address, assetID)]
	if !ok {
		return Balance{Address: address, AssetID: assetID, Amount: uint256.NewInt(0)}, nil
	}
	return Balance{Address: address, AssetID: assetID, Amount: new(uint256.Int).Set(amount), OptedIn: true}, nil
}

func (s *StaticOracle) Asset(ctx context.Context, assetID string) (Asset, error) {
	if err := ctx.Err(); err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.assets[assetID]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrAssetNotFound, assetID)
	}
	if asset.TotalSupply != nil {
		asset.TotalSupply = new(uint256.Int).Set(asset.TotalSupply)
	}
	return asset, nil
}

// Broadcast records the descriptor and returns a deterministic reference.
func (s *StaticOracle) Broadcast(_ context.Context, desc authorizer.Descriptor) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, desc)
	return "static-" + desc.ActionID, nil
}

// Broadcasts returns the descriptors submitted so far.
func (s *StaticOracle) Broadcasts() []authorizer.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]authorizer.Descriptor, len(s.broadcasts))
	copy(out, s.broadcasts)
	return out
}

var (
	_ BalanceOracle = (*StaticOracle)(nil)
	_ Transactor    = (*StaticOracle)(nil)
)
