package ledger

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeTrader AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Trader sub-types. Balances go negative for net outflows, so a
	// trader's net paid-in contribution is -GetBalance(contrib_outflow).
	SubTypeContribOutflow AccountSubType = iota
	SubTypeFeeOutflow

	// System sub-types (owned by a Torex instance)
	SubTypeVaultIn
	SubTypeVaultOut
	SubTypeFeeBuffer
	SubTypeFees

	// External boundary sub-types
	SubTypeExternalStreams
	SubTypeExternalMover
	SubTypeExternalOutDistribution
	SubTypeExternalFeeDistribution
)

// AssetID maps asset symbols to numeric IDs for compact keys
type AssetID uint16

var (
	assetMu   sync.RWMutex
	assetToID = map[string]AssetID{}
	idToAsset = map[AssetID]string{}
	nextAsset AssetID = 1
)

// RegisterAsset assigns (or returns the existing) numeric ID for a symbol.
// Registration happens at Torex construction, before any event flows.
func RegisterAsset(symbol string) AssetID {
	assetMu.Lock()
	defer assetMu.Unlock()

	if id, ok := assetToID[symbol]; ok {
		return id
	}
	id := nextAsset
	nextAsset++
	assetToID[symbol] = id
	idToAsset[id] = symbol
	return id
}

func GetAssetID(symbol string) (AssetID, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	id, ok := assetToID[symbol]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (20 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID uuid.UUID // zero for system/external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewTraderAccountKey creates a key for per-trader outflow accounts
func NewTraderAccountKey(trader uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeTrader,
		EntityID: trader,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for instance-owned system accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
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

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeTrader:
		return fmt.Sprintf("trader:%s:%s:%s", k.EntityID.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeContribOutflow:
		return "contrib_outflow"
	case SubTypeFeeOutflow:
		return "fee_outflow"
	case SubTypeVaultIn:
		return "vault_in"
	case SubTypeVaultOut:
		return "vault_out"
	case SubTypeFeeBuffer:
		return "fee_buffer"
	case SubTypeFees:
		return "fees"
	case SubTypeExternalStreams:
		return "streams"
	case SubTypeExternalMover:
		return "mover"
	case SubTypeExternalOutDistribution:
		return "out_distribution"
	case SubTypeExternalFeeDistribution:
		return "fee_distribution"
	default:
		return "unknown"
	}
}
