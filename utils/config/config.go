package config

import (
	"sort"
	"strings"
)

type Addresses struct {
	NativeAsset string `yaml:"native-asset" koanf:"native-asset"`
}

// Coingecko maps a chain onto the oracle's identifiers.
type Coingecko struct {
	PlatformID             string `yaml:"platform-id" koanf:"platform-id"`
	NativeAssetID          string `yaml:"native-asset-id" koanf:"native-asset-id"`
	NativeAssetPriceSymbol string `yaml:"native-asset-price-symbol" koanf:"native-asset-price-symbol"`
	NativeAssetDecimals    int    `yaml:"native-asset-decimals" koanf:"native-asset-decimals"`
}

type Chain struct {
	ChainID   int       `yaml:"id" koanf:"id"`
	Network   string    `yaml:"network" koanf:"network"`
	RPC       string    `yaml:"rpc,omitempty" koanf:"rpc"`
	Addresses Addresses `yaml:"addresses" koanf:"addresses"`
	Coingecko Coingecko `yaml:"coingecko" koanf:"coingecko"`
}

// Networks is the per-chain network table, keyed by chain id.
type Networks map[int]Chain

func NewNetworks(chains []Chain) Networks {
	networks := make(Networks, len(chains))
	for _, chain := range chains {
		if chain.Coingecko.NativeAssetDecimals == 0 {
			chain.Coingecko.NativeAssetDecimals = 18
		}
		networks[chain.ChainID] = chain
	}
	return networks
}

func (n Networks) Get(chainID int) (Chain, bool) {
	chain, ok := n[chainID]
	return chain, ok
}

// IDs returns the configured chain ids in ascending order.
func (n Networks) IDs() []int {
	ids := make([]int, 0, len(n))
	for id := range n {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Select returns the configured chains among chainIDs, or every chain when
// chainIDs is empty. Unknown ids are skipped.
func (n Networks) Select(chainIDs []int) []Chain {
	if len(chainIDs) == 0 {
		chainIDs = n.IDs()
	}
	chains := make([]Chain, 0, len(chainIDs))
	seen := make(map[int]bool, len(chainIDs))
	for _, id := range chainIDs {
		chain, ok := n[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		chains = append(chains, chain)
	}
	return chains
}

// ByPlatform maps the coingecko platform id of each selected chain (see Select)
// to its chain id. Chains without a platform are left out.
func (n Networks) ByPlatform(chainIDs []int) map[string]int {
	chains := n.Select(chainIDs)
	platforms := make(map[string]int, len(chains))
	for _, chain := range chains {
		if chain.Coingecko.PlatformID != "" {
			platforms[chain.Coingecko.PlatformID] = chain.ChainID
		}
	}
	return platforms
}

// IsNativeAsset reports whether address is the native asset of the chain.
func (n Networks) IsNativeAsset(chainID int, address string) bool {
	chain, ok := n[chainID]
	if !ok || chain.Addresses.NativeAsset == "" {
		return false
	}
	return strings.EqualFold(chain.Addresses.NativeAsset, address)
}

// func to parse address
func ParseAddress(raw string) (hostname, port string) {
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		return raw[:i], raw[i+1:]
	}

	return raw, ""
}
