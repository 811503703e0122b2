package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/DODOEX/liquidity-sync/internal/database/schema"
	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/repository"
	"github.com/DODOEX/liquidity-sync/utils/config"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

const erc20ABIStringJSON = `[
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "symbol", "outputs": [{"type": "string"}], "stateMutability": "view", "type": "function"}
]`

const erc20ABIBytes32JSON = `[
  {"inputs": [], "name": "symbol", "outputs": [{"type": "bytes32"}], "stateMutability": "view", "type": "function"}
]`

var (
	erc20ABIString      abi.ABI
	erc20ABIStringOnce  sync.Once
	erc20ABIStringErr   error
	erc20ABIBytes32     abi.ABI
	erc20ABIBytes32Once sync.Once
	erc20ABIBytes32Err  error
)

func erc20ABIStringInstance() (abi.ABI, error) {
	erc20ABIStringOnce.Do(func() {
		erc20ABIString, erc20ABIStringErr = abi.JSON(strings.NewReader(erc20ABIStringJSON))
	})
	return erc20ABIString, erc20ABIStringErr
}

func erc20ABIBytes32Instance() (abi.ABI, error) {
	erc20ABIBytes32Once.Do(func() {
		erc20ABIBytes32, erc20ABIBytes32Err = abi.JSON(strings.NewReader(erc20ABIBytes32JSON))
	})
	return erc20ABIBytes32, erc20ABIBytes32Err
}

type TokenInfo struct {
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// ContractCaller performs eth_call; *ethclient.Client implements it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type TokenInfoService interface {
	// Supports reports whether chainID has an RPC endpoint to resolve tokens with.
	Supports(chainID int) bool
	// Resolve never fails: unresolvable tokens get a placeholder symbol and 18 decimals.
	Resolve(ctx context.Context, chainID int, address string) TokenInfo
}

type tokenInfoService struct {
	networks  config.Networks
	tokenRepo repository.TokenRepository
	cache     Cache
	cacheTTL  time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	callers map[int]ContractCaller
	dial    func(ctx context.Context, rpc string) (ContractCaller, error)
}

func NewTokenInfoService(cfg *koanf.Koanf, networks config.Networks, tokenRepo repository.TokenRepository, cache Cache, logger zerolog.Logger) TokenInfoService {
	return &tokenInfoService{
		networks:  networks,
		tokenRepo: tokenRepo,
		cache:     cache,
		cacheTTL:  cfg.Duration("pipeline.metadata-cache-ttl"),
		logger:    logger,
		callers:   make(map[int]ContractCaller),
		dial: func(ctx context.Context, rpc string) (ContractCaller, error) {
			client, err := ethclient.DialContext(ctx, rpc)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	}
}

// NewTokenInfoServiceWithCallers uses the given callers instead of dialing RPC endpoints.
func NewTokenInfoServiceWithCallers(networks config.Networks, tokenRepo repository.TokenRepository, cache Cache, callers map[int]ContractCaller, logger zerolog.Logger) TokenInfoService {
	s := &tokenInfoService{
		networks:  networks,
		tokenRepo: tokenRepo,
		cache:     cache,
		cacheTTL:  time.Hour,
		logger:    logger,
		callers:   make(map[int]ContractCaller, len(callers)),
		dial: func(context.Context, string) (ContractCaller, error) {
			return nil, fmt.Errorf("dialing is disabled")
		},
	}
	for chainID, caller := range callers {
		s.callers[chainID] = caller
	}
	return s
}

func (s *tokenInfoService) Supports(chainID int) bool {
	s.mu.Lock()
	_, ok := s.callers[chainID]
	s.mu.Unlock()
	if ok {
		return true
	}
	chain, ok := s.networks.Get(chainID)
	return ok && chain.RPC != ""
}

func (s *tokenInfoService) caller(ctx context.Context, chainID int) (ContractCaller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.callers[chainID]; ok {
		return c, nil
	}

	chain, ok := s.networks.Get(chainID)
	if !ok || chain.RPC == "" {
		return nil, fmt.Errorf("no rpc configured for chain %d", chainID)
	}
	c, err := s.dial(ctx, chain.RPC)
	if err != nil {
		return nil, fmt.Errorf("dial rpc of chain %d: %w", chainID, err)
	}
	s.callers[chainID] = c
	return c, nil
}

func placeholderSymbol(checksum string) string {
	return checksum[:4] + ".." + checksum[40:]
}

func tokenInfoCacheKey(chainID int, address string) string {
	return fmt.Sprintf("token_info:%d:%s", chainID, strings.ToLower(address))
}

func (s *tokenInfoService) Resolve(ctx context.Context, chainID int, address string) TokenInfo {
	checksum := common.HexToAddress(address).Hex()
	info := TokenInfo{Symbol: placeholderSymbol(checksum), Decimals: schema.DefaultTokenDecimals}

	cacheKey := tokenInfoCacheKey(chainID, address)
	if s.cache != nil {
		if cached, ok := s.cache.GetCache(ctx, cacheKey); ok {
			// only complete resolutions are cached, 0 decimals included
			var hit TokenInfo
			if err := json.Unmarshal([]byte(cached), &hit); err == nil {
				return hit
			}
		}
	}

	if s.tokenRepo != nil {
		if stored, found := s.tokenRepo.GetToken(ctx, chainID, address); found && stored.Decimals > 0 {
			if stored.Symbol != "" {
				info.Symbol = stored.Symbol
			}
			info.Decimals = stored.Decimals
			return info
		}
	}

	caller, err := s.caller(ctx, chainID)
	if err != nil {
		s.logger.Warn().Err(err).Msgf("Cannot resolve token %s, using defaults", checksum)
		return info
	}

	token := common.HexToAddress(address)
	symbol, symbolErr := s.symbol(ctx, caller, token)
	if symbolErr == nil {
		info.Symbol = symbol
	} else {
		s.logger.Debug().Err(symbolErr).Str("token", checksum).Msg("symbol call failed")
	}
	decimals, decimalsErr := s.decimals(ctx, caller, token)
	if decimalsErr == nil {
		info.Decimals = decimals
	} else {
		s.logger.Debug().Err(decimalsErr).Str("token", checksum).Msg("decimals call failed")
	}

	// 只缓存完整解析成功的结果
	if symbolErr == nil && decimalsErr == nil && s.cache != nil {
		if data, err := json.Marshal(info); err == nil {
			s.cache.SetCache(ctx, cacheKey, string(data), s.cacheTTL)
		}
	}
	return info
}

func callERC20(ctx context.Context, caller ContractCaller, token common.Address, parsed abi.ABI, method string) ([]interface{}, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	resp, err := caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	return values, nil
}

func (s *tokenInfoService) symbol(ctx context.Context, caller ContractCaller, token common.Address) (string, error) {
	stringABI, err := erc20ABIStringInstance()
	if err != nil {
		return "", fmt.Errorf("parse erc20 string abi: %w", err)
	}
	values, err := callERC20(ctx, caller, token, stringABI, "symbol")
	if err == nil {
		if symbol, ok := values[0].(string); ok {
			return symbol, nil
		}
	}

	// some tokens (MKR) return bytes32
	bytes32ABI, abiErr := erc20ABIBytes32Instance()
	if abiErr != nil {
		return "", fmt.Errorf("parse erc20 bytes32 abi: %w", abiErr)
	}
	values, err = callERC20(ctx, caller, token, bytes32ABI, "symbol")
	if err != nil {
		return "", err
	}
	switch v := values[0].(type) {
	case [32]byte:
		return string(bytes.TrimRight(v[:], "\x00")), nil
	case []byte:
		return string(bytes.TrimRight(v, "\x00")), nil
	}
	return "", fmt.Errorf("unexpected symbol type %T", values[0])
}

func (s *tokenInfoService) decimals(ctx context.Context, caller ContractCaller, token common.Address) (int, error) {
	stringABI, err := erc20ABIStringInstance()
	if err != nil {
		return 0, fmt.Errorf("parse erc20 string abi: %w", err)
	}
	values, err := callERC20(ctx, caller, token, stringABI, "decimals")
	if err != nil {
		return 0, err
	}
	switch v := values[0].(type) {
	case uint8:
		return int(v), nil
	case *big.Int:
		return int(v.Int64()), nil
	}
	return 0, fmt.Errorf("unexpected decimals type %T", values[0])
}
