package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DODOEX/liquidity-sync/internal/database/schema"
	"github.com/DODOEX/liquidity-sync/internal/module/shared"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when coingecko answers 429.
var ErrRateLimited = errors.New("coingecko rate limit reached")

const coinsListCacheKey = "coingecko:coins_list"

// Cache is a string key-value cache; *shared.RedisClient implements it.
type Cache interface {
	GetCache(ctx context.Context, key string) (string, bool)
	SetCache(ctx context.Context, key string, value string, ttl time.Duration)
}

type CoinGeckoService interface {
	// TokenList returns every coin listed on one of platforms (platform id -> chain id),
	// one token per chain and lowercase address.
	TokenList(ctx context.Context, platforms map[string]int) ([]schema.Token, error)
	// TokenPrices returns lowercase address -> currency -> price.
	TokenPrices(ctx context.Context, platformID string, addresses []string, currencies []string) (map[string]map[string]string, error)
	// SimplePrices returns coin id -> currency -> price.
	SimplePrices(ctx context.Context, ids []string, currencies []string) (map[string]map[string]string, error)
}

type coinGeckoService struct {
	baseURL      string
	apiKey       string
	timeout      int
	listCacheTTL time.Duration
	client       shared.HTTPClient
	limiter      *rate.Limiter
	cache        Cache
	reporter     shared.Reporter
	logger       zerolog.Logger
}

func NewCoinGeckoService(cfg *koanf.Koanf, cache Cache, reporter shared.Reporter, logger zerolog.Logger) CoinGeckoService {
	limit := rate.Inf
	if rpm := cfg.Int("coingecko.requests-per-minute"); rpm > 0 {
		limit = rate.Every(time.Minute / time.Duration(rpm))
	}
	if reporter == nil {
		reporter = shared.NopReporter{}
	}

	return &coinGeckoService{
		baseURL:      strings.TrimRight(cfg.String("coingecko.base-url"), "/"),
		apiKey:       cfg.String("coingecko.api-key"),
		timeout:      cfg.Int("coingecko.timeout"),
		listCacheTTL: cfg.Duration("coingecko.list-cache-ttl"),
		client:       http.DefaultClient,
		limiter:      rate.NewLimiter(limit, 1),
		cache:        cache,
		reporter:     reporter,
		logger:       logger,
	}
}

type CoinGeckoCoin struct {
	ID        string            `json:"id"`
	Symbol    string            `json:"symbol"`
	Name      string            `json:"name"`
	Platforms map[string]string `json:"platforms"`
}

func (s *coinGeckoService) get(ctx context.Context, operation string, path string, query url.Values) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	headers := map[string]string{
		"accept": "application/json",
	}
	if s.apiKey != "" {
		headers["x-cg-pro-api-key"] = s.apiKey
	}

	body, statusCode, err := shared.DoRequest(ctx, s.client, endpoint, headers, s.timeout)
	if statusCode == http.StatusTooManyRequests {
		s.logger.Warn().Str("path", path).Msg("coingecko rate limited")
		return nil, fmt.Errorf("%s: %w", operation, ErrRateLimited)
	}
	if err != nil {
		s.reporter.CaptureException(err, map[string]interface{}{
			"operation": "CoinGeckoService-" + operation,
			"url":       s.baseURL + path,
			"status":    statusCode,
			"response":  string(body),
		})
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	return body, nil
}

func (s *coinGeckoService) coinsList(ctx context.Context) ([]CoinGeckoCoin, error) {
	if s.cache != nil {
		if cached, ok := s.cache.GetCache(ctx, coinsListCacheKey); ok {
			var coins []CoinGeckoCoin
			if err := json.Unmarshal([]byte(cached), &coins); err == nil {
				s.logger.Debug().Int("coins", len(coins)).Msg("Fetched coins list from cache")
				return coins, nil
			}
		}
	}

	body, err := s.get(ctx, "CoinsList", "/coins/list", url.Values{"include_platform": {"true"}})
	if err != nil {
		return nil, err
	}

	var coins []CoinGeckoCoin
	if err := shared.ParseJSONResponse(body, &coins); err != nil {
		s.reporter.CaptureException(err, map[string]interface{}{"operation": "CoinGeckoService-CoinsList"})
		return nil, err
	}

	if s.cache != nil && s.listCacheTTL > 0 {
		if data, err := json.Marshal(coins); err == nil {
			s.cache.SetCache(ctx, coinsListCacheKey, string(data), s.listCacheTTL)
		}
	}
	return coins, nil
}

func (s *coinGeckoService) TokenList(ctx context.Context, platforms map[string]int) ([]schema.Token, error) {
	coins, err := s.coinsList(ctx)
	if err != nil {
		return nil, err
	}

	var tokens []schema.Token
	seen := make(map[string]struct{}) // 用于记录已经处理过的 chainId:address
	for _, coin := range coins {
		for platformID, address := range coin.Platforms {
			if address == "" {
				continue
			}
			chainID, ok := platforms[platformID]
			if !ok {
				continue
			}
			address = strings.ToLower(address)
			id := fmt.Sprintf("%d:%s", chainID, address)
			if _, exists := seen[id]; exists {
				continue
			}
			seen[id] = struct{}{}

			tokens = append(tokens, schema.Token{
				ChainID: chainID,
				Address: address,
				Symbol:  coin.Symbol,
				ID:      coin.ID,
				Price:   map[string]string{},
			})
		}
	}
	return tokens, nil
}

func (s *coinGeckoService) TokenPrices(ctx context.Context, platformID string, addresses []string, currencies []string) (map[string]map[string]string, error) {
	if len(addresses) == 0 {
		return map[string]map[string]string{}, nil
	}
	body, err := s.get(ctx, "TokenPrices", "/simple/token_price/"+url.PathEscape(platformID), url.Values{
		"contract_addresses": {strings.Join(addresses, ",")},
		"vs_currencies":      {strings.Join(currencies, ",")},
	})
	if err != nil {
		return nil, err
	}

	prices, err := decodePrices(body)
	if err != nil {
		s.reporter.CaptureException(err, map[string]interface{}{"operation": "CoinGeckoService-TokenPrices", "platform": platformID})
		return nil, err
	}

	result := make(map[string]map[string]string, len(prices))
	for address, price := range prices {
		result[strings.ToLower(address)] = price
	}
	return result, nil
}

func (s *coinGeckoService) SimplePrices(ctx context.Context, ids []string, currencies []string) (map[string]map[string]string, error) {
	if len(ids) == 0 {
		return map[string]map[string]string{}, nil
	}
	body, err := s.get(ctx, "SimplePrices", "/simple/price", url.Values{
		"ids":           {strings.Join(ids, ",")},
		"vs_currencies": {strings.Join(currencies, ",")},
	})
	if err != nil {
		return nil, err
	}

	prices, err := decodePrices(body)
	if err != nil {
		s.reporter.CaptureException(err, map[string]interface{}{"operation": "CoinGeckoService-SimplePrices"})
		return nil, err
	}
	return prices, nil
}

// decodePrices reads {key: {currency: number}} and formats every number
// without exponent, so 3e-25 becomes "0.0000000000000000000000003".
func decodePrices(body []byte) (map[string]map[string]string, error) {
	var raw map[string]map[string]*decimal.Decimal
	if err := shared.ParseJSONResponse(body, &raw); err != nil {
		return nil, err
	}

	prices := make(map[string]map[string]string, len(raw))
	for key, byCurrency := range raw {
		formatted := make(map[string]string, len(byCurrency))
		for currency, value := range byCurrency {
			if value == nil {
				continue
			}
			formatted[currency] = value.String()
		}
		prices[key] = formatted
	}
	return prices, nil
}
