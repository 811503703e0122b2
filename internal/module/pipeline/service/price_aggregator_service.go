package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DODOEX/liquidity-sync/internal/database/schema"
	"github.com/DODOEX/liquidity-sync/utils/config"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var errOracleAborted = errors.New("oracle requests aborted after rate limit")

type PriceAggregatorService interface {
	// AggregateTokens fetches the coingecko token list of chainIDs (all configured
	// chains when empty), prices it, resolves missing decimals on chain and appends
	// one native asset token per priced chain.
	AggregateTokens(ctx context.Context, chainIDs []int, abortOnRateLimit bool) ([]schema.Token, error)
	// PriceTokens re-prices an existing token set.
	PriceTokens(ctx context.Context, tokens []schema.Token, abortOnRateLimit bool) []schema.Token
}

type priceAggregatorService struct {
	networks           config.Networks
	coinGecko          CoinGeckoService
	tokenInfo          TokenInfoService
	currencies         []string
	chunkSize          int
	rateLimitRetries   int
	rateLimitWait      time.Duration
	resolveConcurrency int
	logger             zerolog.Logger
}

func NewPriceAggregatorService(cfg *koanf.Koanf, networks config.Networks, coinGecko CoinGeckoService, tokenInfo TokenInfoService, logger zerolog.Logger) PriceAggregatorService {
	currencies := cfg.Strings("coingecko.currencies")
	if len(currencies) == 0 {
		currencies = []string{"usd"}
	}
	chunkSize := cfg.Int("coingecko.chunk-size")
	if chunkSize <= 0 {
		chunkSize = 100
	}
	resolveConcurrency := cfg.Int("pipeline.resolve-concurrency")
	if resolveConcurrency <= 0 {
		resolveConcurrency = 8
	}

	return &priceAggregatorService{
		networks:           networks,
		coinGecko:          coinGecko,
		tokenInfo:          tokenInfo,
		currencies:         currencies,
		chunkSize:          chunkSize,
		rateLimitRetries:   cfg.Int("coingecko.rate-limit-retries"),
		rateLimitWait:      cfg.Duration("coingecko.rate-limit-wait"),
		resolveConcurrency: resolveConcurrency,
		logger:             logger,
	}
}

// oracleSession carries the abort flag of one aggregation. Oracle calls of a
// session are issued one at a time.
type oracleSession struct {
	abortOnRateLimit bool
	aborted          bool
}

func (s *priceAggregatorService) fetch(ctx context.Context, session *oracleSession, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if session.aborted {
			return errOracleAborted
		}
		err := fn()
		if !errors.Is(err, ErrRateLimited) {
			return err
		}
		if session.abortOnRateLimit {
			s.logger.Warn().Msg("coingecko rate limited, abort further price requests")
			session.aborted = true
			return err
		}
		if attempt >= s.rateLimitRetries {
			return err
		}

		s.logger.Warn().Msgf("coingecko rate limited, retry %d/%d in %s", attempt+1, s.rateLimitRetries, s.rateLimitWait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.rateLimitWait):
		}
	}
}

func (s *priceAggregatorService) AggregateTokens(ctx context.Context, chainIDs []int, abortOnRateLimit bool) ([]schema.Token, error) {
	chains := s.networks.Select(chainIDs)
	platforms := s.networks.ByPlatform(chainIDs)
	if len(platforms) == 0 {
		s.logger.Warn().Ints("chain_ids", chainIDs).Msg("no configured chain to aggregate")
		return []schema.Token{}, nil
	}

	session := &oracleSession{abortOnRateLimit: abortOnRateLimit}

	var listed []schema.Token
	err := s.fetch(ctx, session, func() error {
		var err error
		listed, err = s.coinGecko.TokenList(ctx, platforms)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch token list: %w", err)
	}
	s.logger.Info().Msgf("Fetched full list of %d tokens from coingecko for %d chains", len(listed), len(platforms))

	// native entries are rebuilt from simple prices below
	tokens, _ := s.priceTokens(ctx, session, listed)

	// Key is the position in tokens; resolutions are merged back by it.
	grouped := schema.GroupTokens(tokens)
	if err := s.resolveDecimals(ctx, grouped, tokens); err != nil {
		return nil, err
	}

	natives := s.nativeTokens(ctx, session, chains)
	tokens = append(tokens, natives...)

	s.logger.Info().Msgf("Preparing %d tokens to save", len(tokens))
	return tokens, nil
}

func (s *priceAggregatorService) PriceTokens(ctx context.Context, tokens []schema.Token, abortOnRateLimit bool) []schema.Token {
	session := &oracleSession{abortOnRateLimit: abortOnRateLimit}
	priced, natives := s.priceTokens(ctx, session, tokens)
	return append(priced, s.repriceNatives(ctx, session, natives)...)
}

// priceTokens prices tokens chain by chain in address chunks. Tokens of a chunk
// that could not be fetched are dropped; once the session aborts no further
// chunk is requested. Native asset tokens have no token price and are returned
// apart, untouched.
func (s *priceAggregatorService) priceTokens(ctx context.Context, session *oracleSession, tokens []schema.Token) ([]schema.Token, []schema.Token) {
	byChain := make(map[int][]schema.Token)
	var order []int
	var natives []schema.Token
	for _, token := range tokens {
		if s.networks.IsNativeAsset(token.ChainID, token.Address) {
			natives = append(natives, token)
			continue
		}
		if _, ok := byChain[token.ChainID]; !ok {
			order = append(order, token.ChainID)
		}
		byChain[token.ChainID] = append(byChain[token.ChainID], token)
	}

	priced := make([]schema.Token, 0, len(tokens))
	for _, chainID := range order {
		chain, ok := s.networks.Get(chainID)
		if !ok || chain.Coingecko.PlatformID == "" {
			s.logger.Warn().Msgf("chain %d has no coingecko platform, skipped %d tokens", chainID, len(byChain[chainID]))
			continue
		}

		chainTokens := byChain[chainID]
		for start := 0; start < len(chainTokens); start += s.chunkSize {
			if session.aborted {
				return priced, natives
			}
			end := start + s.chunkSize
			if end > len(chainTokens) {
				end = len(chainTokens)
			}
			chunk := chainTokens[start:end]

			addresses := make([]string, len(chunk))
			for i, token := range chunk {
				addresses[i] = token.LowerAddress()
			}

			var prices map[string]map[string]string
			err := s.fetch(ctx, session, func() error {
				var err error
				prices, err = s.coinGecko.TokenPrices(ctx, chain.Coingecko.PlatformID, addresses, s.currencies)
				return err
			})
			if err != nil {
				s.logger.Error().Err(err).Msgf("Failed to fetch prices of chain %d chunk %d, dropped %d tokens", chainID, start/s.chunkSize, len(chunk))
				if ctx.Err() != nil {
					return priced, natives
				}
				continue
			}

			for _, token := range chunk {
				if price := prices[token.LowerAddress()]; len(price) > 0 {
					token.Price = price
					token.NoPriceData = false
				} else {
					token.Price = map[string]string{}
					token.NoPriceData = true
				}
				priced = append(priced, token)
			}
		}
	}
	return priced, natives
}

// repriceNatives refreshes the price of stored native asset tokens from simple
// prices. A native without a fresh price keeps the price it had.
func (s *priceAggregatorService) repriceNatives(ctx context.Context, session *oracleSession, natives []schema.Token) []schema.Token {
	if len(natives) == 0 {
		return nil
	}

	chainIDs := make([]int, 0, len(natives))
	for _, token := range natives {
		chainIDs = append(chainIDs, token.ChainID)
	}
	fresh := make(map[int]schema.Token)
	if !session.aborted {
		for _, native := range s.nativeTokens(ctx, session, s.networks.Select(chainIDs)) {
			fresh[native.ChainID] = native
		}
	}

	out := make([]schema.Token, 0, len(natives))
	for _, token := range natives {
		if native, ok := fresh[token.ChainID]; ok {
			token.Price = native.Price
			token.NoPriceData = false
		} else {
			s.logger.Warn().Msgf("no fresh price for native asset of chain %d, kept the stored one", token.ChainID)
		}
		out = append(out, token)
	}
	return out
}

// resolveDecimals fills symbol and decimals of tokens missing decimals on chains
// with an RPC endpoint. Writes go to distinct indices of tokens.
func (s *priceAggregatorService) resolveDecimals(ctx context.Context, grouped schema.GroupedToken, tokens []schema.Token) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.resolveConcurrency)

	for chainID, group := range grouped {
		if !s.tokenInfo.Supports(chainID) {
			s.logger.Warn().Msgf("chain %d has no rpc, decimals left unresolved", chainID)
			continue
		}

		missing := 0
		for _, token := range group {
			if token.Decimals != 0 {
				continue
			}
			missing++
			chainID, key, address := chainID, token.Key, token.Address
			g.Go(func() error {
				info := s.tokenInfo.Resolve(gctx, chainID, address)
				tokens[key].Decimals = info.Decimals
				tokens[key].Symbol = info.Symbol
				return nil
			})
		}
		s.logger.Info().Msgf("Getting decimals for %d tokens of chain %d", missing, chainID)
	}
	return g.Wait()
}

func (s *priceAggregatorService) nativeTokens(ctx context.Context, session *oracleSession, chains []config.Chain) []schema.Token {
	ids := make([]string, 0, len(chains))
	seen := make(map[string]bool)
	for _, chain := range chains {
		id := chain.Coingecko.NativeAssetID
		if id == "" || chain.Addresses.NativeAsset == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	var prices map[string]map[string]string
	err := s.fetch(ctx, session, func() error {
		var err error
		prices, err = s.coinGecko.SimplePrices(ctx, ids, []string{"usd"})
		return err
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to fetch native asset prices")
		return nil
	}

	var natives []schema.Token
	for _, chain := range chains {
		usd, ok := prices[chain.Coingecko.NativeAssetID]["usd"]
		if !ok || usd == "" || chain.Addresses.NativeAsset == "" {
			continue
		}
		symbol := chain.Coingecko.NativeAssetPriceSymbol
		native := schema.Token{
			ChainID:  chain.ChainID,
			Address:  strings.ToLower(chain.Addresses.NativeAsset),
			Symbol:   symbol,
			Decimals: chain.Coingecko.NativeAssetDecimals,
			ID:       chain.Coingecko.NativeAssetID,
			Price:    map[string]string{"usd": usd},
		}
		if symbol != "" {
			native.Price[symbol] = "1"
		}
		s.logger.Debug().Int("chain_id", chain.ChainID).Str("usd", usd).Msg("Adding native token entry")
		natives = append(natives, native)
	}
	return natives
}
