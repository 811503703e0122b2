package service

import (
	"strings"
	"time"

	"github.com/DODOEX/liquidity-sync/internal/database/schema"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TouchPolicy decides when a decorated pool gets a fresh lastUpdate.
type TouchPolicy int

const (
	// TouchOnChange bumps lastUpdate only when totalLiquidity changed.
	TouchOnChange TouchPolicy = iota
	// TouchAlways bumps lastUpdate on every recompute.
	TouchAlways
)

func ParseTouchPolicy(value string) TouchPolicy {
	if strings.EqualFold(value, "always") {
		return TouchAlways
	}
	return TouchOnChange
}

func (p TouchPolicy) String() string {
	if p == TouchAlways {
		return "always"
	}
	return "on-change"
}

type PoolDecoratorOptions struct {
	ChainID int
	Touch   TouchPolicy
	Now     func() time.Time
}

// PoolDecorator recomputes totalLiquidity of the pools of one chain.
type PoolDecorator struct {
	opts   PoolDecoratorOptions
	logger zerolog.Logger
}

func NewPoolDecorator(opts PoolDecoratorOptions, logger zerolog.Logger) *PoolDecorator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &PoolDecorator{opts: opts, logger: logger}
}

// Decorate returns pools with totalLiquidity = Σ balance × usd price. Constituents
// without a price count as zero; a pool with no priced constituent is returned as is.
func (d *PoolDecorator) Decorate(pools []schema.Pool, tokens []schema.Token) []schema.Pool {
	prices := make(map[string]decimal.Decimal, len(tokens))
	for _, token := range tokens {
		if token.ChainID != d.opts.ChainID {
			continue
		}
		usd, ok := token.UsdPrice()
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(usd)
		if err != nil {
			d.logger.Warn().Err(err).Msgf("invalid usd price %q of token %s", usd, token.Address)
			continue
		}
		prices[token.LowerAddress()] = price
	}

	decorated := make([]schema.Pool, 0, len(pools))
	changed := 0
	for _, pool := range pools {
		if pool.ChainID != d.opts.ChainID {
			decorated = append(decorated, pool)
			continue
		}

		liquidity, ok := d.liquidity(pool, prices)
		if !ok {
			decorated = append(decorated, pool)
			continue
		}

		previous, err := decimal.NewFromString(pool.TotalLiquidity)
		isChanged := err != nil || !previous.Equal(liquidity)
		if isChanged {
			pool.TotalLiquidity = liquidity.String()
			changed++
		}
		if isChanged || d.opts.Touch == TouchAlways {
			pool.LastUpdate = d.opts.Now().UnixMilli()
		}
		decorated = append(decorated, pool)
	}

	d.logger.Debug().Msgf("decorated %d pools of chain %d, %d changed", len(pools), d.opts.ChainID, changed)
	return decorated
}

func (d *PoolDecorator) liquidity(pool schema.Pool, prices map[string]decimal.Decimal) (decimal.Decimal, bool) {
	sum := decimal.Zero
	priced := false
	for _, token := range pool.Tokens {
		price, ok := prices[strings.ToLower(token.Address)]
		if !ok {
			continue
		}
		balance, err := decimal.NewFromString(token.Balance)
		if err != nil {
			continue
		}
		sum = sum.Add(balance.Mul(price))
		priced = true
	}
	return sum, priced
}
