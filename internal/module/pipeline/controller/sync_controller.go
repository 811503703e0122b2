package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/repository"
	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/service"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// HealthChecker reports whether the backing store answers; *database.Store implements it.
type HealthChecker interface {
	IsAlive(ctx context.Context) bool
}

type SyncController interface {
	SyncTokens(ctx *fasthttp.RequestCtx)
	RefreshTokenPrices(ctx *fasthttp.RequestCtx)
	DecoratePools(ctx *fasthttp.RequestCtx)
	GetRuns(ctx *fasthttp.RequestCtx)
	CheckHealthz(ctx *fasthttp.RequestCtx)
}

type syncController struct {
	syncService      service.SyncService
	health           HealthChecker
	requestTimeout   time.Duration
	abortOnRateLimit bool
	logger           zerolog.Logger
}

func NewSyncController(cfg *koanf.Koanf, syncService service.SyncService, health HealthChecker, logger zerolog.Logger) SyncController {
	timeout := cfg.Duration("app.request-timeout")
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &syncController{
		syncService:      syncService,
		health:           health,
		requestTimeout:   timeout,
		abortOnRateLimit: cfg.Bool("pipeline.abort-on-rate-limit"),
		logger:           logger,
	}
}

func (_i *syncController) respond(ctx *fasthttp.RequestCtx, code int, data interface{}, message string) {
	response := map[string]interface{}{
		"code":    code,
		"data":    data,
		"message": message,
	}

	responseBody, err := json.Marshal(response)
	if err != nil {
		ctx.Error("failed to serialize response ", fasthttp.StatusInternalServerError)
		return
	}
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetBody(responseBody)
	ctx.Response.SetStatusCode(code)
}

// withTimeout runs fn with the request timeout and answers 201 with its result.
func (_i *syncController) withTimeout(ctx *fasthttp.RequestCtx, operation string, fn func(context.Context) (interface{}, error)) {
	c, cancel := context.WithTimeout(context.Background(), _i.requestTimeout)
	defer cancel()

	type outcome struct {
		data interface{}
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := fn(c)
		done <- outcome{data: data, err: err}
	}()

	select {
	case <-c.Done():
		if c.Err() == context.DeadlineExceeded {
			_i.respond(ctx, fasthttp.StatusGatewayTimeout, nil, "Request timed out")
		} else {
			_i.respond(ctx, fasthttp.StatusInternalServerError, nil, "Request canceled")
		}
	case res := <-done:
		if res.err != nil {
			_i.logger.Err(res.err).Msgf("failed to %s", operation)
			_i.respond(ctx, fasthttp.StatusInternalServerError, nil, res.err.Error())
			return
		}
		_i.respond(ctx, fasthttp.StatusCreated, res.data, "Request successful")
	}
}

func (_i *syncController) abortFlag(ctx *fasthttp.RequestCtx) bool {
	raw := string(ctx.QueryArgs().Peek("abortOnRateLimit"))
	if raw == "" {
		return _i.abortOnRateLimit
	}
	abort, err := strconv.ParseBool(raw)
	if err != nil {
		return _i.abortOnRateLimit
	}
	return abort
}

func parseChainIDs(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	var chainIDs []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id %q", part)
		}
		chainIDs = append(chainIDs, id)
	}
	return chainIDs, nil
}

func pathChainID(ctx *fasthttp.RequestCtx) (int, error) {
	raw, _ := ctx.UserValue("chainId").(string)
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid chain id %q", raw)
	}
	return id, nil
}

func (_i *syncController) SyncTokens(ctx *fasthttp.RequestCtx) {
	chainIDs, err := parseChainIDs(string(ctx.QueryArgs().Peek("chainIds")))
	if err != nil {
		_i.respond(ctx, fasthttp.StatusBadRequest, nil, err.Error())
		return
	}
	abort := _i.abortFlag(ctx)

	_i.withTimeout(ctx, "sync tokens", func(c context.Context) (interface{}, error) {
		return _i.syncService.SyncTokenPrices(c, chainIDs, abort)
	})
}

func (_i *syncController) RefreshTokenPrices(ctx *fasthttp.RequestCtx) {
	chainID, err := pathChainID(ctx)
	if err != nil {
		_i.respond(ctx, fasthttp.StatusBadRequest, nil, err.Error())
		return
	}
	abort := _i.abortFlag(ctx)

	_i.withTimeout(ctx, "refresh token prices", func(c context.Context) (interface{}, error) {
		return _i.syncService.RefreshTokenPrices(c, chainID, abort)
	})
}

func (_i *syncController) DecoratePools(ctx *fasthttp.RequestCtx) {
	chainID, err := pathChainID(ctx)
	if err != nil {
		_i.respond(ctx, fasthttp.StatusBadRequest, nil, err.Error())
		return
	}

	_i.withTimeout(ctx, "decorate pools", func(c context.Context) (interface{}, error) {
		return _i.syncService.DecoratePools(c, chainID)
	})
}

func (_i *syncController) GetRuns(ctx *fasthttp.RequestCtx) {
	kind := string(ctx.QueryArgs().Peek("kind"))
	limit, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("limit")))

	runs, err := _i.syncService.RecentRuns(context.Background(), kind, limit)
	if errors.Is(err, repository.ErrLedgerDisabled) {
		_i.respond(ctx, fasthttp.StatusServiceUnavailable, nil, err.Error())
		return
	}
	if err != nil {
		_i.logger.Err(err).Msg("failed to list sync runs")
		_i.respond(ctx, fasthttp.StatusInternalServerError, nil, "failed to list sync runs")
		return
	}
	_i.respond(ctx, fasthttp.StatusOK, runs, "Request successful")
}

func (_i *syncController) CheckHealthz(ctx *fasthttp.RequestCtx) {
	if _i.health != nil && !_i.health.IsAlive(context.Background()) {
		_i.respond(ctx, fasthttp.StatusServiceUnavailable, nil, "store is not reachable")
		return
	}
	_i.respond(ctx, fasthttp.StatusOK, nil, "Successfully checked service status")
}
