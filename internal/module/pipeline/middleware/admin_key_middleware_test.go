package middleware_test

import (
	"testing"

	"github.com/DODOEX/liquidity-sync/internal/module/pipeline/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func serve(adminKey string, ctx *fasthttp.RequestCtx) bool {
	called := false
	handler := middleware.AdminKeyMiddleware(adminKey, zerolog.Nop())(func(ctx *fasthttp.RequestCtx) {
		called = true
		ctx.SetStatusCode(fasthttp.StatusCreated)
	})
	handler(ctx)
	return called
}

func request(method, uri, apiKey string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if apiKey != "" {
		ctx.Request.Header.Set("X-API-KEY", apiKey)
	}
	return ctx
}

func TestAdminKeyMiddleware(t *testing.T) {
	ctx := request(fasthttp.MethodPost, "/sync/tokens", "secret")
	assert.True(t, serve("secret", ctx))
	assert.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())

	ctx = request(fasthttp.MethodPost, "/sync/tokens?x_api_key=secret", "")
	assert.True(t, serve("secret", ctx))

	ctx = request(fasthttp.MethodPost, "/sync/tokens", "wrong")
	assert.False(t, serve("secret", ctx))
	assert.Equal(t, fasthttp.StatusForbidden, ctx.Response.StatusCode())

	ctx = request(fasthttp.MethodPost, "/sync/tokens", "")
	assert.False(t, serve("secret", ctx))
}

func TestAdminKeyMiddlewareDisabled(t *testing.T) {
	ctx := request(fasthttp.MethodPost, "/sync/tokens", "")
	assert.True(t, serve("", ctx))
}

func TestAdminKeyMiddlewarePreflight(t *testing.T) {
	ctx := request(fasthttp.MethodOptions, "/sync/tokens", "")
	assert.False(t, serve("secret", ctx))
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
	assert.Equal(t, "*", string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")))
}
