package middleware

import (
	"crypto/subtle"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// AdminKeyMiddleware guards the sync triggers. An empty adminKey lets every request through.
func AdminKeyMiddleware(adminKey string, logger zerolog.Logger) func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			// 处理 CORS 预检请求
			if string(ctx.Method()) == fasthttp.MethodOptions {
				handleCors(ctx)
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}

			if adminKey != "" {
				// 先取请求头，再取请求参数
				apiKey := ctx.Request.Header.Peek("X-API-KEY")
				if len(apiKey) == 0 {
					apiKey = ctx.QueryArgs().Peek("x_api_key")
				}
				if subtle.ConstantTimeCompare(apiKey, []byte(adminKey)) != 1 {
					logger.Warn().Str("ip", ctx.RemoteIP().String()).Str("path", string(ctx.Path())).Msg("rejected sync trigger without valid api key")
					ctx.SetStatusCode(fasthttp.StatusForbidden)
					ctx.SetBody([]byte("Forbidden"))
					return
				}
			}

			next(ctx)
		}
	}
}

// 处理 CORS 头信息
func handleCors(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
	ctx.Response.Header.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	ctx.Response.Header.Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, X-API-KEY, Content-Type, Accept, Authorization")
	ctx.Response.Header.Set("Access-Control-Max-Age", "86400")
	ctx.SetContentType("application/json")
}
