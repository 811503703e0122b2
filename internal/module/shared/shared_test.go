package shared_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DODOEX/liquidity-sync/internal/module/shared"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupCfgDefaults(t *testing.T) {
	cfg := shared.SetupCfg(map[string]interface{}{"dynamodb.batch-size": 10})

	assert.Equal(t, "liquidity-sync", cfg.String("app.name"))
	assert.Equal(t, 10, cfg.Int("dynamodb.batch-size"))
	assert.Equal(t, time.Second, cfg.Duration("dynamodb.retry-delay"))
	assert.Equal(t, 50, cfg.Int("dynamodb.max-retries"))
	assert.Equal(t, []string{"usd"}, cfg.Strings("coingecko.currencies"))
}

func TestNewNetworks(t *testing.T) {
	cfg := shared.SetupCfg(map[string]interface{}{
		"chains": []interface{}{
			map[string]interface{}{
				"id":      1,
				"network": "mainnet",
				"rpc":     "https://rpc.example",
				"addresses": map[string]interface{}{
					"native-asset": "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE",
				},
				"coingecko": map[string]interface{}{
					"platform-id":               "ethereum",
					"native-asset-id":           "ethereum",
					"native-asset-price-symbol": "eth",
				},
			},
		},
	})

	networks := shared.NewNetworks(cfg)
	chain, ok := networks.Get(1)
	require.True(t, ok)
	assert.Equal(t, "mainnet", chain.Network)
	assert.Equal(t, "https://rpc.example", chain.RPC)
	assert.Equal(t, "ethereum", chain.Coingecko.PlatformID)
	assert.Equal(t, "eth", chain.Coingecko.NativeAssetPriceSymbol)
	assert.Equal(t, 18, chain.Coingecko.NativeAssetDecimals)
	assert.Equal(t, "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE", chain.Addresses.NativeAsset)
}

func TestDoRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "secret" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"slow down"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	body, status, err := shared.DoRequest(context.Background(), server.Client(), server.URL, map[string]string{"x-api-key": "secret"}, 1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	var result map[string]bool
	require.NoError(t, shared.ParseJSONResponse(body, &result))
	assert.True(t, result["ok"])

	body, status, err = shared.DoRequest(context.Background(), server.Client(), server.URL, nil, 1)
	assert.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, string(body), "slow down")
}

func TestParseJSONResponseRejectsInvalidBody(t *testing.T) {
	var result map[string]interface{}
	assert.Error(t, shared.ParseJSONResponse([]byte("<html>"), &result))
}

func TestSlackReporterSendsWithoutRedis(t *testing.T) {
	var mu sync.Mutex
	var payloads []shared.SlackPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var payload shared.SlackPayload
		json.Unmarshal(raw, &payload)
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()
	}))
	defer server.Close()

	cfg := shared.SetupCfg(map[string]interface{}{"slack.webhook-url": server.URL})
	reporter := shared.NewSlackReporter(cfg, zerolog.Nop(), nil)

	reporter.CaptureException(errors.New("chunk failed"), map[string]interface{}{"table": "pools", "operation": "TransactWriteItems"})
	reporter.CaptureException(nil, nil)
	reporter.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Equal(t, "#liquidity-sync-alert", payloads[0].Channel)
	assert.Equal(t, "chunk failed\noperation=TransactWriteItems\ntable=pools", payloads[0].Text)
}

func TestSlackReporterWithoutWebhookOnlyLogs(t *testing.T) {
	reporter := shared.NewSlackReporter(shared.SetupCfg(nil), zerolog.Nop(), nil)
	reporter.CaptureException(errors.New("boom"), nil)
	reporter.Wait()

	var _ shared.Reporter = shared.NopReporter{}
}
