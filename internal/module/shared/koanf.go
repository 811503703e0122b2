package shared

import (
	"log"
	"strings"
	"time"

	"github.com/DODOEX/liquidity-sync/utils/config"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "liquidity_sync_"

func DefaultValues() map[string]interface{} {
	return map[string]interface{}{
		"app.name":                      "liquidity-sync",
		"app.host":                      ":8080",
		"app.idle-timeout":              "50s",
		"app.print-routes":              false,
		"app.prefork":                   false,
		"app.production":                false,
		"app.request-timeout":           "10m",
		"app.admin-key":                 "",
		"logger.time-format":            time.RFC3339,
		"logger.level":                  1,
		"db.postgres.max-open-conns":    4,
		"db.postgres.max-idle-conns":    2,
		"db.postgres.conn-max-lifetime": "30m",
		"redis.keeplive-interval":       "30s",
		"redis.retry-count":             3,
		"amqp.enable":                   false,
		"amqp.keeplive-interval":        "30s",
		"amqp.retry-count":              3,
		"amqp.exchange":                 "liquidity-sync",
		"amqp.exchange-type":            "topic",
		"amqp.queue":                    "liquidity-sync.decorate",
		"slack.channel":                 "#liquidity-sync-alert",
		"slack.username":                "liquidity-bot",
		"dynamodb.max-retries":          50,
		"dynamodb.retry-delay":          "1s",
		"dynamodb.batch-size":           25,
		"dynamodb.write-concurrency":    16,
		"dynamodb.alive-timeout":        "2s",
		"dynamodb.tables.pools":         "pools",
		"dynamodb.tables.tokens":        "tokens",
		"coingecko.base-url":            "https://pro-api.coingecko.com/api/v3",
		"coingecko.timeout":             10,
		"coingecko.requests-per-minute": 500,
		"coingecko.chunk-size":          100,
		"coingecko.currencies":          []string{"usd"},
		"coingecko.rate-limit-retries":  3,
		"coingecko.rate-limit-wait":     "1m",
		"coingecko.list-cache-ttl":      "1h",
		"pipeline.touch-policy":         "on-change",
		"pipeline.abort-on-rate-limit":  false,
		"pipeline.resolve-concurrency":  8,
		"pipeline.metadata-cache-ttl":   "24h",
		"scheduler.token-interval":      "10m",
		"scheduler.decorate-interval":   "5m",
		"scheduler.retention-interval":  "24h",
		"scheduler.retention":           "720h",
	}
}

func NewKoanfInstance() *koanf.Koanf {
	// 创建一个新的 koanf 实例
	k := koanf.New(".")

	// 使用 confmap provider 加载默认值。
	if err := k.Load(confmap.Provider(DefaultValues(), "."), nil); err != nil {
		log.Fatalf("error loading default values: %v", err)
	}

	// 加载本地配置文件
	if err := k.Load(file.Provider("config/default.yaml"), yaml.Parser()); err != nil {
		log.Panicf("Error loading default config: %v", err)
	}
	log.Println("Load local config!")

	// 加载环境变量并合并到已加载的配置中。
	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envValue), nil); err != nil {
		log.Panicf("Error loading env: %v", err)
	}

	return k
}

// envValue strips the prefix, turns _ into . and splits space separated values into a list.
func envValue(s string, v string) (string, interface{}) {
	key := strings.Replace(strings.TrimPrefix(s, envPrefix), "_", ".", -1)

	// 如果值中包含空格，将值拆分成一个切片
	if strings.Contains(v, " ") {
		return key, strings.Split(v, " ")
	}

	return key, v
}

// NewNetworks reads the per-chain network table from `chains`.
func NewNetworks(k *koanf.Koanf) config.Networks {
	var chains []config.Chain
	if err := k.Unmarshal("chains", &chains); err != nil {
		log.Fatalf("Unmarshal chains error: %v", err)
	}
	return config.NewNetworks(chains)
}
