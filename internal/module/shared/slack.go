package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// Reporter is the telemetry sink for failures that are swallowed where they happen.
type Reporter interface {
	CaptureException(err error, extra map[string]interface{})
}

type NopReporter struct{}

func (NopReporter) CaptureException(error, map[string]interface{}) {}

type SlackPayload struct {
	Channel   string `json:"channel"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	IconEmoji string `json:"icon_emoji"`
}

// 常量配置
const (
	RedisErrorCountPrefix   = "error_count:"
	RedisErrorCountDuration = 10 * time.Minute // 计数过期时间
	RedisErrorThreshold     = 5                // 阈值
)

// SlackReporter logs every captured error and forwards it to a Slack webhook.
// With redis available an operation only alerts once it failed
// RedisErrorThreshold times within RedisErrorCountDuration.
type SlackReporter struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
	redis      *RedisClient
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

func NewSlackReporter(cfg *koanf.Koanf, logger zerolog.Logger, redisClient *RedisClient) *SlackReporter {
	return &SlackReporter{
		webhookURL: cfg.String("slack.webhook-url"),
		channel:    cfg.String("slack.channel"),
		username:   cfg.String("slack.username"),
		client:     &http.Client{Timeout: 10 * time.Second},
		redis:      redisClient,
		logger:     logger,
	}
}

func NewReporter(r *SlackReporter) Reporter {
	return r
}

func (s *SlackReporter) CaptureException(err error, extra map[string]interface{}) {
	if err == nil {
		return
	}
	event := s.logger.Error().Err(err)
	for k, v := range extra {
		event = event.Interface(k, v)
	}
	event.Msg("captured exception")

	if s.webhookURL == "" {
		return
	}

	key := "unknown"
	if op, ok := extra["operation"]; ok {
		key = fmt.Sprint(op)
	}
	message := formatAlert(err, extra)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if s.redis == nil || s.redis.Client == nil {
			s.SendSlackAlert(ctx, message)
			return
		}
		s.HandleErrorWithThrottling(ctx, key, message)
	}()
}

// Wait blocks until every pending alert has been delivered or dropped.
func (s *SlackReporter) Wait() {
	s.wg.Wait()
}

func formatAlert(err error, extra map[string]interface{}) string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(err.Error())
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%v", k, extra[k])
	}
	return b.String()
}

func (s *SlackReporter) SendSlackAlert(ctx context.Context, message string) error {
	payload := SlackPayload{
		Channel:  s.channel,
		Username: s.username,
		Text:     message,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal Slack payload")
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create Slack request")
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to send Slack request")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Error().Msgf("Slack request failed with status code: %d", resp.StatusCode)
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}

	s.logger.Debug().Msg("Slack notification sent successfully")
	return nil
}

// HandleErrorWithThrottling 处理错误统计和节流
func (s *SlackReporter) HandleErrorWithThrottling(ctx context.Context, key string, errorMsg string) {
	client := s.redis.Client
	errorCountKey := RedisErrorCountPrefix + key
	alertedKey := errorCountKey + ":alerted"
	lockKey := errorCountKey + ":lock"

	// 尝试获取锁
	lockAcquired, err := client.SetNX(ctx, lockKey, "1", time.Second*10).Result()
	if err != nil || !lockAcquired {
		return
	}
	defer client.Del(ctx, lockKey) // 确保锁最终被释放

	// 检查是否已经发送过告警
	if _, err := client.Get(ctx, alertedKey).Result(); err == nil {
		return
	}
	// 增加错误计数
	count, err := client.Incr(ctx, errorCountKey).Result()
	if err != nil {
		s.logger.Error().Err(err).Msg("增加错误计数 异常！")
		return
	}

	if count == 1 {
		client.Expire(ctx, errorCountKey, RedisErrorCountDuration)
	}

	// 达到阈值时发送通知并重置计数
	if count >= RedisErrorThreshold {
		client.Set(ctx, alertedKey, "1", RedisErrorCountDuration)
		s.SendSlackAlert(ctx, fmt.Sprintf("错误请求已达到阈值 %s: %s", key, errorMsg))
		client.Del(ctx, errorCountKey)
	}
}
