package shared

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	amqplib "github.com/streadway/amqp"
) //导入mq包

var ErrAmqpNotConnected = errors.New("amqp channel is not connected")

type Amqp struct {
	Conn             *amqplib.Connection
	Channel          *amqplib.Channel
	Exchange         string // 交换机
	ExchangeType     string // 交换机类型
	Queue            string
	Enabled          bool
	url              string //MQ链接字符串
	logger           zerolog.Logger
	keepliveInterval time.Duration
	retryCount       int
	mu               sync.Mutex
	done             chan struct{}
}

// 创建结构体实例
func NewRabbitMQ(cfg *koanf.Koanf, logger zerolog.Logger) *Amqp {
	amqp := Amqp{
		Exchange:         cfg.String("amqp.exchange"),
		ExchangeType:     cfg.String("amqp.exchange-type"),
		Queue:            cfg.String("amqp.queue"),
		Enabled:          cfg.Bool("amqp.enable") && cfg.String("amqp.url") != "",
		url:              cfg.String("amqp.url"),
		logger:           logger,
		retryCount:       cfg.Int("amqp.retry-count"),
		keepliveInterval: cfg.Duration("amqp.keeplive-interval"),
		done:             make(chan struct{}),
	}

	return &amqp
}

// dial opens the connection and channel and declares the exchange. Caller holds mu.
func (a *Amqp) dial() error {
	var err error
	if a.Conn == nil || a.Conn.IsClosed() {
		a.Conn, err = amqplib.Dial(a.url)
		if err != nil {
			return err
		}
		a.Channel = nil
	}

	if a.Channel == nil {
		a.Channel, err = a.Conn.Channel()
		if err != nil {
			return err
		}
	}

	return a.Channel.ExchangeDeclare(
		a.Exchange,
		a.ExchangeType,
		true,
		false,
		false,
		false,
		nil,
	)
}

func (a *Amqp) keeplive() {
	ticker := time.NewTicker(a.keepliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
		}

		a.mu.Lock()
		if a.Conn != nil && !a.Conn.IsClosed() {
			a.mu.Unlock()
			continue
		}
		for i := 1; i <= a.retryCount; i++ {
			err := a.dial()
			if err == nil {
				a.logger.Info().Msg("Reconnected to Amqp succesfully!")
				break
			}
			// 失败，等待重试
			a.logger.Warn().Msgf("Failed to connect to Amqp: %v. Retrying in %v...", err, i)
		}
		a.mu.Unlock()
	}
}

func (a *Amqp) Connect() {
	if !a.Enabled {
		a.logger.Info().Msg("amqp disabled, events will not be published")
		return
	}

	a.mu.Lock()
	err := a.dial()
	a.mu.Unlock()
	if err != nil {
		a.logger.Error().Msgf("%s:%s", "amqp链接失败", err)
	}

	if a.keepliveInterval > 0 {
		go a.keeplive()
	}
}

// Publish sends body to the exchange under routingKey. It is a no-op when amqp is disabled.
func (a *Amqp) Publish(ctx context.Context, routingKey string, body []byte) error {
	if !a.Enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Channel == nil {
		return ErrAmqpNotConnected
	}
	return a.Channel.Publish(a.Exchange, routingKey, false, false, amqplib.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
}

// Consume declares the durable queue, binds it to routingKey and starts consuming.
func (a *Amqp) Consume(queue string, routingKey string) (<-chan amqplib.Delivery, error) {
	if !a.Enabled {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Channel == nil {
		return nil, ErrAmqpNotConnected
	}

	q, err := a.Channel.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	if err := a.Channel.QueueBind(q.Name, routingKey, a.Exchange, false, nil); err != nil {
		return nil, err
	}
	return a.Channel.Consume(q.Name, "", true, false, false, false, nil)
}

// 释放资源
func (a *Amqp) Close() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Channel != nil {
		a.Channel.Close()
	}
	if a.Conn != nil {
		a.Conn.Close()
	}
}
