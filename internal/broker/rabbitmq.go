package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/d60-Lab/storefront/pkg/logger"
)

const headerMessageKey = "x-message-key"

// RabbitMQ 拓扑：
//
//	exchange(topic) --topic--> {group}.{topic}            主队列，DLX 指向 retry exchange
//	{exchange}.retry --queue--> {group}.{topic}.retry     TTL = retry delay，过期后回到主队列
//	default exchange --------> {group}.{topic}.dlq        死信停车场
//
// 尝试次数取自 x-death 中主队列 rejected 的计数。
type RabbitMQ struct {
	conn     *amqp.Connection
	exchange string
	opts     Options

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu       sync.Mutex
	channels []*amqp.Channel
	closed   bool
}

// DialRabbitMQ 建立连接并声明 exchange，发布通道开启 publisher confirms
func DialRabbitMQ(url, exchange string, opts Options) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	if err := pubCh.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := pubCh.ExchangeDeclare(retryExchange(exchange), "direct", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", retryExchange(exchange), err)
	}

	logger.Info("connected to rabbitmq", zap.String("exchange", exchange))
	return &RabbitMQ{conn: conn, exchange: exchange, opts: opts.withDefaults(), pubCh: pubCh}, nil
}

func retryExchange(exchange string) string { return exchange + ".retry" }

func (r *RabbitMQ) Publish(ctx context.Context, topic string, msg Message) error {
	return r.publish(ctx, r.exchange, topic, msg)
}

func (r *RabbitMQ) publish(ctx context.Context, exchange, key string, msg Message) error {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.Key != "" {
		headers[headerMessageKey] = msg.Key
	}

	r.pubMu.Lock()
	dc, err := r.pubCh.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		Type:         msg.Headers[HeaderEventType],
		Headers:      headers,
		Body:         msg.Body,
	})
	r.pubMu.Unlock()
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("publish %s: %w", msg.ID, err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConfirmed, err)
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}

// declare 声明主队列、延迟重投队列和死信队列
func (r *RabbitMQ) declare(topic, queue string) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    retryExchange(r.exchange),
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, topic, r.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}

	retryQueue := queue + ".retry"
	if _, err := ch.QueueDeclare(retryQueue, true, false, false, false, amqp.Table{
		"x-message-ttl":             r.opts.RetryDelay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", retryQueue, err)
	}
	if err := ch.QueueBind(retryQueue, queue, retryExchange(r.exchange), false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", retryQueue, err)
	}

	if _, err := ch.QueueDeclare(DeadLetterTopic(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", DeadLetterTopic(queue), err)
	}
	return nil
}

func (r *RabbitMQ) Subscribe(ctx context.Context, topic, group string) (<-chan *Delivery, error) {
	queue := group + "." + topic
	if err := r.declare(topic, queue); err != nil {
		return nil, err
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(r.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	tag := queue + "-" + uuid.NewString()[:8]
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ch.Close()
		return nil, ErrClosed
	}
	// 通道留到 Close 时再关，停止订阅后在途消息仍需要 ack
	r.channels = append(r.channels, ch)
	r.mu.Unlock()

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				_ = ch.Cancel(tag, false)
				return
			case d, ok := <-deliveries:
				if !ok {
					logger.Warn("rabbitmq delivery channel closed", zap.String("queue", queue))
					return
				}
				select {
				case out <- r.wrap(queue, d):
				case <-ctx.Done():
					_ = d.Nack(false, true)
					_ = ch.Cancel(tag, false)
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RabbitMQ) wrap(queue string, d amqp.Delivery) *Delivery {
	attempt := attemptFromXDeath(d.Headers, queue)
	msg := Message{ID: d.MessageId, Body: d.Body, Headers: stringHeaders(d.Headers)}
	if k, ok := d.Headers[headerMessageKey].(string); ok {
		msg.Key = k
	}

	return NewDelivery(msg, attempt,
		func() error { return d.Ack(false) },
		func(requeue bool, reason string) error {
			if requeue && attempt < r.opts.MaxAttempts {
				// 拒绝后经 DLX 进入 TTL 队列，到期回到主队列
				return d.Nack(false, false)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.publish(ctx, "", DeadLetterTopic(queue), deadLetterMessage(msg, attempt, reason)); err != nil {
				// 死信没写成功就走重试路径，下次再进死信
				_ = d.Nack(false, false)
				return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
			}
			return d.Ack(false)
		})
}

// attemptFromXDeath 主队列被 reject 的次数 + 1
func attemptFromXDeath(headers amqp.Table, queue string) int {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 1
	}
	for _, raw := range deaths {
		entry, ok := raw.(amqp.Table)
		if !ok {
			continue
		}
		if entry["queue"] != queue || entry["reason"] != "rejected" {
			continue
		}
		switch n := entry["count"].(type) {
		case int64:
			return int(n) + 1
		case int32:
			return int(n) + 1
		case int:
			return n + 1
		}
	}
	return 1
}

func stringHeaders(t amqp.Table) map[string]string {
	out := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok && k != headerMessageKey {
			out[k] = s
		}
	}
	return out
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	channels := r.channels
	r.channels = nil
	r.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	r.pubMu.Lock()
	_ = r.pubCh.Close()
	r.pubMu.Unlock()
	return r.conn.Close()
}
