package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/d60-Lab/storefront/pkg/logger"
)

const headerMessageID = "x-message-id"

// Kafka 每个 reader 同一时间只有一条在途投递，结算后才提交 offset，
// 提交不会越过未结算的消息。重投 = 带 x-attempt / x-not-before 头回写原 topic。
type Kafka struct {
	brokers []string
	writer  *kafka.Writer
	opts    Options

	mu     sync.Mutex
	closed bool
}

func NewKafka(brokers []string, opts Options) *Kafka {
	return &Kafka{
		brokers: brokers,
		opts:    opts.withDefaults(),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

func (k *Kafka) Publish(ctx context.Context, topic string, msg Message) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := k.writer.WriteMessages(ctx, toKafka(topic, msg)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConfirmed, err)
	}
	return nil
}

func toKafka(topic string, msg Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+1)
	headers = append(headers, kafka.Header{Key: headerMessageID, Value: []byte(msg.ID)})
	for key, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: headers,
		Time:    time.Now().UTC(),
	}
}

// fromKafka 返回消息、尝试次数和最早可处理时间
func fromKafka(m kafka.Message) (Message, int, time.Time) {
	msg := Message{Key: string(m.Key), Body: m.Value, Headers: map[string]string{}}
	attempt := 1
	var notBefore time.Time
	for _, h := range m.Headers {
		v := string(h.Value)
		switch h.Key {
		case headerMessageID:
			msg.ID = v
			continue
		case HeaderAttempt:
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				attempt = n
			}
		case HeaderNotBefore:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				notBefore = t
			}
		}
		msg.Headers[h.Key] = v
	}
	return msg, attempt, notBefore
}

func retryMessage(topic string, msg Message, attempt int, delay time.Duration, now time.Time) kafka.Message {
	headers := make(map[string]string, len(msg.Headers)+2)
	for key, v := range msg.Headers {
		headers[key] = v
	}
	headers[HeaderAttempt] = strconv.Itoa(attempt)
	headers[HeaderNotBefore] = now.Add(delay).UTC().Format(time.RFC3339Nano)
	return toKafka(topic, Message{ID: msg.ID, Key: msg.Key, Body: msg.Body, Headers: headers})
}

func (k *Kafka) Subscribe(ctx context.Context, topic, group string) (<-chan *Delivery, error) {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		GroupID:     group,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		defer reader.Close()
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("kafka fetch failed", zap.String("topic", topic), zap.Error(err))
				}
				return
			}

			msg, attempt, notBefore := fromKafka(m)
			if wait := time.Until(notBefore); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}

			done := make(chan bool, 1)
			d := k.delivery(reader, m, msg, attempt, done)
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
			// 等待结算，保证 offset 按顺序提交
			if ok := <-done; !ok {
				logger.Error("kafka settle failed, closing subscription",
					zap.String("topic", topic), zap.String("message_id", msg.ID))
				return
			}
		}
	}()
	return out, nil
}

func (k *Kafka) delivery(reader *kafka.Reader, m kafka.Message, msg Message, attempt int, done chan<- bool) *Delivery {
	commit := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return reader.CommitMessages(ctx, m)
	}
	forward := func(out kafka.Message) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := k.writer.WriteMessages(ctx, out); err != nil {
			return err
		}
		return commit()
	}

	return NewDelivery(msg, attempt,
		func() error {
			err := commit()
			done <- err == nil
			return err
		},
		func(requeue bool, reason string) error {
			var err error
			if requeue && attempt < k.opts.MaxAttempts {
				err = forward(retryMessage(m.Topic, msg, attempt+1, k.opts.RetryDelay, time.Now()))
			} else {
				err = forward(toKafka(DeadLetterTopic(m.Topic), deadLetterMessage(msg, attempt, reason)))
			}
			done <- err == nil
			return err
		})
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()
	return k.writer.Close()
}
