// Package broker catalog 与 basket 之间的持久化消息中间件抽象：
// 确认式发布、按消费组订阅、显式 ack/nack、延迟重投与死信队列。
package broker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/d60-Lab/storefront/internal/event"
)

var (
	// ErrClosed broker 已关闭
	ErrClosed = errors.New("broker closed")
	// ErrNotConfirmed broker 未确认持久化（nack 或确认超时）
	ErrNotConfirmed = errors.New("publish not confirmed by broker")
	// ErrAlreadySettled 同一条投递重复 ack/nack
	ErrAlreadySettled = errors.New("delivery already settled")
)

// 消息头
const (
	HeaderEventType   = "x-event-type"
	HeaderAttempt     = "x-attempt"
	HeaderAttempts    = "x-attempts"
	HeaderLastFailure = "x-last-failure"
	HeaderNotBefore   = "x-not-before"
)

// Message 传输层消息
type Message struct {
	ID      string
	Key     string
	Body    []byte
	Headers map[string]string
}

// Publisher 返回 nil 表示 broker 已确认持久化
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// Subscriber 以消费组订阅 topic；ctx 结束或连接断开时关闭返回的 channel
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string) (<-chan *Delivery, error)
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// Options 重投策略
type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Prefetch    int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 1
	}
	return o
}

// Delivery 一次投递。必须恰好 Ack 或 Nack 一次。
type Delivery struct {
	Message
	Attempt int // 从 1 开始

	mu      sync.Mutex
	settled bool
	ack     func() error
	nack    func(requeue bool, reason string) error
}

// NewDelivery 供各实现及测试构造投递
func NewDelivery(msg Message, attempt int, ack func() error, nack func(requeue bool, reason string) error) *Delivery {
	return &Delivery{Message: msg, Attempt: attempt, ack: ack, nack: nack}
}

func (d *Delivery) settle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	return true
}

// Ack 确认处理完成
func (d *Delivery) Ack() error {
	if !d.settle() {
		return ErrAlreadySettled
	}
	return d.ack()
}

// Nack requeue=true 延迟重投，达到最大次数后进入死信；requeue=false 直接死信
func (d *Delivery) Nack(requeue bool, reason string) error {
	if !d.settle() {
		return ErrAlreadySettled
	}
	return d.nack(requeue, reason)
}

// deadLetterMessage 构造死信消息：正文合并 attempts / lastFailureReason
func deadLetterMessage(msg Message, attempts int, reason string) Message {
	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderAttempts] = strconv.Itoa(attempts)
	headers[HeaderLastFailure] = reason
	delete(headers, HeaderNotBefore)
	return Message{
		ID:      msg.ID,
		Key:     msg.Key,
		Body:    event.DeadLetterBody(msg.Body, attempts, reason, time.Now()),
		Headers: headers,
	}
}

// DeadLetterTopic 死信目的地命名
func DeadLetterTopic(name string) string { return name + ".dlq" }
