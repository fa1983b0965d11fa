package broker

import (
	"context"
	"sync"
	"time"
)

type envelope struct {
	msg     Message
	attempt int
}

type memGroup struct {
	pending []envelope
	signal  chan struct{}
	dead    []Message
}

type memTopic struct {
	published []Message
	groups    map[string]*memGroup
}

// Memory 进程内 broker，语义与真实实现一致，用于测试和压测
type Memory struct {
	opts Options

	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts.withDefaults(), topics: map[string]*memTopic{}}
}

func (m *Memory) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{groups: map[string]*memGroup{}}
		m.topics[name] = t
	}
	return t
}

// group 首次出现的消费组会收到该 topic 历史上发布过的全部消息
func (m *Memory) group(topic, name string) *memGroup {
	t := m.topic(topic)
	g, ok := t.groups[name]
	if !ok {
		g = &memGroup{signal: make(chan struct{}, 1)}
		for _, msg := range t.published {
			g.pending = append(g.pending, envelope{msg: msg, attempt: 1})
		}
		t.groups[name] = g
	}
	return g
}

func (g *memGroup) push(env envelope, front bool) {
	if front {
		g.pending = append([]envelope{env}, g.pending...)
	} else {
		g.pending = append(g.pending, env)
	}
	select {
	case g.signal <- struct{}{}:
	default:
	}
}

func (m *Memory) Publish(ctx context.Context, topic string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	t := m.topic(topic)
	t.published = append(t.published, msg)
	for _, g := range t.groups {
		g.push(envelope{msg: msg, attempt: 1}, false)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic, group string) (<-chan *Delivery, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	g := m.group(topic, group)
	m.mu.Unlock()

	out := make(chan *Delivery)
	go m.pump(ctx, topic, g, out)
	return out, nil
}

func (m *Memory) pump(ctx context.Context, topic string, g *memGroup, out chan<- *Delivery) {
	defer close(out)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if len(g.pending) == 0 {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-g.signal:
				continue
			}
		}
		env := g.pending[0]
		g.pending = g.pending[1:]
		m.mu.Unlock()

		d := m.delivery(topic, g, env)
		select {
		case out <- d:
		case <-ctx.Done():
			// 没送出去的放回队首，不计入重投次数
			m.mu.Lock()
			g.push(env, true)
			m.mu.Unlock()
			return
		}
	}
}

func (m *Memory) delivery(topic string, g *memGroup, env envelope) *Delivery {
	return NewDelivery(env.msg, env.attempt,
		func() error { return nil },
		func(requeue bool, reason string) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if !requeue || env.attempt >= m.opts.MaxAttempts {
				g.dead = append(g.dead, deadLetterMessage(env.msg, env.attempt, reason))
				return nil
			}
			next := envelope{msg: env.msg, attempt: env.attempt + 1}
			if m.opts.RetryDelay <= 0 {
				g.push(next, false)
				return nil
			}
			time.AfterFunc(m.opts.RetryDelay, func() {
				m.mu.Lock()
				defer m.mu.Unlock()
				if !m.closed {
					g.push(next, false)
				}
			})
			return nil
		})
}

// DeadLetters 返回某消费组死信队列的快照
func (m *Memory) DeadLetters(topic, group string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return nil
	}
	g, ok := t.groups[group]
	if !ok {
		return nil
	}
	return append([]Message(nil), g.dead...)
}

// Published 返回 topic 上发布过的全部消息
func (m *Memory) Published(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return nil
	}
	return append([]Message(nil), t.published...)
}

// Pending 消费组里等待投递的消息数（不含延迟重投中的）
func (m *Memory) Pending(topic, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return 0
	}
	if g, ok := t.groups[group]; ok {
		return len(g.pending)
	}
	return 0
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, t := range m.topics {
		for _, g := range t.groups {
			select {
			case g.signal <- struct{}{}:
			default:
			}
		}
	}
	m.mu.Unlock()
	return nil
}
