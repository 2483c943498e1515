package broker

import (
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ---------------------------------------------------------------------------
// Acknowledger
// ---------------------------------------------------------------------------

type nackCall struct {
	tag     uint64
	requeue bool
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []nackCall
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, nackCall{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) ackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks)
}

func (a *fakeAcknowledger) nackCalls() []nackCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]nackCall, len(a.nacks))
	copy(out, a.nacks)
	return out
}

// ---------------------------------------------------------------------------
// Channel
// ---------------------------------------------------------------------------

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	queues     map[string]amqp.Table
	bindings   []Binding
	prefetch   int
	consumers  map[string]chan amqp.Delivery
	consumeN   int
	notify     []chan *amqp.Error
	closed     bool
	declareErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		queues:    make(map[string]amqp.Table),
		consumers: make(map[string]chan amqp.Delivery),
	}
}

func (c *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return c.declareErr
	}
	c.exchanges = append(c.exchanges, name)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, Binding{Exchange: exchange, Queue: name, RoutingKey: key})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := make(chan amqp.Delivery, 16)
	c.consumers[queue] = ch
	c.consumeN++
	return ch, nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeChannel) Close() error {
	return c.shutdown(nil)
}

// fail 模拟服务端只关闭 channel，连接保持打开
func (c *fakeChannel) fail() {
	_ = c.shutdown(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - unknown delivery tag 7"})
}

func (c *fakeChannel) shutdown(err *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.consumers {
		close(ch)
	}
	receivers := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, r := range receivers {
		if err != nil {
			r <- err
		}
		close(r)
	}
	return nil
}

func (c *fakeChannel) consumeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumeN
}

func (c *fakeChannel) deliver(queue string, d amqp.Delivery) bool {
	c.mu.Lock()
	ch, ok := c.consumers[queue]
	closed := c.closed
	c.mu.Unlock()
	if !ok || closed {
		return false
	}
	ch <- d
	return true
}

// ---------------------------------------------------------------------------
// Connection / Dialer
// ---------------------------------------------------------------------------

type fakeConnection struct {
	mu      sync.Mutex
	channel *fakeChannel
	notify  []chan *amqp.Error
	closed  bool
}

func (c *fakeConnection) Channel() (Channel, error) {
	return c.channel, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	return c.shutdown(nil)
}

// drop 模拟服务端关闭连接
func (c *fakeConnection) drop() {
	_ = c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"})
}

func (c *fakeConnection) shutdown(err *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	receivers := c.notify
	c.notify = nil
	c.mu.Unlock()

	_ = c.channel.Close()
	for _, r := range receivers {
		if err != nil {
			r <- err
		}
		close(r)
	}
	return nil
}

type fakeBroker struct {
	mu        sync.Mutex
	conns     []*fakeConnection
	dials     int
	failNext  int
	dialDelay time.Duration
}

func (b *fakeBroker) dial(string) (Connection, error) {
	b.mu.Lock()
	delay := b.dialDelay
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failNext > 0 {
		b.failNext--
		return nil, errors.New("dial tcp: connection refused")
	}

	conn := &fakeConnection{channel: newFakeChannel()}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) setFailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

func (b *fakeBroker) setDialDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialDelay = d
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBroker) conn(i int) *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[i]
}

func (b *fakeBroker) last() *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}
