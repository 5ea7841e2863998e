// Package rabbitmqtest provides an in-memory broker with fanout semantics for
// exercising the rabbitmq package without a RabbitMQ server.
package rabbitmqtest

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/CodeDing/fanout/rabbitmq"
)

// ErrUnreachable is returned by Dial while the broker is configured to fail.
var ErrUnreachable = errors.New("rabbitmqtest: broker unreachable")

const queueBuffer = 256

type exchange struct {
	kind     string
	durable  bool
	bindings []string
}

type queue struct {
	name       string
	durable    bool
	exclusive  bool
	owner      *Conn
	deliveries chan amqp.Delivery
	consumer   string
	autoAck    bool
	exchanges  []string
}

// QueueInfo describes a declared queue.
type QueueInfo struct {
	Name      string
	Durable   bool
	Exclusive bool
	Exchanges []string
	Consumer  string
	AutoAck   bool
}

// Broker is an in-memory stand-in for RabbitMQ.
type Broker struct {
	mu        sync.Mutex
	failDials int
	dialErr   error
	urls      []string
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}
	published []amqp.Publishing
	dropped   int
}

func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
}

// FailDials makes the next n dials fail with err (ErrUnreachable when nil).
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = ErrUnreachable
	}
	b.failDials = n
	b.dialErr = err
}

// Dial implements rabbitmq.Dialer.
func (b *Broker) Dial(url string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.urls = append(b.urls, url)
	if b.failDials > 0 {
		b.failDials--
		return nil, b.dialErr
	}
	c := &Conn{broker: b}
	b.conns[c] = struct{}{}
	return c, nil
}

// Dials returns how many times Dial was called.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.urls)
}

// URLs returns the url of every Dial call.
func (b *Broker) URLs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.urls...)
}

// ExchangeCount returns the number of declared exchanges.
func (b *Broker) ExchangeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exchanges)
}

// Exchange returns the kind and durability of a declared exchange.
func (b *Broker) Exchange(name string) (kind string, durable bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return "", false, false
	}
	return ex.kind, ex.durable, true
}

// Queue describes a declared queue.
func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	return QueueInfo{
		Name:      q.name,
		Durable:   q.durable,
		Exclusive: q.exclusive,
		Exchanges: append([]string(nil), q.exchanges...),
		Consumer:  q.consumer,
		AutoAck:   q.autoAck,
	}, true
}

// QueueCount returns the number of live queues.
func (b *Broker) QueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// QueueNames returns the names of the live queues.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Published returns every message accepted by an exchange.
func (b *Broker) Published() []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Publishing(nil), b.published...)
}

// Dropped returns how many deliveries were discarded because a queue buffer was full.
func (b *Broker) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Connections returns the number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Drop closes every open connection from the broker side with reason.
// A nil reason simulates a graceful close.
func (b *Broker) Drop(reason *amqp.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.shutdownLocked(reason)
	}
}

// Conn is a fake connection.
type Conn struct {
	broker   *Broker
	closed   bool
	notify   []chan *amqp.Error
	channels []*Chan
}

func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Chan{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

func (c *Conn) shutdownLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	b := c.broker
	delete(b.conns, c)

	for _, ch := range c.channels {
		ch.shutdownLocked(reason)
	}
	for name, q := range b.queues {
		if q.owner != c {
			continue
		}
		for _, exName := range q.exchanges {
			if ex, ok := b.exchanges[exName]; ok {
				ex.bindings = remove(ex.bindings, name)
			}
		}
		close(q.deliveries)
		delete(b.queues, name)
	}
	notifyLocked(c.notify, reason)
	c.notify = nil
}

// Chan is a fake channel.
type Chan struct {
	conn   *Conn
	closed bool
	notify []chan *amqp.Error
}

func (ch *Chan) usableLocked() error {
	if ch.closed || ch.conn.closed {
		return amqp.ErrClosed
	}
	return nil
}

func (ch *Chan) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.usableLocked(); err != nil {
		return err
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg for exchange '" + name + "'"}
		}
		return nil
	}
	b.exchanges[name] = &exchange{kind: kind, durable: durable}
	return nil
}

func (ch *Chan) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.usableLocked(); err != nil {
		return amqp.Queue{}, err
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	if q, ok := b.queues[name]; ok {
		return amqp.Queue{Name: q.name}, nil
	}
	q := &queue{
		name:       name,
		durable:    durable,
		exclusive:  exclusive,
		deliveries: make(chan amqp.Delivery, queueBuffer),
	}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

func (ch *Chan) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.usableLocked(); err != nil {
		return err
	}
	q, ok := b.queues[name]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchangeName + "'"}
	}
	for _, bound := range ex.bindings {
		if bound == name {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, name)
	q.exchanges = append(q.exchanges, exchangeName)
	return nil
}

// Publish copies msg to every queue bound to the exchange. Routing keys are ignored.
func (ch *Chan) Publish(exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.usableLocked(); err != nil {
		return err
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchangeName + "'"}
	}
	b.published = append(b.published, msg)
	for _, name := range ex.bindings {
		q := b.queues[name]
		body := append([]byte(nil), msg.Body...)
		select {
		case q.deliveries <- amqp.Delivery{
			Exchange:    exchangeName,
			RoutingKey:  key,
			ContentType: msg.ContentType,
			Body:        body,
		}:
		default:
			b.dropped++
		}
	}
	return nil
}

func (ch *Chan) Consume(queueName, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.usableLocked(); err != nil {
		return nil, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queueName + "'"}
	}
	if q.owner != nil && q.owner != ch.conn {
		return nil, &amqp.Error{Code: amqp.ResourceLocked, Reason: "RESOURCE_LOCKED - exclusive queue '" + queueName + "'"}
	}
	if q.consumer != "" {
		return nil, &amqp.Error{Code: amqp.AccessRefused, Reason: "queue '" + queueName + "' already has a consumer"}
	}
	q.consumer = consumer
	q.autoAck = autoAck
	return q.deliveries, nil
}

func (ch *Chan) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *Chan) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked(nil)
	return nil
}

func (ch *Chan) shutdownLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	notifyLocked(ch.notify, reason)
	ch.notify = nil
}

func notifyLocked(receivers []chan *amqp.Error, reason *amqp.Error) {
	for _, r := range receivers {
		if reason != nil {
			select {
			case r <- reason:
			default:
			}
		}
		close(r)
	}
}

func remove(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
