package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const (
	defaultRabbitmqURL = "amqp://rabbitmq"

	DefaultMaxAttempts = 10
	DefaultRetryDelay  = 3000 * time.Millisecond
)

// Manager owns the single logical connection a process keeps to the broker.
// Its state machine is the only source of truth about whether the channel is usable.
type Manager struct {
	url         string
	maxAttempts int
	retryDelay  time.Duration
	exchange    Exchange
	dial        Dialer
	log         logrus.FieldLogger
	sleep       func(ctx context.Context, d time.Duration) error

	// serializes Establish calls
	establishMu sync.Mutex

	mu      sync.RWMutex
	state   State
	conn    Connection
	channel Channel
	done    chan struct{}
	closing bool
}

type Option func(*Manager)

func WithMaxAttempts(n int) Option {
	return func(m *Manager) { m.maxAttempts = n }
}

func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

func WithExchange(e Exchange) Option {
	return func(m *Manager) { m.exchange = e }
}

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

func NewManager(url string, opts ...Option) *Manager {
	if url == "" {
		url = defaultRabbitmqURL
	}
	m := &Manager{
		url:         url,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		exchange:    DefaultExchange,
		dial:        DialAMQP,
		log:         logrus.StandardLogger(),
		sleep:       sleepContext,
		done:        closedChan(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxAttempts < 1 {
		m.maxAttempts = 1
	}
	if m.retryDelay < 0 {
		m.retryDelay = 0
	}
	return m
}

/*
1. connection
2. channel over connection
3. exchange declare
4. close notifications
*/

// Establish connects to the broker, retrying up to maxAttempts times with a fixed
// delay between attempts. The returned channel has the exchange declared on it.
// Once every attempt fails the manager is Failed and the error matches ErrRetriesExhausted.
func (m *Manager) Establish(ctx context.Context) (Channel, error) {
	m.establishMu.Lock()
	defer m.establishMu.Unlock()

	m.mu.RLock()
	state, current := m.state, m.channel
	m.mu.RUnlock()
	switch state {
	case StateHealthy:
		return current, nil
	case StateFailed:
		return nil, fmt.Errorf("%w: connection manager has failed", ErrRetriesExhausted)
	}

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if m.isClosing() {
			m.setState(StateDisconnected)
			return nil, ErrManagerClosed
		}
		log := m.log.WithFields(logrus.Fields{"attempt": attempt, "max_attempts": m.maxAttempts})
		m.setState(StateConnecting)
		log.Infof("attempt %d/%d connecting to broker", attempt, m.maxAttempts)

		ch, err := m.connect()
		if err == nil {
			connectAttemptsTotal.WithLabelValues("success").Inc()
			log.WithField("exchange", m.exchange.Name).Info("connected to broker")
			return ch, nil
		}
		if err == ErrManagerClosed {
			m.setState(StateDisconnected)
			return nil, err
		}
		lastErr = err
		connectAttemptsTotal.WithLabelValues("failure").Inc()
		log.WithError(err).Errorf("broker connection attempt %d/%d failed", attempt, m.maxAttempts)
		m.setState(StateDisconnected)

		if attempt == m.maxAttempts {
			break
		}
		log.Infof("retrying in %s", m.retryDelay)
		if err := m.sleep(ctx, m.retryDelay); err != nil {
			return nil, fmt.Errorf("connect to broker: %w", err)
		}
	}

	m.setState(StateFailed)
	return nil, &RetriesExhaustedError{Attempts: m.maxAttempts, Err: lastErr}
}

func (m *Manager) connect() (Channel, error) {
	conn, err := m.dial(m.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := m.exchange.Declare(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}

	// buffered so the transport never blocks delivering the close reason
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	done := make(chan struct{})

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, ErrManagerClosed
	}
	m.conn = conn
	m.channel = ch
	m.done = done
	m.setStateLocked(StateHealthy)
	m.mu.Unlock()

	go m.watch(conn, connClosed, chanClosed, done)
	return ch, nil
}

// watch consumes the close notifications of one healthy session. A non-nil
// reason is the error event and is only logged; the close itself invalidates the channel.
func (m *Manager) watch(conn Connection, connClosed, chanClosed <-chan *amqp.Error, done chan struct{}) {
	var reason *amqp.Error
	source := "connection"
	select {
	case reason = <-connClosed:
	case reason = <-chanClosed:
		source = "channel"
	}

	m.mu.Lock()
	closing := m.closing
	if m.conn == conn {
		m.conn = nil
		m.channel = nil
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	log := m.log.WithField("source", source)
	if reason != nil {
		log.WithError(reason).Error("broker connection error")
	}
	if closing {
		log.Info("broker connection closed")
	} else {
		asyncDisconnectsTotal.Inc()
		log.Warn("broker connection closed, channel invalidated")
	}
	if source == "channel" {
		_ = conn.Close()
	}
	close(done)
}

// Supervise re-establishes the connection every time it is lost. It returns nil
// when ctx ends or the manager is closed, and the Establish error otherwise.
func (m *Manager) Supervise(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.Disconnected():
		}
		if ctx.Err() != nil || m.isClosing() {
			return nil
		}
		m.log.Warn("broker connection lost, reconnecting")
		if _, err := m.Establish(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Channel returns the current channel, or ErrNotConnected unless the manager is Healthy.
func (m *Manager) Channel() (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateHealthy || m.channel == nil {
		return nil, ErrNotConnected
	}
	return m.channel, nil
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Status() Status {
	state := m.State()
	return Status{
		State:    state,
		Healthy:  state == StateHealthy,
		Exchange: m.exchange.Name,
	}
}

func (m *Manager) Exchange() string {
	return m.exchange.Name
}

// Disconnected is closed when the current healthy session ends. It is already
// closed when the manager is not Healthy.
func (m *Manager) Disconnected() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// Close closes the connection and waits for the session to end. A closed
// manager never connects again, even when Close races an Establish in progress.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn, done := m.conn, m.done
	m.closing = true
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

func (m *Manager) isClosing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closing
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	connectionState.Set(float64(s))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
