package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Subscriber receives every broadcast on a private queue and hands each payload
// to its handler. Deployments differ only in the handler they inject.
type Subscriber struct {
	name      string
	manager   *Manager
	handler   Handler
	log       logrus.FieldLogger
	reconnect bool
}

type SubscriberOption func(*Subscriber)

// WithReconnect makes Run establish a new connection after the broker drops it.
// Without it a lost connection ends Run with ErrConnectionClosed.
func WithReconnect(enabled bool) SubscriberOption {
	return func(s *Subscriber) { s.reconnect = enabled }
}

func WithSubscriberLogger(l logrus.FieldLogger) SubscriberOption {
	return func(s *Subscriber) { s.log = l }
}

func NewSubscriber(name string, manager *Manager, handler Handler, opts ...SubscriberOption) (*Subscriber, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	s := &Subscriber{
		name:    name,
		manager: manager,
		handler: handler,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("subscriber", name)
	return s, nil
}

// Run connects, declares the private queue and consumes until ctx ends.
// Stopping ctx while still connecting is a clean stop, not an error.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		ch, err := s.manager.Establish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		queue, err := DeclareSubscriberQueue(ch, s.manager.Exchange())
		if err != nil {
			return err
		}
		s.log.WithField("queue", queue).Info("connected, waiting for messages")

		err = s.StartConsuming(ctx, ch, queue)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !s.reconnect {
			return err
		}
		s.log.WithError(err).Warn("lost broker connection, reconnecting")
		select {
		case <-s.manager.Disconnected():
		case <-ctx.Done():
			return nil
		}
	}
}

// StartConsuming delivers every message arriving on queue to the handler, one
// at a time in arrival order. Acknowledgement is automatic, so a failing handler
// loses the message. It returns ErrConnectionClosed when deliveries stop and nil
// when ctx ends.
func (s *Subscriber) StartConsuming(ctx context.Context, ch Channel, queue string) error {
	//queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table
	deliveries, err := ch.Consume(queue, s.consumerTag(), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrConnectionClosed
			}
			s.handle(d)
		}
	}
}

func (s *Subscriber) handle(d amqp.Delivery) {
	deliveredTotal.WithLabelValues(s.name).Inc()
	start := time.Now()
	defer func() {
		handlerDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			s.handlerFailed(fmt.Errorf("%w: panic: %v", ErrHandlerFailure, r))
		}
	}()

	if err := s.handler(d.Body); err != nil {
		s.handlerFailed(fmt.Errorf("%w: %v", ErrHandlerFailure, err))
	}
}

func (s *Subscriber) handlerFailed(err error) {
	handlerFailuresTotal.WithLabelValues(s.name).Inc()
	s.log.WithError(err).WithField("failure", "handler").Error("message lost: handler failed after automatic ack")
}

func (s *Subscriber) consumerTag() string {
	return fmt.Sprintf("%s-%s", s.name, uuid.NewString())
}
