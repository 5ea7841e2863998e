package rabbitmq

import (
	"errors"
	"fmt"

	"github.com/streadway/amqp"
)

var (
	ErrNotConnected        = errors.New("not connected to broker")
	ErrRetriesExhausted    = errors.New("broker connection retries exhausted")
	ErrConnectionClosed    = errors.New("broker connection closed")
	ErrExchangeNotDeclared = errors.New("exchange not declared")
	ErrHandlerFailure      = errors.New("message handler failed")
	ErrInvalidURL          = errors.New("broker url must start with amqp:// or amqps://")
	ErrHandlerRequired     = errors.New("subscriber handler is required")
	ErrManagerClosed       = errors.New("connection manager closed")
)

// RetriesExhaustedError is returned by Establish once every attempt has failed.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("could not connect to broker after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// isClosed reports whether err means the channel or connection is gone.
func isClosed(err error) bool {
	if err == amqp.ErrClosed {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.ChannelError || amqpErr.Code == amqp.ConnectionForced
	}
	return false
}

func isNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}
