package rabbitmq

import (
	"fmt"

	"github.com/streadway/amqp"
)

// Exchange describes the broadcast exchange both roles declare.
type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

// DefaultExchange is the non-durable fanout exchange notifications go through.
var DefaultExchange = Exchange{
	Name:    "notifications",
	Kind:    amqp.ExchangeFanout,
	Durable: false,
}

// Declare ensures the exchange exists. Declaring it again with the same
// parameters is a no-op on the broker.
func (e Exchange) Declare(ch Channel) error {
	kind := e.Kind
	if kind == "" {
		kind = amqp.ExchangeFanout
	}
	//name, kind string, durable, autoDelete, internal, noWait bool, args Table
	err := ch.ExchangeDeclare(
		e.Name,
		kind,
		e.Durable,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare exchange %q: %w", e.Name, err)
	}
	return nil
}

// DeclareSubscriberQueue creates a server-named, exclusive, non-durable queue
// and binds it to exchange with an empty routing key. It returns the queue name.
func DeclareSubscriberQueue(ch Channel, exchange string) (string, error) {
	//name string, durable, autoDelete, exclusive, noWait bool, args Table
	q, err := ch.QueueDeclare(
		"",
		false,
		false,
		true,
		false,
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("declare subscriber queue: %w", err)
	}
	//queue, key, exchange, noWait, args
	err = ch.QueueBind(
		q.Name,
		"",
		exchange,
		false,
		nil,
	)
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("bind queue %s to %q: %w", q.Name, exchange, ErrExchangeNotDeclared)
		}
		return "", fmt.Errorf("bind queue %s to %q: %w", q.Name, exchange, err)
	}
	return q.Name, nil
}
