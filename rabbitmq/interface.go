package rabbitmq

import "github.com/streadway/amqp"

//Exchange, queue, binding
/*
  Every process owns one Connection and one Channel over it.
  The exchange is fanout: routing keys are ignored and every bound queue gets a copy.
*/

// Dialer opens a transport connection to the broker at url.
type Dialer func(url string) (Connection, error)

// Connection is the part of an AMQP connection the Manager uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Channel is the part of an AMQP channel the roles use. *amqp.Channel satisfies it.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Handler performs the side effect of a subscriber for one delivered payload.
type Handler func(body []byte) error
