package rabbitmq

import (
	"regexp"

	"github.com/streadway/amqp"
)

var rabbitURLRegx = regexp.MustCompile("^amqp(s)?://.*")

type amqpConnection struct {
	*amqp.Connection
}

// DialAMQP is the Dialer backed by a real RabbitMQ connection.
func DialAMQP(url string) (Connection, error) {
	if !rabbitURLRegx.MatchString(url) {
		return nil, ErrInvalidURL
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn}, nil
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ValidURL reports whether url looks like an amqp:// or amqps:// broker URL.
func ValidURL(url string) bool {
	return rabbitURLRegx.MatchString(url)
}
