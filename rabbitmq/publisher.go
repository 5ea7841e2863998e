package rabbitmq

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// EmptyMessagePlaceholder is sent in place of an empty notification.
const EmptyMessagePlaceholder = "Empty message"

// ChannelSource hands out the current channel. *Manager implements it.
type ChannelSource interface {
	Channel() (Channel, error)
	Exchange() string
}

// Receipt says the local channel accepted the message. It says nothing about delivery.
type Receipt struct {
	Accepted bool
	Text     string
}

type Publisher struct {
	source ChannelSource
	log    logrus.FieldLogger
}

func NewPublisher(source ChannelSource, log logrus.FieldLogger) *Publisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Publisher{source: source, log: log}
}

// Publish broadcasts text on the exchange without waiting for a confirmation.
// It fails with ErrNotConnected when there is no healthy channel and never queues.
func (p *Publisher) Publish(text string) (Receipt, error) {
	ch, err := p.source.Channel()
	if err != nil {
		publishRejectedTotal.WithLabelValues("not_connected").Inc()
		return Receipt{}, err
	}

	if text == "" {
		text = EmptyMessagePlaceholder
	}
	exchange := p.source.Exchange()
	err = ch.Publish(
		exchange,
		"",
		false,
		false,
		amqp.Publishing{Body: []byte(text)},
	)
	if err != nil {
		if isClosed(err) {
			publishRejectedTotal.WithLabelValues("not_connected").Inc()
			return Receipt{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		publishRejectedTotal.WithLabelValues("error").Inc()
		return Receipt{}, fmt.Errorf("publish to %q: %w", exchange, err)
	}

	publishedTotal.Inc()
	p.log.WithField("exchange", exchange).Infof("message sent: %s", text)
	return Receipt{Accepted: true, Text: text}, nil
}
