package sink

import (
	"github.com/sirupsen/logrus"

	"github.com/CodeDing/fanout/rabbitmq"
)

// NewLogHandler records every notification as a log entry.
func NewLogHandler(log logrus.FieldLogger) rabbitmq.Handler {
	return func(body []byte) error {
		log.WithField("bytes", len(body)).Infof("recording message: %s", body)
		return nil
	}
}
