// Package sink holds the side effects a subscriber can perform with a
// delivered notification. Each one is exposed as a rabbitmq.Handler.
package sink
