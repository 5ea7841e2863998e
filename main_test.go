package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeDing/fanout/rabbitmq"
	"github.com/CodeDing/fanout/rabbitmq/rabbitmqtest"
)

func useBroker(t *testing.T) *rabbitmqtest.Broker {
	t.Helper()
	broker := rabbitmqtest.NewBroker()
	dial = broker.Dial
	t.Cleanup(func() { dial = rabbitmq.DialAMQP })
	t.Setenv("RETRY_DELAY_MS", "1")
	t.Setenv("LOG_LEVEL", "panic")
	return broker
}

func waitForConsumer(t *testing.T, broker *rabbitmqtest.Broker) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, name := range broker.QueueNames() {
			if q, ok := broker.Queue(name); ok && q.Consumer != "" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRun_ExitsWithOneWhenRetriesExhausted(t *testing.T) {
	for _, args := range [][]string{
		{"fanout", "api"},
		{"fanout", "subscribe", "--handler", "log"},
	} {
		t.Run(args[1], func(t *testing.T) {
			broker := useBroker(t)
			broker.FailDials(100, nil)
			t.Setenv("MAX_RETRIES", "3")
			t.Setenv("PORT", "0")

			code := run(context.Background(), args)

			assert.Equal(t, 1, code)
			assert.Equal(t, 3, broker.Dials())
		})
	}
}

func TestRun_InvalidConfiguration(t *testing.T) {
	useBroker(t)
	t.Setenv("MAX_RETRIES", "0")

	assert.Equal(t, 1, run(context.Background(), []string{"fanout", "api"}))
}

func TestRun_UnknownHandler(t *testing.T) {
	broker := useBroker(t)

	assert.Equal(t, 1, run(context.Background(), []string{"fanout", "subscribe", "--handler", "sms"}))
	assert.Zero(t, broker.Dials())
}

func TestRun_WebsocketNeedsHTTPPort(t *testing.T) {
	useBroker(t)

	assert.Equal(t, 1, run(context.Background(), []string{"fanout", "subscribe", "--handler", "websocket"}))
}

func TestRun_SubscriberStopsCleanly(t *testing.T) {
	broker := useBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codes := make(chan int, 1)
	go func() { codes <- run(ctx, []string{"fanout", "subscribe", "--name", "audit"}) }()

	waitForConsumer(t, broker)
	names := broker.QueueNames()
	require.Len(t, names, 1)
	q, _ := broker.Queue(names[0])
	assert.True(t, q.Exclusive)
	assert.True(t, q.AutoAck)
	assert.Contains(t, q.Consumer, "audit-")

	cancel()
	select {
	case code := <-codes:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestRun_StopDuringConnectRetriesExitsZero(t *testing.T) {
	for _, args := range [][]string{
		{"fanout", "api"},
		{"fanout", "subscribe"},
	} {
		t.Run(args[1], func(t *testing.T) {
			broker := useBroker(t)
			broker.FailDials(1000, nil)
			t.Setenv("RETRY_DELAY_MS", "60000")
			t.Setenv("PORT", "0")
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			codes := make(chan int, 1)
			go func() { codes <- run(ctx, args) }()
			require.Eventually(t, func() bool { return broker.Dials() == 1 }, 2*time.Second, 5*time.Millisecond)

			cancel()
			select {
			case code := <-codes:
				assert.Equal(t, 0, code)
			case <-time.After(5 * time.Second):
				t.Fatal("process did not stop")
			}
			assert.Equal(t, 1, broker.Dials())
		})
	}
}

func TestRun_SubscriberIdlesAfterConnectionLoss(t *testing.T) {
	broker := useBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codes := make(chan int, 1)
	go func() { codes <- run(ctx, []string{"fanout", "subscribe"}) }()
	waitForConsumer(t, broker)

	broker.Drop(nil)

	select {
	case <-codes:
		t.Fatal("subscriber exited after losing the connection")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, broker.Dials())

	cancel()
	assert.Equal(t, 0, <-codes)
}
