package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogHandler(t *testing.T) {
	logger, hook := test.NewNullLogger()

	err := NewLogHandler(logger)([]byte("disk almost full"))

	require.NoError(t, err)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "recording message: disk almost full", entry.Message)
	assert.Equal(t, 16, entry.Data["bytes"])
}

type sentMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func TestEmail_DryRunWithoutSMTPHost(t *testing.T) {
	logger, hook := test.NewNullLogger()
	email, err := NewEmail(EmailConfig{}, logger)
	require.NoError(t, err)
	email.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("must not send without SMTP host")
		return nil
	}

	require.NoError(t, email.Handle([]byte("hello")))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "sending email with message: hello", entry.Message)
	assert.Equal(t, true, entry.Data["dry_run"])
}

func TestEmail_SendsRenderedMessage(t *testing.T) {
	logger, _ := test.NewNullLogger()
	email, err := NewEmail(EmailConfig{
		Host: "smtp.example.com",
		User: "bot",
		Pass: "secret",
		From: "alerts@example.com",
		To:   []string{"ops@example.com", "dev@example.com"},
	}, logger)
	require.NoError(t, err)
	email.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	var sent []sentMail
	email.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr, a, from, to, string(msg)})
		return nil
	}

	require.NoError(t, email.Handle([]byte("Database down\nprimary unreachable")))

	require.Len(t, sent, 1)
	m := sent[0]
	assert.Equal(t, "smtp.example.com:587", m.addr)
	assert.NotNil(t, m.auth)
	assert.Equal(t, "alerts@example.com", m.from)
	assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, m.to)
	assert.Contains(t, m.msg, "Subject: Notification: Database down\r\n")
	assert.Contains(t, m.msg, "To: ops@example.com, dev@example.com\r\n")
	assert.Contains(t, m.msg, "Date: Fri, 02 Jan 2026 03:04:05 +0000\r\n")
	assert.True(t, strings.HasSuffix(m.msg, "\r\n\r\nDatabase down\r\nprimary unreachable\r\n"))
}

func TestEmail_NoAuthWithoutUser(t *testing.T) {
	logger, _ := test.NewNullLogger()
	email, err := NewEmail(EmailConfig{Host: "mail", Port: "25", To: []string{"ops@example.com"}}, logger)
	require.NoError(t, err)

	var got sentMail
	email.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		got = sentMail{addr: addr, auth: a}
		return nil
	}

	require.NoError(t, email.Handle([]byte("x")))
	assert.Equal(t, "mail:25", got.addr)
	assert.Nil(t, got.auth)
}

func TestEmail_SendErrorIsReturned(t *testing.T) {
	logger, _ := test.NewNullLogger()
	email, err := NewEmail(EmailConfig{Host: "mail", To: []string{"ops@example.com"}}, logger)
	require.NoError(t, err)
	email.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	err = email.Handle([]byte("x"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "send email via mail:587")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestNewEmail_RequiresRecipientsWithHost(t *testing.T) {
	_, err := NewEmail(EmailConfig{Host: "mail"}, logrus.New())
	assert.Equal(t, errNoRecipients, err)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "Notification: hello", subject("  hello  "))
	assert.Equal(t, "Notification: first", subject("first\r\nBcc: victim@example.com"))
	long := strings.Repeat("é", 70)
	assert.Equal(t, "Notification: "+strings.Repeat("é", 60)+"...", subject(long))
}

type fakeListStore struct {
	pushed  [][]interface{}
	trimmed [][2]int64
	key     string
	pushErr error
}

func (f *fakeListStore) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.key = key
	f.pushed = append(f.pushed, values)
	return redis.NewIntResult(int64(len(f.pushed)), f.pushErr)
}

func (f *fakeListStore) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	f.trimmed = append(f.trimmed, [2]int64{start, stop})
	return redis.NewStatusResult("OK", nil)
}

func TestJournal_PushesAndTrims(t *testing.T) {
	store := &fakeListStore{}
	journal := NewJournal(store, "notifications:log", 100)
	journal.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, journal.Handle([]byte("backup finished")))

	assert.Equal(t, "notifications:log", store.key)
	require.Len(t, store.pushed, 1)
	require.Len(t, store.pushed[0], 1)
	raw, ok := store.pushed[0][0].([]byte)
	require.True(t, ok)
	var entry JournalEntry
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, "backup finished", entry.Message)
	assert.True(t, entry.ReceivedAt.Equal(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, [][2]int64{{0, 99}}, store.trimmed)
}

func TestJournal_UnboundedSkipsTrim(t *testing.T) {
	store := &fakeListStore{}

	require.NoError(t, NewJournal(store, "k", 0).Handle([]byte("x")))

	assert.Empty(t, store.trimmed)
}

func TestJournal_PushErrorIsReturned(t *testing.T) {
	store := &fakeListStore{pushErr: errors.New("READONLY")}

	err := NewJournal(store, "k", 10).Handle([]byte("x"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal lpush k")
	assert.Empty(t, store.trimmed)
}

func TestHub_BroadcastsToConnectedClients(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	var clients []*websocket.Conn
	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()
		clients = append(clients, conn)
	}
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Handle([]byte("deploy done")))

	for _, conn := range clients {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		kind, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		assert.Equal(t, "deploy done", string(msg))
	}
}

func TestHub_ForgetsDisconnectedClients(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, hub.Handle([]byte("nobody listening")))
}
