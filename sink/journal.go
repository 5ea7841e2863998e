package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const journalTimeout = 5 * time.Second

// ListStore is the part of a redis client the journal needs. *redis.Client implements it.
type ListStore interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
}

// JournalEntry is one notification as stored in the redis list.
type JournalEntry struct {
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// Journal keeps the most recent notifications in a capped redis list, newest first.
type Journal struct {
	store      ListStore
	key        string
	maxEntries int64
	now        func() time.Time
}

func NewJournal(store ListStore, key string, maxEntries int64) *Journal {
	return &Journal{
		store:      store,
		key:        key,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Handle is the rabbitmq.Handler of the journal sink.
func (j *Journal) Handle(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	item, err := json.Marshal(JournalEntry{Message: string(body), ReceivedAt: j.now().UTC()})
	if err != nil {
		return err
	}
	if err := j.store.LPush(ctx, j.key, item).Err(); err != nil {
		return fmt.Errorf("journal lpush %s: %w", j.key, err)
	}
	if j.maxEntries > 0 {
		if err := j.store.LTrim(ctx, j.key, 0, j.maxEntries-1).Err(); err != nil {
			return fmt.Errorf("journal ltrim %s: %w", j.key, err)
		}
	}
	return nil
}

// DialRedis connects to redis and checks the connection with a PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}
