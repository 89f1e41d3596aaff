// Package redisindex persists a fleeting.Index as a Redis hash mapping blob
// IDs to expiry times in Unix milliseconds.
package redisindex

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"impractical.co/fleeting"
	"yall.in"
)

// DefaultKey is the hash the index is stored in when Config.Key is empty.
const DefaultKey = "fleeting:index"

// LockTTL is how long a lock outlives a holder that stopped refreshing it,
// for example because it crashed.
const LockTTL = 30 * time.Second

var (
	_ fleeting.Index  = &Index{}
	_ fleeting.Locker = &Index{}

	// the lock is only ever touched by whoever holds its token
	refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Config holds the Redis connection settings for an Index.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Key == "" {
		c.Key = DefaultKey
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redisindex: addr is required")
	}
	if c.DB < 0 {
		return fmt.Errorf("redisindex: db must not be negative")
	}
	return nil
}

// Index is a fleeting.Index stored in a single Redis hash.
type Index struct {
	rdb *goredis.Client
	key string

	mu          sync.Mutex
	token       string
	stopRefresh context.CancelFunc
	refreshDone chan struct{}
}

// New connects to the Redis server described by cfg and verifies the
// connection.
func New(ctx context.Context, cfg Config) (*Index, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("error connecting to redis at %s: %w", cfg.Addr, err)
	}
	yall.FromContext(ctx).WithField("redisindex.addr", cfg.Addr).
		WithField("redisindex.key", cfg.Key).Debug("[redisindex] connected")
	return &Index{rdb: rdb, key: cfg.Key}, nil
}

// Close releases the Redis connection pool. A lock still held is left to
// expire.
func (i *Index) Close() error {
	i.mu.Lock()
	i.stop()
	i.mu.Unlock()
	return i.rdb.Close()
}

// LockKey returns the key holding the index's lock.
func (i *Index) LockKey() string {
	return i.key + ":lock"
}

// Lock claims the index, failing with fleeting.ErrIndexLocked if another
// Index, in this process or any other, holds it. The lock is refreshed in
// the background until Unlock or Close.
func (i *Index) Lock(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.token != "" {
		return fmt.Errorf("%s already held: %w", i.LockKey(), fleeting.ErrIndexLocked)
	}
	log := yall.FromContext(ctx).WithField("redisindex.lock", i.LockKey())

	token := uuid.NewString()
	ok, err := i.rdb.SetNX(ctx, i.LockKey(), token, LockTTL).Result()
	if err != nil {
		return fmt.Errorf("error locking %s: %w", i.LockKey(), err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", i.LockKey(), fleeting.ErrIndexLocked)
	}
	i.token = token

	refreshCtx, cancel := context.WithCancel(yall.InContext(context.Background(), log))
	i.stopRefresh = cancel
	i.refreshDone = make(chan struct{})
	go i.refresh(refreshCtx, token, i.refreshDone)

	log.Debug("[redisindex] index locked")
	return nil
}

func (i *Index) refresh(ctx context.Context, token string, done chan struct{}) {
	defer close(done)
	log := yall.FromContext(ctx)
	ticker := time.NewTicker(LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := refreshScript.Run(ctx, i.rdb, []string{i.LockKey()}, token, LockTTL.Milliseconds()).Int()
		if err != nil {
			log.WithError(err).Error("[redisindex] error refreshing lock")
			continue
		}
		if n == 0 {
			log.Error("[redisindex] LOCK LOST, another manager may be writing the index")
			return
		}
	}
}

// stop ends the refresh loop. i.mu must be held.
func (i *Index) stop() {
	if i.stopRefresh == nil {
		return
	}
	i.stopRefresh()
	<-i.refreshDone
	i.stopRefresh = nil
	i.refreshDone = nil
}

// Unlock releases a lock taken by Lock, unless it has already expired and
// been claimed by someone else. Unlocking an Index that isn't locked does
// nothing.
func (i *Index) Unlock(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.token == "" {
		return nil
	}
	i.stop()
	token := i.token
	i.token = ""
	if err := releaseScript.Run(ctx, i.rdb, []string{i.LockKey()}, token).Err(); err != nil {
		return fmt.Errorf("error unlocking %s: %w", i.LockKey(), err)
	}
	yall.FromContext(ctx).WithField("redisindex.lock", i.LockKey()).Debug("[redisindex] index unlocked")
	return nil
}

func (i *Index) Load(ctx context.Context) ([]fleeting.Record, error) {
	fields, err := i.rdb.HGetAll(ctx, i.key).Result()
	if err != nil {
		return nil, fmt.Errorf("error loading index from %s: %w", i.key, err)
	}
	records := make([]fleeting.Record, 0, len(fields))
	for id, raw := range fields {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expiry %q of %s in %s is not a timestamp: %w", raw, id, i.key, fleeting.ErrCorruptIndex)
		}
		records = append(records, fleeting.Record{ID: id, Expiry: time.UnixMilli(ms)})
	}
	return records, nil
}

// Save replaces the hash inside a MULTI/EXEC block, so readers see either
// the old set or the new one.
func (i *Index) Save(ctx context.Context, records []fleeting.Record) error {
	values := make(map[string]interface{}, len(records))
	for _, r := range records {
		values[r.ID] = strconv.FormatInt(r.Expiry.UnixMilli(), 10)
	}
	_, err := i.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, i.key)
		if len(values) > 0 {
			pipe.HSet(ctx, i.key, values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error saving index to %s: %w", i.key, err)
	}
	return nil
}
