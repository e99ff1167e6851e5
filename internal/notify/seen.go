package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/redis/go-redis/v9"
)

// SeenStore remembers dedupe keys of notifications already delivered.
type SeenStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// MemorySeenStore is process-local and best-effort: it forgets on restart and
// is not shared between replicas.
type MemorySeenStore struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemorySeenStore() *MemorySeenStore {
	return &MemorySeenStore{keys: make(map[string]struct{})}
}

func (s *MemorySeenStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok, nil
}

func (s *MemorySeenStore) Mark(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = struct{}{}
	return nil
}

const seenBucket = "notifications_seen"

// BoltSeenStore survives restarts on a single node.
type BoltSeenStore struct {
	db *bolt.DB
}

func NewBoltSeenStore(path string) (*BoltSeenStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(seenBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltSeenStore{db: db}, nil
}

func (s *BoltSeenStore) Close() error {
	return s.db.Close()
}

func (s *BoltSeenStore) Seen(_ context.Context, key string) (bool, error) {
	var seen bool
	err := s.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket([]byte(seenBucket)).Get([]byte(key)) != nil
		return nil
	})
	return seen, err
}

func (s *BoltSeenStore) Mark(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(seenBucket))
		if b.Get([]byte(key)) != nil {
			return nil
		}
		return b.Put([]byte(key), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// RedisSeenStore is shared across worker replicas. Keys expire after ttl.
type RedisSeenStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisSeenStore(rdb *redis.Client, ttl time.Duration) *RedisSeenStore {
	return &RedisSeenStore{rdb: rdb, ttl: ttl, prefix: "stagehand:notify:seen:"}
}

func (s *RedisSeenStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("seen %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisSeenStore) Mark(ctx context.Context, key string) error {
	if err := s.rdb.Set(ctx, s.prefix+key, time.Now().Unix(), s.ttl).Err(); err != nil {
		return fmt.Errorf("mark %s: %w", key, err)
	}
	return nil
}
