package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"
)

// Ledger records which deterministic job ids are pending at the broker.
// NSQ has no notion of job identity, so collisions are detected here.
type Ledger interface {
	Claim(ctx context.Context, queue Name, id string) (bool, error)
	Release(ctx context.Context, queue Name, id string) error
}

// RedisLedger claims ids with SET NX and a TTL so a crashed worker cannot
// pin an id forever.
type RedisLedger struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisLedger(rdb *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{rdb: rdb, ttl: ttl, prefix: "stagehand:pending:"}
}

func (l *RedisLedger) key(q Name, id string) string {
	return l.prefix + string(q) + ":" + id
}

func (l *RedisLedger) Claim(ctx context.Context, q Name, id string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key(q, id), time.Now().Unix(), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", id, err)
	}
	return ok, nil
}

func (l *RedisLedger) Release(ctx context.Context, q Name, id string) error {
	if err := l.rdb.Del(ctx, l.key(q, id)).Err(); err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// publisher is the subset of *nsq.Producer the port needs.
type publisher interface {
	Publish(topic string, body []byte) error
	Ping() error
	Stop()
}

// NSQPort publishes jobs to the topic named after their queue.
type NSQPort struct {
	producer publisher
	ledger   Ledger
}

func NewNSQPort(nsqdTCPAddr string, ledger Ledger) (*NSQPort, error) {
	p, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return &NSQPort{producer: p, ledger: ledger}, nil
}

func (p *NSQPort) Add(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	claimed := false
	if job.DedupeKey != "" && p.ledger != nil {
		ok, err := p.ledger.Claim(ctx, job.Queue, job.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDuplicateJob
		}
		claimed = true
	}

	body, err := job.Encode()
	if err == nil {
		err = p.producer.Publish(string(job.Queue), body)
	}
	if err != nil {
		if claimed {
			_ = p.ledger.Release(ctx, job.Queue, job.ID)
		}
		return fmt.Errorf("publish %s: %w", job.Queue, err)
	}
	return nil
}

func (p *NSQPort) Release(ctx context.Context, q Name, id string) error {
	if p.ledger == nil {
		return nil
	}
	return p.ledger.Release(ctx, q, id)
}

func (p *NSQPort) Ping() error { return p.producer.Ping() }

func (p *NSQPort) Stop() { p.producer.Stop() }
