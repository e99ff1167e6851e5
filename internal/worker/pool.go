package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/stagehand/internal/logging"
	"github.com/austindbirch/stagehand/internal/queue"
)

// PoolConfig controls the per-queue NSQ consumers.
type PoolConfig struct {
	NsqdTCPAddr    string
	LookupHTTPAddr string
	Channel        string
	Concurrency    int
	LeaseTimeout   time.Duration
}

// Pool runs one NSQ consumer per queue, each with Concurrency handlers.
type Pool struct {
	cfg       PoolConfig
	consumer  *Consumer
	logger    *logging.Logger
	consumers []*nsq.Consumer
}

func NewPool(cfg PoolConfig, c *Consumer, logger *logging.Logger) (*Pool, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 5
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = time.Minute
	}
	if cfg.Channel == "" {
		cfg.Channel = "workers"
	}
	return &Pool{cfg: cfg, consumer: c, logger: logger}, nil
}

// Start connects a consumer for every queue. It returns after all
// consumers are connected; they keep running until Stop.
func (p *Pool) Start(ctx context.Context) error {
	for _, q := range queue.All() {
		conf := nsq.NewConfig()
		conf.MaxInFlight = p.cfg.Concurrency
		conf.MsgTimeout = p.cfg.LeaseTimeout
		// Attempt limits are per job; the consumer decides when to give up.
		conf.MaxAttempts = 0

		consumer, err := nsq.NewConsumer(string(q), p.cfg.Channel, conf)
		if err != nil {
			p.Stop()
			return fmt.Errorf("nsq consumer for %s: %w", q, err)
		}
		consumer.SetLogger(nsqLogger{logger: p.logger, queue: string(q)}, nsq.LogLevelWarning)
		consumer.AddConcurrentHandlers(p.handler(ctx, q), p.cfg.Concurrency)
		p.consumers = append(p.consumers, consumer)

		// Connecting directly to nsqd creates the channel up front.
		if err := consumer.ConnectToNSQD(p.cfg.NsqdTCPAddr); err != nil {
			p.Stop()
			return fmt.Errorf("connect %s to nsqd: %w", q, err)
		}
		if p.cfg.LookupHTTPAddr != "" {
			if err := consumer.ConnectToNSQLookupd(p.cfg.LookupHTTPAddr); err != nil {
				p.Stop()
				return fmt.Errorf("connect %s to lookupd: %w", q, err)
			}
		}
		p.logger.Plain().WithQueue(string(q)).WithField("concurrency", p.cfg.Concurrency).Info("Consumer started")
	}
	return nil
}

func (p *Pool) handler(base context.Context, q queue.Name) nsq.HandlerFunc {
	return func(m *nsq.Message) error {
		m.DisableAutoResponse() // we manually requeue or finish
		defer func() {
			if !m.HasResponded() {
				p.logger.Plain().WithQueue(string(q)).Warn("message had no response, finishing")
				m.Finish()
			}
		}()

		ctx, cancel := context.WithTimeout(base, p.cfg.LeaseTimeout)
		defer cancel()

		requeue, delay := p.consumer.Deliver(ctx, q, m.Body, int(m.Attempts))
		if requeue {
			m.Requeue(delay)
			return nil
		}
		m.Finish()
		return nil
	}
}

// Stop stops every consumer and waits for in-flight handlers.
func (p *Pool) Stop() {
	for _, c := range p.consumers {
		c.Stop()
	}
	for _, c := range p.consumers {
		<-c.StopChan
	}
	p.consumers = nil
}

// nsqLogger routes go-nsq's internal log lines through the structured logger.
type nsqLogger struct {
	logger *logging.Logger
	queue  string
}

func (l nsqLogger) Output(_ int, s string) error {
	entry := l.logger.Plain().WithQueue(l.queue).WithField("component", "go-nsq")
	switch {
	case strings.HasPrefix(s, "ERR"):
		entry.Error(s)
	case strings.HasPrefix(s, "WRN"):
		entry.Warn(s)
	default:
		entry.Debug(s)
	}
	return nil
}
