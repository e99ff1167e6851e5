package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/stagehand/internal/logging"
	"github.com/austindbirch/stagehand/internal/metrics"
	"github.com/austindbirch/stagehand/internal/queue"
)

// Monitor polls nsqd's stats endpoint and publishes per-queue depth.
type Monitor struct {
	statsURL string
	channel  string
	interval time.Duration
	client   *http.Client
	metrics  *metrics.Metrics
	logger   *logging.Logger
}

func NewMonitor(nsqdHTTPAddr, channel string, interval time.Duration, m *metrics.Metrics, logger *logging.Logger) *Monitor {
	addr := strings.TrimSuffix(nsqdHTTPAddr, "/")
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		statsURL: addr + "/stats?format=json",
		channel:  channel,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		metrics:  m,
		logger:   logger,
	}
}

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Depth    int64  `json:"depth"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// Poll fetches stats once and updates the depth gauge of every known queue.
// A queue with no consumer channel yet reports its topic depth.
func (m *Monitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}

	depths := make(map[queue.Name]float64)
	for _, t := range stats.Topics {
		depth := t.Depth
		for _, ch := range t.Channels {
			if ch.Name == m.channel {
				depth = ch.Depth
			}
		}
		depths[queue.Name(t.Name)] = float64(depth)
	}
	for _, q := range queue.All() {
		m.metrics.SetQueueDepth(string(q), depths[q])
	}
	return nil
}

// Run polls every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil && ctx.Err() == nil {
				m.logger.Plain().WithError(err).Error("Failed to update queue depth")
			}
		}
	}
}
