// Package snapshot periodically publishes connection pool state to Redis,
// following the gateway's redisclient pattern: parse a URL, connect, and
// fall back to "continue without Redis" on any setup failure rather than
// treating it as fatal.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/httppool/metrics"
	"github.com/AlfredDev/httppool/pool"
)

// Client wraps a go-redis client for publishing pool snapshots.
type Client struct {
	c *redis.Client
}

// New creates a Redis client from a REDIS_URL-style connection string.
// Returns an error if the URL cannot be parsed; callers are expected to log
// and continue without publishing rather than treat this as fatal.
func New(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Client{c: redis.NewClient(opt)}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.c.Ping(ctx).Err()
}

// payload is the JSON document pushed to Redis on every tick.
type payload struct {
	Timestamp   string              `json:"timestamp"`
	Metrics     metrics.Snapshot    `json:"metrics"`
	Connections map[string][]string `json:"connections"`
}

// Publisher periodically pushes a JSON snapshot of pool connection info and
// metrics to a Redis key, so an external dashboard can observe pool health
// without scraping /pool/info directly.
type Publisher struct {
	client   *Client
	pool     *pool.ConnectionPool
	registry *metrics.Registry
	key      string
	interval time.Duration
	log      zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPublisher constructs a Publisher. key is the Redis key snapshots are
// pushed to via SET; interval must be positive.
func NewPublisher(client *Client, p *pool.ConnectionPool, registry *metrics.Registry, key string, interval time.Duration, log zerolog.Logger) *Publisher {
	return &Publisher{
		client:   client,
		pool:     p,
		registry: registry,
		key:      key,
		interval: interval,
		log:      log.With().Str("component", "snapshot_publisher").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the publish loop in a new goroutine until Stop is called.
func (p *Publisher) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.publishOnce(ctx); err != nil {
				p.log.Warn().Err(err).Msg("snapshot publish failed")
			}
		}
	}
}

func (p *Publisher) publishOnce(ctx context.Context) error {
	doc := payload{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Connections: p.pool.GetConnectionInfo(),
	}
	if p.registry != nil {
		doc.Metrics = p.registry.Snapshot()
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.client.c.Set(publishCtx, p.key, body, 0).Err()
}

// Stop signals the publish loop to exit and waits for it to finish.
func (p *Publisher) Stop() {
	close(p.stop)
	<-p.done
}
