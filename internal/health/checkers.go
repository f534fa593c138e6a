package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger matches database-like dependencies (the ledger store).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker probes any Pinger.
type PingChecker struct {
	name     string
	pinger   Pinger
	critical bool
}

// NewPingChecker wraps a Pinger as a health check.
func NewPingChecker(name string, p Pinger, critical bool) *PingChecker {
	return &PingChecker{name: name, pinger: p, critical: critical}
}

func (c *PingChecker) Name() string   { return c.name }
func (c *PingChecker) Critical() bool { return c.critical }

func (c *PingChecker) Check(ctx context.Context) error {
	return c.pinger.Ping(ctx)
}

// RedisChecker probes the approval-gate Redis.
type RedisChecker struct {
	client   *redis.Client
	critical bool
}

func NewRedisChecker(client *redis.Client, critical bool) *RedisChecker {
	return &RedisChecker{client: client, critical: critical}
}

func (c *RedisChecker) Name() string   { return "redis" }
func (c *RedisChecker) Critical() bool { return c.critical }

func (c *RedisChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ServiceChecker probes an HTTP dependency's health endpoint, used for
// the generation service.
type ServiceChecker struct {
	name     string
	url      string
	critical bool
	client   *http.Client
}

func NewServiceChecker(name, url string, critical bool) *ServiceChecker {
	return &ServiceChecker{
		name:     name,
		url:      url,
		critical: critical,
		client:   &http.Client{Timeout: 4 * time.Second},
	}
}

func (c *ServiceChecker) Name() string   { return c.name }
func (c *ServiceChecker) Critical() bool { return c.critical }

func (c *ServiceChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned status %d", c.url, resp.StatusCode)
	}
	return nil
}
