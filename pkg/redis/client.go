// Package redis holds the distributed locks that serialize merges and
// scheduled graph syncs across instances.
package redis

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/Ramsey-B/fern/pkg/errors"
)

const dependencyName = "redis"

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	// DialTimeout bounds the initial connection and the startup ping
	DialTimeout time.Duration
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client is the connection shared by every Locker
type Client struct {
	rdb    *redis.Client
	addr   string
	logger ectologger.Logger
}

// NewClient connects and pings. An unreachable server is reported as an
// unavailable dependency so startup can treat redis as optional.
func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	addr := cfg.addr()

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, apperrors.DependencyUnavailable(dependencyName, err).With("addr", addr)
	}

	logger.WithFields(map[string]any{"addr": addr, "db": cfg.DB}).Info("Connected to redis")
	return &Client{rdb: rdb, addr: addr, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping backs the redis health check
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return apperrors.DependencyUnavailable(dependencyName, err).With("addr", c.addr)
	}
	return nil
}
