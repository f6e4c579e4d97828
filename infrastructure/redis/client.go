// infrastructure/redis/client.go
package redis

import (
	"crypto/tls"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/eGGnogSC/invoicesync/internal/config"
)

// ClientOption adjusts the options derived from the redis config section.
type ClientOption func(*redis.UniversalOptions)

// NewUniversalClient connects to the redis section of the config. Several
// addresses mean a cluster, in which case DB is ignored. The pool is sized
// for one server and the occasional CLI run; credentials and settings are a
// handful of small keys.
func NewUniversalClient(cfg config.RedisConfig, opts ...ClientOption) (redis.UniversalClient, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("redis: no addresses configured")
	}
	options := &redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
		MinIdleConns: 1,
		IdleTimeout:  5 * time.Minute,
	}
	if cfg.EnableTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	for _, opt := range opts {
		opt(options)
	}
	if len(options.Addrs) > 1 {
		options.DB = 0
	}
	return redis.NewUniversalClient(options), nil
}
