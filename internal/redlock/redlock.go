// Package redlock serializes firewall entry-point mutations across
// independent instances sharing a host.
//
// The lock is a Redis-backed redlock over a single well-known resource key,
// so every instance of the tool that can reach the same Redis contends on
// the same lease. The lease TTL keeps a crashed holder from blocking other
// instances indefinitely.
package redlock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// resourceKey is shared by all instances of the tool; the entry-point
// insertion is the one mutation that is unsafe to perform concurrently.
const resourceKey = "SSHUTTLE_TPROXY_INSTANCE_CREATION_LOCK"

// ErrNotAcquired reports that the lock was not obtained within the retry
// budget. Callers must abort rule installation rather than proceed
// unsynchronized.
var ErrNotAcquired = errors.New("failed to acquire firewall setup lock")

type Config struct {
	Host string
	Port string

	TTL        time.Duration
	Tries      int
	RetryDelay time.Duration
}

// FromEnv reads the Redis connection parameters from REDIS_HOST and
// REDIS_PORT. Both are required; absence of either is a fatal configuration
// condition for the tproxy method.
func FromEnv() (Config, error) {
	host := os.Getenv("REDIS_HOST")
	port := os.Getenv("REDIS_PORT")
	if host == "" || port == "" {
		return Config{}, errors.New("REDIS_HOST and REDIS_PORT environment variables must both be set")
	}
	return Config{
		Host:       host,
		Port:       port,
		TTL:        500 * time.Millisecond,
		Tries:      5,
		RetryDelay: 100 * time.Millisecond,
	}, nil
}

// Lock is a handle to the shared setup lock.
type Lock struct {
	cfg    Config
	client *redis.Client
	rs     *redsync.Redsync
}

func New(cfg Config) *Lock {
	client := redis.NewClient(&redis.Options{Addr: net.JoinHostPort(cfg.Host, cfg.Port)})
	return &Lock{
		cfg:    cfg,
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
	}
}

func (l *Lock) Close() error {
	return l.client.Close()
}

// WithLock runs fn while holding the shared setup lock. The lock is released
// on both success and failure paths before WithLock returns.
func (l *Lock) WithLock(ctx context.Context, fn func() error) error {
	mu := l.rs.NewMutex(resourceKey,
		redsync.WithExpiry(l.cfg.TTL),
		redsync.WithTries(l.cfg.Tries),
		redsync.WithRetryDelay(l.cfg.RetryDelay),
	)

	if err := mu.LockContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotAcquired, err)
	}

	err := fn()

	if _, uerr := mu.UnlockContext(ctx); uerr != nil && err == nil {
		err = fmt.Errorf("release firewall setup lock: %w", uerr)
	}
	return err
}
