package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Open returns the store for the configured backend. With no Redis address
// the process runs in single-instance mode on a Memory store. Otherwise the
// Redis store is wrapped in a Failover so an unreachable Redis, at startup or
// later, degrades to per-process state instead of failing requests. The
// Memory store in either mode is purged of expired keys until ctx is done.
func Open(ctx context.Context, opts RedisOptions, fopts ...FailoverOption) Store {
	if opts.Addr == "" {
		log.WithField("backend", "memory").Info("state backend selected")
		mem := NewMemory()
		mem.StartJanitor(ctx, DefaultJanitorInterval)
		return mem
	}
	log.WithFields(logrus.Fields{
		"backend": "redis",
		"addr":    opts.Addr,
	}).Info("state backend selected")

	primary := NewRedisFromClient(redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}))
	fallback := NewMemory()
	fallback.StartJanitor(ctx, DefaultJanitorInterval)
	f := NewFailover(primary, fallback, fopts...)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := primary.Ping(pctx); err != nil {
		f.MarkDown(err)
	}
	return f
}
