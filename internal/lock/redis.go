// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package lock

import (
	"context"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/growkey/growkey/pkg/redact"
)

const (
	DefaultTTL        = 10 * time.Second
	DefaultRetryDelay = 50 * time.Millisecond
	DefaultWait       = 5 * time.Second
	keyPrefix         = "growkey:lock:license:"
)

// RedisOptions tunes the distributed lock.
type RedisOptions struct {
	// TTL bounds how long a crashed holder can keep the lock.
	TTL time.Duration
	// RetryDelay is the pause between acquisition attempts.
	RetryDelay time.Duration
	// Wait caps the total time spent acquiring when ctx has no deadline.
	Wait time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Wait <= 0 {
		o.Wait = DefaultWait
	}
	return o
}

// Redis extends per-license exclusivity across growkey instances sharing one
// Redis. Each lock is a SET NX PX key holding a random token; release only
// deletes the key while it still holds that token.
type Redis struct {
	rs   *redsync.Redsync
	opts RedisOptions
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	return &Redis{
		rs:   redsync.New(goredis.NewPool(client)),
		opts: opts.withDefaults(),
	}
}

// NewRedisFromURL parses a redis:// URL and pings the server.
func NewRedisFromURL(ctx context.Context, url string, opts RedisOptions) (*Redis, *redis.Client, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "ping redis")
	}
	return NewRedis(client, opts), client, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	wait := r.opts.Wait
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	tries := max(int(wait/r.opts.RetryDelay), 1)

	mutex := r.rs.NewMutex(keyPrefix+key,
		redsync.WithExpiry(r.opts.TTL),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) ||
			strings.Contains(err.Error(), "lock already taken") || ctx.Err() != nil {
			return nil, errors.Wrapf(ErrTimeout, "license %s", redact.LicenseKey(key))
		}
		return nil, errors.Wrap(err, "acquire redis lock")
	}

	return func() {
		// release must not depend on the request context, which may already be done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(releaseCtx); !ok || err != nil {
			log.Warn().Err(err).Str("license", redact.LicenseKey(key)).Msg("redis lock release failed, it will expire on its own")
		}
	}, nil
}
