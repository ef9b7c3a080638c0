package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/kubex-lifecycle/internal/reason"
)

// Locker serializes admissions that share a key (the cost center).
// Lock blocks until the key is free or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func busy(key string, err error) error {
	return reason.Wrap(reason.CodeAdmissionBusy, err, "another admission for cost center %q is in progress", key)
}

// KeyedMutex is an in-process Locker.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: map[string]*slot{}}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				k.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		k.release(key, s)
		return nil, busy(key, ctx.Err())
	}
}

func (k *KeyedMutex) release(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry forward only while we still hold the lock.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker serializes admissions across replicas with SET NX PX.
// The TTL bounds how long a crashed holder can block a cost center; a live
// holder extends it every TTL/3 until unlock.
type RedisLocker struct {
	Client        *redis.Client
	Prefix        string
	TTL           time.Duration
	RetryInterval time.Duration
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		Client:        client,
		Prefix:        "kubex:lifecycle:admission:",
		TTL:           2 * time.Minute,
		RetryInterval: 100 * time.Millisecond,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.Prefix + key
	token := ksuid.New().String()

	ticker := time.NewTicker(r.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.Client.SetNX(ctx, redisKey, token, r.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, busy(key, ctx.Err())
			}
			return nil, reason.Wrap(reason.CodeInternal, err, "acquire admission lock for cost center %q", key)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, busy(key, ctx.Err())
		}
	}

	l := log.FromContext(ctx).WithValues("costCenter", key)
	stop := keepAlive(context.WithoutCancel(ctx), r.TTL/3, func(ectx context.Context) (bool, error) {
		n, err := extendScript.Run(ectx, r.Client, []string{redisKey}, token, r.TTL.Milliseconds()).Int64()
		return n == 1, err
	}, func(err error) {
		l.Error(err, "Admission lock lost while held, concurrent activations are possible")
	})

	return func() {
		stop()
		// Release even when the request context is already done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, r.Client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.Error(err, "Failed to release admission lock")
		}
	}, nil
}

var errLockLost = errors.New("lock expired or taken by another holder")

// keepAlive calls extend every interval until the returned stop is called.
// A failed or refused extension is reported once through lost and ends the
// loop. stop waits for the loop to exit.
func keepAlive(ctx context.Context, interval time.Duration, extend func(context.Context) (bool, error), lost func(error)) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := extend(ctx)
			if ctx.Err() != nil {
				return
			}
			if err == nil && !ok {
				err = errLockLost
			}
			if err != nil {
				lost(err)
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
