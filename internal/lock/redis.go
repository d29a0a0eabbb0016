package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/azizikri/coupon-issuance/internal/logger"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix           = "coupon:lock"
	defaultRedisOperationTimeout = 3 * time.Second
	defaultRedisRetryFloor       = 10 * time.Millisecond
)

// releaseScript deletes the key only for the current holder and wakes waiters.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  redis.call("PUBLISH", ARGV[2], ARGV[1])
  return 1
end
return 0
`)

type RedisConfig struct {
	Prefix           string
	OperationTimeout time.Duration
	// RetryFloor is the shortest pause between attempts when the holder's
	// remaining lease cannot be read.
	RetryFloor time.Duration
}

func (c *RedisConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
	if c.RetryFloor <= 0 {
		c.RetryFloor = defaultRedisRetryFloor
	}
}

// Redis is a cluster-wide Locker using SET NX PX. The holder publishes on a
// per-key channel when it releases. All waiters on one Redis locker share a
// single pattern subscription and otherwise sleep for the holder's remaining
// TTL, so expiry is noticed without polling.
type Redis struct {
	client  redis.UniversalClient
	log     logger.Logger
	config  RedisConfig
	waiters *waiters
}

func NewRedis(client redis.UniversalClient, cfg RedisConfig, log logger.Logger) (*Redis, error) {
	if client == nil {
		return nil, lockError(ErrInvalidArgument, "redis client is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	cfg.normalize()
	r := &Redis{client: client, log: log, config: cfg}
	r.waiters = newWaiters(log)
	return r, nil
}

// Close drops the shared release subscription. Acquire reopens it on demand.
func (r *Redis) Close() error {
	return r.waiters.close()
}

func (r *Redis) Acquire(ctx context.Context, key string, wait, lease time.Duration) (*Handle, error) {
	key, err := validate(key, wait, lease)
	if err != nil {
		return nil, err
	}

	h, err := r.tryOnce(ctx, key, lease)
	if err != nil || h != nil {
		return h, err
	}
	if wait == 0 {
		return nil, timeoutError(key, wait)
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := r.subscribe(waitCtx); err != nil {
		return nil, r.waitError(ctx, waitCtx, key, wait, err)
	}
	notify, stop := r.waiters.add(r.channel(key))
	defer stop()

	for {
		h, err := r.tryOnce(waitCtx, key, lease)
		if err != nil {
			return nil, r.waitError(ctx, waitCtx, key, wait, err)
		}
		if h != nil {
			return h, nil
		}

		pause, err := r.client.PTTL(waitCtx, r.fullKey(key)).Result()
		if err != nil {
			return nil, r.waitError(ctx, waitCtx, key, wait, err)
		}
		if pause < r.config.RetryFloor {
			pause = r.config.RetryFloor
		}

		timer := time.NewTimer(pause)
		select {
		case <-notify:
		case <-timer.C:
		case <-waitCtx.Done():
			timer.Stop()
			return nil, r.waitError(ctx, waitCtx, key, wait, waitCtx.Err())
		}
		timer.Stop()
	}
}

func (r *Redis) TryAcquire(ctx context.Context, key string, lease time.Duration) (*Handle, error) {
	key, err := validate(key, 0, lease)
	if err != nil {
		return nil, err
	}
	return r.tryOnce(ctx, key, lease)
}

func (r *Redis) Release(ctx context.Context, h *Handle) error {
	if err := validateHandle(h); err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, r.config.OperationTimeout)
	defer cancel()
	res, err := releaseScript.Run(opCtx, r.client, []string{r.fullKey(h.Key)}, h.Token, r.channel(h.Key)).Int64()
	if err != nil {
		return errors.Join(lockError(ErrUnavailable, "release lock failed"), err)
	}
	if res == 0 {
		return lockError(ErrNotHeld, h.Key)
	}
	return nil
}

func (r *Redis) tryOnce(ctx context.Context, key string, lease time.Duration) (*Handle, error) {
	token := newToken()
	opCtx, cancel := context.WithTimeout(ctx, r.config.OperationTimeout)
	defer cancel()

	now := time.Now()
	ok, err := r.client.SetNX(opCtx, r.fullKey(key), token, lease).Result()
	if err != nil {
		return nil, errors.Join(lockError(ErrUnavailable, "acquire lock failed"), err)
	}
	if !ok {
		return nil, nil
	}
	return &Handle{Key: key, Token: token, AcquiredAt: now, ExpiresAt: now.Add(lease)}, nil
}

// waitError tells a spent wait budget apart from caller cancellation and
// backend failures.
func (r *Redis) waitError(ctx, waitCtx context.Context, key string, wait time.Duration, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitCtx.Err() != nil {
		return timeoutError(key, wait)
	}
	r.log.Warn("redis lock wait failed", "key", key, "error", err)
	return errors.Join(lockError(ErrUnavailable, "wait for lock failed"), err)
}

// subscribe opens the shared release subscription if it is not running yet.
func (r *Redis) subscribe(ctx context.Context) error {
	return r.waiters.start(func() (*redis.PubSub, error) {
		opCtx, cancel := context.WithTimeout(ctx, r.config.OperationTimeout)
		defer cancel()
		sub := r.client.PSubscribe(opCtx, r.config.Prefix+":channel:*")
		if _, err := sub.Receive(opCtx); err != nil {
			_ = sub.Close()
			return nil, err
		}
		return sub, nil
	})
}

func (r *Redis) fullKey(key string) string {
	return r.config.Prefix + ":" + key
}

func (r *Redis) channel(key string) string {
	return r.config.Prefix + ":channel:" + key
}

// waiters fans release messages from one subscription out to every Acquire
// blocked on the channel they arrived on.
type waiters struct {
	log logger.Logger

	mu     sync.Mutex
	sub    *redis.PubSub
	byChan map[string]map[chan struct{}]struct{}
}

func newWaiters(log logger.Logger) *waiters {
	return &waiters{log: log, byChan: make(map[string]map[chan struct{}]struct{})}
}

func (w *waiters) start(open func() (*redis.PubSub, error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return nil
	}
	sub, err := open()
	if err != nil {
		return err
	}
	w.sub = sub
	go w.run(sub.Channel())
	return nil
}

func (w *waiters) run(msgs <-chan *redis.Message) {
	for msg := range msgs {
		w.dispatch(msg.Channel)
	}
	w.log.Debug("lock release subscription closed")
}

// add registers a waiter on channel. The returned func must be called once
// the waiter stops listening.
func (w *waiters) add(channel string) (<-chan struct{}, func()) {
	notify := make(chan struct{}, 1)

	w.mu.Lock()
	set := w.byChan[channel]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		w.byChan[channel] = set
	}
	set[notify] = struct{}{}
	w.mu.Unlock()

	return notify, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if set := w.byChan[channel]; set != nil {
			delete(set, notify)
			if len(set) == 0 {
				delete(w.byChan, channel)
			}
		}
	}
}

func (w *waiters) dispatch(channel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for notify := range w.byChan[channel] {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
}

func (w *waiters) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub == nil {
		return nil
	}
	err := w.sub.Close()
	w.sub = nil
	return err
}
