package acquire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Pacer enforces the politeness floor between requests sharing a key.
type Pacer interface {
	// Wait blocks until the next request slot for key and returns the slot time.
	Wait(ctx context.Context, key string, interval time.Duration) (time.Time, error)
}

// LocalPacer keeps one burst-1 limiter per key, so concurrent callers are spaced by interval.
type LocalPacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalPacer() *LocalPacer {
	return &LocalPacer{limiters: make(map[string]*rate.Limiter)}
}

func (p *LocalPacer) Wait(ctx context.Context, key string, interval time.Duration) (time.Time, error) {
	if interval <= 0 {
		return time.Now(), nil
	}
	lim := p.limiter(key, interval)
	if err := lim.Wait(ctx); err != nil {
		return time.Time{}, err
	}
	return time.Now(), nil
}

func (p *LocalPacer) limiter(key string, interval time.Duration) *rate.Limiter {
	limit := rate.Every(interval)

	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[key]
	if !ok {
		lim = rate.NewLimiter(limit, 1)
		p.limiters[key] = lim
		return lim
	}
	if lim.Limit() != limit {
		lim.SetLimit(limit)
	}
	return lim
}

// reserveSlotScript atomically books the next slot: max(now, last+interval).
var reserveSlotScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local slot = now
if last + interval > slot then
  slot = last + interval
end
redis.call('SET', KEYS[1], slot, 'PX', (slot - now) + interval * 2)
return slot
`)

// RedisPacer shares the politeness floor across processes.
type RedisPacer struct {
	client *redis.Client
	prefix string
}

func NewRedisPacer(client *redis.Client, prefix string) *RedisPacer {
	return &RedisPacer{client: client, prefix: prefix + "pace:"}
}

func (p *RedisPacer) Wait(ctx context.Context, key string, interval time.Duration) (time.Time, error) {
	if interval <= 0 {
		return time.Now(), nil
	}
	now := time.Now().UnixMilli()
	slotMs, err := reserveSlotScript.Run(ctx, p.client, []string{p.prefix + key}, now, interval.Milliseconds()).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("reserve pacing slot: %w", err)
	}
	slot := time.UnixMilli(slotMs)
	delay := time.Until(slot)
	if delay <= 0 {
		return time.Now(), nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-timer.C:
		return slot, nil
	}
}

var (
	_ Pacer = (*LocalPacer)(nil)
	_ Pacer = (*RedisPacer)(nil)
)
