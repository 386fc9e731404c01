package notification

import (
	"context"
	"sync"
	"time"

	"clinic-chat/backend/pkg/cache"
	"clinic-chat/backend/pkg/logger"
)

// Deduper claims a key once; later claims within ttl report false
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// CacheDeduper claims keys in process memory, for single-replica deployments
type CacheDeduper struct {
	cache *cache.Cache
}

func NewCacheDeduper(c *cache.Cache) *CacheDeduper {
	return &CacheDeduper{cache: c}
}

func (d *CacheDeduper) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return d.cache.Add(key, true, ttl), nil
}

// DispatcherConfig tunes the Dispatcher
type DispatcherConfig struct {
	Timeout  time.Duration
	DedupTTL time.Duration
}

// Dispatcher sends notices in the background. Failures are logged, never returned.
type Dispatcher struct {
	notifier Notifier
	dedup    Deduper
	config   DispatcherConfig
	log      *logger.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(notifier Notifier, dedup Deduper, config DispatcherConfig, log *logger.Logger) *Dispatcher {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.DedupTTL <= 0 {
		config.DedupTTL = 30 * 24 * time.Hour
	}
	return &Dispatcher{
		notifier: notifier,
		dedup:    dedup,
		config:   config,
		log:      log,
	}
}

// Notify sends text to userID without blocking the caller
func (d *Dispatcher) Notify(userID, text string) {
	if !d.track(userID) {
		return
	}
	go func() {
		defer d.wg.Done()
		d.deliver(userID, text)
	}()
}

// NotifyOnce sends text to userID unless key was already claimed
func (d *Dispatcher) NotifyOnce(key, userID, text string) {
	if !d.track(userID) {
		return
	}
	go func() {
		defer d.wg.Done()

		if d.dedup != nil {
			ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
			won, err := d.dedup.Claim(ctx, key, d.config.DedupTTL)
			cancel()
			if err != nil {
				d.log.Warn("Notification dedup unavailable, sending anyway", "key", key, "error", err.Error())
			} else if !won {
				d.log.Debug("Notification already sent", "key", key)
				return
			}
		}

		d.deliver(userID, text)
	}()
}

// Wait blocks until all in-flight notices finish
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting notices and waits for in-flight ones.
// Notices sent after Close are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// track registers one in-flight notice unless the dispatcher is closed
func (d *Dispatcher) track(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.log.Debug("Dispatcher closed, dropping notification", "recipient", userID)
		return false
	}
	d.wg.Add(1)
	return true
}

func (d *Dispatcher) deliver(userID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
	defer cancel()

	if err := d.notifier.Notify(ctx, userID, text); err != nil {
		d.log.Warn("Notification delivery failed", "recipient", userID, "error", err.Error())
	}
}
