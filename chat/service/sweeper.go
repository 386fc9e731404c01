package service

import (
	"context"
	"time"

	"clinic-chat/backend/pkg/logger"

	"github.com/google/uuid"
)

const sweepLockKey = "chat:sweep:lock"

// Locker is a distributed mutex shared by replicas
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// SweeperConfig tunes the background archival pass
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Sweeper periodically archives sessions nobody has touched since they
// expired, so lists and metrics stay accurate without reads.
// With a nil Locker every replica sweeps.
type Sweeper struct {
	svc    *SessionService
	locker Locker
	config SweeperConfig
	log    *logger.Logger
	token  string
}

func NewSweeper(svc *SessionService, locker Locker, config SweeperConfig, log *logger.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}
	return &Sweeper{
		svc:    svc,
		locker: locker,
		config: config,
		log:    log,
		token:  uuid.New().String(),
	}
}

// Run sweeps every interval until ctx is cancelled
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil {
				w.log.Warn("Chat session sweep failed", "error", err.Error())
			}
		}
	}
}

// SweepOnce runs a single pass and returns how many sessions it archived.
// It returns 0 without error when another replica holds the lock.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if w.locker != nil {
		won, err := w.locker.TryLock(ctx, sweepLockKey, w.token, w.config.Interval)
		if err != nil {
			return 0, err
		}
		if !won {
			w.log.Debug("Chat session sweep held by another replica")
			return 0, nil
		}
		defer func() {
			if err := w.locker.Unlock(context.Background(), sweepLockKey, w.token); err != nil {
				w.log.Warn("Failed to release sweep lock", "error", err.Error())
			}
		}()
	}

	total := 0
	for {
		n, err := w.svc.ReconcileDue(ctx, w.config.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		// a short batch means nothing is left
		if n < w.config.BatchSize {
			break
		}
	}

	if total > 0 {
		w.log.Info("Chat session sweep finished", "archived", total)
	}
	return total, nil
}
