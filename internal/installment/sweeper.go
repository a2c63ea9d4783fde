package installment

import (
	"context"
	"time"

	"github.com/router-for-me/MarketEMI/internal/redislock"
	"github.com/router-for-me/MarketEMI/internal/settings"
	log "github.com/sirupsen/logrus"
)

// Sweeper runs Sweep and RemindUpcoming on the configured interval.
type Sweeper struct {
	scheduler *Scheduler
	lock      *redislock.Lock
}

// NewSweeper returns a Sweeper, or nil without a scheduler.
func NewSweeper(scheduler *Scheduler, lock *redislock.Lock) *Sweeper {
	if scheduler == nil || scheduler.db == nil {
		return nil
	}
	return &Sweeper{scheduler: scheduler, lock: lock}
}

// Start launches the sweep loop in a background goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go w.run(ctx)
	log.Infof("installment sweeper started (interval=%s)", settings.InstallmentSweepInterval())
}

func (w *Sweeper) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		w.SweepOnce(ctx)
		timer := time.NewTimer(settings.InstallmentSweepInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// SweepOnce runs one status sweep and one reminder pass.
func (w *Sweeper) SweepOnce(ctx context.Context) {
	if w == nil {
		return
	}
	ran, errRun := w.lock.Run(ctx, "installments", func(ctx context.Context) error {
		now := w.scheduler.now()
		if _, errSweep := w.scheduler.Sweep(ctx, now); errSweep != nil {
			return errSweep
		}
		reminded, errRemind := w.scheduler.RemindUpcoming(ctx, now)
		if errRemind != nil {
			return errRemind
		}
		if reminded > 0 {
			log.Infof("installment sweeper: sent %d reminders", reminded)
		}
		return nil
	})
	if errRun != nil {
		log.WithError(errRun).Warn("installment sweeper: run failed")
		return
	}
	if !ran {
		log.Debug("installment sweeper: another replica holds the lock")
	}
}
