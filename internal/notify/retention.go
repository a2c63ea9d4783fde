package notify

import (
	"context"
	"time"

	"github.com/router-for-me/MarketEMI/internal/redislock"
	"github.com/router-for-me/MarketEMI/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval = 6 * time.Hour
	defaultDeleteBatchSize   = 5000
	maxDeleteBatchesPerRun   = 200
)

// RetentionCleaner periodically deletes delivered notifications older than
// the retention setting. Undelivered rows are never removed.
type RetentionCleaner struct {
	db        *gorm.DB
	lock      *redislock.Lock
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewRetentionCleaner returns a RetentionCleaner, or nil without a database.
func NewRetentionCleaner(db *gorm.DB, lock *redislock.Lock) *RetentionCleaner {
	if db == nil {
		return nil
	}
	return &RetentionCleaner{
		db:        db,
		lock:      lock,
		interval:  defaultRetentionInterval,
		batchSize: defaultDeleteBatchSize,
		now:       time.Now,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go c.run(ctx)
	log.Infof("notification retention cleaner started (interval=%s)", c.interval)
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		ran, errRun := c.lock.Run(ctx, "notification-retention", func(ctx context.Context) error {
			_, errClean := c.CleanupOnce(ctx)
			return errClean
		})
		if errRun != nil {
			log.WithError(errRun).Warn("notification retention cleaner: run failed")
		} else if !ran {
			log.Debug("notification retention cleaner: another replica holds the lock")
		}
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// CleanupOnce deletes expired rows in batches and returns how many were removed.
func (c *RetentionCleaner) CleanupOnce(ctx context.Context) (int64, error) {
	if c == nil || c.db == nil {
		return 0, nil
	}
	retention := settings.NotificationRetention()
	cutoff := c.now().UTC().Add(-retention)

	var deleted int64
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}
		n, errBatch := c.deleteBatch(ctx, cutoff)
		if errBatch != nil {
			return deleted, errBatch
		}
		if n <= 0 {
			break
		}
		deleted += n
	}
	if deleted > 0 {
		log.Infof("notification retention cleaner: deleted %d rows (cutoff=%s)", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}

func (c *RetentionCleaner) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	limit := c.batchSize
	if limit <= 0 {
		limit = defaultDeleteBatchSize
	}
	// A limited subquery keeps each delete short.
	res := c.db.WithContext(ctx).Exec(`
		DELETE FROM notifications
		WHERE id IN (
			SELECT id FROM notifications
			WHERE delivered_at IS NOT NULL AND created_at < ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, cutoff, limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
