package approval

import (
	"context"
	"time"

	"github.com/router-for-me/MarketEMI/internal/emierr"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/redislock"
	"github.com/router-for-me/MarketEMI/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const autoApproveBatch = 200

// AutoApprover approves pending cardless applications that satisfy the
// income and price policy. Each application is considered once.
type AutoApprover struct {
	db       *gorm.DB
	workflow *Workflow
	lock     *redislock.Lock
	now      func() time.Time
}

// NewAutoApprover constructs an AutoApprover, or nil without its dependencies.
func NewAutoApprover(db *gorm.DB, workflow *Workflow, lock *redislock.Lock) *AutoApprover {
	if db == nil || workflow == nil {
		return nil
	}
	return &AutoApprover{db: db, workflow: workflow, lock: lock, now: time.Now}
}

// Start launches the sweep loop in a background goroutine.
func (a *AutoApprover) Start(ctx context.Context) {
	if a == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go a.run(ctx)
	log.Infof("auto-approval sweep started (interval=%s)", settings.AutoApprove().Interval)
}

func (a *AutoApprover) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		ran, errRun := a.lock.Run(ctx, "auto-approval", func(ctx context.Context) error {
			_, errOnce := a.RunOnce(ctx)
			return errOnce
		})
		if errRun != nil {
			log.WithError(errRun).Warn("auto-approval sweep failed")
		} else if !ran {
			log.Debug("auto-approval sweep: another replica holds the lock")
		}

		timer := time.NewTimer(settings.AutoApprove().Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce performs one sweep and returns the number of applications approved.
func (a *AutoApprover) RunOnce(ctx context.Context) (int, error) {
	if a == nil {
		return 0, nil
	}
	policy := settings.AutoApprove()
	if !policy.Enabled {
		return 0, nil
	}
	now := a.now().UTC()
	since := now.Add(-policy.Window)

	cardlessPlans := a.db.Model(&models.EMIPlan{}).Select("id").Where("kind = ?", models.PlanKindCardless)
	var apps []models.EMIApplication
	errFind := a.db.WithContext(ctx).
		Where("status = ? AND auto_reviewed_at IS NULL AND created_at >= ?", models.ApplicationPending, since).
		Where("plan_id IN (?)", cardlessPlans).
		Order("id ASC").
		Limit(autoApproveBatch).
		Find(&apps).Error
	if errFind != nil {
		return 0, errFind
	}

	approved := 0
	for i := range apps {
		app := &apps[i]
		if eligible(app, policy) {
			tr, errApprove := a.workflow.Approve(ctx, app.ID, "approved by auto-approval policy", ReviewerAuto)
			switch {
			case errApprove == nil:
				if tr.Changed() {
					approved++
				}
			case emierr.IsIntegrity(errApprove):
				// Retrying cannot fix broken data; stamp it and leave it to a reviewer.
				log.WithError(errApprove).WithField("application_id", app.ID).Error("auto-approval: application left for manual review")
			default:
				// Left unstamped so the next sweep retries it.
				log.WithError(errApprove).WithField("application_id", app.ID).Warn("auto-approval: approve failed")
				continue
			}
		}
		if errStamp := a.db.WithContext(ctx).Model(&models.EMIApplication{}).
			Where("id = ? AND auto_reviewed_at IS NULL", app.ID).
			Update("auto_reviewed_at", now).Error; errStamp != nil {
			return approved, errStamp
		}
	}
	if approved > 0 {
		log.Infof("auto-approval: approved %d of %d considered applications", approved, len(apps))
	}
	return approved, nil
}

func eligible(app *models.EMIApplication, policy settings.AutoApprovePolicy) bool {
	if app.Cardless.MonthlyIncome.LessThan(policy.MinMonthlyIncome) {
		return false
	}
	if policy.MaxPrice.IsPositive() && app.Price.GreaterThan(policy.MaxPrice) {
		return false
	}
	return true
}
