// Package approval moves EMI applications through pending, approved, rejected
// and cancelled, and owns the one-record-per-application path.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	dbutil "github.com/router-for-me/MarketEMI/internal/db"
	"github.com/router-for-me/MarketEMI/internal/emierr"
	"github.com/router-for-me/MarketEMI/internal/installment"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/notify"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReviewerAuto is stored in ReviewedBy for policy approvals.
const ReviewerAuto = "auto"

// ErrNotFound is returned for an unknown application id.
var ErrNotFound = errors.New("emi application not found")

// Transition reports an application status change. From == To means the call
// changed nothing.
type Transition struct {
	ApplicationID uint64
	UserID        uint64
	From          models.ApplicationStatus
	To            models.ApplicationStatus
	RecordID      uint64
	RecordCreated bool
}

// Changed reports whether the status moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// RecordOptions adjusts record creation for the payment that triggered it.
type RecordOptions struct {
	// Principal overrides the application's principal when set.
	Principal *decimal.Decimal
	// DownPaymentPaid marks the deposit received at creation time.
	DownPaymentPaid bool
	// Start anchors the installment schedule; zero means now.
	Start time.Time
}

// Workflow applies review decisions.
type Workflow struct {
	db        *gorm.DB
	scheduler *installment.Scheduler
	trigger   notify.Trigger
	now       func() time.Time
}

// NewWorkflow constructs a Workflow. trigger may be nil.
func NewWorkflow(db *gorm.DB, scheduler *installment.Scheduler, trigger notify.Trigger) *Workflow {
	return &Workflow{db: db, scheduler: scheduler, trigger: trigger, now: time.Now}
}

// Approve approves a pending application and creates its record and
// installments. Approving an approved application is a no-op.
func (w *Workflow) Approve(ctx context.Context, id uint64, notes, reviewer string) (Transition, error) {
	var tr Transition
	errTx := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errApprove error
		tr, errApprove = w.ApproveTx(tx, id, notes, reviewer)
		return errApprove
	})
	if errTx != nil {
		return Transition{}, errTx
	}
	logTransition(tr, reviewer)
	w.Notify(ctx, tr)
	return tr, nil
}

// ApproveTx is Approve inside the caller's transaction. The caller fires
// notifications after commit with Notify.
func (w *Workflow) ApproveTx(tx *gorm.DB, id uint64, notes, reviewer string) (Transition, error) {
	app, errLoad := lockApplication(tx, id)
	if errLoad != nil {
		return Transition{}, errLoad
	}
	tr := Transition{ApplicationID: app.ID, UserID: app.UserID, From: app.Status, To: app.Status}

	switch app.Status {
	case models.ApplicationApproved:
		var record models.EMIRecord
		errFind := tx.Select("id").Where("application_id = ?", app.ID).Take(&record).Error
		if errFind == nil {
			tr.RecordID = record.ID
		} else if !errors.Is(errFind, gorm.ErrRecordNotFound) {
			return Transition{}, errFind
		}
		return tr, nil
	case models.ApplicationPending:
	default:
		return Transition{}, emierr.Invalid("status", "application is %s", app.Status)
	}

	now := w.now().UTC()
	res := tx.Model(&models.EMIApplication{}).
		Where("id = ? AND status = ?", app.ID, models.ApplicationPending).
		Updates(map[string]any{
			"status":       models.ApplicationApproved,
			"approved_at":  now,
			"review_notes": strings.TrimSpace(notes),
			"reviewed_by":  strings.TrimSpace(reviewer),
		})
	if res.Error != nil {
		return Transition{}, fmt.Errorf("approval: approve %d: %w", app.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return Transition{}, emierr.Integrity("emi_application", app.ID, "status changed during approval")
	}
	app.Status = models.ApplicationApproved
	app.ApprovedAt = &now

	opts := RecordOptions{DownPaymentPaid: app.DownPaymentPaidAt != nil}
	record, created, errRecord := w.EnsureRecord(tx, app, opts)
	if errRecord != nil {
		return Transition{}, errRecord
	}
	if record.DownPaymentPaid && !record.BankManaged {
		if errOrder := ActivateOrder(tx, record.OrderID); errOrder != nil {
			return Transition{}, errOrder
		}
	}
	tr.To = models.ApplicationApproved
	tr.RecordID = record.ID
	tr.RecordCreated = created
	return tr, nil
}

// ActivateOrder moves a financed order to emi_active once its deposit is in
// and its record exists.
func ActivateOrder(tx *gorm.DB, orderID uint64) error {
	res := tx.Model(&models.Order{}).Where("id = ?", orderID).Updates(map[string]any{
		"status":         models.OrderEMIActive,
		"payment_status": models.OrderEMI,
		"is_emi":         true,
	})
	if res.Error != nil {
		return fmt.Errorf("approval: activate order %d: %w", orderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return emierr.Integrity("order", orderID, "not found")
	}
	return nil
}

// EnsureRecord returns the application's record, creating it and its
// installment rows on first call. The application must be approved.
func (w *Workflow) EnsureRecord(tx *gorm.DB, app *models.EMIApplication, opts RecordOptions) (*models.EMIRecord, bool, error) {
	if app == nil || app.ID == 0 {
		return nil, false, emierr.Integrity("emi_application", 0, "missing application")
	}

	var existing models.EMIRecord
	errFind := tx.Where("application_id = ?", app.ID).Take(&existing).Error
	if errFind == nil {
		return &existing, false, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, false, errFind
	}

	if app.Status != models.ApplicationApproved {
		return nil, false, emierr.Integrity("emi_application", app.ID, "record requested for %s application", app.Status)
	}
	var order models.Order
	if errOrder := tx.Select("id", "total").Take(&order, app.OrderID).Error; errOrder != nil {
		if errors.Is(errOrder, gorm.ErrRecordNotFound) {
			return nil, false, emierr.Integrity("emi_application", app.ID, "order %d missing", app.OrderID)
		}
		return nil, false, errOrder
	}
	var p models.EMIPlan
	if errPlan := tx.Take(&p, app.PlanID).Error; errPlan != nil {
		if errors.Is(errPlan, gorm.ErrRecordNotFound) {
			return nil, false, emierr.Integrity("emi_application", app.ID, "plan %d missing", app.PlanID)
		}
		return nil, false, errPlan
	}

	start := opts.Start
	if start.IsZero() {
		start = w.now()
	}
	start = start.UTC()

	record := models.EMIRecord{
		ApplicationID:      app.ID,
		UserID:             app.UserID,
		OrderID:            order.ID,
		PlanID:             p.ID,
		Principal:          app.Principal,
		DownPayment:        app.DownPayment,
		ProcessingFee:      app.ProcessingFee,
		MonthlyInstallment: app.MonthlyInstallment,
		Tenure:             app.Tenure,
		DownPaymentPaid:    opts.DownPaymentPaid || !app.DownPayment.IsPositive(),
		Status:             models.RecordActive,
		StartDate:          start,
	}
	if opts.Principal != nil {
		record.Principal = *opts.Principal
	}
	if record.Tenure <= 0 {
		return nil, false, emierr.Integrity("emi_application", app.ID, "tenure %d", record.Tenure)
	}
	financed := quotedFinanced(app)
	if p.Kind == models.PlanKindCard {
		// Amortization is the bank's; the record is an audit trail over the
		// plan duration carrying the amount quoted for the chosen tenure.
		record.BankManaged = true
		if p.DurationMonths > 0 {
			record.Tenure = p.DurationMonths
		}
		record.MonthlyInstallment = financed.Div(decimal.NewFromInt(int64(record.Tenure))).Round(2)
	}
	record.TotalPayable = record.DownPayment.Add(financed)
	record.AmountPaid = decimal.Zero
	if record.DownPaymentPaid {
		record.AmountPaid = record.DownPayment
	}
	record.RemainingAmount = record.TotalPayable.Sub(record.AmountPaid)

	if errCreate := tx.Create(&record).Error; errCreate != nil {
		return nil, false, fmt.Errorf("approval: create record for application %d: %w", app.ID, errCreate)
	}
	if !record.BankManaged {
		if _, errGen := w.scheduler.Generate(tx, &record, start); errGen != nil {
			return nil, false, errGen
		}
	}
	return &record, true, nil
}

// quotedFinanced is the installment total the shopper was quoted, excluding
// the down payment and the processing fee.
func quotedFinanced(app *models.EMIApplication) decimal.Decimal {
	financed := app.TotalPayable.Sub(app.DownPayment).Sub(app.ProcessingFee)
	if financed.IsPositive() {
		return financed
	}
	return app.MonthlyInstallment.Mul(decimal.NewFromInt(int64(app.Tenure)))
}

// MarkDownPaymentPaid flags the record's deposit as received and recomputes
// its derived totals. It reports whether the flag changed.
func (w *Workflow) MarkDownPaymentPaid(tx *gorm.DB, record *models.EMIRecord) (bool, error) {
	if record == nil {
		return false, emierr.Integrity("emi_record", 0, "missing record")
	}
	res := tx.Model(&models.EMIRecord{}).
		Where("id = ? AND down_payment_paid = ?", record.ID, false).
		Update("down_payment_paid", true)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	record.DownPaymentPaid = true
	if record.BankManaged {
		amountPaid := record.DownPayment
		remaining := record.TotalPayable.Sub(amountPaid)
		errUpdate := tx.Model(&models.EMIRecord{}).Where("id = ?", record.ID).
			Updates(map[string]any{"amount_paid": amountPaid, "remaining_amount": remaining}).Error
		if errUpdate != nil {
			return false, errUpdate
		}
		record.AmountPaid = amountPaid
		record.RemainingAmount = remaining
		return true, nil
	}
	updated, _, errStatus := w.scheduler.UpdatePaymentStatus(tx, record.ID)
	if errStatus != nil {
		return false, errStatus
	}
	*record = updated
	return true, nil
}

// Reject rejects a pending application. reason is required.
func (w *Workflow) Reject(ctx context.Context, id uint64, reason, reviewer string) (Transition, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Transition{}, emierr.Invalid("reason", "is required")
	}
	tr, errTx := w.close(ctx, id, models.ApplicationRejected, map[string]any{
		"rejection_reason": reason,
		"reviewed_by":      strings.TrimSpace(reviewer),
	})
	if errTx != nil {
		return Transition{}, errTx
	}
	logTransition(tr, reviewer)
	w.Notify(ctx, tr)
	return tr, nil
}

// Cancel withdraws a pending application.
func (w *Workflow) Cancel(ctx context.Context, id uint64, reason string) (Transition, error) {
	tr, errTx := w.close(ctx, id, models.ApplicationCancelled, map[string]any{
		"review_notes": strings.TrimSpace(reason),
	})
	if errTx != nil {
		return Transition{}, errTx
	}
	logTransition(tr, "")
	w.Notify(ctx, tr)
	return tr, nil
}

// close moves a pending application to a terminal status without a record.
// Repeating the same terminal transition is a no-op.
func (w *Workflow) close(ctx context.Context, id uint64, to models.ApplicationStatus, fields map[string]any) (Transition, error) {
	var tr Transition
	errTx := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		app, errLoad := lockApplication(tx, id)
		if errLoad != nil {
			return errLoad
		}
		tr = Transition{ApplicationID: app.ID, UserID: app.UserID, From: app.Status, To: app.Status}
		if app.Status == to {
			return nil
		}
		if app.Status != models.ApplicationPending {
			return emierr.Invalid("status", "application is %s", app.Status)
		}

		now := w.now().UTC()
		updates := map[string]any{"status": to}
		for k, v := range fields {
			updates[k] = v
		}
		switch to {
		case models.ApplicationRejected:
			updates["rejected_at"] = now
		case models.ApplicationCancelled:
			updates["cancelled_at"] = now
		}
		res := tx.Model(&models.EMIApplication{}).
			Where("id = ? AND status = ?", app.ID, models.ApplicationPending).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("approval: %s %d: %w", to, app.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return emierr.Integrity("emi_application", app.ID, "status changed during review")
		}
		tr.To = to
		return nil
	})
	if errTx != nil {
		return Transition{}, errTx
	}
	return tr, nil
}

// Notify fires the events for a committed transition.
func (w *Workflow) Notify(ctx context.Context, tr Transition) {
	if w.trigger == nil || !tr.Changed() {
		return
	}
	eventType := ""
	switch tr.To {
	case models.ApplicationApproved:
		eventType = notify.EventApplicationApproved
	case models.ApplicationRejected:
		eventType = notify.EventApplicationRejected
	case models.ApplicationCancelled:
		eventType = notify.EventApplicationCancelled
	}
	notify.Fire(ctx, w.trigger, notify.Event{
		Type:        eventType,
		UserID:      tr.UserID,
		RelatedType: notify.RelatedApplication,
		RelatedID:   tr.ApplicationID,
	})
	if tr.RecordCreated {
		notify.Fire(ctx, w.trigger, notify.Event{
			Type:        notify.EventRecordCreated,
			UserID:      tr.UserID,
			RelatedType: notify.RelatedRecord,
			RelatedID:   tr.RecordID,
			Context:     map[string]any{"application_id": tr.ApplicationID},
		})
	}
}

func lockApplication(tx *gorm.DB, id uint64) (*models.EMIApplication, error) {
	var app models.EMIApplication
	if errFind := dbutil.ForUpdate(tx).Take(&app, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errFind
	}
	return &app, nil
}

func logTransition(tr Transition, reviewer string) {
	if !tr.Changed() {
		return
	}
	log.WithFields(log.Fields{
		"application_id": tr.ApplicationID,
		"from":           tr.From,
		"to":             tr.To,
		"reviewer":       reviewer,
	}).Info("emi application reviewed")
}
