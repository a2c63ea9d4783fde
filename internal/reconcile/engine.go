// Package reconcile applies validated gateway callbacks to payments and their
// downstream order and EMI state, exactly once per transaction id.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/MarketEMI/internal/approval"
	dbutil "github.com/router-for-me/MarketEMI/internal/db"
	"github.com/router-for-me/MarketEMI/internal/emierr"
	"github.com/router-for-me/MarketEMI/internal/gateway"
	"github.com/router-for-me/MarketEMI/internal/installment"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/notify"
	"github.com/router-for-me/MarketEMI/internal/settings"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Source identifies which channel delivered a callback.
type Source string

// Source constants.
const (
	SourceRedirect Source = "redirect"
	SourceIPN      Source = "ipn"
)

// Callback is the gateway's form payload. Nothing in it is trusted until the
// gateway confirms val_id server-to-server.
type Callback struct {
	TranID     string
	ValID      string
	Amount     decimal.Decimal
	Currency   string
	Status     string
	CardType   string
	BankTranID string
	Error      string
	Source     Source
	Raw        map[string]string
}

// Validator is the server-to-server check used before any success is applied.
type Validator interface {
	ValidateTransaction(ctx context.Context, req gateway.ValidationRequest) (gateway.Validation, error)
}

// Outcome describes what a callback changed.
type Outcome struct {
	PaymentID     uint64
	TransactionID string
	Type          models.PaymentType
	From          models.PaymentStatus
	To            models.PaymentStatus
	OrderID       uint64
	ReviewNote    string
}

// Engine is the only writer that moves a payment out of PENDING.
type Engine struct {
	db        *gorm.DB
	validator Validator
	workflow  *approval.Workflow
	scheduler *installment.Scheduler
	trigger   notify.Trigger
	now       func() time.Time
}

// NewEngine constructs an Engine. trigger may be nil.
func NewEngine(db *gorm.DB, validator Validator, workflow *approval.Workflow, scheduler *installment.Scheduler, trigger notify.Trigger) *Engine {
	return &Engine{
		db:        db,
		validator: validator,
		workflow:  workflow,
		scheduler: scheduler,
		trigger:   trigger,
		now:       time.Now,
	}
}

// effects collects what to announce once the transaction commits.
type effects struct {
	events      []notify.Event
	transitions []approval.Transition
}

// HandleSuccess validates a success callback with the gateway and applies the
// payment's effect. A completed or unknown transaction yields a
// *emierr.ReconciliationConflict and changes nothing.
func (e *Engine) HandleSuccess(ctx context.Context, cb Callback) (Outcome, error) {
	tranID := strings.TrimSpace(cb.TranID)
	if tranID == "" {
		return Outcome{}, emierr.Invalid("tran_id", "is required")
	}
	payment, errLoad := e.loadPayment(ctx, tranID)
	if errLoad != nil {
		return Outcome{}, errLoad
	}
	if payment.Status == models.PaymentCompleted {
		return Outcome{}, &emierr.ReconciliationConflict{TransactionID: tranID, Reason: "already completed"}
	}

	validation, errValidate := e.validate(ctx, payment, cb)
	if errValidate != nil {
		return Outcome{}, errValidate
	}
	if !validation.Valid {
		reason := "gateway validation failed: " + fallback(validation.Reason, "unknown")
		if errNote := e.db.WithContext(ctx).Model(&models.Payment{}).
			Where("id = ? AND status = ?", payment.ID, models.PaymentPending).
			Update("failure_reason", reason).Error; errNote != nil {
			log.WithError(errNote).Warn("reconcile: store validation failure")
		}
		log.WithFields(log.Fields{"tran_id": tranID, "source": cb.Source}).Warn("reconcile: " + reason)
		return Outcome{}, emierr.Invalid("val_id", "%s", reason)
	}

	var (
		out Outcome
		fx  effects
	)
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked models.Payment
		if errFind := dbutil.ForUpdate(tx).Where("transaction_id = ?", tranID).Take(&locked).Error; errFind != nil {
			return errFind
		}
		now := e.now().UTC()
		// A validated success also overrides an earlier FAILED or CANCELED
		// redirect; the gateway's validation is authoritative.
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status <> ?", locked.ID, models.PaymentCompleted).
			Updates(map[string]any{
				"status":           models.PaymentCompleted,
				"val_id":           strings.TrimSpace(cb.ValID),
				"bank_tran_id":     fallback(validation.BankTranID, cb.BankTranID),
				"card_type":        fallback(validation.CardType, cb.CardType),
				"validated_amount": validation.Amount,
				"gateway_payload":  encodePayload(cb),
				"failure_reason":   "",
				"completed_at":     now,
			})
		if res.Error != nil {
			return fmt.Errorf("reconcile: complete payment: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &emierr.ReconciliationConflict{TransactionID: tranID, Reason: "already completed"}
		}
		out = Outcome{
			PaymentID:     locked.ID,
			TransactionID: tranID,
			Type:          locked.PaymentType,
			From:          locked.Status,
			To:            models.PaymentCompleted,
			OrderID:       locked.OrderID,
		}
		locked.Status = models.PaymentCompleted
		locked.CardType = fallback(validation.CardType, cb.CardType)

		note, errEffect := e.applyEffect(tx, &locked, &fx)
		if errEffect != nil {
			return errEffect
		}
		if note != "" {
			out.ReviewNote = note
			if errNote := tx.Model(&models.Payment{}).Where("id = ?", locked.ID).Update("review_note", note).Error; errNote != nil {
				return errNote
			}
		}
		return nil
	})
	if errTx != nil {
		return Outcome{}, errTx
	}

	log.WithFields(log.Fields{
		"tran_id": tranID,
		"type":    out.Type,
		"source":  cb.Source,
		"from":    out.From,
	}).Info("reconcile: payment completed")
	if out.ReviewNote != "" {
		log.WithField("tran_id", tranID).Error("reconcile: effect needs operator review: " + out.ReviewNote)
	}

	notify.Fire(ctx, e.trigger, notify.Event{
		Type:        notify.EventPaymentCompleted,
		UserID:      payment.UserID,
		RelatedType: notify.RelatedPayment,
		RelatedID:   out.PaymentID,
		Context: map[string]any{
			"transaction_id": tranID,
			"amount":         payment.Amount.StringFixed(2),
			"payment_type":   string(out.Type),
		},
	})
	for _, tr := range fx.transitions {
		e.workflow.Notify(ctx, tr)
	}
	notify.FireAll(ctx, e.trigger, fx.events)
	return out, nil
}

// HandleFailure marks a pending payment FAILED.
func (e *Engine) HandleFailure(ctx context.Context, cb Callback) (Outcome, error) {
	return e.close(ctx, cb, models.PaymentFailed)
}

// HandleCancel marks a pending payment CANCELED.
func (e *Engine) HandleCancel(ctx context.Context, cb Callback) (Outcome, error) {
	return e.close(ctx, cb, models.PaymentCanceled)
}

func (e *Engine) close(ctx context.Context, cb Callback, to models.PaymentStatus) (Outcome, error) {
	tranID := strings.TrimSpace(cb.TranID)
	if tranID == "" {
		return Outcome{}, emierr.Invalid("tran_id", "is required")
	}
	payment, errLoad := e.loadPayment(ctx, tranID)
	if errLoad != nil {
		return Outcome{}, errLoad
	}

	reason := strings.TrimSpace(cb.Error)
	if reason == "" {
		reason = "gateway reported " + strings.ToLower(string(to))
	}
	res := e.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", payment.ID, models.PaymentPending).
		Updates(map[string]any{
			"status":          to,
			"failure_reason":  reason,
			"gateway_payload": encodePayload(cb),
			"completed_at":    e.now().UTC(),
		})
	if res.Error != nil {
		return Outcome{}, fmt.Errorf("reconcile: close payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Outcome{}, &emierr.ReconciliationConflict{TransactionID: tranID, Reason: "payment is not pending"}
	}

	log.WithFields(log.Fields{"tran_id": tranID, "status": to, "source": cb.Source}).Info("reconcile: payment closed")
	if to == models.PaymentFailed {
		notify.Fire(ctx, e.trigger, notify.Event{
			Type:        notify.EventPaymentFailed,
			UserID:      payment.UserID,
			RelatedType: notify.RelatedPayment,
			RelatedID:   payment.ID,
			Context:     map[string]any{"transaction_id": tranID, "reason": reason},
		})
	}
	return Outcome{
		PaymentID:     payment.ID,
		TransactionID: tranID,
		Type:          payment.PaymentType,
		From:          models.PaymentPending,
		To:            to,
		OrderID:       payment.OrderID,
	}, nil
}

func (e *Engine) loadPayment(ctx context.Context, tranID string) (*models.Payment, error) {
	var payment models.Payment
	if errFind := e.db.WithContext(ctx).Where("transaction_id = ?", tranID).Take(&payment).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, &emierr.ReconciliationConflict{TransactionID: tranID, Reason: "unknown transaction"}
		}
		return nil, errFind
	}
	return &payment, nil
}

func (e *Engine) validate(ctx context.Context, payment *models.Payment, cb Callback) (gateway.Validation, error) {
	if e.validator == nil {
		return gateway.Validation{}, &gateway.UnavailableError{Op: "validate", Err: errors.New("validator not configured")}
	}
	return e.validator.ValidateTransaction(ctx, gateway.ValidationRequest{
		ValID:         strings.TrimSpace(cb.ValID),
		TransactionID: payment.TransactionID,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
	})
}

// applyEffect runs the payment type's downstream change. Integrity failures
// are confined to a savepoint and returned as a review note; the payment
// stays COMPLETED.
func (e *Engine) applyEffect(tx *gorm.DB, payment *models.Payment, fx *effects) (string, error) {
	var steps []func(*gorm.DB, *effects) error
	switch payment.PaymentType {
	case models.PaymentTypeRegular:
		steps = append(steps, e.orderPaid(payment))
	case models.PaymentTypeCardEMI:
		steps = append(steps, e.orderPaid(payment), e.cardEMIRecord(payment))
	case models.PaymentTypeDownPayment:
		steps = append(steps, e.downPayment(payment))
	case models.PaymentTypeEMIInstallment:
		steps = append(steps, e.installmentPaid(payment))
	default:
		return fmt.Sprintf("unknown payment type %q", payment.PaymentType), nil
	}

	for _, step := range steps {
		local := effects{}
		errStep := tx.Transaction(func(sp *gorm.DB) error {
			return step(sp, &local)
		})
		if errStep != nil {
			if emierr.IsIntegrity(errStep) || errors.Is(errStep, installment.ErrAlreadyPaid) {
				return errStep.Error(), nil
			}
			return "", errStep
		}
		fx.events = append(fx.events, local.events...)
		fx.transitions = append(fx.transitions, local.transitions...)
	}
	return "", nil
}

func (e *Engine) orderPaid(payment *models.Payment) func(*gorm.DB, *effects) error {
	return func(tx *gorm.DB, _ *effects) error {
		res := tx.Model(&models.Order{}).Where("id = ?", payment.OrderID).Updates(map[string]any{
			"status":         settings.OrderStatusAfterPayment(),
			"payment_status": models.OrderPaid,
			"paid_at":        e.now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return emierr.Integrity("order", payment.OrderID, "not found for payment %s", payment.TransactionID)
		}
		return nil
	}
}

// cardEMIRecord keeps the bank-managed audit record for a card EMI purchase.
func (e *Engine) cardEMIRecord(payment *models.Payment) func(*gorm.DB, *effects) error {
	return func(tx *gorm.DB, fx *effects) error {
		app, errApp := e.cardApplication(tx, payment)
		if errApp != nil {
			return errApp
		}
		if app.Status == models.ApplicationPending {
			tr, errApprove := e.workflow.ApproveTx(tx, app.ID, "approved on card EMI payment", approval.ReviewerAuto)
			if errApprove != nil {
				return errApprove
			}
			fx.transitions = append(fx.transitions, tr)
			app.Status = models.ApplicationApproved
		}
		record, created, errRecord := e.workflow.EnsureRecord(tx, app, approval.RecordOptions{DownPaymentPaid: true})
		if errRecord != nil {
			return errRecord
		}
		if !created {
			if _, errMark := e.workflow.MarkDownPaymentPaid(tx, record); errMark != nil {
				return errMark
			}
		}
		return nil
	}
}

func (e *Engine) cardApplication(tx *gorm.DB, payment *models.Payment) (*models.EMIApplication, error) {
	var app models.EMIApplication
	q := dbutil.ForUpdate(tx)
	if payment.ApplicationID != nil {
		q = q.Where("id = ?", *payment.ApplicationID)
	} else {
		q = q.Where("order_id = ? AND status IN ?", payment.OrderID,
			[]models.ApplicationStatus{models.ApplicationPending, models.ApplicationApproved})
		if payment.PlanID != nil {
			q = q.Where("plan_id = ?", *payment.PlanID)
		}
		q = q.Order("id ASC")
	}
	if errFind := q.Take(&app).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, emierr.Integrity("payment", payment.ID, "no card EMI application for order %d", payment.OrderID)
		}
		return nil, errFind
	}
	if app.OrderID != payment.OrderID {
		return nil, emierr.Integrity("payment", payment.ID, "application %d belongs to order %d", app.ID, app.OrderID)
	}
	return &app, nil
}

// downPayment records a cardless deposit. An approved application gets its
// record (created here if approval did not already), a pending one is
// flagged so approval starts the record paid.
func (e *Engine) downPayment(payment *models.Payment) func(*gorm.DB, *effects) error {
	return func(tx *gorm.DB, fx *effects) error {
		if payment.ApplicationID == nil {
			return emierr.Integrity("payment", payment.ID, "down payment without application")
		}
		var app models.EMIApplication
		if errFind := dbutil.ForUpdate(tx).Take(&app, *payment.ApplicationID).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return emierr.Integrity("payment", payment.ID, "application %d missing", *payment.ApplicationID)
			}
			return errFind
		}
		if app.OrderID != payment.OrderID {
			return emierr.Integrity("payment", payment.ID, "application %d belongs to order %d", app.ID, app.OrderID)
		}

		now := e.now().UTC()
		switch app.Status {
		case models.ApplicationPending:
			return tx.Model(&models.EMIApplication{}).
				Where("id = ? AND down_payment_paid_at IS NULL", app.ID).
				Update("down_payment_paid_at", now).Error
		case models.ApplicationApproved:
		default:
			return emierr.Integrity("emi_application", app.ID, "deposit received for %s application, refund required", app.Status)
		}

		var order models.Order
		if errOrder := tx.Select("id", "total").Take(&order, payment.OrderID).Error; errOrder != nil {
			if errors.Is(errOrder, gorm.ErrRecordNotFound) {
				return emierr.Integrity("payment", payment.ID, "order %d missing", payment.OrderID)
			}
			return errOrder
		}
		opts := approval.RecordOptions{DownPaymentPaid: true, Start: now}
		if principal := order.Total.Sub(payment.Amount); principal.IsPositive() {
			opts.Principal = &principal
		}
		record, created, errRecord := e.workflow.EnsureRecord(tx, &app, opts)
		if errRecord != nil {
			return errRecord
		}
		if created {
			fx.events = append(fx.events, notify.Event{
				Type:        notify.EventRecordCreated,
				UserID:      record.UserID,
				RelatedType: notify.RelatedRecord,
				RelatedID:   record.ID,
				Context:     map[string]any{"application_id": app.ID},
			})
		} else if _, errMark := e.workflow.MarkDownPaymentPaid(tx, record); errMark != nil {
			return errMark
		}
		if errStamp := tx.Model(&models.EMIApplication{}).
			Where("id = ? AND down_payment_paid_at IS NULL", app.ID).
			Update("down_payment_paid_at", now).Error; errStamp != nil {
			return errStamp
		}
		return approval.ActivateOrder(tx, payment.OrderID)
	}
}

func (e *Engine) installmentPaid(payment *models.Payment) func(*gorm.DB, *effects) error {
	return func(tx *gorm.DB, fx *effects) error {
		if payment.InstallmentID == nil {
			return emierr.Integrity("payment", payment.ID, "installment payment without installment")
		}
		method := fallback(payment.CardType, "gateway")
		res, errPaid := e.scheduler.MarkPaid(tx, *payment.InstallmentID, payment.Amount, method, payment.TransactionID)
		if errPaid != nil {
			return errPaid
		}
		if res.Record.OrderID != payment.OrderID {
			return emierr.Integrity("payment", payment.ID, "installment %d belongs to order %d", res.Installment.ID, res.Record.OrderID)
		}
		fx.events = append(fx.events, notify.Event{
			Type:        notify.EventInstallmentPaid,
			UserID:      res.Record.UserID,
			RelatedType: notify.RelatedInstallment,
			RelatedID:   res.Installment.ID,
			Context: map[string]any{
				"installment_number": res.Installment.Number,
				"record_id":          res.Record.ID,
				"remaining_amount":   res.Record.RemainingAmount.StringFixed(2),
			},
		})
		if !res.Completed {
			return nil
		}
		fx.events = append(fx.events, notify.Event{
			Type:        notify.EventRecordCompleted,
			UserID:      res.Record.UserID,
			RelatedType: notify.RelatedRecord,
			RelatedID:   res.Record.ID,
		})
		return tx.Model(&models.Order{}).Where("id = ?", payment.OrderID).
			Update("status", models.OrderCompleted).Error
	}
}

func encodePayload(cb Callback) datatypes.JSON {
	if len(cb.Raw) == 0 {
		return nil
	}
	payload, errMarshal := json.Marshal(cb.Raw)
	if errMarshal != nil {
		return nil
	}
	return datatypes.JSON(payload)
}

func fallback(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
