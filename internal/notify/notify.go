// Package notify is the fire-and-forget event contract for EMI lifecycle points.
// Delivery (SMS, email) happens elsewhere; sinks here log, persist or publish.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/MarketEMI/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event types.
const (
	EventApplicationSubmitted = "emi_application_submitted"
	EventApplicationApproved  = "emi_application_approved"
	EventApplicationRejected  = "emi_application_rejected"
	EventApplicationCancelled = "emi_application_cancelled"
	EventRecordCreated        = "emi_record_created"
	EventRecordCompleted      = "emi_record_completed"
	EventRecordDefaulted      = "emi_record_defaulted"
	EventInstallmentPaid      = "emi_installment_paid"
	EventInstallmentDue       = "emi_installment_due"
	EventInstallmentOverdue   = "emi_installment_overdue"
	EventInstallmentReminder  = "emi_installment_reminder"
	EventPaymentCompleted     = "payment_completed"
	EventPaymentFailed        = "payment_failed"
)

// Related object kinds.
const (
	RelatedApplication = "emi_application"
	RelatedRecord      = "emi_record"
	RelatedInstallment = "emi_installment"
	RelatedPayment     = "payment"
)

// fireTimeout bounds a single Fire call.
const fireTimeout = 5 * time.Second

// Event is one lifecycle notification.
type Event struct {
	Type        string         `json:"event_type"`
	UserID      uint64         `json:"user_id"`
	Context     map[string]any `json:"context,omitempty"`
	RelatedType string         `json:"related_type,omitempty"`
	RelatedID   uint64         `json:"related_id,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// Trigger delivers events to a sink.
type Trigger interface {
	Send(ctx context.Context, ev Event) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, ev Event) error

// Send calls f.
func (f TriggerFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Fire sends ev through t, bounded by a timeout. Errors and panics are logged
// and swallowed so the caller's financial work is never affected.
func Fire(ctx context.Context, t Trigger, ev Event) {
	if t == nil || ev.Type == "" {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fireTimeout)
	defer cancel()

	defer func() {
		if recovered := recover(); recovered != nil {
			log.Errorf("notify: %s panicked: %v", ev.Type, recovered)
		}
	}()
	if errSend := t.Send(sendCtx, ev); errSend != nil {
		log.WithError(errSend).WithFields(log.Fields{
			"event":      ev.Type,
			"user_id":    ev.UserID,
			"related_id": ev.RelatedID,
		}).Warn("notify: send failed")
	}
}

// FireAll fires each event in order.
func FireAll(ctx context.Context, t Trigger, events []Event) {
	for _, ev := range events {
		Fire(ctx, t, ev)
	}
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Trigger

// Send delivers ev to all sinks, continuing past failures.
func (m Multi) Send(ctx context.Context, ev Event) error {
	var errs []error
	for _, t := range m {
		if t == nil {
			continue
		}
		if errSend := t.Send(ctx, ev); errSend != nil {
			errs = append(errs, errSend)
		}
	}
	return errors.Join(errs...)
}

// LogTrigger writes events to the standard logger.
type LogTrigger struct{}

// Send logs ev at info level.
func (LogTrigger) Send(_ context.Context, ev Event) error {
	log.WithFields(log.Fields{
		"event":        ev.Type,
		"user_id":      ev.UserID,
		"related_type": ev.RelatedType,
		"related_id":   ev.RelatedID,
	}).Info("notify: event")
	return nil
}

// DBTrigger persists events as Notification rows for delivery workers.
type DBTrigger struct {
	db *gorm.DB
}

// NewDBTrigger returns a DBTrigger, or nil without a database.
func NewDBTrigger(db *gorm.DB) *DBTrigger {
	if db == nil {
		return nil
	}
	return &DBTrigger{db: db}
}

// Send inserts a Notification row.
func (t *DBTrigger) Send(ctx context.Context, ev Event) error {
	if t == nil || t.db == nil {
		return nil
	}
	row := models.Notification{
		UserID:      ev.UserID,
		EventType:   ev.Type,
		RelatedType: ev.RelatedType,
	}
	if ev.RelatedID > 0 {
		id := ev.RelatedID
		row.RelatedID = &id
	}
	if len(ev.Context) > 0 {
		raw, errMarshal := json.Marshal(ev.Context)
		if errMarshal != nil {
			return fmt.Errorf("notify: encode context: %w", errMarshal)
		}
		row.Context = datatypes.JSON(raw)
	}
	if errCreate := t.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("notify: persist %s: %w", ev.Type, errCreate)
	}
	return nil
}

// RedisTrigger publishes events as JSON on a channel.
type RedisTrigger struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisTrigger returns a RedisTrigger, or nil without a client.
func NewRedisTrigger(client redis.UniversalClient, channel string) *RedisTrigger {
	if client == nil {
		return nil
	}
	if channel == "" {
		channel = "emi:events"
	}
	return &RedisTrigger{client: client, channel: channel}
}

// Send publishes ev.
func (t *RedisTrigger) Send(ctx context.Context, ev Event) error {
	if t == nil || t.client == nil {
		return nil
	}
	payload, errMarshal := json.Marshal(ev)
	if errMarshal != nil {
		return fmt.Errorf("notify: encode event: %w", errMarshal)
	}
	if errPublish := t.client.Publish(ctx, t.channel, payload).Err(); errPublish != nil {
		return fmt.Errorf("notify: publish %s: %w", ev.Type, errPublish)
	}
	return nil
}
