// Package installment owns EMI installment rows: generation, payment,
// derived record totals and the time-based status sweep.
package installment

import (
	"context"
	"errors"
	"fmt"
	"time"

	dbutil "github.com/router-for-me/MarketEMI/internal/db"
	"github.com/router-for-me/MarketEMI/internal/emierr"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/notify"
	"github.com/router-for-me/MarketEMI/internal/settings"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PeriodDays is the fixed spacing between due dates.
const PeriodDays = 30

// ErrAlreadyPaid is returned by MarkPaid for a row that is already paid.
var ErrAlreadyPaid = errors.New("installment already paid")

// Scheduler mutates installment rows and recomputes their record.
type Scheduler struct {
	db      *gorm.DB
	trigger notify.Trigger
	now     func() time.Time
}

// NewScheduler constructs a Scheduler. trigger may be nil.
func NewScheduler(db *gorm.DB, trigger notify.Trigger) *Scheduler {
	return &Scheduler{db: db, trigger: trigger, now: time.Now}
}

// DayStart truncates t to UTC midnight.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DueDate returns the due date of installment number for a schedule starting at start.
func DueDate(start time.Time, number int) time.Time {
	return DayStart(start).AddDate(0, 0, PeriodDays*number)
}

// Generate creates exactly record.Tenure rows numbered 1..Tenure. It must run
// inside the transaction that created the record.
func (s *Scheduler) Generate(tx *gorm.DB, record *models.EMIRecord, start time.Time) ([]models.EMIInstallment, error) {
	if record == nil || record.ID == 0 {
		return nil, emierr.Integrity("emi_record", 0, "generate installments without a stored record")
	}
	if record.Tenure <= 0 {
		return nil, emierr.Integrity("emi_record", record.ID, "tenure %d", record.Tenure)
	}

	var existing int64
	if errCount := tx.Model(&models.EMIInstallment{}).Where("record_id = ?", record.ID).Count(&existing).Error; errCount != nil {
		return nil, errCount
	}
	if existing > 0 {
		return nil, emierr.Integrity("emi_record", record.ID, "installments already generated")
	}

	// The last installment absorbs the rounding remainder so the schedule
	// sums to the financed amount.
	last := record.TotalPayable.Sub(record.DownPayment).Sub(record.MonthlyInstallment.Mul(decimal.NewFromInt(int64(record.Tenure - 1))))
	if !last.IsPositive() {
		last = record.MonthlyInstallment
	}

	rows := make([]models.EMIInstallment, 0, record.Tenure)
	for i := 1; i <= record.Tenure; i++ {
		amount := record.MonthlyInstallment
		if i == record.Tenure {
			amount = last
		}
		rows = append(rows, models.EMIInstallment{
			RecordID:   record.ID,
			Number:     i,
			Amount:     amount,
			DueDate:    DueDate(start, i),
			Status:     models.InstallmentPending,
			PaidAmount: decimal.Zero,
		})
	}
	if errCreate := tx.Create(&rows).Error; errCreate != nil {
		return nil, fmt.Errorf("installment: create rows: %w", errCreate)
	}
	return rows, nil
}

// PaidResult reports what MarkPaid changed.
type PaidResult struct {
	Installment models.EMIInstallment
	Record      models.EMIRecord
	Completed   bool
}

// MarkPaid settles one installment and recomputes its record. Paid is terminal:
// a second call returns ErrAlreadyPaid and changes nothing.
func (s *Scheduler) MarkPaid(tx *gorm.DB, installmentID uint64, amount decimal.Decimal, method, transactionID string) (PaidResult, error) {
	var row models.EMIInstallment
	if errFind := dbutil.ForUpdate(tx).First(&row, installmentID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return PaidResult{}, emierr.Integrity("emi_installment", installmentID, "not found")
		}
		return PaidResult{}, errFind
	}
	if row.Status == models.InstallmentPaid {
		return PaidResult{}, ErrAlreadyPaid
	}

	now := s.now().UTC()
	res := tx.Model(&models.EMIInstallment{}).
		Where("id = ? AND status <> ?", row.ID, models.InstallmentPaid).
		Updates(map[string]any{
			"status":         models.InstallmentPaid,
			"paid_amount":    amount,
			"paid_at":        now,
			"payment_method": method,
			"transaction_id": transactionID,
		})
	if res.Error != nil {
		return PaidResult{}, res.Error
	}
	if res.RowsAffected == 0 {
		return PaidResult{}, ErrAlreadyPaid
	}
	row.Status = models.InstallmentPaid
	row.PaidAmount = amount
	row.PaidAt = &now
	row.PaymentMethod = method
	row.TransactionID = transactionID

	record, wasCompleted, errUpdate := s.UpdatePaymentStatus(tx, row.RecordID)
	if errUpdate != nil {
		return PaidResult{}, errUpdate
	}
	return PaidResult{Installment: row, Record: record, Completed: wasCompleted}, nil
}

// UpdatePaymentStatus recomputes InstallmentsPaid, AmountPaid and RemainingAmount
// from the record's rows and moves the record between active, defaulted and
// completed. completedNow is true when this call completed the record.
func (s *Scheduler) UpdatePaymentStatus(tx *gorm.DB, recordID uint64) (record models.EMIRecord, completedNow bool, err error) {
	if errFind := dbutil.ForUpdate(tx).First(&record, recordID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return record, false, emierr.Integrity("emi_record", recordID, "not found")
		}
		return record, false, errFind
	}
	if record.BankManaged {
		return record, false, nil
	}

	var rows []models.EMIInstallment
	if errRows := tx.Where("record_id = ?", record.ID).Order("number ASC").Find(&rows).Error; errRows != nil {
		return record, false, errRows
	}

	paidCount := 0
	overdue := 0
	amountPaid := decimal.Zero
	if record.DownPaymentPaid {
		amountPaid = amountPaid.Add(record.DownPayment)
	}
	for _, row := range rows {
		switch row.Status {
		case models.InstallmentPaid:
			paidCount++
			amountPaid = amountPaid.Add(row.PaidAmount)
		case models.InstallmentOverdue:
			overdue++
		}
	}
	remaining := record.TotalPayable.Sub(amountPaid)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	status := record.Status
	var completedAt *time.Time
	switch {
	case record.Status == models.RecordCancelled:
	case paidCount == record.Tenure && record.DownPaymentPaid:
		status = models.RecordCompleted
		if record.CompletedAt == nil {
			now := s.now().UTC()
			completedAt = &now
		} else {
			completedAt = record.CompletedAt
		}
	case record.Status == models.RecordDefaulted && overdue == 0:
		status = models.RecordActive
	}
	completedNow = status == models.RecordCompleted && record.Status != models.RecordCompleted

	updates := map[string]any{
		"installments_paid": paidCount,
		"amount_paid":       amountPaid,
		"remaining_amount":  remaining,
		"status":            status,
		"completed_at":      completedAt,
	}
	if errSave := tx.Model(&models.EMIRecord{}).Where("id = ?", record.ID).Updates(updates).Error; errSave != nil {
		return record, false, errSave
	}
	record.InstallmentsPaid = paidCount
	record.AmountPaid = amountPaid
	record.RemainingAmount = remaining
	record.Status = status
	record.CompletedAt = completedAt
	return record, completedNow, nil
}

// Transition is one installment status change made by a sweep.
type Transition struct {
	InstallmentID uint64
	RecordID      uint64
	UserID        uint64
	Number        int
	From          models.InstallmentStatus
	To            models.InstallmentStatus
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Transitions []Transition
	Defaulted   []uint64
}

// candidate is a row selected for a sweep transition.
type candidate struct {
	ID       uint64
	RecordID uint64
	Number   int
	Status   models.InstallmentStatus
	UserID   uint64
}

// Sweep advances installments by date: pending rows due today become due,
// pending or due rows past their date become overdue. Paid rows are never
// selected and the updates are conditional on the prior status, so repeated
// runs on the same day change nothing.
func (s *Scheduler) Sweep(ctx context.Context, today time.Time) (SweepResult, error) {
	day := DayStart(today)
	next := day.AddDate(0, 0, 1)
	threshold := settings.DefaultAfterOverdueInstallments()

	var result SweepResult
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dueRows, errDue := s.selectCandidates(tx, []models.InstallmentStatus{models.InstallmentPending}, "emi_installments.due_date >= ? AND emi_installments.due_date < ?", day, next)
		if errDue != nil {
			return errDue
		}
		moved, errMove := s.advance(tx, dueRows, []models.InstallmentStatus{models.InstallmentPending}, models.InstallmentDue)
		if errMove != nil {
			return errMove
		}
		result.Transitions = append(result.Transitions, moved...)

		lateStatuses := []models.InstallmentStatus{models.InstallmentPending, models.InstallmentDue}
		lateRows, errLate := s.selectCandidates(tx, lateStatuses, "emi_installments.due_date < ?", day)
		if errLate != nil {
			return errLate
		}
		moved, errMove = s.advance(tx, lateRows, lateStatuses, models.InstallmentOverdue)
		if errMove != nil {
			return errMove
		}
		result.Transitions = append(result.Transitions, moved...)

		defaulted, errDefault := s.markDefaults(tx, threshold)
		if errDefault != nil {
			return errDefault
		}
		result.Defaulted = defaulted
		return nil
	})
	if errTx != nil {
		return SweepResult{}, errTx
	}

	if len(result.Transitions) > 0 || len(result.Defaulted) > 0 {
		log.Infof("installment sweep: %d transitions, %d records defaulted (day=%s)", len(result.Transitions), len(result.Defaulted), day.Format("2006-01-02"))
	}
	s.notifySweep(ctx, result)
	return result, nil
}

func (s *Scheduler) selectCandidates(tx *gorm.DB, statuses []models.InstallmentStatus, dateCond string, args ...any) ([]candidate, error) {
	var rows []candidate
	// Rows another replica is already sweeping are left to it.
	q := dbutil.SkipLocked(tx).
		Table("emi_installments").
		Select("emi_installments.id, emi_installments.record_id, emi_installments.number, emi_installments.status, emi_records.user_id").
		Joins("JOIN emi_records ON emi_records.id = emi_installments.record_id").
		Where("emi_installments.status IN ?", statuses).
		Where("emi_records.status IN ?", []models.RecordStatus{models.RecordActive, models.RecordDefaulted}).
		Where(dateCond, args...).
		Order("emi_installments.id ASC")
	if errFind := q.Scan(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("installment sweep: select: %w", errFind)
	}
	return rows, nil
}

func (s *Scheduler) advance(tx *gorm.DB, rows []candidate, from []models.InstallmentStatus, to models.InstallmentStatus) ([]Transition, error) {
	var out []Transition
	for _, row := range rows {
		res := tx.Model(&models.EMIInstallment{}).
			Where("id = ? AND status IN ?", row.ID, from).
			Update("status", to)
		if res.Error != nil {
			return nil, fmt.Errorf("installment sweep: update %d: %w", row.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		out = append(out, Transition{
			InstallmentID: row.ID,
			RecordID:      row.RecordID,
			UserID:        row.UserID,
			Number:        row.Number,
			From:          row.Status,
			To:            to,
		})
	}
	return out, nil
}

func (s *Scheduler) markDefaults(tx *gorm.DB, threshold int) ([]uint64, error) {
	var ids []uint64
	errFind := tx.Model(&models.EMIInstallment{}).
		Select("emi_installments.record_id").
		Joins("JOIN emi_records ON emi_records.id = emi_installments.record_id").
		Where("emi_installments.status = ?", models.InstallmentOverdue).
		Where("emi_records.status = ?", models.RecordActive).
		Group("emi_installments.record_id").
		Having("COUNT(*) >= ?", threshold).
		Pluck("emi_installments.record_id", &ids).Error
	if errFind != nil {
		return nil, fmt.Errorf("installment sweep: find defaults: %w", errFind)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if errUpdate := tx.Model(&models.EMIRecord{}).
		Where("id IN ? AND status = ?", ids, models.RecordActive).
		Update("status", models.RecordDefaulted).Error; errUpdate != nil {
		return nil, fmt.Errorf("installment sweep: mark defaults: %w", errUpdate)
	}
	return ids, nil
}

func (s *Scheduler) notifySweep(ctx context.Context, result SweepResult) {
	if s.trigger == nil {
		return
	}
	for _, tr := range result.Transitions {
		eventType := notify.EventInstallmentDue
		if tr.To == models.InstallmentOverdue {
			eventType = notify.EventInstallmentOverdue
		}
		notify.Fire(ctx, s.trigger, notify.Event{
			Type:        eventType,
			UserID:      tr.UserID,
			RelatedType: notify.RelatedInstallment,
			RelatedID:   tr.InstallmentID,
			Context:     map[string]any{"installment_number": tr.Number, "record_id": tr.RecordID},
		})
	}
	if len(result.Defaulted) == 0 {
		return
	}
	var records []models.EMIRecord
	if errFind := s.db.WithContext(ctx).Select("id", "user_id").Where("id IN ?", result.Defaulted).Find(&records).Error; errFind != nil {
		log.WithError(errFind).Warn("installment sweep: load defaulted records")
		return
	}
	for _, record := range records {
		notify.Fire(ctx, s.trigger, notify.Event{
			Type:        notify.EventRecordDefaulted,
			UserID:      record.UserID,
			RelatedType: notify.RelatedRecord,
			RelatedID:   record.ID,
		})
	}
}

// RemindUpcoming fires a reminder for each unpaid installment due within the
// configured lead time and stamps it so it is reminded once.
func (s *Scheduler) RemindUpcoming(ctx context.Context, today time.Time) (int, error) {
	day := DayStart(today)
	horizon := day.AddDate(0, 0, settings.ReminderDaysBeforeDue()+1)

	var rows []candidate
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		selected, errSelect := s.selectCandidates(tx,
			[]models.InstallmentStatus{models.InstallmentPending, models.InstallmentDue},
			"emi_installments.due_date >= ? AND emi_installments.due_date < ? AND emi_installments.reminder_sent_at IS NULL", day, horizon)
		if errSelect != nil {
			return errSelect
		}
		now := s.now().UTC()
		for _, row := range selected {
			res := tx.Model(&models.EMIInstallment{}).
				Where("id = ? AND reminder_sent_at IS NULL", row.ID).
				Update("reminder_sent_at", now)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				rows = append(rows, row)
			}
		}
		return nil
	})
	if errTx != nil {
		return 0, errTx
	}

	for _, row := range rows {
		notify.Fire(ctx, s.trigger, notify.Event{
			Type:        notify.EventInstallmentReminder,
			UserID:      row.UserID,
			RelatedType: notify.RelatedInstallment,
			RelatedID:   row.ID,
			Context:     map[string]any{"installment_number": row.Number, "record_id": row.RecordID},
		})
	}
	return len(rows), nil
}
