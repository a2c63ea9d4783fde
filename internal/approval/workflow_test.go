package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	dbutil "github.com/router-for-me/MarketEMI/internal/db"
	"github.com/router-for-me/MarketEMI/internal/emierr"
	"github.com/router-for-me/MarketEMI/internal/installment"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/notify"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) Send(_ context.Context, ev notify.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, ev.Type)
	return nil
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.types {
		if t == eventType {
			n++
		}
	}
	return n
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:approval_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func newWorkflow(conn *gorm.DB, trigger notify.Trigger) *Workflow {
	return NewWorkflow(conn, installment.NewScheduler(conn, trigger), trigger)
}

func createPlan(t *testing.T, conn *gorm.DB, kind models.PlanKind) models.EMIPlan {
	t.Helper()
	p := models.EMIPlan{
		Name:           string(kind) + " 12m",
		Kind:           kind,
		DurationMonths: 12,
		DownPaymentPct: decimal.NewFromInt(20),
		IsActive:       true,
	}
	if kind == models.PlanKindCardless {
		rate := decimal.NewFromInt(12)
		p.InterestRate = &rate
	}
	if errCreate := conn.Create(&p).Error; errCreate != nil {
		t.Fatalf("create plan: %v", errCreate)
	}
	return p
}

func createApplication(t *testing.T, conn *gorm.DB, p models.EMIPlan, tenure int, income string) models.EMIApplication {
	t.Helper()
	order := models.Order{
		UserID: 9,
		Number: fmt.Sprintf("ORD-%d", time.Now().UnixNano()),
		Total:  decimal.NewFromInt(12000),
		Status: models.OrderPending,
	}
	if errCreate := conn.Create(&order).Error; errCreate != nil {
		t.Fatalf("create order: %v", errCreate)
	}
	app := models.EMIApplication{
		UserID:             order.UserID,
		OrderID:            order.ID,
		PlanID:             p.ID,
		LineLabel:          "Laptop",
		Price:              decimal.NewFromInt(12000),
		Tenure:             tenure,
		DownPayment:        decimal.NewFromInt(2400),
		Principal:          decimal.NewFromInt(9600),
		ProcessingFee:      decimal.NewFromInt(100),
		MonthlyInstallment: decimal.RequireFromString("852.95"),
		TotalPayable:       decimal.RequireFromString("12735.40"),
		TotalInterest:      decimal.RequireFromString("635.40"),
		Status:             models.ApplicationPending,
	}
	if income != "" {
		app.Cardless = models.CardlessProfile{
			EmploymentType: "salaried",
			Employer:       "Acme",
			MonthlyIncome:  decimal.RequireFromString(income),
			NationalID:     "1990123456789",
		}
	}
	if errCreate := conn.Create(&app).Error; errCreate != nil {
		t.Fatalf("create application: %v", errCreate)
	}
	return app
}

func countRows(t *testing.T, conn *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if errCount := conn.Model(model).Where(query, args...).Count(&n).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	return n
}

func TestApproveTwiceCreatesOneRecord(t *testing.T) {
	conn := openTestDB(t)
	events := &eventLog{}
	w := newWorkflow(conn, events)
	app := createApplication(t, conn, createPlan(t, conn, models.PlanKindCardless), 12, "60000")

	first, errApprove := w.Approve(context.Background(), app.ID, "looks good", "alice")
	if errApprove != nil {
		t.Fatalf("approve: %v", errApprove)
	}
	if first.From != models.ApplicationPending || first.To != models.ApplicationApproved || !first.RecordCreated {
		t.Fatalf("first transition = %+v", first)
	}

	second, errApprove := w.Approve(context.Background(), app.ID, "again", "bob")
	if errApprove != nil {
		t.Fatalf("second approve: %v", errApprove)
	}
	if second.Changed() || second.RecordCreated || second.RecordID != first.RecordID {
		t.Fatalf("second transition = %+v", second)
	}

	if n := countRows(t, conn, &models.EMIRecord{}, "application_id = ?", app.ID); n != 1 {
		t.Fatalf("records = %d", n)
	}
	if n := countRows(t, conn, &models.EMIInstallment{}, "record_id = ?", first.RecordID); n != 12 {
		t.Fatalf("installments = %d", n)
	}

	var record models.EMIRecord
	if errFind := conn.First(&record, first.RecordID).Error; errFind != nil {
		t.Fatalf("load record: %v", errFind)
	}
	wantTotal := decimal.NewFromInt(2400).Add(decimal.RequireFromString("852.95").Mul(decimal.NewFromInt(12)))
	if !record.TotalPayable.Equal(wantTotal) || record.DownPaymentPaid || record.BankManaged {
		t.Fatalf("record = %+v", record)
	}

	var stored models.EMIApplication
	if errFind := conn.First(&stored, app.ID).Error; errFind != nil {
		t.Fatalf("load application: %v", errFind)
	}
	if stored.ReviewedBy != "alice" || stored.ApprovedAt == nil || stored.ReviewNotes != "looks good" {
		t.Fatalf("application = %+v", stored)
	}
	if events.count(notify.EventApplicationApproved) != 1 || events.count(notify.EventRecordCreated) != 1 {
		t.Fatalf("events = %v", events.types)
	}
}

func TestApproveWithPaidDepositStartsPaid(t *testing.T) {
	conn := openTestDB(t)
	w := newWorkflow(conn, nil)
	app := createApplication(t, conn, createPlan(t, conn, models.PlanKindCardless), 6, "60000")
	paidAt := time.Now().UTC()
	if errUpdate := conn.Model(&models.EMIApplication{}).Where("id = ?", app.ID).Update("down_payment_paid_at", paidAt).Error; errUpdate != nil {
		t.Fatalf("mark deposit: %v", errUpdate)
	}

	tr, errApprove := w.Approve(context.Background(), app.ID, "", "alice")
	if errApprove != nil {
		t.Fatalf("approve: %v", errApprove)
	}
	var record models.EMIRecord
	if errFind := conn.First(&record, tr.RecordID).Error; errFind != nil {
		t.Fatalf("load record: %v", errFind)
	}
	if !record.DownPaymentPaid || !record.AmountPaid.Equal(decimal.NewFromInt(2400)) {
		t.Fatalf("record = %+v", record)
	}
	var order models.Order
	if errFind := conn.First(&order, app.OrderID).Error; errFind != nil {
		t.Fatalf("load order: %v", errFind)
	}
	if order.Status != models.OrderEMIActive || order.PaymentStatus != models.OrderEMI {
		t.Fatalf("order = %s/%s", order.Status, order.PaymentStatus)
	}
}

func TestApproveCardPlanCreatesBankManagedRecord(t *testing.T) {
	conn := openTestDB(t)
	w := newWorkflow(conn, nil)
	app := createApplication(t, conn, createPlan(t, conn, models.PlanKindCard), 6, "")

	tr, errApprove := w.Approve(context.Background(), app.ID, "", ReviewerAuto)
	if errApprove != nil {
		t.Fatalf("approve: %v", errApprove)
	}
	var record models.EMIRecord
	if errFind := conn.First(&record, tr.RecordID).Error; errFind != nil {
		t.Fatalf("load record: %v", errFind)
	}
	if !record.BankManaged || record.Tenure != 12 {
		t.Fatalf("record = %+v", record)
	}
	if n := countRows(t, conn, &models.EMIInstallment{}, "record_id = ?", record.ID); n != 0 {
		t.Fatalf("bank-managed record has %d installments", n)
	}

	var changed bool
	errTx := conn.Transaction(func(tx *gorm.DB) error {
		var errMark error
		changed, errMark = w.MarkDownPaymentPaid(tx, &record)
		return errMark
	})
	if errTx != nil || !changed {
		t.Fatalf("mark down payment: changed=%v err=%v", changed, errTx)
	}
	if !record.AmountPaid.Equal(record.DownPayment) {
		t.Fatalf("amount paid = %s", record.AmountPaid)
	}
}

func TestMarkDownPaymentPaidRecomputesCardlessRecord(t *testing.T) {
	conn := openTestDB(t)
	w := newWorkflow(conn, nil)
	app := createApplication(t, conn, createPlan(t, conn, models.PlanKindCardless), 3, "60000")
	tr, errApprove := w.Approve(context.Background(), app.ID, "", "alice")
	if errApprove != nil {
		t.Fatalf("approve: %v", errApprove)
	}
	var record models.EMIRecord
	if errFind := conn.First(&record, tr.RecordID).Error; errFind != nil {
		t.Fatalf("load record: %v", errFind)
	}

	for i, want := range []bool{true, false} {
		var changed bool
		errTx := conn.Transaction(func(tx *gorm.DB) error {
			var errMark error
			changed, errMark = w.MarkDownPaymentPaid(tx, &record)
			return errMark
		})
		if errTx != nil {
			t.Fatalf("mark %d: %v", i, errTx)
		}
		if changed != want {
			t.Fatalf("mark %d changed = %v", i, changed)
		}
	}
	var stored models.EMIRecord
	if errFind := conn.First(&stored, record.ID).Error; errFind != nil {
		t.Fatalf("load record: %v", errFind)
	}
	if !stored.DownPaymentPaid || !stored.AmountPaid.Equal(decimal.NewFromInt(2400)) {
		t.Fatalf("record = %+v", stored)
	}
	if !stored.RemainingAmount.Equal(stored.TotalPayable.Sub(stored.AmountPaid)) {
		t.Fatalf("remaining = %s", stored.RemainingAmount)
	}
}

func TestApproveMissingOrderIsIntegrityError(t *testing.T) {
	conn := openTestDB(t)
	w := newWorkflow(conn, nil)
	app := createApplication(t, conn, createPlan(t, conn, models.PlanKindCardless), 12, "60000")
	if errDelete := conn.Delete(&models.Order{}, app.OrderID).Error; errDelete != nil {
		t.Fatalf("delete order: %v", errDelete)
	}

	_, errApprove := w.Approve(context.Background(), app.ID, "", "alice")
	if !emierr.IsIntegrity(errApprove) {
		t.Fatalf("expected integrity error, got %v", errApprove)
	}
	var stored models.EMIApplication
	if errFind := conn.First(&stored, app.ID).Error; errFind != nil {
		t.Fatalf("load application: %v", errFind)
	}
	if stored.Status != models.ApplicationPending {
		t.Fatalf("status = %s, want rollback to pending", stored.Status)
	}
}

func TestRejectRequiresReasonAndIsTerminal(t *testing.T) {
	conn := openTestDB(t)
	events := &eventLog{}
	w := newWorkflow(conn, events)
	app := createApplication(t, conn, createPlan(t, conn, models.PlanKindCardless), 12, "60000")

	if _, errReject := w.Reject(context.Background(), app.ID, "   ", "alice"); !emierr.IsValidation(errReject) {
		t.Fatalf("expected validation error for empty reason, got %v", errReject)
	}

	tr, errReject := w.Reject(context.Background(), app.ID, "income not verified", "alice")
	if errReject != nil {
		t.Fatalf("reject: %v", errReject)
	}
	if tr.From != models.ApplicationPending || tr.To != models.ApplicationRejected {
		t.Fatalf("transition = %+v", tr)
	}

	again, errReject := w.Reject(context.Background(), app.ID, "still no", "bob")
	if errReject != nil || again.Changed() {
		t.Fatalf("second reject = %+v, %v", again, errReject)
	}
	if _, errApprove := w.Approve(context.Background(), app.ID, "", "bob"); !emierr.IsValidation(errApprove) {
		t.Fatalf("expected validation error approving rejected application, got %v", errApprove)
	}
	if n := countRows(t, conn, &models.EMIRecord{}, "application_id = ?", app.ID); n != 0 {
		t.Fatalf("records = %d", n)
	}
	if events.count(notify.EventApplicationRejected) != 1 {
		t.Fatalf("events = %v", events.types)
	}
}

func TestCancelPendingOnly(t *testing.T) {
	conn := openTestDB(t)
	w := newWorkflow(conn, nil)
	plan := createPlan(t, conn, models.PlanKindCardless)

	pending := createApplication(t, conn, plan, 12, "60000")
	tr, errCancel := w.Cancel(context.Background(), pending.ID, "changed my mind")
	if errCancel != nil || tr.To != models.ApplicationCancelled {
		t.Fatalf("cancel = %+v, %v", tr, errCancel)
	}

	approved := createApplication(t, conn, plan, 12, "60000")
	if _, errApprove := w.Approve(context.Background(), approved.ID, "", "alice"); errApprove != nil {
		t.Fatalf("approve: %v", errApprove)
	}
	if _, errCancel := w.Cancel(context.Background(), approved.ID, ""); !emierr.IsValidation(errCancel) {
		t.Fatalf("expected validation error cancelling approved application, got %v", errCancel)
	}

	if _, errCancel := w.Cancel(context.Background(), 999999, ""); !errors.Is(errCancel, ErrNotFound) {
		t.Fatalf("expected not found, got %v", errCancel)
	}
}
