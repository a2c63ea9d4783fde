package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/router-for-me/MarketEMI/internal/approval"
	dbutil "github.com/router-for-me/MarketEMI/internal/db"
	"github.com/router-for-me/MarketEMI/internal/emierr"
	"github.com/router-for-me/MarketEMI/internal/gateway"
	"github.com/router-for-me/MarketEMI/internal/installment"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/settings"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeValidator answers VALID for every known val_id, echoing the local amount.
type fakeValidator struct {
	mu      sync.Mutex
	calls   int
	invalid map[string]string
	err     error
}

func (f *fakeValidator) ValidateTransaction(_ context.Context, req gateway.ValidationRequest) (gateway.Validation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return gateway.Validation{}, f.err
	}
	if reason, ok := f.invalid[req.ValID]; ok {
		return gateway.Validation{Status: "INVALID_TRANSACTION", Reason: reason}, nil
	}
	return gateway.Validation{
		Valid:         true,
		Status:        "VALID",
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		BankTranID:    "BANK-" + req.TransactionID,
		CardType:      "VISA-Dutch Bangla",
	}, nil
}

type fixture struct {
	t         *testing.T
	db        *gorm.DB
	validator *fakeValidator
	workflow  *approval.Workflow
	engine    *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:reconcile_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
	require.NoError(t, errOpen)
	require.NoError(t, dbutil.Migrate(conn))

	scheduler := installment.NewScheduler(conn, nil)
	workflow := approval.NewWorkflow(conn, scheduler, nil)
	validator := &fakeValidator{invalid: map[string]string{}}
	return &fixture{
		t:         t,
		db:        conn,
		validator: validator,
		workflow:  workflow,
		engine:    NewEngine(conn, validator, workflow, scheduler, nil),
	}
}

func (f *fixture) order(total int64) models.Order {
	order := models.Order{
		UserID: 11,
		Number: fmt.Sprintf("ORD-%d", time.Now().UnixNano()),
		Total:  decimal.NewFromInt(total),
		Status: models.OrderPending,
	}
	require.NoError(f.t, f.db.Create(&order).Error)
	return order
}

func (f *fixture) plan(kind models.PlanKind) models.EMIPlan {
	p := models.EMIPlan{Name: string(kind), Kind: kind, DurationMonths: 12, DownPaymentPct: decimal.NewFromInt(20), IsActive: true}
	if kind == models.PlanKindCardless {
		rate := decimal.NewFromInt(12)
		p.InterestRate = &rate
	}
	require.NoError(f.t, f.db.Create(&p).Error)
	return p
}

func (f *fixture) application(order models.Order, p models.EMIPlan, tenure int) models.EMIApplication {
	app := models.EMIApplication{
		UserID:             order.UserID,
		OrderID:            order.ID,
		PlanID:             p.ID,
		Price:              order.Total,
		Tenure:             tenure,
		DownPayment:        decimal.NewFromInt(2400),
		Principal:          decimal.NewFromInt(9600),
		MonthlyInstallment: decimal.NewFromInt(800),
		TotalPayable:       decimal.NewFromInt(2400 + 800*int64(tenure)),
		Status:             models.ApplicationPending,
		Cardless: models.CardlessProfile{
			EmploymentType: "salaried",
			MonthlyIncome:  decimal.NewFromInt(70000),
			NationalID:     "1234567890",
		},
	}
	require.NoError(f.t, f.db.Create(&app).Error)
	return app
}

func (f *fixture) payment(order models.Order, typ models.PaymentType, amount decimal.Decimal, mutate func(*models.Payment)) models.Payment {
	p := models.Payment{
		TransactionID: fmt.Sprintf("TXN-%d", time.Now().UnixNano()),
		OrderID:       order.ID,
		UserID:        order.UserID,
		Amount:        amount,
		Currency:      "BDT",
		PaymentType:   typ,
		Status:        models.PaymentPending,
	}
	if mutate != nil {
		mutate(&p)
	}
	require.NoError(f.t, f.db.Create(&p).Error)
	return p
}

func (f *fixture) reload(model any, id uint64) {
	require.NoError(f.t, f.db.First(model, id).Error)
}

func success(p models.Payment, source Source) Callback {
	return Callback{
		TranID:   p.TransactionID,
		ValID:    "VAL-" + p.TransactionID,
		Amount:   p.Amount,
		Currency: p.Currency,
		Status:   "VALID",
		Source:   source,
		Raw:      map[string]string{"tran_id": p.TransactionID, "status": "VALID"},
	}
}

func TestDownPaymentRedirectAndIPNApplyOnce(t *testing.T) {
	f := newFixture(t)
	order := f.order(12000)
	app := f.application(order, f.plan(models.PlanKindCardless), 12)
	tr, errApprove := f.workflow.Approve(context.Background(), app.ID, "", "alice")
	require.NoError(t, errApprove)

	appID := app.ID
	p := f.payment(order, models.PaymentTypeDownPayment, decimal.NewFromInt(2400), func(p *models.Payment) {
		p.ApplicationID = &appID
	})

	out, errRedirect := f.engine.HandleSuccess(context.Background(), success(p, SourceRedirect))
	require.NoError(t, errRedirect)
	assert.Equal(t, models.PaymentPending, out.From)
	assert.Equal(t, models.PaymentCompleted, out.To)
	assert.Empty(t, out.ReviewNote)

	_, errIPN := f.engine.HandleSuccess(context.Background(), success(p, SourceIPN))
	require.Error(t, errIPN)
	assert.True(t, emierr.IsConflict(errIPN))
	assert.Equal(t, 1, f.validator.calls, "a completed payment is not validated again")

	var records []models.EMIRecord
	require.NoError(t, f.db.Where("application_id = ?", app.ID).Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, tr.RecordID, records[0].ID)
	assert.True(t, records[0].DownPaymentPaid)
	assert.True(t, records[0].AmountPaid.Equal(decimal.NewFromInt(2400)))

	var installments int64
	require.NoError(t, f.db.Model(&models.EMIInstallment{}).Where("record_id = ?", records[0].ID).Count(&installments).Error)
	assert.EqualValues(t, 12, installments)

	var storedOrder models.Order
	f.reload(&storedOrder, order.ID)
	assert.Equal(t, models.OrderEMIActive, storedOrder.Status)

	var storedPayment models.Payment
	f.reload(&storedPayment, p.ID)
	assert.Equal(t, models.PaymentCompleted, storedPayment.Status)
	assert.Equal(t, "BANK-"+p.TransactionID, storedPayment.BankTranID)
	require.NotNil(t, storedPayment.ValidatedAmount)
	assert.True(t, storedPayment.ValidatedAmount.Equal(decimal.NewFromInt(2400)))
	assert.JSONEq(t, `{"tran_id":"`+p.TransactionID+`","status":"VALID"}`, string(storedPayment.GatewayPayload))
}

func TestDownPaymentBeforeApproval(t *testing.T) {
	f := newFixture(t)
	order := f.order(12000)
	app := f.application(order, f.plan(models.PlanKindCardless), 6)
	appID := app.ID
	p := f.payment(order, models.PaymentTypeDownPayment, decimal.NewFromInt(2400), func(p *models.Payment) {
		p.ApplicationID = &appID
	})

	_, errSuccess := f.engine.HandleSuccess(context.Background(), success(p, SourceIPN))
	require.NoError(t, errSuccess)

	var storedApp models.EMIApplication
	f.reload(&storedApp, app.ID)
	assert.Equal(t, models.ApplicationPending, storedApp.Status)
	require.NotNil(t, storedApp.DownPaymentPaidAt)

	var records int64
	require.NoError(t, f.db.Model(&models.EMIRecord{}).Count(&records).Error)
	assert.Zero(t, records)

	tr, errApprove := f.workflow.Approve(context.Background(), app.ID, "", "alice")
	require.NoError(t, errApprove)
	var record models.EMIRecord
	f.reload(&record, tr.RecordID)
	assert.True(t, record.DownPaymentPaid)

	var storedOrder models.Order
	f.reload(&storedOrder, order.ID)
	assert.Equal(t, models.OrderEMIActive, storedOrder.Status)
}

func TestDownPaymentForRejectedApplicationNeedsReview(t *testing.T) {
	f := newFixture(t)
	order := f.order(12000)
	app := f.application(order, f.plan(models.PlanKindCardless), 6)
	_, errReject := f.workflow.Reject(context.Background(), app.ID, "income not verified", "alice")
	require.NoError(t, errReject)

	appID := app.ID
	p := f.payment(order, models.PaymentTypeDownPayment, decimal.NewFromInt(2400), func(p *models.Payment) {
		p.ApplicationID = &appID
	})
	out, errSuccess := f.engine.HandleSuccess(context.Background(), success(p, SourceIPN))
	require.NoError(t, errSuccess)
	assert.Contains(t, out.ReviewNote, "refund required")

	var storedPayment models.Payment
	f.reload(&storedPayment, p.ID)
	assert.Equal(t, models.PaymentCompleted, storedPayment.Status)
	assert.Equal(t, out.ReviewNote, storedPayment.ReviewNote)

	var storedOrder models.Order
	f.reload(&storedOrder, order.ID)
	assert.Equal(t, models.OrderPending, storedOrder.Status, "order state untouched")

	var records int64
	require.NoError(t, f.db.Model(&models.EMIRecord{}).Count(&records).Error)
	assert.Zero(t, records)
}

func TestRegularPaymentUsesConfiguredOrderStatus(t *testing.T) {
	settings.StoreDBConfig(time.Now(), map[string]json.RawMessage{
		settings.OrderStatusAfterPaymentKey: json.RawMessage(`"shipped"`),
	})
	t.Cleanup(func() { settings.StoreDBConfig(time.Time{}, nil) })

	f := newFixture(t)
	order := f.order(500)
	p := f.payment(order, models.PaymentTypeRegular, decimal.NewFromInt(500), nil)

	_, errSuccess := f.engine.HandleSuccess(context.Background(), success(p, SourceRedirect))
	require.NoError(t, errSuccess)

	var storedOrder models.Order
	f.reload(&storedOrder, order.ID)
	assert.Equal(t, models.OrderShipped, storedOrder.Status)
	assert.Equal(t, models.OrderPaid, storedOrder.PaymentStatus)
	require.NotNil(t, storedOrder.PaidAt)
	firstPaidAt := *storedOrder.PaidAt

	_, errAgain := f.engine.HandleSuccess(context.Background(), success(p, SourceIPN))
	assert.True(t, emierr.IsConflict(errAgain))
	f.reload(&storedOrder, order.ID)
	assert.True(t, storedOrder.PaidAt.Equal(firstPaidAt), "order paid once")
}

func TestRegularPaymentDefaultsToProcessing(t *testing.T) {
	f := newFixture(t)
	order := f.order(500)
	p := f.payment(order, models.PaymentTypeRegular, decimal.NewFromInt(500), nil)

	_, errSuccess := f.engine.HandleSuccess(context.Background(), success(p, SourceIPN))
	require.NoError(t, errSuccess)

	var storedOrder models.Order
	f.reload(&storedOrder, order.ID)
	assert.Equal(t, models.OrderProcessing, storedOrder.Status)
}

func TestInstallmentPaymentsCompleteRecordAndOrder(t *testing.T) {
	f := newFixture(t)
	order := f.order(12000)
	app := f.application(order, f.plan(models.PlanKindCardless), 2)
	require.NoError(t, f.db.Model(&models.EMIApplication{}).Where("id = ?", app.ID).Update("down_payment_paid_at", time.Now().UTC()).Error)
	tr, errApprove := f.workflow.Approve(context.Background(), app.ID, "", "alice")
	require.NoError(t, errApprove)

	var rows []models.EMIInstallment
	require.NoError(t, f.db.Where("record_id = ?", tr.RecordID).Order("number ASC").Find(&rows).Error)
	require.Len(t, rows, 2)

	for i, row := range rows {
		installmentID := row.ID
		p := f.payment(order, models.PaymentTypeEMIInstallment, row.Amount, func(p *models.Payment) {
			p.InstallmentID = &installmentID
		})
		out, errSuccess := f.engine.HandleSuccess(context.Background(), success(p, SourceIPN))
		require.NoError(t, errSuccess, "installment %d", i+1)
		assert.Empty(t, out.ReviewNote)

		_, errDup := f.engine.HandleSuccess(context.Background(), success(p, SourceRedirect))
		assert.True(t, emierr.IsConflict(errDup))
	}

	var record models.EMIRecord
	f.reload(&record, tr.RecordID)
	assert.Equal(t, models.RecordCompleted, record.Status)
	assert.Equal(t, 2, record.InstallmentsPaid)
	assert.True(t, record.RemainingAmount.IsZero())

	var storedOrder models.Order
	f.reload(&storedOrder, order.ID)
	assert.Equal(t, models.OrderCompleted, storedOrder.Status)

	// A second payment for an already paid installment completes the payment
	// but flags it for a refund.
	installmentID := rows[0].ID
	extra := f.payment(order, models.PaymentTypeEMIInstallment, rows[0].Amount, func(p *models.Payment) {
		p.InstallmentID = &installmentID
	})
	out, errExtra := f.engine.HandleSuccess(context.Background(), success(extra, SourceIPN))
	require.NoError(t, errExtra)
	assert.Contains(t, out.ReviewNote, "already paid")

	var paid int64
	require.NoError(t, f.db.Model(&models.EMIInstallment{}).Where("record_id = ? AND status = ?", tr.RecordID, models.InstallmentPaid).Count(&paid).Error)
	assert.EqualValues(t, 2, paid)
}

func TestCardEMIPaymentKeepsAuditRecord(t *testing.T) {
	f := newFixture(t)
	order := f.order(30000)
	cardPlan := f.plan(models.PlanKindCard)
	app := f.application(order, cardPlan, 6)
	planID := cardPlan.ID
	p := f.payment(order, models.PaymentTypeCardEMI, decimal.NewFromInt(30000), func(p *models.Payment) {
		p.PlanID = &planID
		p.Tenure = 6
		p.BankCode = "DBBL"
	})

	_, errSuccess := f.engine.HandleSuccess(context.Background(), success(p, SourceIPN))
	require.NoError(t, errSuccess)

	var storedApp models.EMIApplication
	f.reload(&storedApp, app.ID)
	assert.Equal(t, models.ApplicationApproved, storedApp.Status)

	var record models.EMIRecord
	require.NoError(t, f.db.Where("application_id = ?", app.ID).Take(&record).Error)
	assert.True(t, record.BankManaged)
	assert.True(t, record.DownPaymentPaid)
	assert.Equal(t, cardPlan.DurationMonths, record.Tenure)
	// The audit record spreads the amount quoted for six months over the
	// plan duration instead of repeating the six-month installment.
	assert.True(t, record.TotalPayable.Equal(storedApp.TotalPayable), "total %s", record.TotalPayable)
	assert.True(t, record.MonthlyInstallment.Equal(decimal.NewFromInt(400)), "monthly %s", record.MonthlyInstallment)
	assert.True(t, record.RemainingAmount.Equal(record.TotalPayable.Sub(record.AmountPaid)))

	var storedOrder models.Order
	f.reload(&storedOrder, order.ID)
	assert.Equal(t, models.OrderPaid, storedOrder.PaymentStatus)
}

func TestCardEMIWithoutApplicationStillPaysOrder(t *testing.T) {
	f := newFixture(t)
	order := f.order(30000)
	p := f.payment(order, models.PaymentTypeCardEMI, decimal.NewFromInt(30000), nil)

	out, errSuccess := f.engine.HandleSuccess(context.Background(), success(p, SourceIPN))
	require.NoError(t, errSuccess)
	assert.Contains(t, out.ReviewNote, "no card EMI application")

	var storedOrder models.Order
	f.reload(&storedOrder, order.ID)
	assert.Equal(t, models.OrderPaid, storedOrder.PaymentStatus)
}

func TestInvalidValidationLeavesPaymentPending(t *testing.T) {
	f := newFixture(t)
	order := f.order(500)
	p := f.payment(order, models.PaymentTypeRegular, decimal.NewFromInt(500), nil)
	cb := success(p, SourceRedirect)
	f.validator.invalid[cb.ValID] = "amount mismatch"

	_, errSuccess := f.engine.HandleSuccess(context.Background(), cb)
	require.Error(t, errSuccess)
	assert.True(t, emierr.IsValidation(errSuccess))

	var stored models.Payment
	f.reload(&stored, p.ID)
	assert.Equal(t, models.PaymentPending, stored.Status)
	assert.Contains(t, stored.FailureReason, "amount mismatch")

	var storedOrder models.Order
	f.reload(&storedOrder, order.ID)
	assert.Equal(t, models.OrderUnpaid, storedOrder.PaymentStatus)
}

func TestGatewayOutageIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.validator.err = &gateway.UnavailableError{Op: "validate", Err: errors.New("timeout")}
	order := f.order(500)
	p := f.payment(order, models.PaymentTypeRegular, decimal.NewFromInt(500), nil)

	_, errSuccess := f.engine.HandleSuccess(context.Background(), success(p, SourceIPN))
	require.Error(t, errSuccess)
	assert.True(t, emierr.IsGatewayUnavailable(errSuccess))

	var stored models.Payment
	f.reload(&stored, p.ID)
	assert.Equal(t, models.PaymentPending, stored.Status)
}

func TestFailAndCancelOnlyFromPending(t *testing.T) {
	f := newFixture(t)
	order := f.order(500)

	failed := f.payment(order, models.PaymentTypeRegular, decimal.NewFromInt(500), nil)
	out, errFail := f.engine.HandleFailure(context.Background(), Callback{TranID: failed.TransactionID, Error: "insufficient funds", Source: SourceRedirect})
	require.NoError(t, errFail)
	assert.Equal(t, models.PaymentFailed, out.To)
	var stored models.Payment
	f.reload(&stored, failed.ID)
	assert.Equal(t, models.PaymentFailed, stored.Status)
	assert.Equal(t, "insufficient funds", stored.FailureReason)

	_, errCancel := f.engine.HandleCancel(context.Background(), Callback{TranID: failed.TransactionID})
	assert.True(t, emierr.IsConflict(errCancel))

	completed := f.payment(order, models.PaymentTypeRegular, decimal.NewFromInt(500), nil)
	_, errSuccess := f.engine.HandleSuccess(context.Background(), success(completed, SourceIPN))
	require.NoError(t, errSuccess)
	_, errFail = f.engine.HandleFailure(context.Background(), Callback{TranID: completed.TransactionID})
	assert.True(t, emierr.IsConflict(errFail))
	f.reload(&stored, completed.ID)
	assert.Equal(t, models.PaymentCompleted, stored.Status)

	cancelled := f.payment(order, models.PaymentTypeRegular, decimal.NewFromInt(500), nil)
	out, errCancel = f.engine.HandleCancel(context.Background(), Callback{TranID: cancelled.TransactionID})
	require.NoError(t, errCancel)
	assert.Equal(t, models.PaymentCanceled, out.To)

	_, errUnknown := f.engine.HandleSuccess(context.Background(), Callback{TranID: "nope"})
	assert.True(t, emierr.IsConflict(errUnknown))
	_, errEmpty := f.engine.HandleFailure(context.Background(), Callback{})
	assert.True(t, emierr.IsValidation(errEmpty))
}

func TestZeroDownPlanCompletesAfterInstallments(t *testing.T) {
	f := newFixture(t)
	order := f.order(3000)
	p := f.plan(models.PlanKindCardless)
	require.NoError(t, f.db.Model(&models.EMIPlan{}).Where("id = ?", p.ID).Update("down_payment_pct", decimal.Zero).Error)
	app := models.EMIApplication{
		UserID:             order.UserID,
		OrderID:            order.ID,
		PlanID:             p.ID,
		Price:              order.Total,
		Tenure:             3,
		DownPayment:        decimal.Zero,
		Principal:          decimal.NewFromInt(3000),
		MonthlyInstallment: decimal.NewFromInt(1000),
		TotalPayable:       decimal.NewFromInt(3000),
		Status:             models.ApplicationPending,
		Cardless: models.CardlessProfile{
			EmploymentType: "salaried",
			MonthlyIncome:  decimal.NewFromInt(70000),
			NationalID:     "1234567890",
		},
	}
	require.NoError(t, f.db.Create(&app).Error)

	tr, errApprove := f.workflow.Approve(context.Background(), app.ID, "", "alice")
	require.NoError(t, errApprove)

	var storedOrder models.Order
	f.reload(&storedOrder, order.ID)
	assert.Equal(t, models.OrderEMIActive, storedOrder.Status)

	var rows []models.EMIInstallment
	require.NoError(t, f.db.Where("record_id = ?", tr.RecordID).Order("number ASC").Find(&rows).Error)
	require.Len(t, rows, 3)
	for _, row := range rows {
		installmentID := row.ID
		pay := f.payment(order, models.PaymentTypeEMIInstallment, row.Amount, func(p *models.Payment) {
			p.InstallmentID = &installmentID
		})
		_, errSuccess := f.engine.HandleSuccess(context.Background(), success(pay, SourceIPN))
		require.NoError(t, errSuccess)
	}

	var record models.EMIRecord
	f.reload(&record, tr.RecordID)
	assert.True(t, record.DownPaymentPaid)
	assert.Equal(t, models.RecordCompleted, record.Status)
	assert.True(t, record.RemainingAmount.IsZero(), "remaining %s", record.RemainingAmount)

	f.reload(&storedOrder, order.ID)
	assert.Equal(t, models.OrderCompleted, storedOrder.Status)
}

func TestIPNCompletesPaymentAfterFailRedirect(t *testing.T) {
	f := newFixture(t)
	order := f.order(500)
	p := f.payment(order, models.PaymentTypeRegular, decimal.NewFromInt(500), nil)

	_, errFail := f.engine.HandleFailure(context.Background(), Callback{TranID: p.TransactionID, Error: "closed tab", Source: SourceRedirect})
	require.NoError(t, errFail)

	// The IPN is validated with the gateway, so it overrides the browser redirect.
	out, errSuccess := f.engine.HandleSuccess(context.Background(), success(p, SourceIPN))
	require.NoError(t, errSuccess)
	assert.Equal(t, models.PaymentCompleted, out.To)

	var stored models.Payment
	f.reload(&stored, p.ID)
	assert.Equal(t, models.PaymentCompleted, stored.Status)
	assert.Empty(t, stored.FailureReason)

	var storedOrder models.Order
	f.reload(&storedOrder, order.ID)
	assert.Equal(t, models.OrderPaid, storedOrder.PaymentStatus)
}
