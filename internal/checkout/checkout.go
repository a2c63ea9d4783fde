// Package checkout opens gateway sessions for orders, deposits and
// installments, and quotes plans with live bank rates when available.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/MarketEMI/internal/emierr"
	"github.com/router-for-me/MarketEMI/internal/gateway"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/plan"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	rateCacheTTL     = 10 * time.Minute
	rateFetchTimeout = 5 * time.Second
)

// ErrNotFound is returned when the order, application or installment does not
// exist or does not belong to the caller.
var ErrNotFound = errors.New("checkout target not found")

// Gateway is the part of the gateway adapter used by checkout.
type Gateway interface {
	CreateSession(ctx context.Context, req gateway.SessionRequest) (gateway.SessionResult, error)
	BankRates(ctx context.Context) (map[string]decimal.Decimal, error)
	Currency() string
}

// Request selects what to pay for. Only the fields of Type are read.
type Request struct {
	UserID uint64
	Type   models.PaymentType

	// REGULAR and CARD_EMI.
	OrderID uint64
	// CARD_EMI.
	PlanID   uint64
	Tenure   int
	BankCode string
	// CARDLESS_EMI_DOWN_PAYMENT.
	ApplicationID uint64
	// EMI_INSTALLMENT.
	InstallmentID uint64
}

// Session is a stored PENDING payment and its gateway checkout page.
type Session struct {
	PaymentID     uint64          `json:"payment_id"`
	TransactionID string          `json:"transaction_id"`
	Type          string          `json:"payment_type"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	RedirectURL   string          `json:"redirect_url,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// Service creates payments. It never moves a payment out of PENDING.
type Service struct {
	db      *gorm.DB
	gateway Gateway
	catalog *plan.Catalog

	mu          sync.Mutex
	liveRates   map[string]decimal.Decimal
	liveRatesAt time.Time
}

// NewService constructs a Service. gw may be nil when no gateway is configured;
// payments then fail as unavailable and quotes use local rates only.
func NewService(db *gorm.DB, gw Gateway, catalog *plan.Catalog) *Service {
	if catalog == nil {
		catalog = plan.NewCatalog(nil)
	}
	return &Service{db: db, gateway: gw, catalog: catalog}
}

// target is the resolved payment subject.
type target struct {
	order   models.Order
	payment models.Payment
	product string
	cardEMI *gateway.CardEMIOptions
}

// StartPayment stores a PENDING payment and opens a gateway session for it.
// A declined session is returned with Status FAILED, not as an error; a
// gateway outage is returned as a retryable error and the payment stays PENDING.
func (s *Service) StartPayment(ctx context.Context, req Request) (Session, error) {
	if s.gateway == nil {
		return Session{}, &gateway.UnavailableError{Op: "create session", Err: errors.New("gateway not configured")}
	}

	var tgt *target
	var errResolve error
	switch req.Type {
	case models.PaymentTypeRegular:
		tgt, errResolve = s.regular(ctx, req)
	case models.PaymentTypeCardEMI:
		tgt, errResolve = s.cardEMI(ctx, req)
	case models.PaymentTypeDownPayment:
		tgt, errResolve = s.downPayment(ctx, req)
	case models.PaymentTypeEMIInstallment:
		tgt, errResolve = s.installment(ctx, req)
	default:
		return Session{}, emierr.Invalid("payment_type", "unsupported payment type %q", req.Type)
	}
	if errResolve != nil {
		return Session{}, errResolve
	}

	payment := tgt.payment
	payment.TransactionID = newTransactionID()
	payment.OrderID = tgt.order.ID
	payment.UserID = req.UserID
	payment.PaymentType = req.Type
	payment.Currency = s.gateway.Currency()
	payment.Status = models.PaymentPending
	if errCreate := s.db.WithContext(ctx).Create(&payment).Error; errCreate != nil {
		return Session{}, fmt.Errorf("checkout: create payment: %w", errCreate)
	}

	sessionReq := gateway.SessionRequest{
		TransactionID: payment.TransactionID,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		Type:          payment.PaymentType,
		ProductName:   tgt.product,
		Customer: gateway.Customer{
			Name:    tgt.order.CustomerName,
			Email:   tgt.order.CustomerEmail,
			Phone:   tgt.order.CustomerPhone,
			Address: tgt.order.Address,
			City:    tgt.order.City,
		},
		CardEMI:   tgt.cardEMI,
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
	}
	if payment.InstallmentID != nil {
		sessionReq.InstallmentID = *payment.InstallmentID
	}

	result, errSession := s.gateway.CreateSession(ctx, sessionReq)
	if errSession != nil {
		s.noteFailure(ctx, payment.ID, errSession.Error())
		return Session{}, errSession
	}

	session := Session{
		PaymentID:     payment.ID,
		TransactionID: payment.TransactionID,
		Type:          string(payment.PaymentType),
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		Status:        result.Status,
		RedirectURL:   result.RedirectURL,
		FailureReason: result.FailureReason,
	}
	if result.Status != gateway.SessionSuccess {
		s.noteFailure(ctx, payment.ID, result.FailureReason)
		return session, nil
	}
	if errURL := s.db.WithContext(ctx).Model(&models.Payment{}).Where("id = ?", payment.ID).
		Update("redirect_url", result.RedirectURL).Error; errURL != nil {
		log.WithError(errURL).WithField("tran_id", payment.TransactionID).Warn("checkout: store redirect url")
	}
	return session, nil
}

func (s *Service) noteFailure(ctx context.Context, paymentID uint64, reason string) {
	errNote := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", paymentID, models.PaymentPending).
		Update("failure_reason", reason).Error
	if errNote != nil {
		log.WithError(errNote).Warn("checkout: store failure reason")
	}
}

func (s *Service) userOrder(ctx context.Context, userID, orderID uint64) (models.Order, error) {
	var order models.Order
	errFind := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", orderID, userID).Take(&order).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return order, ErrNotFound
		}
		return order, errFind
	}
	return order, nil
}

func (s *Service) regular(ctx context.Context, req Request) (*target, error) {
	order, errOrder := s.userOrder(ctx, req.UserID, req.OrderID)
	if errOrder != nil {
		return nil, errOrder
	}
	if order.PaymentStatus != models.OrderUnpaid || order.Status == models.OrderCancelled {
		return nil, emierr.Invalid("order_id", "order is not awaiting payment")
	}
	return &target{
		order:   order,
		payment: models.Payment{Amount: order.Total},
		product: "Order " + order.Number,
	}, nil
}

func (s *Service) cardEMI(ctx context.Context, req Request) (*target, error) {
	order, errOrder := s.userOrder(ctx, req.UserID, req.OrderID)
	if errOrder != nil {
		return nil, errOrder
	}
	if order.PaymentStatus != models.OrderUnpaid || order.Status == models.OrderCancelled {
		return nil, emierr.Invalid("order_id", "order is not awaiting payment")
	}
	p, errPlan := s.activePlan(ctx, req.PlanID)
	if errPlan != nil {
		return nil, errPlan
	}
	if p.Kind != models.PlanKindCard {
		return nil, emierr.Invalid("plan_id", "card EMI requires a card plan")
	}
	if errValidate := plan.Validate(p, order.Total, req.Tenure); errValidate != nil {
		return nil, errValidate
	}

	planID := p.ID
	bankCode := strings.ToUpper(strings.TrimSpace(req.BankCode))
	payment := models.Payment{
		Amount:   order.Total,
		PlanID:   &planID,
		Tenure:   req.Tenure,
		BankCode: bankCode,
	}
	var app models.EMIApplication
	errApp := s.db.WithContext(ctx).
		Where("order_id = ? AND plan_id = ? AND status IN ?", order.ID, p.ID,
			[]models.ApplicationStatus{models.ApplicationPending, models.ApplicationApproved}).
		Order("id ASC").Take(&app).Error
	switch {
	case errApp == nil:
		appID := app.ID
		payment.ApplicationID = &appID
	case !errors.Is(errApp, gorm.ErrRecordNotFound):
		return nil, errApp
	}

	return &target{
		order:   order,
		payment: payment,
		product: "Order " + order.Number,
		cardEMI: &gateway.CardEMIOptions{
			MaxInstallments:     p.DurationMonths,
			SelectedInstallment: req.Tenure,
			IssuerID:            bankCode,
		},
	}, nil
}

func (s *Service) downPayment(ctx context.Context, req Request) (*target, error) {
	var app models.EMIApplication
	errFind := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", req.ApplicationID, req.UserID).Take(&app).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errFind
	}
	if app.Status != models.ApplicationPending && app.Status != models.ApplicationApproved {
		return nil, emierr.Invalid("application_id", "application is %s", app.Status)
	}
	if app.DownPaymentPaidAt != nil {
		return nil, emierr.Invalid("application_id", "down payment already received")
	}
	if !app.DownPayment.IsPositive() {
		return nil, emierr.Invalid("application_id", "plan has no down payment")
	}
	var paid int64
	if errCount := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("application_id = ? AND payment_type = ? AND status = ?", app.ID, models.PaymentTypeDownPayment, models.PaymentCompleted).
		Count(&paid).Error; errCount != nil {
		return nil, errCount
	}
	if paid > 0 {
		return nil, emierr.Invalid("application_id", "down payment already received")
	}

	order, errOrder := s.userOrder(ctx, req.UserID, app.OrderID)
	if errOrder != nil {
		return nil, errOrder
	}
	appID, planID := app.ID, app.PlanID
	return &target{
		order: order,
		payment: models.Payment{
			Amount:        app.DownPayment,
			ApplicationID: &appID,
			PlanID:        &planID,
			Tenure:        app.Tenure,
		},
		product: fmt.Sprintf("Down payment for %s", fallback(app.LineLabel, "order "+order.Number)),
	}, nil
}

func (s *Service) installment(ctx context.Context, req Request) (*target, error) {
	var row models.EMIInstallment
	errFind := s.db.WithContext(ctx).
		Joins("JOIN emi_records ON emi_records.id = emi_installments.record_id").
		Where("emi_installments.id = ? AND emi_records.user_id = ?", req.InstallmentID, req.UserID).
		Preload("Record").
		Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errFind
	}
	if row.Record == nil {
		return nil, emierr.Integrity("emi_installment", row.ID, "record missing")
	}
	if row.Status == models.InstallmentPaid {
		return nil, emierr.Invalid("installment_id", "installment already paid")
	}
	if row.Record.BankManaged {
		return nil, emierr.Invalid("installment_id", "installments of card EMI are paid to the bank")
	}
	if row.Record.Status != models.RecordActive && row.Record.Status != models.RecordDefaulted {
		return nil, emierr.Invalid("installment_id", "record is %s", row.Record.Status)
	}

	order, errOrder := s.userOrder(ctx, req.UserID, row.Record.OrderID)
	if errOrder != nil {
		return nil, errOrder
	}
	installmentID := row.ID
	return &target{
		order: order,
		payment: models.Payment{
			Amount:        row.Amount,
			InstallmentID: &installmentID,
			PlanID:        &row.Record.PlanID,
		},
		product: fmt.Sprintf("Installment %d of %d", row.Number, row.Record.Tenure),
	}, nil
}

func (s *Service) activePlan(ctx context.Context, id uint64) (*models.EMIPlan, error) {
	var p models.EMIPlan
	if errFind := s.db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).Take(&p).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, emierr.Invalid("plan_id", "plan %d is not offered", id)
		}
		return nil, errFind
	}
	return &p, nil
}

// Quote prices a plan. Gateway-managed plans consult the gateway's live bank
// rates; when the gateway is unreachable the local estimate is returned.
func (s *Service) Quote(ctx context.Context, planID uint64, price decimal.Decimal, tenure int, bankCode string) (plan.Quote, error) {
	p, errPlan := s.activePlan(ctx, planID)
	if errPlan != nil {
		return plan.Quote{}, errPlan
	}
	catalog := s.catalog
	if p.GatewayManaged() && strings.TrimSpace(bankCode) != "" {
		if _, known := catalog.BankRate(p, bankCode); !known {
			catalog = catalog.WithBankRates(s.gatewayRates(ctx))
		}
	}
	return catalog.Quote(p, price, tenure, bankCode)
}

// gatewayRates returns the cached live rate table, refreshing it when stale.
// Failures yield nil so quoting degrades to the local estimate.
func (s *Service) gatewayRates(ctx context.Context) map[string]decimal.Decimal {
	if s.gateway == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveRates != nil && time.Since(s.liveRatesAt) < rateCacheTTL {
		return s.liveRates
	}

	fetchCtx, cancel := context.WithTimeout(ctx, rateFetchTimeout)
	defer cancel()
	rates, errRates := s.gateway.BankRates(fetchCtx)
	if errRates != nil {
		log.WithError(errRates).Warn("checkout: bank rates unavailable, quoting locally")
		return s.liveRates
	}
	s.liveRates = rates
	s.liveRatesAt = time.Now()
	return rates
}

func newTransactionID() string {
	return "EMI" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func fallback(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
