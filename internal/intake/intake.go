// Package intake turns financed order lines into EMI applications while the
// order is being created.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/MarketEMI/internal/approval"
	"github.com/router-for-me/MarketEMI/internal/emierr"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/notify"
	"github.com/router-for-me/MarketEMI/internal/plan"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Line is one checked-out cart line that elected a plan.
type Line struct {
	Label    string
	Price    decimal.Decimal
	PlanID   uint64
	Tenure   int
	BankCode string
	// Cardless is required for cardless plans and ignored otherwise.
	Cardless *models.CardlessProfile
}

// Service creates applications for the order subsystem.
type Service struct {
	catalog  *plan.Catalog
	workflow *approval.Workflow
	trigger  notify.Trigger
}

// NewService constructs a Service. trigger may be nil.
func NewService(catalog *plan.Catalog, workflow *approval.Workflow, trigger notify.Trigger) *Service {
	if catalog == nil {
		catalog = plan.NewCatalog(nil)
	}
	return &Service{catalog: catalog, workflow: workflow, trigger: trigger}
}

// OnOrderCreated creates one application per line inside tx, the caller's
// order transaction. Each line runs in its own savepoint: a failing line is
// logged and skipped, and the order transaction is never failed by it.
func (s *Service) OnOrderCreated(ctx context.Context, tx *gorm.DB, order *models.Order, lines []Line) []models.EMIApplication {
	if order == nil || order.ID == 0 {
		log.Warn("emi intake: order without id, no applications created")
		return nil
	}

	created := make([]models.EMIApplication, 0, len(lines))
	for i, line := range lines {
		var (
			app models.EMIApplication
			tr  approval.Transition
		)
		errLine := tx.Transaction(func(sp *gorm.DB) error {
			var errCreate error
			app, tr, errCreate = s.createLine(sp, order, line)
			return errCreate
		})
		if errLine != nil {
			entry := log.WithError(errLine).WithFields(log.Fields{"order_id": order.ID, "line": i, "plan_id": line.PlanID})
			if emierr.IsValidation(errLine) {
				entry.Info("emi intake: line rejected")
			} else {
				entry.Error("emi intake: line failed, needs operator remediation")
			}
			continue
		}
		created = append(created, app)

		if tr.Changed() {
			s.workflow.Notify(ctx, tr)
			continue
		}
		notify.Fire(ctx, s.trigger, notify.Event{
			Type:        notify.EventApplicationSubmitted,
			UserID:      app.UserID,
			RelatedType: notify.RelatedApplication,
			RelatedID:   app.ID,
			Context: map[string]any{
				"order_id":            order.ID,
				"monthly_installment": app.MonthlyInstallment.StringFixed(2),
				"tenure":              app.Tenure,
			},
		})
	}
	return created
}

func (s *Service) createLine(tx *gorm.DB, order *models.Order, line Line) (models.EMIApplication, approval.Transition, error) {
	var p models.EMIPlan
	if errPlan := tx.Take(&p, line.PlanID).Error; errPlan != nil {
		if errors.Is(errPlan, gorm.ErrRecordNotFound) {
			return models.EMIApplication{}, approval.Transition{}, emierr.Invalid("plan_id", "plan %d not found", line.PlanID)
		}
		return models.EMIApplication{}, approval.Transition{}, errPlan
	}
	if !p.IsActive {
		return models.EMIApplication{}, approval.Transition{}, emierr.Invalid("plan_id", "plan %d is not offered", p.ID)
	}

	bankCode := strings.ToUpper(strings.TrimSpace(line.BankCode))
	quote, errQuote := s.catalog.Quote(&p, line.Price, line.Tenure, bankCode)
	if errQuote != nil {
		return models.EMIApplication{}, approval.Transition{}, errQuote
	}

	app := models.EMIApplication{
		UserID:                   order.UserID,
		OrderID:                  order.ID,
		PlanID:                   p.ID,
		LineLabel:                strings.TrimSpace(line.Label),
		Price:                    line.Price,
		Tenure:                   line.Tenure,
		BankCode:                 bankCode,
		DownPayment:              quote.DownPayment,
		Principal:                quote.Principal,
		ProcessingFee:            quote.ProcessingFee,
		MonthlyInstallment:       quote.MonthlyPayment,
		TotalPayable:             quote.TotalPayment,
		TotalInterest:            quote.TotalInterest,
		IsBankDeterminedInterest: quote.IsBankDeterminedInterest,
		Status:                   models.ApplicationPending,
	}
	if p.Kind == models.PlanKindCardless {
		profile, errProfile := checkCardlessProfile(line.Cardless)
		if errProfile != nil {
			return models.EMIApplication{}, approval.Transition{}, errProfile
		}
		app.Cardless = profile
	}

	if errCreate := tx.Create(&app).Error; errCreate != nil {
		return models.EMIApplication{}, approval.Transition{}, fmt.Errorf("emi intake: create application: %w", errCreate)
	}
	if errOrder := tx.Model(&models.Order{}).Where("id = ?", order.ID).Update("is_emi", true).Error; errOrder != nil {
		return models.EMIApplication{}, approval.Transition{}, fmt.Errorf("emi intake: flag order: %w", errOrder)
	}

	var tr approval.Transition
	if p.Kind == models.PlanKindCard {
		// Underwriting belongs to the issuing bank.
		var errApprove error
		tr, errApprove = s.workflow.ApproveTx(tx, app.ID, "approved by issuing bank", approval.ReviewerAuto)
		if errApprove != nil {
			return models.EMIApplication{}, approval.Transition{}, errApprove
		}
		if errReload := tx.Take(&app, app.ID).Error; errReload != nil {
			return models.EMIApplication{}, approval.Transition{}, errReload
		}
	}
	return app, tr, nil
}

func checkCardlessProfile(profile *models.CardlessProfile) (models.CardlessProfile, error) {
	if profile == nil {
		return models.CardlessProfile{}, emierr.Invalid("cardless", "employment and income details are required")
	}
	out := models.CardlessProfile{
		EmploymentType: strings.ToLower(strings.TrimSpace(profile.EmploymentType)),
		Employer:       strings.TrimSpace(profile.Employer),
		MonthlyIncome:  profile.MonthlyIncome,
		NationalID:     strings.TrimSpace(profile.NationalID),
	}
	switch out.EmploymentType {
	case "salaried", "self_employed", "business":
	default:
		return models.CardlessProfile{}, emierr.Invalid("employment_type", "must be salaried, self_employed or business")
	}
	if !out.MonthlyIncome.IsPositive() {
		return models.CardlessProfile{}, emierr.Invalid("monthly_income", "must be positive")
	}
	if out.NationalID == "" {
		return models.CardlessProfile{}, emierr.Invalid("national_id", "is required")
	}
	return out, nil
}
