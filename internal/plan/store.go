package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	dbutil "github.com/router-for-me/MarketEMI/internal/db"
	"github.com/router-for-me/MarketEMI/internal/emierr"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a plan id does not exist.
var ErrNotFound = errors.New("plan not found")

// Store persists plans. Plans referenced by an application are never edited
// in place; Update writes a new version instead.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Update carries optional plan edits.
type Update struct {
	Name               *string
	DurationMonths     *int
	InterestRate       *decimal.Decimal
	ClearInterestRate  bool
	DownPaymentPct     *decimal.Decimal
	ProcessingFeePct   *decimal.Decimal
	ProcessingFeeFixed *decimal.Decimal
	MinPrice           *decimal.Decimal
	MaxPrice           *decimal.Decimal
	BankRates          map[string]decimal.Decimal
	IsActive           *bool
}

// CheckDefinition validates a plan before it is stored.
func CheckDefinition(p *models.EMIPlan) error {
	if p == nil {
		return emierr.Invalid("plan", "missing")
	}
	if strings.TrimSpace(p.Name) == "" {
		return emierr.Invalid("name", "is required")
	}
	if !p.Kind.Valid() {
		return emierr.Invalid("kind", "must be card or cardless")
	}
	if p.DurationMonths < 1 || p.DurationMonths > 60 {
		return emierr.Invalid("duration_months", "must be between 1 and 60")
	}
	if p.Kind == models.PlanKindCardless && p.InterestRate == nil {
		return emierr.Invalid("interest_rate", "is required for cardless plans")
	}
	if p.InterestRate != nil && p.InterestRate.IsNegative() {
		return emierr.Invalid("interest_rate", "must not be negative")
	}
	for field, pct := range map[string]decimal.Decimal{
		"down_payment_pct":   p.DownPaymentPct,
		"processing_fee_pct": p.ProcessingFeePct,
	} {
		if pct.IsNegative() || pct.GreaterThanOrEqual(hundred) {
			return emierr.Invalid(field, "must be in [0, 100)")
		}
	}
	if p.ProcessingFeeFixed.IsNegative() || p.MinPrice.IsNegative() || p.MaxPrice.IsNegative() {
		return emierr.Invalid("price", "amounts must not be negative")
	}
	if p.MaxPrice.IsPositive() && p.MaxPrice.LessThan(p.MinPrice) {
		return emierr.Invalid("max_price", "must not be below min_price")
	}
	return nil
}

// EncodeBankRates converts a rate table into the stored JSON form.
func EncodeBankRates(rates map[string]decimal.Decimal) (datatypes.JSON, error) {
	if len(rates) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(rates))
	for code, rate := range rates {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		if rate.IsNegative() {
			return nil, emierr.Invalid("bank_rates", "rate for %s must not be negative", code)
		}
		out[code] = rate.String()
	}
	raw, errMarshal := json.Marshal(out)
	if errMarshal != nil {
		return nil, errMarshal
	}
	return datatypes.JSON(raw), nil
}

// ListActive returns plans offered to new applications, optionally filtered by kind.
func (s *Store) ListActive(ctx context.Context, kind models.PlanKind) ([]models.EMIPlan, error) {
	q := s.db.WithContext(ctx).Where("is_active = ?", true)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var plans []models.EMIPlan
	if errFind := q.Order("duration_months ASC, id ASC").Find(&plans).Error; errFind != nil {
		return nil, errFind
	}
	return plans, nil
}

// Get loads one plan by id, active or not.
func (s *Store) Get(ctx context.Context, id uint64) (*models.EMIPlan, error) {
	var p models.EMIPlan
	if errFind := s.db.WithContext(ctx).First(&p, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errFind
	}
	return &p, nil
}

// Create stores a new plan.
func (s *Store) Create(ctx context.Context, p *models.EMIPlan) error {
	if errCheck := CheckDefinition(p); errCheck != nil {
		return errCheck
	}
	p.ID = 0
	p.IsActive = true
	if errCreate := s.db.WithContext(ctx).Create(p).Error; errCreate != nil {
		return fmt.Errorf("plan: create: %w", errCreate)
	}
	return nil
}

// Update applies edits. When the plan is referenced by an application the
// edit produces a new active version and retires the old one; versioned
// reports which path was taken.
func (s *Store) Update(ctx context.Context, id uint64, upd Update) (plan *models.EMIPlan, versioned bool, err error) {
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.EMIPlan
		if errFind := dbutil.ForUpdate(tx).First(&current, id).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return errFind
		}
		if current.SupersededBy != nil {
			return emierr.Invalid("plan_id", "plan %d was superseded by %d", current.ID, *current.SupersededBy)
		}

		next := current
		if errApply := applyUpdate(&next, upd); errApply != nil {
			return errApply
		}
		if errCheck := CheckDefinition(&next); errCheck != nil {
			return errCheck
		}

		var refs int64
		if errCount := tx.Model(&models.EMIApplication{}).Where("plan_id = ?", current.ID).Count(&refs).Error; errCount != nil {
			return errCount
		}
		if refs == 0 {
			if errSave := tx.Save(&next).Error; errSave != nil {
				return errSave
			}
			plan = &next
			return nil
		}

		next.ID = 0
		next.PreviousPlanID = &current.ID
		next.SupersededBy = nil
		next.CreatedAt = time.Time{}
		next.UpdatedAt = time.Time{}
		if errCreate := tx.Create(&next).Error; errCreate != nil {
			return errCreate
		}
		if errRetire := tx.Model(&models.EMIPlan{}).Where("id = ?", current.ID).Updates(map[string]any{
			"is_active":     false,
			"superseded_by": next.ID,
		}).Error; errRetire != nil {
			return errRetire
		}
		plan = &next
		versioned = true
		return nil
	})
	if errTx != nil {
		return nil, false, errTx
	}
	return plan, versioned, nil
}

func applyUpdate(p *models.EMIPlan, upd Update) error {
	if upd.Name != nil {
		p.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.DurationMonths != nil {
		p.DurationMonths = *upd.DurationMonths
	}
	if upd.ClearInterestRate {
		p.InterestRate = nil
	} else if upd.InterestRate != nil {
		rate := *upd.InterestRate
		p.InterestRate = &rate
	}
	if upd.DownPaymentPct != nil {
		p.DownPaymentPct = *upd.DownPaymentPct
	}
	if upd.ProcessingFeePct != nil {
		p.ProcessingFeePct = *upd.ProcessingFeePct
	}
	if upd.ProcessingFeeFixed != nil {
		p.ProcessingFeeFixed = *upd.ProcessingFeeFixed
	}
	if upd.MinPrice != nil {
		p.MinPrice = *upd.MinPrice
	}
	if upd.MaxPrice != nil {
		p.MaxPrice = *upd.MaxPrice
	}
	if upd.BankRates != nil {
		raw, errEncode := EncodeBankRates(upd.BankRates)
		if errEncode != nil {
			return errEncode
		}
		p.BankRates = raw
	}
	if upd.IsActive != nil {
		p.IsActive = *upd.IsActive
	}
	return nil
}
