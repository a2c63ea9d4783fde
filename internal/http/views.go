package http

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MarketEMI/internal/models"
)

// PlanView renders a plan for API responses.
func PlanView(p models.EMIPlan) gin.H {
	bankRates := map[string]string{}
	if len(p.BankRates) > 0 {
		_ = json.Unmarshal(p.BankRates, &bankRates)
	}
	return gin.H{
		"id":                   p.ID,
		"name":                 p.Name,
		"kind":                 p.Kind,
		"duration_months":      p.DurationMonths,
		"interest_rate":        p.InterestRate,
		"gateway_managed":      p.GatewayManaged(),
		"down_payment_pct":     p.DownPaymentPct,
		"processing_fee_pct":   p.ProcessingFeePct,
		"processing_fee_fixed": p.ProcessingFeeFixed,
		"min_price":            p.MinPrice,
		"max_price":            p.MaxPrice,
		"bank_rates":           bankRates,
		"is_active":            p.IsActive,
		"superseded_by":        p.SupersededBy,
		"previous_plan_id":     p.PreviousPlanID,
		"created_at":           p.CreatedAt,
		"updated_at":           p.UpdatedAt,
	}
}

// ApplicationView renders an application. The national id is masked.
func ApplicationView(app models.EMIApplication) gin.H {
	out := gin.H{
		"id":                          app.ID,
		"user_id":                     app.UserID,
		"order_id":                    app.OrderID,
		"plan_id":                     app.PlanID,
		"line_label":                  app.LineLabel,
		"price":                       app.Price,
		"tenure":                      app.Tenure,
		"bank_code":                   app.BankCode,
		"down_payment":                app.DownPayment,
		"principal":                   app.Principal,
		"processing_fee":              app.ProcessingFee,
		"monthly_installment":         app.MonthlyInstallment,
		"total_payable":               app.TotalPayable,
		"total_interest":              app.TotalInterest,
		"is_bank_determined_interest": app.IsBankDeterminedInterest,
		"status":                      app.Status,
		"review_notes":                app.ReviewNotes,
		"rejection_reason":            app.RejectionReason,
		"reviewed_by":                 app.ReviewedBy,
		"approved_at":                 app.ApprovedAt,
		"rejected_at":                 app.RejectedAt,
		"cancelled_at":                app.CancelledAt,
		"down_payment_paid_at":        app.DownPaymentPaidAt,
		"created_at":                  app.CreatedAt,
	}
	if app.Cardless.EmploymentType != "" {
		out["cardless"] = gin.H{
			"employment_type": app.Cardless.EmploymentType,
			"employer":        app.Cardless.Employer,
			"monthly_income":  app.Cardless.MonthlyIncome,
			"national_id":     maskTail(app.Cardless.NationalID, 4),
		}
	}
	if app.Plan != nil {
		out["plan"] = PlanView(*app.Plan)
	}
	return out
}

// RecordView renders a record with its installments when loaded.
func RecordView(record models.EMIRecord) gin.H {
	out := gin.H{
		"id":                  record.ID,
		"application_id":      record.ApplicationID,
		"user_id":             record.UserID,
		"order_id":            record.OrderID,
		"plan_id":             record.PlanID,
		"principal":           record.Principal,
		"down_payment":        record.DownPayment,
		"processing_fee":      record.ProcessingFee,
		"monthly_installment": record.MonthlyInstallment,
		"total_payable":       record.TotalPayable,
		"tenure":              record.Tenure,
		"down_payment_paid":   record.DownPaymentPaid,
		"installments_paid":   record.InstallmentsPaid,
		"amount_paid":         record.AmountPaid,
		"remaining_amount":    record.RemainingAmount,
		"status":              record.Status,
		"bank_managed":        record.BankManaged,
		"start_date":          record.StartDate,
		"completed_at":        record.CompletedAt,
		"created_at":          record.CreatedAt,
	}
	if record.Installments != nil {
		rows := make([]gin.H, 0, len(record.Installments))
		for _, row := range record.Installments {
			rows = append(rows, InstallmentView(row))
		}
		out["installments"] = rows
	}
	return out
}

// InstallmentView renders one installment row.
func InstallmentView(row models.EMIInstallment) gin.H {
	return gin.H{
		"id":             row.ID,
		"record_id":      row.RecordID,
		"number":         row.Number,
		"amount":         row.Amount,
		"due_date":       row.DueDate.Format("2006-01-02"),
		"status":         row.Status,
		"paid_amount":    row.PaidAmount,
		"paid_at":        row.PaidAt,
		"payment_method": row.PaymentMethod,
		"transaction_id": row.TransactionID,
	}
}

// PaymentView renders a payment for operators.
func PaymentView(p models.Payment) gin.H {
	return gin.H{
		"id":               p.ID,
		"transaction_id":   p.TransactionID,
		"order_id":         p.OrderID,
		"user_id":          p.UserID,
		"amount":           p.Amount,
		"currency":         p.Currency,
		"payment_type":     p.PaymentType,
		"status":           p.Status,
		"plan_id":          p.PlanID,
		"application_id":   p.ApplicationID,
		"installment_id":   p.InstallmentID,
		"tenure":           p.Tenure,
		"bank_code":        p.BankCode,
		"val_id":           p.ValID,
		"bank_tran_id":     p.BankTranID,
		"card_type":        p.CardType,
		"validated_amount": p.ValidatedAmount,
		"failure_reason":   p.FailureReason,
		"review_note":      p.ReviewNote,
		"completed_at":     p.CompletedAt,
		"created_at":       p.CreatedAt,
	}
}

func maskTail(v string, keep int) string {
	if len(v) <= keep {
		return v
	}
	masked := make([]byte, len(v)-keep)
	for i := range masked {
		masked[i] = '*'
	}
	return string(masked) + v[len(v)-keep:]
}
