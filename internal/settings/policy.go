package settings

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// AutoApprovePolicy holds the thresholds used by the cardless auto-approval sweep.
type AutoApprovePolicy struct {
	Enabled          bool
	MinMonthlyIncome decimal.Decimal
	MaxPrice         decimal.Decimal
	Window           time.Duration
	Interval         time.Duration
}

// AutoApprove returns the current auto-approval policy.
func AutoApprove() AutoApprovePolicy {
	return AutoApprovePolicy{
		Enabled:          Bool(AutoApproveEnabledKey, DefaultAutoApproveEnabled),
		MinMonthlyIncome: Decimal(AutoApproveMinMonthlyIncomeKey, decimal.RequireFromString(DefaultAutoApproveMinMonthlyIncome)),
		MaxPrice:         Decimal(AutoApproveMaxPriceKey, decimal.RequireFromString(DefaultAutoApproveMaxPrice)),
		Window:           time.Duration(PositiveInt(AutoApproveWindowHoursKey, DefaultAutoApproveWindowHours)) * time.Hour,
		Interval:         time.Duration(PositiveInt(AutoApproveIntervalSecondsKey, DefaultAutoApproveIntervalSeconds)) * time.Second,
	}
}

// InstallmentSweepInterval returns the delay between installment sweeps.
func InstallmentSweepInterval() time.Duration {
	return time.Duration(PositiveInt(InstallmentSweepIntervalSecondsKey, DefaultInstallmentSweepIntervalSeconds)) * time.Second
}

// ReminderDaysBeforeDue returns the reminder lead time in days.
func ReminderDaysBeforeDue() int {
	return PositiveInt(ReminderDaysBeforeDueKey, DefaultReminderDaysBeforeDue)
}

// DefaultAfterOverdueInstallments returns the overdue count that defaults a record.
func DefaultAfterOverdueInstallments() int {
	return PositiveInt(DefaultAfterOverdueInstallmentsKey, DefaultDefaultAfterOverdueInstallments)
}

// NotificationRetention returns how long delivered notifications are kept.
func NotificationRetention() time.Duration {
	return time.Duration(PositiveInt(NotificationRetentionDaysKey, DefaultNotificationRetentionDays)) * 24 * time.Hour
}

// OrderStatusAfterPayment returns the order status applied once a payment settles.
func OrderStatusAfterPayment() string {
	if s := String(OrderStatusAfterPaymentKey, ""); s != "" {
		return s
	}
	return DefaultOrderStatusAfterPayment
}

// SiteName returns the configured storefront name.
func SiteName() string {
	if s := String(SiteNameKey, ""); s != "" {
		return s
	}
	return DefaultSiteName
}

// lookup resolves a key, unwrapping {"value": ...} envelopes written by older clients.
func lookup(key string) (gjson.Result, bool) {
	raw, ok := DBConfigValue(key)
	if !ok || len(raw) == 0 {
		return gjson.Result{}, false
	}
	res := gjson.ParseBytes(raw)
	if res.IsObject() {
		res = res.Get("value")
	}
	if !res.Exists() || res.Type == gjson.Null {
		return gjson.Result{}, false
	}
	return res, true
}

// String returns a trimmed string setting or def.
func String(key, def string) string {
	res, ok := lookup(key)
	if !ok {
		return def
	}
	if s := strings.TrimSpace(res.String()); s != "" {
		return s
	}
	return def
}

// Bool returns a boolean setting or def. Strings such as "true" and "0" are accepted.
func Bool(key string, def bool) bool {
	res, ok := lookup(key)
	if !ok {
		return def
	}
	switch res.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.Number:
		return res.Float() != 0
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(res.Str)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return def
}

// PositiveInt returns a whole-number setting greater than zero or def.
func PositiveInt(key string, def int) int {
	res, ok := lookup(key)
	if !ok {
		return def
	}
	var f float64
	switch res.Type {
	case gjson.Number:
		f = res.Num
	case gjson.String:
		d, errParse := decimal.NewFromString(strings.TrimSpace(res.Str))
		if errParse != nil {
			return def
		}
		f = d.InexactFloat64()
	default:
		return def
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f <= 0 {
		return def
	}
	return int(f)
}

// Decimal returns a non-negative decimal setting or def.
func Decimal(key string, def decimal.Decimal) decimal.Decimal {
	res, ok := lookup(key)
	if !ok {
		return def
	}
	if res.Type != gjson.Number && res.Type != gjson.String {
		return def
	}
	text := strings.TrimSpace(res.String())
	if res.Type == gjson.Number {
		text = res.Raw
	}
	d, errParse := decimal.NewFromString(text)
	if errParse != nil || d.IsNegative() {
		return def
	}
	return d
}
