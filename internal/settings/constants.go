package settings

// DB config keys and defaults for settings.
const (
	// SiteNameKey is the DB config key for the storefront name shown on notifications.
	SiteNameKey = "SITE_NAME"
	// DefaultSiteName is the fallback storefront name.
	DefaultSiteName = "MarketEMI"

	// AutoApproveEnabledKey toggles the cardless auto-approval sweep.
	AutoApproveEnabledKey = "AUTO_APPROVE_ENABLED"
	// AutoApproveMinMonthlyIncomeKey is the lowest declared income that qualifies.
	AutoApproveMinMonthlyIncomeKey = "AUTO_APPROVE_MIN_MONTHLY_INCOME"
	// AutoApproveMaxPriceKey is the highest financed price that qualifies.
	AutoApproveMaxPriceKey = "AUTO_APPROVE_MAX_PRICE"
	// AutoApproveWindowHoursKey limits the sweep to recently created applications.
	AutoApproveWindowHoursKey = "AUTO_APPROVE_WINDOW_HOURS"
	// AutoApproveIntervalSecondsKey controls how often the auto-approval sweep runs.
	AutoApproveIntervalSecondsKey = "AUTO_APPROVE_INTERVAL_SECONDS"

	// InstallmentSweepIntervalSecondsKey controls how often installment statuses are refreshed.
	InstallmentSweepIntervalSecondsKey = "INSTALLMENT_SWEEP_INTERVAL_SECONDS"
	// ReminderDaysBeforeDueKey is the lead time for upcoming-installment reminders.
	ReminderDaysBeforeDueKey = "REMINDER_DAYS_BEFORE_DUE"
	// DefaultAfterOverdueInstallmentsKey marks a record defaulted at this many overdue rows.
	DefaultAfterOverdueInstallmentsKey = "DEFAULT_AFTER_OVERDUE_INSTALLMENTS"

	// NotificationRetentionDaysKey is how long delivered notifications are kept.
	NotificationRetentionDaysKey = "NOTIFICATION_RETENTION_DAYS"

	// OrderStatusAfterPaymentKey is the order status set after a regular or card EMI payment.
	OrderStatusAfterPaymentKey = "ORDER_STATUS_AFTER_PAYMENT"

	// DefaultAutoApproveEnabled keeps the sweep on unless disabled.
	DefaultAutoApproveEnabled = true
	// DefaultAutoApproveMinMonthlyIncome is the fallback income threshold.
	DefaultAutoApproveMinMonthlyIncome = "50000"
	// DefaultAutoApproveMaxPrice is the fallback price ceiling.
	DefaultAutoApproveMaxPrice = "100000"
	// DefaultAutoApproveWindowHours is the fallback creation window.
	DefaultAutoApproveWindowHours = 24
	// DefaultAutoApproveIntervalSeconds is the fallback sweep interval.
	DefaultAutoApproveIntervalSeconds = 3600
	// DefaultInstallmentSweepIntervalSeconds is the fallback installment sweep interval.
	DefaultInstallmentSweepIntervalSeconds = 3600
	// DefaultReminderDaysBeforeDue is the fallback reminder lead time.
	DefaultReminderDaysBeforeDue = 3
	// DefaultDefaultAfterOverdueInstallments is the fallback default threshold.
	DefaultDefaultAfterOverdueInstallments = 3
	// DefaultNotificationRetentionDays is the fallback retention for delivered notifications.
	DefaultNotificationRetentionDays = 90
	// DefaultOrderStatusAfterPayment is the fallback post-payment order status.
	DefaultOrderStatusAfterPayment = "processing"
)

// KnownKeys lists the keys the admin settings endpoint accepts.
var KnownKeys = []string{
	SiteNameKey,
	AutoApproveEnabledKey,
	AutoApproveMinMonthlyIncomeKey,
	AutoApproveMaxPriceKey,
	AutoApproveWindowHoursKey,
	AutoApproveIntervalSecondsKey,
	InstallmentSweepIntervalSecondsKey,
	ReminderDaysBeforeDueKey,
	DefaultAfterOverdueInstallmentsKey,
	NotificationRetentionDaysKey,
	OrderStatusAfterPaymentKey,
}

// IsKnownKey reports whether key is an accepted setting.
func IsKnownKey(key string) bool {
	for _, known := range KnownKeys {
		if known == key {
			return true
		}
	}
	return false
}
