package alert

import "time"

// AlertType orders alert severity. Within one billing period a
// (resource, type) alert fires at most once, and severity only ever
// escalates.
type AlertType string

const (
	TypeWarning  AlertType = "warning"
	TypeExceeded AlertType = "exceeded"
	TypeBlocked  AlertType = "blocked"
)

var severityRank = map[AlertType]int{
	TypeWarning:  1,
	TypeExceeded: 2,
	TypeBlocked:  3,
}

// Rank returns the escalation rank of t; unknown types rank 0.
func (t AlertType) Rank() int {
	return severityRank[t]
}

// UsageAlert is one fired limit alert. The unique index makes the
// once-per-period guarantee a database invariant, not just application
// logic.
type UsageAlert struct {
	ID               string     `gorm:"column:id;primaryKey"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
	ResourceType     string     `gorm:"column:resource_type;uniqueIndex:idx_alert_period"`
	AlertType        AlertType  `gorm:"column:alert_type;uniqueIndex:idx_alert_period"`
	PeriodKey        string     `gorm:"column:period_key;uniqueIndex:idx_alert_period"`
	ThresholdPercent float64    `gorm:"column:threshold_percent"`
	UsageValue       float64    `gorm:"column:usage_value"`
	LimitValue       float64    `gorm:"column:limit_value"`
	UsagePercent     float64    `gorm:"column:usage_percent"`
	OverageAmount    float64    `gorm:"column:overage_amount"`
	OverageRate      float64    `gorm:"column:overage_rate"`
	Acknowledged     bool       `gorm:"column:acknowledged;index"`
	AcknowledgedBy   string     `gorm:"column:acknowledged_by"`
	AcknowledgedAt   *time.Time `gorm:"column:acknowledged_at"`
	NotificationSent bool       `gorm:"column:notification_sent"`
	EmailSentTo      string     `gorm:"column:email_sent_to"`
}

func (UsageAlert) TableName() string {
	return "usage_alerts"
}

// PeriodKeyOf returns the billing-period key for t, e.g. "2026-08".
func PeriodKeyOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}
