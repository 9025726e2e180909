package metering

import "time"

// Resource types metered across the platform.
const (
	ResourceStorageGB     = "storage_gb"
	ResourceBandwidthGB   = "bandwidth_gb"
	ResourceDatabaseGB    = "database_gb"
	ResourceAPICalls      = "api_calls"
	ResourceFileUploadsGB = "file_uploads_gb"
	ResourceExecutions    = "executions"
	ResourceEmails        = "emails"
	ResourceAIQueries     = "ai_queries"
	ResourceWebhooks      = "webhooks"
)

// AllResources lists every metered resource; usage queries zero-fill
// against it so summaries always carry the full set.
var AllResources = []string{
	ResourceStorageGB,
	ResourceBandwidthGB,
	ResourceDatabaseGB,
	ResourceAPICalls,
	ResourceFileUploadsGB,
	ResourceExecutions,
	ResourceEmails,
	ResourceAIQueries,
	ResourceWebhooks,
}

// UsageEvent is one raw resource-consumption fact. Rows are written by
// the async recorder, folded into AggregatedUsage by the hourly
// aggregator, and deleted by cleanup once synced and aged out.
type UsageEvent struct {
	ID           string     `gorm:"column:id;primaryKey"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	ResourceType string     `gorm:"column:resource_type;index"`
	Quantity     float64    `gorm:"column:quantity"`
	AppName      string     `gorm:"column:app_name"`
	DoctypeRef   string     `gorm:"column:doctype_ref"`
	DocnameRef   string     `gorm:"column:docname_ref"`
	Timestamp    time.Time  `gorm:"column:timestamp;index"`
	Aggregated   bool       `gorm:"column:aggregated;index"`
	AggregatedAt *time.Time `gorm:"column:aggregated_at"`
	PeriodStart  *time.Time `gorm:"column:period_start"`
	PeriodEnd    *time.Time `gorm:"column:period_end"`
	Synced       bool       `gorm:"column:synced;index"`
	SyncedAt     *time.Time `gorm:"column:synced_at"`
}

func (UsageEvent) TableName() string {
	return "usage_events"
}

// AggregatedUsage is one (resource, hour) bucket. TotalQuantity only
// ever grows by merge-add during aggregation; Synced flips once the
// central authority acknowledges the bucket.
type AggregatedUsage struct {
	ID            string     `gorm:"column:id;primaryKey"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
	ResourceType  string     `gorm:"column:resource_type;uniqueIndex:idx_resource_hour"`
	HourBucket    time.Time  `gorm:"column:hour_bucket;uniqueIndex:idx_resource_hour"`
	TotalQuantity float64    `gorm:"column:total_quantity"`
	Synced        bool       `gorm:"column:synced;index"`
	SyncedAt      *time.Time `gorm:"column:synced_at"`
}

func (AggregatedUsage) TableName() string {
	return "aggregated_usages"
}

// HourBucketOf floors t to its UTC hour.
func HourBucketOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// MonthStartOf returns the start of the billing period containing t.
// Billing periods are calendar months in UTC.
func MonthStartOf(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
