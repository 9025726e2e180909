package license

import (
	"time"

	"gorm.io/datatypes"
)

type Tier string

const (
	TierTrial     Tier = "Trial"
	TierPioneer   Tier = "Pioneer"
	TierBuilder   Tier = "Builder"
	TierVisionary Tier = "Visionary"
	TierLegend    Tier = "Legend"
)

type Status string

const (
	StatusActive    Status = "Active"
	StatusSuspended Status = "Suspended"
	StatusExpired   Status = "Expired"
	StatusCancelled Status = "Cancelled"
	StatusTrial     Status = "Trial"
)

// License is the local snapshot of the license issued by the central
// authority. It is replaced only by license sync, never mutated by the
// metering pipeline.
type License struct {
	LicenseKey      string                                    `gorm:"column:license_key;primaryKey"`
	CreatedAt       time.Time                                 `gorm:"column:created_at"`
	UpdatedAt       time.Time                                 `gorm:"column:updated_at"`
	CustomerID      string                                    `gorm:"column:customer_id"`
	CustomerName    string                                    `gorm:"column:customer_name"`
	Tier            Tier                                      `gorm:"column:tier"`
	Status          Status                                    `gorm:"column:status"`
	ExpiryDate      *time.Time                                `gorm:"column:expiry_date"`
	ResourceLimits  datatypes.JSONType[map[string]float64]    `gorm:"column:resource_limits"`
	EnabledFeatures datatypes.JSONType[[]string]              `gorm:"column:enabled_features"`
	EnabledApps     datatypes.JSONType[[]string]              `gorm:"column:enabled_apps"`
	LastSynced      *time.Time                                `gorm:"column:last_synced"`
	SyncStatus      string                                    `gorm:"column:sync_status"`
	SyncError       string                                    `gorm:"column:sync_error"`
}

func (License) TableName() string {
	return "app_licenses"
}

// IsValid reports whether the license currently authorizes anything.
// Expiry is date-granular: a license expiring today is still valid.
func (l *License) IsValid() bool {
	return l.IsValidAt(time.Now().UTC())
}

func (l *License) IsValidAt(now time.Time) bool {
	if l.Status != StatusActive && l.Status != StatusTrial {
		return false
	}
	if l.ExpiryDate != nil {
		expiry := truncateToDate(*l.ExpiryDate)
		if expiry.Before(truncateToDate(now)) {
			return false
		}
	}
	return true
}

// ResourceLimit returns the limit for resource; 0 means unlimited.
func (l *License) ResourceLimit(resource string) float64 {
	limits := l.ResourceLimits.Data()
	if limits == nil {
		return 0
	}
	return limits[resource]
}

func (l *License) HasFeature(feature string) bool {
	for _, f := range l.EnabledFeatures.Data() {
		if f == feature {
			return true
		}
	}
	return false
}

func (l *License) HasApp(app string) bool {
	for _, a := range l.EnabledApps.Data() {
		if a == app {
			return true
		}
	}
	return false
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Regular tier names sold later map onto the founding tiers they share
// limits with.
var tierAliases = map[Tier]Tier{
	"Starter":    TierPioneer,
	"Growth":     TierBuilder,
	"Scale":      TierVisionary,
	"Enterprise": TierLegend,
}

var tierLimits = map[Tier]map[string]float64{
	TierTrial: {
		"storage_gb": 1, "bandwidth_gb": 10, "database_gb": 0.5,
		"api_calls": 5000, "file_uploads_gb": 1, "executions": 1000,
		"emails": 100, "ai_queries": 0, "webhooks": 2,
	},
	TierPioneer: {
		"storage_gb": 10, "bandwidth_gb": 100, "database_gb": 2,
		"api_calls": 50000, "file_uploads_gb": 5, "executions": 10000,
		"emails": 1000, "ai_queries": 0, "webhooks": 5,
	},
	TierBuilder: {
		"storage_gb": 30, "bandwidth_gb": 300, "database_gb": 5,
		"api_calls": 200000, "file_uploads_gb": 15, "executions": 50000,
		"emails": 5000, "ai_queries": 1000, "webhooks": 20,
	},
	TierVisionary: {
		"storage_gb": 75, "bandwidth_gb": 750, "database_gb": 15,
		"api_calls": 1000000, "file_uploads_gb": 50, "executions": 0,
		"emails": 20000, "ai_queries": 5000, "webhooks": 0,
	},
	TierLegend: {
		"storage_gb": 150, "bandwidth_gb": 0, "database_gb": 50,
		"api_calls": 0, "file_uploads_gb": 0, "executions": 0,
		"emails": 0, "ai_queries": 20000, "webhooks": 0,
	},
}

// DefaultTierLimits returns the stock resource limits for a tier,
// falling back to Trial for unknown tiers. 0 = unlimited.
func DefaultTierLimits(tier Tier) map[string]float64 {
	if alias, ok := tierAliases[tier]; ok {
		tier = alias
	}
	limits, ok := tierLimits[tier]
	if !ok {
		limits = tierLimits[TierTrial]
	}
	out := make(map[string]float64, len(limits))
	for k, v := range limits {
		out[k] = v
	}
	return out
}
