package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"metergate/pkg/config"
	"metergate/pkg/errutil"
	"metergate/services/license"
	"metergate/services/metering"
	"metergate/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type mailerMock struct {
	sendFn func(ctx context.Context, to, template string, data map[string]any) error
	sent   []string
}

func (m *mailerMock) Send(ctx context.Context, to, template string, data map[string]any) error {
	m.sent = append(m.sent, template)
	if m.sendFn != nil {
		return m.sendFn(ctx, to, template, data)
	}
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Central.LicenseKey = "LIC-TEST"
	cfg.Licensing.WarningThreshold = 80
	cfg.Licensing.HardLimitThreshold = 100
	cfg.Licensing.CacheTTL = 5 * time.Minute
	cfg.Alerts.SendEmails = true
	cfg.Alerts.Email = "ops@acme.test"
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *mailerMock, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &license.License{}, &metering.UsageEvent{}, &metering.AggregatedUsage{}, &UsageAlert{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := license.NewStore(license.StoreParams{DB: db, Config: cfg})
	eval := metering.NewEvaluator(metering.EvaluatorParams{DB: db, Store: store, Config: cfg})
	mm := &mailerMock{}

	return NewManager(ManagerParams{
		DB:        db,
		Evaluator: eval,
		Mailer:    mm,
		Node:      node,
		Config:    cfg,
	}), mm, db
}

func seedBuilderLicense(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create(&license.License{
		LicenseKey:     "LIC-TEST",
		Tier:           license.TierBuilder,
		Status:         license.StatusActive,
		ResourceLimits: datatypes.NewJSONType(license.DefaultTierLimits(license.TierBuilder)),
	}).Error)
}

func seedUsage(t *testing.T, db *gorm.DB, resource string, quantity float64) {
	t.Helper()
	hour := metering.HourBucketOf(time.Now().UTC())
	require.NoError(t, db.Create(&metering.AggregatedUsage{
		ID:            resource + "-" + hour.Format("2006010215"),
		ResourceType:  resource,
		HourBucket:    hour,
		TotalQuantity: quantity,
	}).Error)
}

func TestCheckAllLimitsFiresWarningOnce(t *testing.T) {
	mgr, mm, db := newTestManager(t, testConfig())
	seedBuilderLicense(t, db)
	// Builder api_calls limit 200000; 160000 = 80%.
	seedUsage(t, db, metering.ResourceAPICalls, 160000)

	fired, err := mgr.CheckAllLimits(context.Background())
	require.NoError(t, err)
	require.Len(t, fired, 1)
	require.Equal(t, TypeWarning, fired[0].AlertType)
	require.Equal(t, metering.ResourceAPICalls, fired[0].ResourceType)
	require.InDelta(t, 80, fired[0].UsagePercent, 0.001)
	require.Len(t, mm.sent, 1)

	// Same period, same standing: nothing new fires.
	fired, err = mgr.CheckAllLimits(context.Background())
	require.NoError(t, err)
	require.Empty(t, fired)
	require.Len(t, mm.sent, 1)
}

func TestCheckAllLimitsEscalates(t *testing.T) {
	mgr, _, db := newTestManager(t, testConfig())
	seedBuilderLicense(t, db)
	seedUsage(t, db, metering.ResourceAPICalls, 160000)

	_, err := mgr.CheckAllLimits(context.Background())
	require.NoError(t, err)

	// Usage climbs past the limit: warning escalates to exceeded.
	require.NoError(t, db.Model(&metering.AggregatedUsage{}).
		Where("resource_type = ?", metering.ResourceAPICalls).
		Update("total_quantity", 210000).Error)

	fired, err := mgr.CheckAllLimits(context.Background())
	require.NoError(t, err)
	require.Len(t, fired, 1)
	require.Equal(t, TypeExceeded, fired[0].AlertType)

	// Severity is monotone: dropping back under the limit never
	// re-fires the warning this period.
	require.NoError(t, db.Model(&metering.AggregatedUsage{}).
		Where("resource_type = ?", metering.ResourceAPICalls).
		Update("total_quantity", 165000).Error)

	fired, err = mgr.CheckAllLimits(context.Background())
	require.NoError(t, err)
	require.Empty(t, fired)
}

func TestCheckAllLimitsBlockedWhenEnforcing(t *testing.T) {
	cfg := testConfig()
	cfg.Licensing.BlockOnExceeded = true
	mgr, _, db := newTestManager(t, cfg)
	seedBuilderLicense(t, db)
	seedUsage(t, db, metering.ResourceAPICalls, 210000)

	fired, err := mgr.CheckAllLimits(context.Background())
	require.NoError(t, err)
	require.Len(t, fired, 1)
	require.Equal(t, TypeBlocked, fired[0].AlertType)
}

func TestCheckAllLimitsNoLicenseNoAlerts(t *testing.T) {
	mgr, _, db := newTestManager(t, testConfig())
	seedUsage(t, db, metering.ResourceAPICalls, 1e9)

	fired, err := mgr.CheckAllLimits(context.Background())
	require.NoError(t, err)
	require.Empty(t, fired)
}

func TestMailFailureKeepsAlert(t *testing.T) {
	mgr, mm, db := newTestManager(t, testConfig())
	mm.sendFn = func(context.Context, string, string, map[string]any) error {
		return errors.New("smtp down")
	}
	seedBuilderLicense(t, db)
	seedUsage(t, db, metering.ResourceAPICalls, 160000)

	fired, err := mgr.CheckAllLimits(context.Background())
	require.NoError(t, err)
	require.Len(t, fired, 1)
	require.False(t, fired[0].NotificationSent)

	var count int64
	require.NoError(t, db.Model(&UsageAlert{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestAcknowledgeAlert(t *testing.T) {
	mgr, _, db := newTestManager(t, testConfig())
	seedBuilderLicense(t, db)
	seedUsage(t, db, metering.ResourceAPICalls, 160000)

	fired, err := mgr.CheckAllLimits(context.Background())
	require.NoError(t, err)
	require.Len(t, fired, 1)

	ctx := context.Background()
	require.NoError(t, mgr.AcknowledgeAlert(ctx, fired[0].ID, "ops@acme.test"))

	pending, err := mgr.PendingAlerts(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	var stored UsageAlert
	require.NoError(t, db.First(&stored, "id = ?", fired[0].ID).Error)
	require.True(t, stored.Acknowledged)
	require.Equal(t, "ops@acme.test", stored.AcknowledgedBy)

	// Acknowledging twice is a no-op.
	require.NoError(t, mgr.AcknowledgeAlert(ctx, fired[0].ID, "ops@acme.test"))

	err = mgr.AcknowledgeAlert(ctx, "missing-id", "")
	require.Equal(t, errutil.StatusNotFound, errutil.Code(err))
}

func TestPendingAlerts(t *testing.T) {
	mgr, _, db := newTestManager(t, testConfig())
	seedBuilderLicense(t, db)
	seedUsage(t, db, metering.ResourceAPICalls, 160000)
	seedUsage(t, db, metering.ResourceEmails, 4500) // 90% of 5000

	fired, err := mgr.CheckAllLimits(context.Background())
	require.NoError(t, err)
	require.Len(t, fired, 2)

	pending, err := mgr.PendingAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, a := range pending {
		require.False(t, a.Acknowledged)
	}
}
