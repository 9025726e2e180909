package metering

import (
	"context"
	"testing"
	"time"

	"metergate/pkg/config"
	"metergate/services/license"
	"metergate/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Central.LicenseKey = "LIC-TEST"
	cfg.Licensing.WarningThreshold = 80
	cfg.Licensing.HardLimitThreshold = 100
	cfg.Licensing.CacheTTL = 5 * time.Minute
	return cfg
}

func newTestEvaluator(t *testing.T) (*Evaluator, *gorm.DB, *config.Config) {
	t.Helper()
	db := testutil.NewTestDB(t, &license.License{}, &UsageEvent{}, &AggregatedUsage{})
	cfg := testConfig()
	store := license.NewStore(license.StoreParams{DB: db, Config: cfg})
	return NewEvaluator(EvaluatorParams{DB: db, Store: store, Config: cfg}), db, cfg
}

func seedBuilderLicense(t *testing.T, db *gorm.DB) {
	t.Helper()
	lic := &license.License{
		LicenseKey:     "LIC-TEST",
		Tier:           license.TierBuilder,
		Status:         license.StatusActive,
		ResourceLimits: datatypes.NewJSONType(license.DefaultTierLimits(license.TierBuilder)),
	}
	require.NoError(t, db.Create(lic).Error)
}

func seedBucket(t *testing.T, db *gorm.DB, resource string, hour time.Time, quantity float64) {
	t.Helper()
	require.NoError(t, db.Create(&AggregatedUsage{
		ID:            resource + hour.Format("2006010215"),
		ResourceType:  resource,
		HourBucket:    hour,
		TotalQuantity: quantity,
	}).Error)
}

func seedEvent(t *testing.T, db *gorm.DB, id, resource string, quantity float64, ts time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&UsageEvent{
		ID:           id,
		ResourceType: resource,
		Quantity:     quantity,
		Timestamp:    ts,
	}).Error)
}

func TestCurrentUsageCombinesAggregatedAndRaw(t *testing.T) {
	eval, db, _ := newTestEvaluator(t)
	seedBuilderLicense(t, db)

	now := time.Now().UTC()
	seedBucket(t, db, ResourceAPICalls, HourBucketOf(now), 1000)
	seedEvent(t, db, "ev-1", ResourceAPICalls, 250, now)

	usage, err := eval.CurrentUsage(context.Background(), ResourceAPICalls)
	require.NoError(t, err)
	require.Equal(t, float64(1250), usage)
}

func TestAllUsageZeroFills(t *testing.T) {
	eval, db, _ := newTestEvaluator(t)
	seedBuilderLicense(t, db)

	usage, err := eval.AllUsage(context.Background())
	require.NoError(t, err)
	require.Len(t, usage, len(AllResources))
	for _, r := range AllResources {
		require.Contains(t, usage, r)
		require.Zero(t, usage[r])
	}
}

func TestStatusThresholds(t *testing.T) {
	eval, db, _ := newTestEvaluator(t)
	seedBuilderLicense(t, db)

	now := time.Now().UTC()
	ctx := context.Background()

	// Builder api_calls limit is 200000. 160000 = exactly 80%.
	seedBucket(t, db, ResourceAPICalls, HourBucketOf(now), 160000)

	status, err := eval.Status(ctx, ResourceAPICalls)
	require.NoError(t, err)
	require.Equal(t, StatusWarning, status)

	percent, err := eval.UsagePercent(ctx, ResourceAPICalls)
	require.NoError(t, err)
	require.InDelta(t, 80, percent, 0.001)

	// Push past 100%.
	seedEvent(t, db, "ev-over", ResourceAPICalls, 50000, now)
	status, err = eval.Status(ctx, ResourceAPICalls)
	require.NoError(t, err)
	require.Equal(t, StatusExceeded, status)
}

func TestStatusUnlimitedResourceAlwaysOK(t *testing.T) {
	eval, db, _ := newTestEvaluator(t)
	seedBuilderLicense(t, db)

	// A resource missing from the limits map has limit 0 = unlimited.
	now := time.Now().UTC()
	seedBucket(t, db, "custom_widget", HourBucketOf(now), 1e9)

	status, err := eval.Status(context.Background(), "custom_widget")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
}

func TestStatusWithoutLicenseIsOK(t *testing.T) {
	eval, db, _ := newTestEvaluator(t)

	now := time.Now().UTC()
	seedBucket(t, db, ResourceAPICalls, HourBucketOf(now), 1e9)

	status, err := eval.Status(context.Background(), ResourceAPICalls)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
}

func TestOverageCosts(t *testing.T) {
	eval, db, _ := newTestEvaluator(t)
	seedBuilderLicense(t, db)

	now := time.Now().UTC()
	// Builder storage_gb limit is 30; 35.5 GB used -> 5.5 GB over at
	// $1.50/GB = $8.25.
	seedBucket(t, db, ResourceStorageGB, HourBucketOf(now), 35.5)

	report, err := eval.Overage(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Lines, 1)

	line := report.Lines[0]
	require.Equal(t, ResourceStorageGB, line.Resource)
	require.InDelta(t, 5.5, line.Overage, 0.001)
	require.Equal(t, 8.25, line.Cost)
	require.Equal(t, 8.25, report.TotalCost)
}

func TestOveragePerUnitRates(t *testing.T) {
	eval, db, _ := newTestEvaluator(t)
	seedBuilderLicense(t, db)

	now := time.Now().UTC()
	// Builder api_calls limit 200000; 225000 used -> 25000 over at
	// $0.50 per 10000 = $1.25.
	seedBucket(t, db, ResourceAPICalls, HourBucketOf(now), 225000)

	report, err := eval.Overage(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Lines, 1)
	require.Equal(t, 1.25, report.Lines[0].Cost)
}

func TestOverageSkipsFreeResources(t *testing.T) {
	eval, db, _ := newTestEvaluator(t)
	seedBuilderLicense(t, db)

	now := time.Now().UTC()
	// Builder webhooks limit is 20; webhooks carry no overage rate.
	seedBucket(t, db, ResourceWebhooks, HourBucketOf(now), 100)

	report, err := eval.Overage(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Lines)
	require.Zero(t, report.TotalCost)
}

func TestUsageOutsidePeriodIgnored(t *testing.T) {
	eval, db, _ := newTestEvaluator(t)
	seedBuilderLicense(t, db)

	lastMonth := MonthStartOf(time.Now()).Add(-time.Hour)
	seedBucket(t, db, ResourceAPICalls, HourBucketOf(lastMonth), 999999)

	usage, err := eval.CurrentUsage(context.Background(), ResourceAPICalls)
	require.NoError(t, err)
	require.Zero(t, usage)
}

func TestSummarizeAllCoversEveryResource(t *testing.T) {
	eval, db, _ := newTestEvaluator(t)
	seedBuilderLicense(t, db)

	summaries, err := eval.SummarizeAll(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, len(AllResources))
	for _, s := range summaries {
		require.Equal(t, StatusOK, s.Status)
	}
}
