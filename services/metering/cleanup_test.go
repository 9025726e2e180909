package metering

import (
	"context"
	"testing"
	"time"

	"metergate/services/license"
	"metergate/services/testutil"

	"github.com/stretchr/testify/require"
)

func TestCleanupOldRecords(t *testing.T) {
	db := testutil.NewTestDB(t, &license.License{}, &UsageEvent{}, &AggregatedUsage{})
	cfg := testConfig()
	cfg.Retention.UsageRecordDays = 30
	cleaner := NewCleaner(CleanerParams{DB: db, Config: cfg})

	now := time.Now().UTC()
	old := now.AddDate(0, 0, -45)
	recent := now.AddDate(0, 0, -5)

	seed := func(id string, createdAt time.Time, synced bool) {
		require.NoError(t, db.Create(&UsageEvent{
			ID:           id,
			CreatedAt:    createdAt,
			ResourceType: ResourceAPICalls,
			Quantity:     1,
			Timestamp:    createdAt,
			Synced:       synced,
		}).Error)
	}

	seed("old-synced", old, true)       // deleted
	seed("old-unsynced", old, false)    // kept: not synced yet
	seed("recent-synced", recent, true) // kept: inside retention
	seed("recent-unsynced", recent, false)

	deleted, err := cleaner.CleanupOldRecords(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	var remaining []UsageEvent
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 3)
	for _, ev := range remaining {
		require.NotEqual(t, "old-synced", ev.ID)
	}
}

func TestCleanupLeavesAggregatedBuckets(t *testing.T) {
	db := testutil.NewTestDB(t, &license.License{}, &UsageEvent{}, &AggregatedUsage{})
	cfg := testConfig()
	cfg.Retention.UsageRecordDays = 30
	cleaner := NewCleaner(CleanerParams{DB: db, Config: cfg})

	old := time.Now().UTC().AddDate(0, 0, -60)
	require.NoError(t, db.Create(&AggregatedUsage{
		ID:            "bucket-old",
		CreatedAt:     old,
		ResourceType:  ResourceAPICalls,
		HourBucket:    HourBucketOf(old),
		TotalQuantity: 100,
		Synced:        true,
	}).Error)

	_, err := cleaner.CleanupOldRecords(context.Background())
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&AggregatedUsage{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}
