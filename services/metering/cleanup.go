package metering

import (
	"context"
	"time"

	"metergate/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Cleaner deletes raw usage events that are both synced and older than
// the retention window. Unsynced events are kept regardless of age so
// the central authority never loses data to local housekeeping.
type Cleaner struct {
	db  *gorm.DB
	cfg *config.Config
}

type CleanerParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
}

func NewCleaner(p CleanerParams) *Cleaner {
	return &Cleaner{db: p.DB, cfg: p.Config}
}

// CleanupOldRecords removes aged, synced raw events and returns the
// number of rows deleted. Aggregated buckets are never deleted here.
func (c *Cleaner) CleanupOldRecords(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -c.cfg.Retention.UsageRecordDays)

	res := c.db.WithContext(ctx).
		Where("synced = ? AND created_at < ?", true, cutoff).
		Delete(&UsageEvent{})
	if res.Error != nil {
		zap.L().Error("usage cleanup failed", zap.Error(res.Error))
		return 0, res.Error
	}

	if res.RowsAffected > 0 {
		zap.L().Info("usage cleanup finished",
			zap.Int64("deleted", res.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
	return res.RowsAffected, nil
}
