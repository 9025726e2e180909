package metering

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Aggregator compacts raw usage events into per-resource, per-hour
// buckets. Each bucket commits in its own transaction: a crash mid-run
// leaves some groups fully processed and the rest untouched, never
// double-counted.
type Aggregator struct {
	db   *gorm.DB
	node *snowflake.Node
}

type AggregatorParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewAggregator(p AggregatorParams) *Aggregator {
	return &Aggregator{db: p.DB, node: p.Node}
}

type AggregateResult struct {
	EventCount  int      `json:"event_count"`
	BucketCount int      `json:"bucket_count"`
	Resources   []string `json:"resources"`
}

type bucketKey struct {
	resource string
	hour     time.Time
}

type bucketGroup struct {
	quantity float64
	eventIDs []string
}

// AggregateUsage folds all unaggregated events into their buckets.
// Idempotent: rerunning with no new events changes nothing, and
// merge-add upserts make it safe to rerun after a partial failure.
func (a *Aggregator) AggregateUsage(ctx context.Context) (AggregateResult, error) {
	var result AggregateResult

	var events []UsageEvent
	if err := a.db.WithContext(ctx).
		Where("aggregated = ?", false).
		Order("timestamp ASC").
		Find(&events).Error; err != nil {
		zap.L().Error("failed to load unaggregated usage events", zap.Error(err))
		return result, err
	}

	if len(events) == 0 {
		return result, nil
	}

	groups := make(map[bucketKey]*bucketGroup)
	var order []bucketKey
	for _, ev := range events {
		key := bucketKey{resource: ev.ResourceType, hour: HourBucketOf(ev.Timestamp)}
		g, ok := groups[key]
		if !ok {
			g = &bucketGroup{}
			groups[key] = g
			order = append(order, key)
		}
		g.quantity += ev.Quantity
		g.eventIDs = append(g.eventIDs, ev.ID)
	}

	resources := make(map[string]struct{})

	for _, key := range order {
		// Cancellation is honored between buckets, never mid-bucket.
		if err := ctx.Err(); err != nil {
			return result, err
		}

		g := groups[key]
		if err := a.commitBucket(ctx, key, g); err != nil {
			zap.L().Error("failed to aggregate usage bucket",
				zap.String("resource", key.resource),
				zap.Time("hour", key.hour),
				zap.Error(err),
			)
			continue
		}

		result.EventCount += len(g.eventIDs)
		result.BucketCount++
		resources[key.resource] = struct{}{}
	}

	for r := range resources {
		result.Resources = append(result.Resources, r)
	}

	zap.L().Info("usage aggregation finished",
		zap.Int("events", result.EventCount),
		zap.Int("buckets", result.BucketCount),
	)

	return result, nil
}

// commitBucket merge-adds the group total into its bucket and marks the
// source events aggregated, all in one transaction.
func (a *Aggregator) commitBucket(ctx context.Context, key bucketKey, g *bucketGroup) error {
	now := time.Now().UTC()
	periodEnd := key.hour.Add(time.Hour)

	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bucket AggregatedUsage
		err := tx.Where("resource_type = ? AND hour_bucket = ?", key.resource, key.hour).
			First(&bucket).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			bucket = AggregatedUsage{
				ID:            a.node.Generate().String(),
				ResourceType:  key.resource,
				HourBucket:    key.hour,
				TotalQuantity: g.quantity,
			}
			if err := tx.Create(&bucket).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			// A late event reopens the bucket: clearing the synced flag
			// puts the new total back on the next sync run.
			if err := tx.Model(&AggregatedUsage{}).
				Where("id = ?", bucket.ID).
				Updates(map[string]any{
					"total_quantity": gorm.Expr("total_quantity + ?", g.quantity),
					"synced":         false,
					"synced_at":      nil,
				}).Error; err != nil {
				return err
			}
		}

		return tx.Model(&UsageEvent{}).
			Where("id IN ? AND aggregated = ?", g.eventIDs, false).
			Updates(map[string]any{
				"aggregated":    true,
				"aggregated_at": now,
				"period_start":  key.hour,
				"period_end":    periodEnd,
			}).Error
	})
}
