package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"metergate/pkg/config"
	"metergate/pkg/db/option"
	"metergate/pkg/errutil"
	"metergate/pkg/repository"
	"metergate/services/license"
	"metergate/services/metering"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const usageBatchSize = 1000

var syncOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "central_sync_operations_total",
	Help: "Central sync operations by outcome.",
}, []string{"operation", "outcome"})

func countSync(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	syncOps.WithLabelValues(operation, outcome).Inc()
}

// CommandHandler reacts to one heartbeat command type.
type CommandHandler func(ctx context.Context, payload json.RawMessage) error

// Service owns the central sync flows: license refresh, usage push and
// heartbeat. Local state only advances after central acknowledges, so
// a failed push leaves everything eligible for the next run.
type Service struct {
	client *Client
	store  *license.Store
	db     *gorm.DB
	cfg    *config.Config

	buckets repository.Repository[metering.AggregatedUsage]

	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

type ServiceParams struct {
	fx.In
	Client *Client
	Store  *license.Store
	DB     *gorm.DB
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		client:   p.Client,
		store:    p.Store,
		db:       p.DB,
		cfg:      p.Config,
		buckets:  repository.ProvideStore[metering.AggregatedUsage](p.DB),
		handlers: make(map[string]CommandHandler),
	}

	s.RegisterCommand("refresh_license", func(ctx context.Context, _ json.RawMessage) error {
		_, err := s.SyncLicense(ctx)
		return err
	})
	s.RegisterCommand("invalidate_cache", func(ctx context.Context, _ json.RawMessage) error {
		return s.store.Invalidate(ctx)
	})
	s.RegisterCommand("sync_usage", func(ctx context.Context, _ json.RawMessage) error {
		_, err := s.SyncUsageToCentral(ctx)
		return err
	})

	return s
}

// RegisterCommand binds a heartbeat command type to its handler.
// Re-registering a type replaces the previous handler.
func (s *Service) RegisterCommand(cmdType string, h CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cmdType] = h
}

// SyncLicense validates the configured key against central and replaces
// the local snapshot. A failed sync keeps the previous snapshot but
// records the failure on it.
func (s *Service) SyncLicense(ctx context.Context) (_ *license.License, err error) {
	defer func() { countSync("license", err) }()

	key := s.cfg.Central.LicenseKey
	if key == "" {
		return nil, errutil.SyncValidation("no license key configured")
	}

	data, err := s.client.ValidateLicense(ctx, key)
	if err != nil {
		s.recordSyncFailure(ctx, key, err)
		return nil, err
	}

	lic := s.toLicense(data)
	if err := s.store.Replace(ctx, lic); err != nil {
		return nil, err
	}

	zap.L().Info("license synced",
		zap.String("license_key", lic.LicenseKey),
		zap.String("tier", string(lic.Tier)),
		zap.String("status", string(lic.Status)),
	)
	return lic, nil
}

func (s *Service) toLicense(data *LicenseData) *license.License {
	now := time.Now().UTC()

	lic := &license.License{
		LicenseKey:   data.LicenseKey,
		CustomerID:   data.CustomerID,
		CustomerName: data.CustomerName,
		Tier:         license.Tier(data.Tier),
		Status:       license.Status(data.Status),
		LastSynced:   &now,
		SyncStatus:   "Synced",
	}

	if data.ExpiryDate != "" {
		if t, err := time.Parse("2006-01-02", data.ExpiryDate); err == nil {
			lic.ExpiryDate = &t
		} else if t, err := time.Parse(time.RFC3339, data.ExpiryDate); err == nil {
			lic.ExpiryDate = &t
		} else {
			zap.L().Warn("unparseable expiry date from central", zap.String("expiry_date", data.ExpiryDate))
		}
	}

	limits := data.ResourceLimits
	if len(limits) == 0 {
		limits = license.DefaultTierLimits(lic.Tier)
	}
	lic.ResourceLimits = datatypes.NewJSONType(limits)
	lic.EnabledFeatures = datatypes.NewJSONType(data.EnabledFeatures)
	lic.EnabledApps = datatypes.NewJSONType(data.EnabledApps)

	return lic
}

func (s *Service) recordSyncFailure(ctx context.Context, key string, cause error) {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&license.License{}).
		Where("license_key = ?", key).
		Updates(map[string]any{
			"last_synced": now,
			"sync_status": "Failed",
			"sync_error":  cause.Error(),
		}).Error
	if err != nil {
		zap.L().Warn("failed to record license sync failure", zap.Error(err))
	}
}

type UsageSyncResult struct {
	Reported  int    `json:"reported"`
	Synced    int    `json:"synced"`
	Rejected  int    `json:"rejected"`
	ReceiptID string `json:"receipt_id,omitempty"`
}

// SyncUsageToCentral pushes unsynced aggregated buckets. Buckets, and
// the raw events behind them, flip to synced only for acknowledged
// bucket IDs; a push failure changes nothing locally.
func (s *Service) SyncUsageToCentral(ctx context.Context) (_ UsageSyncResult, err error) {
	defer func() { countSync("usage", err) }()

	var result UsageSyncResult

	key := s.cfg.Central.LicenseKey
	if key == "" {
		return result, errutil.SyncValidation("no license key configured")
	}

	pending, err := s.buckets.Find(ctx, &metering.AggregatedUsage{},
		option.WithCondition("synced = ?", false),
		option.WithOrder("hour_bucket ASC"),
		option.WithLimit(usageBatchSize),
	)
	if err != nil {
		return result, errutil.StoreUnavailable("failed to load unsynced usage", errutil.WithErr(err))
	}
	if len(pending) == 0 {
		return result, nil
	}

	reports := make([]UsageBucketReport, 0, len(pending))
	byID := make(map[string]*metering.AggregatedUsage, len(pending))
	for _, b := range pending {
		reports = append(reports, UsageBucketReport{
			BucketID:     b.ID,
			ResourceType: b.ResourceType,
			HourBucket:   b.HourBucket,
			Quantity:     b.TotalQuantity,
		})
		byID[b.ID] = b
	}
	result.Reported = len(reports)

	ack, err := s.client.ReportUsage(ctx, key, reports)
	if err != nil {
		return result, err
	}
	result.ReceiptID = ack.ReceiptID
	result.Rejected = len(ack.Rejected)

	accepted := ack.Accepted
	if len(accepted) == 0 && len(ack.Rejected) == 0 {
		// A bare acknowledgement accepts the whole batch.
		accepted = make([]string, 0, len(pending))
		for _, b := range pending {
			accepted = append(accepted, b.ID)
		}
	}

	now := time.Now().UTC()
	for _, id := range accepted {
		b, ok := byID[id]
		if !ok {
			continue
		}
		if err := s.markBucketSynced(ctx, b, now); err != nil {
			zap.L().Error("failed to mark usage bucket synced",
				zap.String("bucket_id", id),
				zap.Error(err),
			)
			continue
		}
		result.Synced++
	}

	zap.L().Info("usage sync finished",
		zap.Int("reported", result.Reported),
		zap.Int("synced", result.Synced),
		zap.Int("rejected", result.Rejected),
	)
	return result, nil
}

func (s *Service) markBucketSynced(ctx context.Context, b *metering.AggregatedUsage, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&metering.AggregatedUsage{}).
			Where("id = ?", b.ID).
			Updates(map[string]any{"synced": true, "synced_at": now}).Error; err != nil {
			return err
		}

		return tx.Model(&metering.UsageEvent{}).
			Where("aggregated = ? AND resource_type = ? AND period_start = ?",
				true, b.ResourceType, b.HourBucket).
			Updates(map[string]any{"synced": true, "synced_at": now}).Error
	})
}

// Heartbeat announces liveness and executes any commands central sends
// back. Command failures are isolated: one failing handler never stops
// the rest.
func (s *Service) Heartbeat(ctx context.Context) (_ *HeartbeatResponse, err error) {
	defer func() { countSync("heartbeat", err) }()

	key := s.cfg.Central.LicenseKey
	if key == "" {
		return nil, errutil.SyncValidation("no license key configured")
	}

	resp, err := s.client.Heartbeat(ctx, key, s.cfg.AppVersion)
	if err != nil {
		return nil, err
	}

	for _, cmd := range resp.Commands {
		s.dispatch(ctx, cmd)
	}
	return resp, nil
}

func (s *Service) dispatch(ctx context.Context, cmd Command) {
	s.mu.RLock()
	h, ok := s.handlers[cmd.Type]
	s.mu.RUnlock()

	if !ok {
		zap.L().Warn("unknown heartbeat command", zap.String("type", cmd.Type))
		return
	}

	if err := h(ctx, cmd.Payload); err != nil {
		zap.L().Error("heartbeat command failed",
			zap.String("type", cmd.Type),
			zap.Error(err),
		)
	}
}
