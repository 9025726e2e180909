package license

import (
	"context"
	"encoding/json"
	"errors"

	"metergate/pkg/config"
	"metergate/pkg/db/option"
	"metergate/pkg/errutil"
	"metergate/pkg/rediskey"
	"metergate/pkg/repository"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "license_cache_hits_total"})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{Name: "license_cache_miss_total"})
)

// Store reads the current license through a short-TTL redis cache.
// Durable-store failures surface as StoreUnavailable so callers can
// tell "no license" from "cannot determine"; cache failures only cost
// the cache. A nil redis client disables caching entirely.
type Store struct {
	rdb   *redis.Client
	cfg   *config.Config
	repo  repository.Repository[License]
	group singleflight.Group
}

type StoreParams struct {
	fx.In
	DB     *gorm.DB
	Redis  *redis.Client
	Config *config.Config
}

func NewStore(p StoreParams) *Store {
	return &Store{
		rdb:  p.Redis,
		cfg:  p.Config,
		repo: repository.ProvideStore[License](p.DB),
	}
}

func (s *Store) cacheKey() string {
	key := s.cfg.Central.LicenseKey
	if key == "" {
		key = "current"
	}
	return rediskey.BuildLicenseKey(key)
}

// Current returns the current license, or (nil, nil) when none exists.
func (s *Store) Current(ctx context.Context) (*License, error) {
	if cached := s.fromCache(ctx); cached != nil {
		cacheHits.Inc()
		return cached, nil
	}
	cacheMiss.Inc()

	v, err, _ := s.group.Do(s.cacheKey(), func() (interface{}, error) {
		lic, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		if lic != nil {
			s.toCache(ctx, lic)
		}
		return lic, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*License), nil
}

// Invalidate drops the cached license. It runs synchronously on every
// license or settings write, before the write is acknowledged.
func (s *Store) Invalidate(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Del(ctx, s.cacheKey()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		zap.L().Warn("failed to invalidate license cache", zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) load(ctx context.Context) (*License, error) {
	var lic *License
	var err error

	if key := s.cfg.Central.LicenseKey; key != "" {
		lic, err = s.repo.FindOne(ctx, &License{LicenseKey: key})
	} else {
		// No configured key: fall back to the most recently synced
		// active or trial license.
		lic, err = s.repo.FindOne(ctx, &License{},
			option.WithCondition("status IN ?", []Status{StatusActive, StatusTrial}),
			option.WithOrder("updated_at DESC"),
		)
	}
	if err != nil {
		return nil, errutil.StoreUnavailable("failed to read license", errutil.WithErr(err))
	}
	return lic, nil
}

func (s *Store) fromCache(ctx context.Context) *License {
	if s.rdb == nil {
		return nil
	}
	raw, err := s.rdb.Get(ctx, s.cacheKey()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("license cache read failed", zap.Error(err))
		}
		return nil
	}

	var lic License
	if err := json.Unmarshal(raw, &lic); err != nil {
		zap.L().Warn("license cache payload invalid, dropping", zap.Error(err))
		_ = s.rdb.Del(ctx, s.cacheKey()).Err()
		return nil
	}
	return &lic
}

func (s *Store) toCache(ctx context.Context, lic *License) {
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(lic)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, s.cacheKey(), raw, s.cfg.Licensing.CacheTTL).Err(); err != nil {
		zap.L().Warn("license cache write failed", zap.Error(err))
	}
}

// Replace upserts the license row and synchronously invalidates the
// cache so a subsequent Authorize never observes stale data.
func (s *Store) Replace(ctx context.Context, lic *License) error {
	existing, err := s.repo.FindOne(ctx, &License{LicenseKey: lic.LicenseKey})
	if err != nil {
		return errutil.StoreUnavailable("failed to read license", errutil.WithErr(err))
	}

	if existing == nil {
		err = s.repo.Create(ctx, lic)
	} else {
		err = s.repo.BatchUpdate(ctx, []*License{lic})
	}
	if err != nil {
		return errutil.StoreUnavailable("failed to write license", errutil.WithErr(err))
	}

	return s.Invalidate(ctx)
}
