package license

import (
	"context"
	"fmt"
	"time"

	"metergate/pkg/errutil"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Requirement names what a protected operation needs from the license.
// Zero-value fields are not checked.
type Requirement struct {
	Feature string
	App     string
}

// Info is the inbound license summary surface.
type Info struct {
	Tier            Tier               `json:"tier"`
	Status          Status             `json:"status"`
	IsValid         bool               `json:"is_valid"`
	ExpiryDate      *time.Time         `json:"expiry_date,omitempty"`
	ResourceLimits  map[string]float64 `json:"resource_limits"`
	EnabledFeatures []string           `json:"enabled_features"`
	EnabledApps     []string           `json:"enabled_apps"`
}

// Engine evaluates license entitlement. It is the gate every protected
// operation passes through before executing.
type Engine struct {
	store *Store
}

type EngineParams struct {
	fx.In
	Store *Store
}

func NewEngine(p EngineParams) *Engine {
	return &Engine{store: p.Store}
}

// Authorize returns nil when the current license satisfies req, or a
// structured deny error. Deny reasons are checked in a fixed order:
// presence, status, expiry, feature, app.
func (e *Engine) Authorize(ctx context.Context, req Requirement) error {
	lic, err := e.store.Current(ctx)
	if err != nil {
		// Fail closed, but keep "cannot determine" distinct from
		// "no license".
		return err
	}

	if lic == nil {
		return errutil.NoLicense("no valid license found, configure a license key")
	}

	if lic.Status != StatusActive && lic.Status != StatusTrial {
		return errutil.InvalidStatus(fmt.Sprintf("license is not active, current status: %s", lic.Status))
	}

	if !lic.IsValid() {
		return errutil.Expired("license has expired")
	}

	if req.Feature != "" && !lic.HasFeature(req.Feature) {
		return errutil.FeatureNotLicensed(
			fmt.Sprintf("feature %q is not included in the %s plan", req.Feature, lic.Tier))
	}

	if req.App != "" && !lic.HasApp(req.App) {
		return errutil.AppNotLicensed(
			fmt.Sprintf("app %q is not included in the %s plan", req.App, lic.Tier))
	}

	return nil
}

// Guard runs fn only when req is authorized. On deny the wrapped
// operation never executes; on allow its outcome passes through
// untouched.
func (e *Engine) Guard(ctx context.Context, req Requirement, fn func(context.Context) error) error {
	if err := e.Authorize(ctx, req); err != nil {
		return err
	}
	return fn(ctx)
}

// IsLicensed is the boolean form of Authorize. StoreUnavailable still
// propagates so callers never confuse an outage with a deny.
func (e *Engine) IsLicensed(ctx context.Context, req Requirement) (bool, error) {
	err := e.Authorize(ctx, req)
	if err == nil {
		return true, nil
	}
	if errutil.Is(err, errutil.StatusStoreUnavailable) {
		return false, err
	}
	zap.L().Debug("license check denied", zap.String("reason", string(errutil.Code(err))))
	return false, nil
}

// CheckFeature reports whether the license covers one feature.
func (e *Engine) CheckFeature(ctx context.Context, feature string) (bool, error) {
	return e.IsLicensed(ctx, Requirement{Feature: feature})
}

// CheckApp reports whether the license covers one app.
func (e *Engine) CheckApp(ctx context.Context, app string) (bool, error) {
	return e.IsLicensed(ctx, Requirement{App: app})
}

// Tier returns the current tier, or "" when no license exists.
func (e *Engine) Tier(ctx context.Context) (Tier, error) {
	lic, err := e.store.Current(ctx)
	if err != nil {
		return "", err
	}
	if lic == nil {
		return "", nil
	}
	return lic.Tier, nil
}

// ResourceLimit returns the licensed limit for resource; 0 when
// unlimited or unlicensed.
func (e *Engine) ResourceLimit(ctx context.Context, resource string) (float64, error) {
	lic, err := e.store.Current(ctx)
	if err != nil {
		return 0, err
	}
	if lic == nil {
		return 0, nil
	}
	return lic.ResourceLimit(resource), nil
}

// LicenseInfo returns the inbound summary, or (nil, nil) when no
// license is configured.
func (e *Engine) LicenseInfo(ctx context.Context) (*Info, error) {
	lic, err := e.store.Current(ctx)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, nil
	}

	return &Info{
		Tier:            lic.Tier,
		Status:          lic.Status,
		IsValid:         lic.IsValid(),
		ExpiryDate:      lic.ExpiryDate,
		ResourceLimits:  lic.ResourceLimits.Data(),
		EnabledFeatures: lic.EnabledFeatures.Data(),
		EnabledApps:     lic.EnabledApps.Data(),
	}, nil
}
