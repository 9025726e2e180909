package alert

import (
	"context"
	"time"

	"metergate/pkg/config"
	"metergate/pkg/db/option"
	"metergate/pkg/errutil"
	"metergate/pkg/mailer"
	"metergate/pkg/repository"
	"metergate/services/metering"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager fires limit alerts. Within one billing period the severity
// for a (resource, type) pair is monotone: once an alert exists it is
// never re-fired or downgraded, only escalated by a higher-ranked type.
type Manager struct {
	repo      repository.Repository[UsageAlert]
	evaluator *metering.Evaluator
	mailer    mailer.Mailer
	node      *snowflake.Node
	cfg       *config.Config
}

type ManagerParams struct {
	fx.In
	DB        *gorm.DB
	Evaluator *metering.Evaluator
	Mailer    mailer.Mailer
	Node      *snowflake.Node
	Config    *config.Config
}

func NewManager(p ManagerParams) *Manager {
	return &Manager{
		repo:      repository.ProvideStore[UsageAlert](p.DB),
		evaluator: p.Evaluator,
		mailer:    p.Mailer,
		node:      p.Node,
		cfg:       p.Config,
	}
}

// CheckAllLimits evaluates every metered resource and fires new alerts
// where the period's standing crossed a threshold. Returns the alerts
// created by this run.
func (m *Manager) CheckAllLimits(ctx context.Context) ([]*UsageAlert, error) {
	summaries, err := m.evaluator.SummarizeAll(ctx)
	if err != nil {
		return nil, err
	}

	periodKey := PeriodKeyOf(time.Now())
	var fired []*UsageAlert

	for _, s := range summaries {
		alertType, ok := m.classify(s.Status)
		if !ok {
			continue
		}

		created, err := m.fire(ctx, s, alertType, periodKey)
		if err != nil {
			zap.L().Error("failed to fire usage alert",
				zap.String("resource", s.Resource),
				zap.String("alert_type", string(alertType)),
				zap.Error(err),
			)
			continue
		}
		if created != nil {
			fired = append(fired, created)
		}
	}

	return fired, nil
}

// classify maps a limit status to the alert type it should raise.
// Exceeded escalates to blocked when enforcement is on, because the
// tenant experience at that point is denial, not just billing.
func (m *Manager) classify(status metering.LimitStatus) (AlertType, bool) {
	switch status {
	case metering.StatusWarning:
		return TypeWarning, true
	case metering.StatusExceeded:
		if m.cfg.Licensing.BlockOnExceeded {
			return TypeBlocked, true
		}
		return TypeExceeded, true
	default:
		return "", false
	}
}

// fire creates the alert unless an equal-or-higher severity alert
// already exists for the resource this period. Returns nil when
// nothing new fired.
func (m *Manager) fire(ctx context.Context, s metering.UsageSummary, alertType AlertType, periodKey string) (*UsageAlert, error) {
	existing, err := m.repo.Find(ctx, &UsageAlert{ResourceType: s.Resource, PeriodKey: periodKey})
	if err != nil {
		return nil, err
	}
	for _, a := range existing {
		if a.AlertType.Rank() >= alertType.Rank() {
			return nil, nil
		}
	}

	a := &UsageAlert{
		ID:               m.node.Generate().String(),
		ResourceType:     s.Resource,
		AlertType:        alertType,
		PeriodKey:        periodKey,
		ThresholdPercent: m.threshold(alertType),
		UsageValue:       s.Current,
		LimitValue:       s.Limit,
		UsagePercent:     s.Percent,
	}
	if s.Current > s.Limit {
		a.OverageAmount = s.Current - s.Limit
		a.OverageRate = metering.OverageRates[s.Resource].Rate
	}
	if err := m.repo.Create(ctx, a); err != nil {
		return nil, err
	}

	zap.L().Warn("usage alert fired",
		zap.String("resource", s.Resource),
		zap.String("alert_type", string(alertType)),
		zap.Float64("usage_percent", s.Percent),
	)

	m.notify(ctx, a)
	return a, nil
}

func (m *Manager) threshold(alertType AlertType) float64 {
	if alertType == TypeWarning {
		return m.cfg.Licensing.WarningThreshold
	}
	return m.cfg.Licensing.HardLimitThreshold
}

// notify is best effort: a mail failure never rolls back the alert.
func (m *Manager) notify(ctx context.Context, a *UsageAlert) {
	if !m.cfg.Alerts.SendEmails || m.cfg.Alerts.Email == "" {
		return
	}

	err := m.mailer.Send(ctx, m.cfg.Alerts.Email, "usage_alert", map[string]any{
		"resource":      a.ResourceType,
		"alert_type":    string(a.AlertType),
		"usage_value":   a.UsageValue,
		"limit_value":   a.LimitValue,
		"usage_percent": a.UsagePercent,
		"period":        a.PeriodKey,
	})
	if err != nil {
		zap.L().Warn("failed to send alert email", zap.String("alert_id", a.ID), zap.Error(err))
		return
	}

	if err := m.repo.Update(ctx, a.ID, map[string]any{
		"notification_sent": true,
		"email_sent_to":     m.cfg.Alerts.Email,
	}); err != nil {
		zap.L().Warn("failed to mark alert notification sent", zap.String("alert_id", a.ID), zap.Error(err))
		return
	}
	a.NotificationSent = true
	a.EmailSentTo = m.cfg.Alerts.Email
}

// PendingAlerts lists unacknowledged alerts, newest first.
func (m *Manager) PendingAlerts(ctx context.Context) ([]*UsageAlert, error) {
	return m.repo.Find(ctx, &UsageAlert{},
		option.WithCondition("acknowledged = ?", false),
		option.WithOrder("created_at DESC"),
	)
}

// AcknowledgeAlert marks one alert handled. Acknowledging does not
// reset the period's severity floor.
func (m *Manager) AcknowledgeAlert(ctx context.Context, id, actor string) error {
	a, err := m.repo.FindOne(ctx, &UsageAlert{ID: id})
	if err != nil {
		return err
	}
	if a == nil {
		return errutil.NotFound("alert not found: " + id)
	}
	if a.Acknowledged {
		return nil
	}

	now := time.Now().UTC()
	return m.repo.Update(ctx, id, map[string]any{
		"acknowledged":    true,
		"acknowledged_by": actor,
		"acknowledged_at": now,
	})
}
