package metering

import (
	"context"
	"math"
	"time"

	"metergate/pkg/config"
	"metergate/pkg/errutil"
	"metergate/services/license"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

// LimitStatus is the three-state outcome of a quota check.
type LimitStatus string

const (
	StatusOK       LimitStatus = "ok"
	StatusWarning  LimitStatus = "warning"
	StatusExceeded LimitStatus = "exceeded"
)

// OverageRate prices consumption beyond the licensed limit. Cost is
// (overage / PerUnits) * Rate; a zero rate means the resource is never
// billed for overage.
type OverageRate struct {
	Rate     float64
	PerUnits float64
	Unit     string
}

// OverageRates is the published price sheet for metered resources.
var OverageRates = map[string]OverageRate{
	ResourceStorageGB:     {Rate: 1.50, PerUnits: 1, Unit: "GB/mo"},
	ResourceBandwidthGB:   {Rate: 0.08, PerUnits: 1, Unit: "GB"},
	ResourceDatabaseGB:    {Rate: 3.00, PerUnits: 1, Unit: "GB/mo"},
	ResourceAPICalls:      {Rate: 0.50, PerUnits: 10000, Unit: "calls"},
	ResourceFileUploadsGB: {Rate: 1.50, PerUnits: 1, Unit: "GB"},
	ResourceExecutions:    {Rate: 2.00, PerUnits: 10000, Unit: "runs"},
	ResourceEmails:        {Rate: 1.00, PerUnits: 1000, Unit: "emails"},
	ResourceAIQueries:     {Rate: 0.015, PerUnits: 1, Unit: "queries"},
	ResourceWebhooks:      {Rate: 0, PerUnits: 1, Unit: "deliveries"},
}

// UsageSummary reports one resource's standing against its limit for
// the current billing period.
type UsageSummary struct {
	Resource string      `json:"resource"`
	Current  float64     `json:"current"`
	Limit    float64     `json:"limit"`
	Percent  float64     `json:"percent"`
	Status   LimitStatus `json:"status"`
}

// OverageLine is one resource's billable overage.
type OverageLine struct {
	Resource string  `json:"resource"`
	Limit    float64 `json:"limit"`
	Current  float64 `json:"current"`
	Overage  float64 `json:"overage"`
	Rate     float64 `json:"rate"`
	Cost     float64 `json:"cost"`
}

// OverageReport totals all billable overage for the current period.
type OverageReport struct {
	PeriodStart time.Time     `json:"period_start"`
	Lines       []OverageLine `json:"lines"`
	TotalCost   float64       `json:"total_cost"`
}

// Evaluator answers "where does current usage stand against the
// licensed limit". Current usage is the sum of this period's
// aggregated buckets plus any raw events the aggregator has not
// folded in yet, so fresh consumption counts immediately.
type Evaluator struct {
	db    *gorm.DB
	store *license.Store
	cfg   *config.Config
}

type EvaluatorParams struct {
	fx.In
	DB     *gorm.DB
	Store  *license.Store
	Config *config.Config
}

func NewEvaluator(p EvaluatorParams) *Evaluator {
	return &Evaluator{db: p.DB, store: p.Store, cfg: p.Config}
}

// CurrentUsage returns the billing-period total for one resource.
func (e *Evaluator) CurrentUsage(ctx context.Context, resource string) (float64, error) {
	usage, err := e.usageSince(ctx, MonthStartOf(time.Now()), resource)
	if err != nil {
		return 0, err
	}
	return usage[resource], nil
}

// AllUsage returns billing-period totals for every metered resource,
// zero-filled so absent resources still appear.
func (e *Evaluator) AllUsage(ctx context.Context) (map[string]float64, error) {
	usage, err := e.usageSince(ctx, MonthStartOf(time.Now()), "")
	if err != nil {
		return nil, err
	}
	for _, r := range AllResources {
		if _, ok := usage[r]; !ok {
			usage[r] = 0
		}
	}
	return usage, nil
}

// Status classifies one resource against its limit. A zero limit means
// unlimited and is always ok.
func (e *Evaluator) Status(ctx context.Context, resource string) (LimitStatus, error) {
	summary, err := e.Summarize(ctx, resource)
	if err != nil {
		return StatusOK, err
	}
	return summary.Status, nil
}

// UsagePercent returns consumption as a percentage of the limit; 0 for
// unlimited resources.
func (e *Evaluator) UsagePercent(ctx context.Context, resource string) (float64, error) {
	summary, err := e.Summarize(ctx, resource)
	if err != nil {
		return 0, err
	}
	return summary.Percent, nil
}

// Summarize builds the standing report for one resource.
func (e *Evaluator) Summarize(ctx context.Context, resource string) (UsageSummary, error) {
	current, err := e.CurrentUsage(ctx, resource)
	if err != nil {
		return UsageSummary{}, err
	}

	limit, err := e.resourceLimit(ctx, resource)
	if err != nil {
		return UsageSummary{}, err
	}

	summary := UsageSummary{
		Resource: resource,
		Current:  current,
		Limit:    limit,
		Status:   StatusOK,
	}
	if limit <= 0 {
		return summary, nil
	}

	summary.Percent = current / limit * 100
	switch {
	case summary.Percent >= e.cfg.Licensing.HardLimitThreshold:
		summary.Status = StatusExceeded
	case summary.Percent >= e.cfg.Licensing.WarningThreshold:
		summary.Status = StatusWarning
	}
	return summary, nil
}

// SummarizeAll reports every metered resource for the current period.
func (e *Evaluator) SummarizeAll(ctx context.Context) ([]UsageSummary, error) {
	usage, err := e.AllUsage(ctx)
	if err != nil {
		return nil, err
	}

	lic, err := e.store.Current(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]UsageSummary, 0, len(AllResources))
	for _, resource := range AllResources {
		summary := UsageSummary{
			Resource: resource,
			Current:  usage[resource],
			Status:   StatusOK,
		}
		if lic != nil {
			summary.Limit = lic.ResourceLimit(resource)
		}
		if summary.Limit > 0 {
			summary.Percent = summary.Current / summary.Limit * 100
			switch {
			case summary.Percent >= e.cfg.Licensing.HardLimitThreshold:
				summary.Status = StatusExceeded
			case summary.Percent >= e.cfg.Licensing.WarningThreshold:
				summary.Status = StatusWarning
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Overage prices every resource past its limit for the current period.
// Costs round to cents.
func (e *Evaluator) Overage(ctx context.Context) (OverageReport, error) {
	report := OverageReport{PeriodStart: MonthStartOf(time.Now())}

	summaries, err := e.SummarizeAll(ctx)
	if err != nil {
		return report, err
	}

	for _, s := range summaries {
		if s.Limit <= 0 || s.Current <= s.Limit {
			continue
		}
		rate, ok := OverageRates[s.Resource]
		if !ok || rate.Rate == 0 {
			continue
		}

		over := s.Current - s.Limit
		cost := roundCents(over / rate.PerUnits * rate.Rate)
		report.Lines = append(report.Lines, OverageLine{
			Resource: s.Resource,
			Limit:    s.Limit,
			Current:  s.Current,
			Overage:  over,
			Rate:     rate.Rate,
			Cost:     cost,
		})
		report.TotalCost += cost
	}
	report.TotalCost = roundCents(report.TotalCost)
	return report, nil
}

// usageSince sums aggregated buckets plus unaggregated raw events from
// the period start. Aggregated events are excluded from the raw sum so
// nothing double-counts.
func (e *Evaluator) usageSince(ctx context.Context, since time.Time, resource string) (map[string]float64, error) {
	type row struct {
		ResourceType string
		Total        float64
	}

	usage := make(map[string]float64)

	agg := e.db.WithContext(ctx).Model(&AggregatedUsage{}).
		Select("resource_type, SUM(total_quantity) AS total").
		Where("hour_bucket >= ?", since).
		Group("resource_type")
	if resource != "" {
		agg = agg.Where("resource_type = ?", resource)
	}

	var aggRows []row
	if err := agg.Scan(&aggRows).Error; err != nil {
		return nil, errutil.StoreUnavailable("failed to query aggregated usage", errutil.WithErr(err))
	}
	for _, r := range aggRows {
		usage[r.ResourceType] += r.Total
	}

	raw := e.db.WithContext(ctx).Model(&UsageEvent{}).
		Select("resource_type, SUM(quantity) AS total").
		Where("aggregated = ? AND timestamp >= ?", false, since).
		Group("resource_type")
	if resource != "" {
		raw = raw.Where("resource_type = ?", resource)
	}

	var rawRows []row
	if err := raw.Scan(&rawRows).Error; err != nil {
		return nil, errutil.StoreUnavailable("failed to query usage events", errutil.WithErr(err))
	}
	for _, r := range rawRows {
		usage[r.ResourceType] += r.Total
	}

	return usage, nil
}

func (e *Evaluator) resourceLimit(ctx context.Context, resource string) (float64, error) {
	lic, err := e.store.Current(ctx)
	if err != nil {
		return 0, err
	}
	if lic == nil {
		return 0, nil
	}
	return lic.ResourceLimit(resource), nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
