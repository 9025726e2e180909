package metering

import (
	"context"
	"encoding/json"
	"time"

	"metergate/pkg/config"
	"metergate/pkg/errutil"
	"metergate/pkg/repository"
	"metergate/pkg/task"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const TaskUsageRecord = "usage:record"

// RecordPayload is the wire form of one usage fact on the metering
// queue. Delivery is at-least-once; duplicate rows are tolerated
// because aggregation sums them.
type RecordPayload struct {
	Resource   string    `json:"resource"`
	Quantity   float64   `json:"quantity"`
	AppName    string    `json:"app_name,omitempty"`
	DoctypeRef string    `json:"doctype_ref,omitempty"`
	DocnameRef string    `json:"docname_ref,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type RecordOption func(*RecordPayload)

func WithApp(appName string) RecordOption {
	return func(p *RecordPayload) { p.AppName = appName }
}

// WithBacklink attaches a lookup-only reference to the document that
// caused the consumption.
func WithBacklink(doctype, docname string) RecordOption {
	return func(p *RecordPayload) {
		p.DoctypeRef = doctype
		p.DocnameRef = docname
	}
}

// Recorder appends raw usage events without blocking the caller: the
// enqueue returns immediately and a worker performs the durable write.
type Recorder struct {
	node      *snowflake.Node
	enqueuer  task.Enqueuer
	cfg       *config.Config
	evaluator *Evaluator
	repo      repository.Repository[UsageEvent]
}

type RecorderParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Enqueuer  task.Enqueuer
	Config    *config.Config
	Evaluator *Evaluator
}

func NewRecorder(p RecorderParams) *Recorder {
	return &Recorder{
		node:      p.Node,
		enqueuer:  p.Enqueuer,
		cfg:       p.Config,
		evaluator: p.Evaluator,
		repo:      repository.ProvideStore[UsageEvent](p.DB),
	}
}

// Record enqueues one usage fact. Zero quantity is a no-op; negative
// quantity is rejected. When the queue is unreachable the write falls
// back to a synchronous insert so usage is never silently dropped.
func (r *Recorder) Record(ctx context.Context, resource string, quantity float64, opts ...RecordOption) error {
	if quantity < 0 {
		return errutil.InvalidQuantity("usage quantity must not be negative")
	}
	if quantity == 0 {
		return nil
	}

	payload := RecordPayload{
		Resource:  resource,
		Quantity:  quantity,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&payload)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errutil.Internal("failed to encode usage payload", errutil.WithErr(err))
	}

	t := asynq.NewTask(TaskUsageRecord, raw,
		asynq.Queue("metering"),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	)

	if _, err := r.enqueuer.Enqueue(ctx, t); err != nil {
		zap.L().Warn("failed to enqueue usage record, falling back to direct insert",
			zap.String("resource", resource),
			zap.Error(err),
		)
		return r.insert(ctx, payload)
	}

	return nil
}

// CheckAndRecord is the quota-gated variant: when the resource is
// already exceeded and blocking is enabled, it denies without
// recording. Otherwise overage is tracked, not prevented.
func (r *Recorder) CheckAndRecord(ctx context.Context, resource string, quantity float64, opts ...RecordOption) error {
	if quantity < 0 {
		return errutil.InvalidQuantity("usage quantity must not be negative")
	}

	status, err := r.evaluator.Status(ctx, resource)
	if err != nil {
		return err
	}

	if status == StatusExceeded && r.cfg.Licensing.BlockOnExceeded {
		return errutil.QuotaExceeded("quota exceeded for " + resource + ", upgrade the plan or contact support")
	}

	return r.Record(ctx, resource, quantity, opts...)
}

// HandleRecordTask is the asynq worker side of Record.
func (r *Recorder) HandleRecordTask(ctx context.Context, t *asynq.Task) error {
	var payload RecordPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid usage record payload", zap.Error(err))
		return err
	}
	return r.insert(ctx, payload)
}

func (r *Recorder) insert(ctx context.Context, payload RecordPayload) error {
	event := &UsageEvent{
		ID:           r.node.Generate().String(),
		ResourceType: payload.Resource,
		Quantity:     payload.Quantity,
		AppName:      payload.AppName,
		DoctypeRef:   payload.DoctypeRef,
		DocnameRef:   payload.DocnameRef,
		Timestamp:    payload.Timestamp,
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := r.repo.Create(ctx, event); err != nil {
		zap.L().Error("failed to create usage event",
			zap.String("resource", payload.Resource),
			zap.Error(err),
		)
		return err
	}
	return nil
}
