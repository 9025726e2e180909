package metering

import (
	"context"

	"go.uber.org/fx"
)

const bytesPerGB = 1024 * 1024 * 1024

// Hooks adapts platform events into usage records. Handlers never fail
// the triggering operation: recording errors surface to the caller only
// as the error return, which hook call sites typically just log.
type Hooks struct {
	recorder *Recorder
}

type HooksParams struct {
	fx.In
	Recorder *Recorder
}

func NewHooks(p HooksParams) *Hooks {
	return &Hooks{recorder: p.Recorder}
}

// FileUploaded meters an upload as storage consumption in GB.
func (h *Hooks) FileUploaded(ctx context.Context, sizeBytes int64, doctype, docname string) error {
	return h.recorder.Record(ctx, ResourceStorageGB, float64(sizeBytes)/bytesPerGB,
		WithBacklink(doctype, docname))
}

// EmailQueued meters one outbound email.
func (h *Hooks) EmailQueued(ctx context.Context, docname string) error {
	return h.recorder.Record(ctx, ResourceEmails, 1,
		WithBacklink("Email Queue", docname))
}

// APICallServed meters one inbound API request.
func (h *Hooks) APICallServed(ctx context.Context) error {
	return h.recorder.Record(ctx, ResourceAPICalls, 1)
}

// WebhookDelivered meters one outbound webhook delivery.
func (h *Hooks) WebhookDelivered(ctx context.Context, docname string) error {
	return h.recorder.Record(ctx, ResourceWebhooks, 1,
		WithBacklink("Webhook Request", docname))
}
