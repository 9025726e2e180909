package mailer

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Mailer is the outbound email collaborator. Delivery is owned by an
// external system; this core only hands it a recipient, a template name
// and a context payload.
type Mailer interface {
	Send(ctx context.Context, to, template string, data map[string]any) error
}

var Module = fx.Module("mailer",
	fx.Provide(fx.Annotate(NewLogMailer, fx.As(new(Mailer)))),
)

// LogMailer records send requests in the log stream. It stands in for
// the real delivery collaborator in single-process deployments and in
// tests.
type LogMailer struct{}

func NewLogMailer() *LogMailer {
	return &LogMailer{}
}

func (m *LogMailer) Send(ctx context.Context, to, template string, data map[string]any) error {
	zap.L().Info("mail queued",
		zap.String("to", to),
		zap.String("template", template),
		zap.Any("data", data),
	)
	return nil
}
