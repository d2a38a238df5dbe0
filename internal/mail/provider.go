package mail

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"notification-fanout/internal/config"
)

// NewProvider builds the provider selected by MAIL_PROVIDER.
func NewProvider(ctx context.Context, cfg config.Config, log zerolog.Logger) (Provider, error) {
	switch cfg.MailProvider {
	case "", "log":
		return NewLogProvider(log), nil
	case "ses":
		return NewSESProvider(ctx, cfg)
	case "smtp":
		return NewSMTPProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.MailProvider)
	}
}

// LogProvider accepts every entry and logs it. Used in development.
type LogProvider struct {
	log zerolog.Logger
}

func NewLogProvider(log zerolog.Logger) *LogProvider {
	return &LogProvider{log: log}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) SendGroup(_ context.Context, entries []Entry, content Content) ([]Status, error) {
	statuses := make([]Status, len(entries))
	for i, e := range entries {
		id := uuid.New().String()
		p.log.Info().Str("to", e.Email).Str("subject", content.Subject).Str("message_id", id).Msg("mail sent")
		statuses[i] = Status{Code: CodeSuccess, MessageID: id}
	}
	return statuses, nil
}
