// Package mail sends one email to many recipients through a bulk provider and classifies each
// per-recipient provider status into a delivery outcome.
package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"notification-fanout/internal/models"
	"notification-fanout/internal/telemetry"
)

// Entry is one addressee of a bulk send.
type Entry struct {
	DeliveryID string
	Email      string
}

// Content is the message shared by every entry.
type Content struct {
	Subject string
	Text    string
	HTML    *string
}

// Status is a provider's answer for one entry, in SES BulkEmailStatus vocabulary.
type Status struct {
	Code      string
	MessageID string
	Detail    string
}

// Provider sends one group of at most MaxBatch entries. It returns one Status per entry in
// order, or an error when the call failed as a whole.
type Provider interface {
	Name() string
	SendGroup(ctx context.Context, entries []Entry, content Content) ([]Status, error)
}

// Waiter blocks until a shared send token is available.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

type Options struct {
	MaxBatch   int
	GroupDelay time.Duration
	// Shared, when set, is waited on before each provider call with SharedKey.
	Shared    Waiter
	SharedKey string
}

type Gateway struct {
	provider  Provider
	maxBatch  int
	pacer     *rate.Limiter
	shared    Waiter
	sharedKey string
	log       zerolog.Logger
}

func NewGateway(provider Provider, opts Options, log zerolog.Logger) *Gateway {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 50
	}
	limit := rate.Inf
	if opts.GroupDelay > 0 {
		limit = rate.Every(opts.GroupDelay)
	}
	if opts.SharedKey == "" {
		opts.SharedKey = "mail:" + provider.Name()
	}
	return &Gateway{
		provider:  provider,
		maxBatch:  opts.MaxBatch,
		pacer:     rate.NewLimiter(limit, 1),
		shared:    opts.Shared,
		sharedKey: opts.SharedKey,
		log:       log.With().Str("provider", provider.Name()).Logger(),
	}
}

// SendBulk returns exactly one result per entry, in entry order. It never fails as a whole:
// group failures and cancellation become transient results.
func (g *Gateway) SendBulk(ctx context.Context, entries []Entry, content Content) []models.DeliveryResult {
	results := make([]models.DeliveryResult, 0, len(entries))
	for start := 0; start < len(entries); start += g.maxBatch {
		end := start + g.maxBatch
		if end > len(entries) {
			end = len(entries)
		}
		group := entries[start:end]

		if err := g.wait(ctx); err != nil {
			return append(results, transientAll(entries[start:], err.Error())...)
		}

		statuses, err := g.provider.SendGroup(ctx, group, content)
		if err != nil {
			telemetry.ProviderGroupFails.Inc()
			g.log.Warn().Err(err).Int("group_size", len(group)).Msg("bulk send failed for group")
			results = append(results, transientAll(group, err.Error())...)
			continue
		}
		if len(statuses) != len(group) {
			g.log.Warn().Int("group_size", len(group)).Int("statuses", len(statuses)).Msg("provider result count mismatch")
		}
		for i, e := range group {
			if i >= len(statuses) {
				results = append(results, transient(e, "missing provider result"))
				continue
			}
			results = append(results, classifyEntry(e, statuses[i]))
		}
	}
	return results
}

func (g *Gateway) wait(ctx context.Context) error {
	if err := g.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("pace group: %w", err)
	}
	if g.shared != nil {
		if err := g.shared.Wait(ctx, g.sharedKey); err != nil {
			return fmt.Errorf("wait shared rate limit: %w", err)
		}
	}
	return nil
}

func classifyEntry(e Entry, s Status) models.DeliveryResult {
	r := models.DeliveryResult{DeliveryID: e.DeliveryID, Outcome: Classify(s.Code)}
	if r.Outcome == models.OutcomeSuccess {
		r.ProviderMessageID = s.MessageID
		return r
	}
	r.Error = s.Code
	if s.Detail != "" {
		r.Error = s.Code + ": " + s.Detail
	}
	return r
}

func transient(e Entry, msg string) models.DeliveryResult {
	return models.DeliveryResult{DeliveryID: e.DeliveryID, Outcome: models.OutcomeTransient, Error: msg}
}

func transientAll(entries []Entry, msg string) []models.DeliveryResult {
	out := make([]models.DeliveryResult, len(entries))
	for i, e := range entries {
		out[i] = transient(e, msg)
	}
	return out
}

// Provider status codes.
const (
	CodeSuccess                      = "SUCCESS"
	CodeMessageRejected              = "MESSAGE_REJECTED"
	CodeMailFromDomainNotVerified    = "MAIL_FROM_DOMAIN_NOT_VERIFIED"
	CodeConfigurationSetNotFound     = "CONFIGURATION_SET_NOT_FOUND"
	CodeTemplateNotFound             = "TEMPLATE_NOT_FOUND"
	CodeAccountSuspended             = "ACCOUNT_SUSPENDED"
	CodeAccountThrottled             = "ACCOUNT_THROTTLED"
	CodeAccountDailyQuotaExceeded    = "ACCOUNT_DAILY_QUOTA_EXCEEDED"
	CodeInvalidSendingPoolName       = "INVALID_SENDING_POOL_NAME"
	CodeAccountSendingPaused         = "ACCOUNT_SENDING_PAUSED"
	CodeConfigurationSetSendingPause = "CONFIGURATION_SET_SENDING_PAUSED"
	CodeInvalidParameter             = "INVALID_PARAMETER"
	CodeTransientFailure             = "TRANSIENT_FAILURE"
	CodeFailed                       = "FAILED"
)

var outcomes = map[string]models.Outcome{
	CodeSuccess:                      models.OutcomeSuccess,
	CodeAccountThrottled:             models.OutcomeTransient,
	CodeAccountDailyQuotaExceeded:    models.OutcomeTransient,
	CodeTransientFailure:             models.OutcomeTransient,
	CodeMessageRejected:              models.OutcomeSuppressed,
	CodeMailFromDomainNotVerified:    models.OutcomePermanent,
	CodeConfigurationSetNotFound:     models.OutcomePermanent,
	CodeTemplateNotFound:             models.OutcomePermanent,
	CodeAccountSuspended:             models.OutcomePermanent,
	CodeInvalidSendingPoolName:       models.OutcomePermanent,
	CodeAccountSendingPaused:         models.OutcomePermanent,
	CodeConfigurationSetSendingPause: models.OutcomePermanent,
	CodeInvalidParameter:             models.OutcomePermanent,
	CodeFailed:                       models.OutcomePermanent,
}

// Classify maps a provider status code to an outcome. Unknown codes are transient.
func Classify(code string) models.Outcome {
	if o, ok := outcomes[code]; ok {
		return o
	}
	return models.OutcomeTransient
}
