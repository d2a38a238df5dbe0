package audience

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"notification-fanout/internal/models"
)

// ErrRecipientNotFound is returned by a Source when a single recipient lookup misses.
var ErrRecipientNotFound = errors.New("recipient not found")

// Source reads recipients ordered by id.
type Source interface {
	RecipientsAfter(ctx context.Context, cursor string, limit int, filters []models.SegmentFilter) ([]models.Recipient, error)
	RecipientByID(ctx context.Context, id string) (models.Recipient, error)
}

// Resolver turns an audience into cursor-paginated pages of recipients.
type Resolver struct {
	source   Source
	pageSize int
	log      zerolog.Logger
}

func NewResolver(source Source, pageSize int, log zerolog.Logger) *Resolver {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Resolver{source: source, pageSize: pageSize, log: log}
}

// PageSize is the maximum number of recipients returned by Page.
func (r *Resolver) PageSize() int { return r.pageSize }

// Page returns at most PageSize recipients with id > cursor. A malformed payload or an
// unknown single recipient yields an empty page rather than an error.
func (r *Resolver) Page(ctx context.Context, t models.AudienceType, payload []byte, cursor string) ([]models.Recipient, error) {
	spec, err := Parse(t, payload)
	if err != nil {
		r.log.Warn().Err(err).Str("audience_type", string(t)).Msg("unresolvable audience, treating as empty")
		return nil, nil
	}
	return r.resolve(ctx, spec, cursor)
}

// Walk calls fn for every page of the audience until a short page ends the sequence.
func (r *Resolver) Walk(ctx context.Context, t models.AudienceType, payload []byte, fn func(page []models.Recipient) error) error {
	spec, err := Parse(t, payload)
	if err != nil {
		r.log.Warn().Err(err).Str("audience_type", string(t)).Msg("unresolvable audience, treating as empty")
		return nil
	}

	cursor := ""
	for {
		page, err := r.resolve(ctx, spec, cursor)
		if err != nil {
			return err
		}
		if len(page) > 0 {
			if err := fn(page); err != nil {
				return err
			}
		}
		if _, single := spec.(Single); single || len(page) < r.pageSize {
			return nil
		}
		cursor = page[len(page)-1].ID
	}
}

func (r *Resolver) resolve(ctx context.Context, spec Spec, cursor string) ([]models.Recipient, error) {
	switch s := spec.(type) {
	case All:
		return r.source.RecipientsAfter(ctx, cursor, r.pageSize, nil)
	case Segment:
		return r.source.RecipientsAfter(ctx, cursor, r.pageSize, s.Filters)
	case Single:
		rec, err := r.source.RecipientByID(ctx, s.RecipientID)
		if errors.Is(err, ErrRecipientNotFound) {
			r.log.Warn().Str("recipient_id", s.RecipientID).Msg("single recipient not found")
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []models.Recipient{rec}, nil
	default:
		return nil, nil
	}
}
