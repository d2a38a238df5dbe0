package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"notification-fanout/internal/audience"
	"notification-fanout/internal/models"
)

const recipientColumns = `id, email, name, locale, country, plan, created_at`

// Columns a segment filter may reference; keys are audience payload field names.
var segmentColumns = map[string]string{
	"locale":     "locale",
	"country":    "country",
	"plan":       "plan",
	"created_at": "created_at",
}

var segmentOps = map[string]string{
	"eq":  "=",
	"neq": "<>",
	"gt":  ">",
	"gte": ">=",
	"lt":  "<",
	"lte": "<=",
}

// RecipientsAfter returns up to limit recipients with id > cursor that match every filter,
// ordered by id.
func (s *Store) RecipientsAfter(ctx context.Context, cursor string, limit int, filters []models.SegmentFilter) ([]models.Recipient, error) {
	where, args, err := segmentWhere(filters, []any{cursor})
	if err != nil {
		return nil, err
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM recipients WHERE id > $1%s ORDER BY id LIMIT $%d`, recipientColumns, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	return collectRecipients(rows)
}

// RecipientByID fetches one recipient.
func (s *Store) RecipientByID(ctx context.Context, id string) (models.Recipient, error) {
	var r models.Recipient
	err := s.pool.QueryRow(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE id = $1`, id).
		Scan(&r.ID, &r.Email, &r.Name, &r.Locale, &r.Country, &r.Plan, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Recipient{}, audience.ErrRecipientNotFound
	}
	if err != nil {
		return models.Recipient{}, fmt.Errorf("scan recipient: %w", err)
	}
	return r, nil
}

// RecipientsByIDs resolves a chunk of ids; unknown ids are silently absent from the result.
func (s *Store) RecipientsByIDs(ctx context.Context, ids []string) ([]models.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+recipientColumns+` FROM recipients WHERE id = ANY($1::text[]) ORDER BY id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query recipients by id: %w", err)
	}
	return collectRecipients(rows)
}

// segmentWhere renders filters as AND-ed SQL predicates, appending their values to args.
func segmentWhere(filters []models.SegmentFilter, args []any) (string, []any, error) {
	var b strings.Builder
	for _, f := range filters {
		col, ok := segmentColumns[f.Field]
		if !ok {
			return "", nil, fmt.Errorf("%w: unsupported field %q", audience.ErrInvalidPayload, f.Field)
		}
		if f.Op == "in" {
			values, err := audience.FilterValues(f)
			if err != nil {
				return "", nil, fmt.Errorf("%w: %v", audience.ErrInvalidPayload, err)
			}
			args = append(args, values)
			fmt.Fprintf(&b, " AND %s = ANY($%d::text[])", col, len(args))
			continue
		}
		op, ok := segmentOps[f.Op]
		if !ok {
			return "", nil, fmt.Errorf("%w: unsupported operator %q", audience.ErrInvalidPayload, f.Op)
		}
		value, err := audience.FilterValue(f)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", audience.ErrInvalidPayload, err)
		}
		args = append(args, value)
		cast := "text"
		if col == "created_at" {
			cast = "timestamptz"
		}
		fmt.Fprintf(&b, " AND %s %s $%d::%s", col, op, len(args), cast)
	}
	return b.String(), args, nil
}

func collectRecipients(rows pgx.Rows) ([]models.Recipient, error) {
	defer rows.Close()
	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.ID, &r.Email, &r.Name, &r.Locale, &r.Country, &r.Plan, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return out, nil
}
