package audience

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"notification-fanout/internal/models"
)

// ErrInvalidPayload marks an audience payload that cannot be decoded for its type.
var ErrInvalidPayload = errors.New("invalid audience payload")

// Spec is the decoded audience of a notification: one of All, Segment or Single.
type Spec interface {
	Type() models.AudienceType
	isSpec()
}

// All selects every recipient.
type All struct{}

// Segment selects recipients matching every filter.
type Segment struct {
	Filters []models.SegmentFilter
}

// Single selects exactly one recipient.
type Single struct {
	RecipientID string
}

func (All) Type() models.AudienceType     { return models.AudienceAll }
func (Segment) Type() models.AudienceType { return models.AudienceSegment }
func (Single) Type() models.AudienceType  { return models.AudienceSingle }

func (All) isSpec()     {}
func (Segment) isSpec() {}
func (Single) isSpec()  {}

// Filterable fields and the operators each accepts.
var fieldOps = map[string]map[string]bool{
	"locale":     {"eq": true, "neq": true, "in": true},
	"country":    {"eq": true, "neq": true, "in": true},
	"plan":       {"eq": true, "neq": true, "in": true},
	"created_at": {"eq": true, "gt": true, "gte": true, "lt": true, "lte": true},
}

type segmentPayload struct {
	Filters []models.SegmentFilter `json:"filters"`
}

type singlePayload struct {
	RecipientID string `json:"recipient_id"`
}

// Parse decodes payload according to the audience type.
func Parse(t models.AudienceType, payload []byte) (Spec, error) {
	switch t {
	case models.AudienceAll:
		return All{}, nil
	case models.AudienceSegment:
		var p segmentPayload
		if err := strictDecode(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if len(p.Filters) == 0 {
			return nil, fmt.Errorf("%w: segment needs at least one filter", ErrInvalidPayload)
		}
		for i, f := range p.Filters {
			if err := validateFilter(f); err != nil {
				return nil, fmt.Errorf("%w: filter %d: %v", ErrInvalidPayload, i, err)
			}
		}
		return Segment{Filters: p.Filters}, nil
	case models.AudienceSingle:
		var p singlePayload
		if err := strictDecode(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if strings.TrimSpace(p.RecipientID) == "" {
			return nil, fmt.Errorf("%w: recipient_id is required", ErrInvalidPayload)
		}
		return Single{RecipientID: p.RecipientID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown audience type %q", ErrInvalidPayload, t)
	}
}

func strictDecode(payload []byte, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return errors.New("payload is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func validateFilter(f models.SegmentFilter) error {
	ops, ok := fieldOps[f.Field]
	if !ok {
		return fmt.Errorf("unsupported field %q", f.Field)
	}
	if !ops[f.Op] {
		return fmt.Errorf("operator %q not allowed on %s", f.Op, f.Field)
	}
	if f.Op == "in" {
		values, err := FilterValues(f)
		if err != nil {
			return err
		}
		if len(values) == 0 {
			return errors.New("in requires a non-empty list")
		}
		return nil
	}
	v, err := FilterValue(f)
	if err != nil {
		return err
	}
	if f.Field == "created_at" {
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			return fmt.Errorf("created_at must be RFC3339: %w", err)
		}
	}
	return nil
}

// FilterValue returns the scalar string value of a filter.
func FilterValue(f models.SegmentFilter) (string, error) {
	var s string
	if err := json.Unmarshal(f.Value, &s); err != nil {
		return "", fmt.Errorf("value of %s must be a string", f.Field)
	}
	return s, nil
}

// FilterValues returns the list value of an "in" filter.
func FilterValues(f models.SegmentFilter) ([]string, error) {
	var out []string
	if err := json.Unmarshal(f.Value, &out); err != nil {
		return nil, fmt.Errorf("value of %s must be a list of strings", f.Field)
	}
	return out, nil
}
