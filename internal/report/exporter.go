// Package report exports the delivery ledger of a notification as CSV.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"notification-fanout/internal/config"
	"notification-fanout/internal/models"
)

const pageSize = 1000

var header = []string{"id", "recipient_id", "email", "status", "attempt_count", "last_error", "provider_message_id", "sent_at", "batch_id"}

// Ledger pages deliveries by id.
type Ledger interface {
	ListDeliveries(ctx context.Context, notificationID, afterID string, limit int) ([]models.Delivery, error)
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Exporter writes one CSV per call to S3 when a bucket is configured, else to a local dir.
type Exporter struct {
	ledger   Ledger
	uploader uploader
	now      func() time.Time
}

func NewExporter(ctx context.Context, cfg config.Config, ledger Ledger) (*Exporter, error) {
	var up uploader = &localUploader{baseDir: cfg.ReportDir}
	if cfg.ReportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.ReportS3Bucket}
	}
	return &Exporter{ledger: ledger, uploader: up, now: time.Now}, nil
}

// Export returns the location of the written report.
func (e *Exporter) Export(ctx context.Context, notificationID string) (string, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(header); err != nil {
		return "", err
	}

	after := ""
	for {
		rows, err := e.ledger.ListDeliveries(ctx, notificationID, after, pageSize)
		if err != nil {
			return "", fmt.Errorf("list deliveries: %w", err)
		}
		for _, d := range rows {
			if err := w.Write(record(d)); err != nil {
				return "", err
			}
		}
		if len(rows) < pageSize {
			break
		}
		after = rows[len(rows)-1].ID
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("write csv: %w", err)
	}

	key := fmt.Sprintf("reports/%s/%s.csv", notificationID, e.now().UTC().Format("20060102T150405Z"))
	location, err := e.uploader.Upload(ctx, key, buf.Bytes(), "text/csv")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return location, nil
}

func record(d models.Delivery) []string {
	sentAt := ""
	if d.SentAt != nil {
		sentAt = d.SentAt.UTC().Format(time.RFC3339)
	}
	return []string{
		d.ID,
		d.RecipientID,
		d.Email,
		d.Status,
		strconv.Itoa(d.AttemptCount),
		deref(d.LastError),
		deref(d.ProviderMessageID),
		sentAt,
		deref(d.BatchID),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
