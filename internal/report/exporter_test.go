package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notification-fanout/internal/config"
	"notification-fanout/internal/models"
	"notification-fanout/internal/store/storetest"
)

func TestExporter_LocalCSV(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	recipients := make([]models.Recipient, 1203)
	for i := range recipients {
		id := fmt.Sprintf("r-%05d", i)
		recipients[i] = models.Recipient{ID: id, Email: id + "@example.com"}
	}
	if _, err := mem.Reserve(ctx, "n-1", recipients, "batch-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := mem.Reserve(ctx, "n-2", recipients[:5], "batch-x"); err != nil {
		t.Fatalf("reserve other: %v", err)
	}

	tempDir := t.TempDir()
	exp, err := NewExporter(ctx, config.Config{ReportDir: tempDir}, mem)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	exp.now = func() time.Time { return time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC) }

	location, err := exp.Export(ctx, "n-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	want := filepath.Join(tempDir, "reports", "n-1", "20300102T030405Z.csv")
	if location != want {
		t.Fatalf("expected location %s, got %s", want, location)
	}

	f, err := os.Open(location)
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 1204 {
		t.Fatalf("expected header + 1203 rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(header, ",") {
		t.Fatalf("unexpected header %v", rows[0])
	}
	seen := map[string]bool{}
	for _, row := range rows[1:] {
		if seen[row[0]] {
			t.Fatalf("delivery %s exported twice", row[0])
		}
		seen[row[0]] = true
		if row[3] != models.DeliveryPending || row[8] != "batch-1" {
			t.Fatalf("unexpected row %v", row)
		}
	}
}
