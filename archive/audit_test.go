package archive

import (
	"strings"
	"testing"
	"time"

	appconfig "algomirror/config"
	"algomirror/logger"
	"algomirror/models"
)

func testAuditWriter() *AuditWriter {
	return &AuditWriter{
		config: appconfig.ArchiveConfig{
			FlushInterval: time.Second,
			S3: appconfig.S3Config{
				Bucket:      "audit-bucket",
				Prefix:      "algomirror",
				Compression: "snappy",
			},
		},
		version: "test",
		log:     logger.GetLogger(),
	}
}

func TestCreateParquetFile(t *testing.T) {
	w := testAuditWriter()
	events := []models.FailoverEvent{
		{
			ID:          "e1",
			FromAccount: "primary",
			ToAccount:   "backup-1",
			Reason:      models.ReasonHeartbeatTimeout,
			Success:     true,
			Timestamp:   time.Now().UTC(),
		},
		{
			ID:          "e2",
			FromAccount: "backup-1",
			Reason:      models.ReasonSocketError,
			Success:     false,
			Error:       "no backup accounts available",
			Timestamp:   time.Now().UTC(),
		},
	}

	data, err := w.createParquetFile(events)
	if err != nil {
		t.Fatalf("createParquetFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("empty parquet output")
	}
	// Parquet files end with the PAR1 magic.
	if !strings.HasSuffix(string(data), "PAR1") {
		t.Errorf("output missing parquet magic footer")
	}
}

func TestGenerateS3Key(t *testing.T) {
	w := testAuditWriter()
	ts := time.Date(2026, 8, 31, 10, 30, 0, 0, time.UTC)
	key := w.generateS3Key("batch-id", ts)

	if !strings.HasPrefix(key, "algomirror/failover_events/date=2026-08-31/") {
		t.Errorf("key = %q, wrong partition path", key)
	}
	if !strings.HasSuffix(key, "_batch-id.parquet") {
		t.Errorf("key = %q, wrong filename", key)
	}
	if strings.Contains(key, "\\") {
		t.Errorf("key contains backslashes: %q", key)
	}
}

func TestRecordQueuesWithoutBlocking(t *testing.T) {
	w := testAuditWriter()
	for i := 0; i < 100; i++ {
		w.Record(models.FailoverEvent{ID: "e", Reason: models.ReasonManual})
	}
	w.mu.Lock()
	n := len(w.pending)
	w.mu.Unlock()
	if n != 100 {
		t.Errorf("pending = %d, want 100", n)
	}
}
