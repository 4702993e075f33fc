package archive

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "algomirror/config"
	"algomirror/logger"
	"algomirror/models"
)

// auditRecord is the parquet row layout for one failover event.
type auditRecord struct {
	ID          string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	FromAccount string `parquet:"name=from_account, type=BYTE_ARRAY, convertedtype=UTF8"`
	ToAccount   string `parquet:"name=to_account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason      string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	Success     bool   `parquet:"name=success, type=BOOLEAN"`
	Error       string `parquet:"name=error, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp   int64  `parquet:"name=timestamp, type=INT64"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)  { return mfw, nil }
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}
func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// AuditWriter persists failover events to S3 as parquet. Events queue in
// memory and flush on a timer, so recording never blocks the failover
// path. Upload failures are logged and the batch is dropped; the
// in-memory audit trail on the controller remains the source of truth.
type AuditWriter struct {
	config   appconfig.ArchiveConfig
	version  string
	s3Client *s3.Client

	mu      sync.Mutex
	pending []models.FailoverEvent

	flushTicker *time.Ticker

	ctx     context.Context
	wg      *sync.WaitGroup
	runMu   sync.Mutex
	running bool
	log     *logger.Log
}

// NewAuditWriter constructs an audit writer from the archive configuration.
func NewAuditWriter(cfg appconfig.ArchiveConfig, version string) (*AuditWriter, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3.Region),
	}
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.S3.AccessKeyID,
				cfg.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("audit").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.PathStyle
	})

	w := &AuditWriter{
		config:   cfg,
		version:  version,
		s3Client: s3Client,
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	log.WithComponent("audit").WithFields(logger.Fields{
		"bucket":     cfg.S3.Bucket,
		"region":     cfg.S3.Region,
		"endpoint":   cfg.S3.Endpoint,
		"path_style": cfg.S3.PathStyle,
	}).Info("audit writer initialized")

	return w, nil
}

// Record queues one failover event for the next flush. Safe to call from
// the failover path; never blocks.
func (w *AuditWriter) Record(event models.FailoverEvent) {
	w.mu.Lock()
	w.pending = append(w.pending, event)
	w.mu.Unlock()
}

// Start launches the flush worker.
func (w *AuditWriter) Start(ctx context.Context) error {
	w.runMu.Lock()
	if w.running {
		w.runMu.Unlock()
		return fmt.Errorf("audit writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.runMu.Unlock()

	w.flushTicker = time.NewTicker(w.config.FlushInterval)

	w.wg.Add(1)
	go w.flushWorker()

	w.log.WithComponent("audit").WithFields(logger.Fields{
		"flush_interval": w.config.FlushInterval.String(),
	}).Info("audit writer started")
	return nil
}

// Stop flushes what is pending and waits for the worker to exit.
func (w *AuditWriter) Stop() {
	w.runMu.Lock()
	w.running = false
	w.runMu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	w.log.WithComponent("audit").Info("stopping audit writer")
	w.wg.Wait()
	w.log.WithComponent("audit").Info("audit writer stopped")
}

func (w *AuditWriter) flushWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("audit").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-w.ctx.Done():
			w.flush("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.flushTicker.C:
			w.flush("interval")
		}
	}
}

func (w *AuditWriter) flush(reason string) {
	w.mu.Lock()
	events := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(events) == 0 {
		return
	}

	batchID := uuid.New().String()
	log := w.log.WithComponent("audit").WithFields(logger.Fields{
		"batch_id": batchID,
		"events":   len(events),
		"reason":   reason,
	})
	log.Info("flushing audit events")

	data, err := w.createParquetFile(events)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	key := w.generateS3Key(batchID, time.Now().UTC())
	if err := w.uploadToS3(key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"bucket": w.config.S3.Bucket,
			"s3_key": key,
		}).Error("failed to upload audit batch")
		return
	}

	logger.IncrementAuditWrite(int64(len(data)))
	log.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("audit batch uploaded")
}

func (w *AuditWriter) generateS3Key(batchID string, ts time.Time) string {
	key := filepath.Join(
		w.config.S3.Prefix,
		"failover_events",
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("failover_%s_%s.parquet", ts.Format("20060102150405"), batchID),
	)
	return filepath.ToSlash(key)
}

func (w *AuditWriter) createParquetFile(events []models.FailoverEvent) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(auditRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.S3.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, e := range events {
		record := auditRecord{
			ID:          e.ID,
			FromAccount: e.FromAccount,
			ToAccount:   e.ToAccount,
			Reason:      string(e.Reason),
			Success:     e.Success,
			Error:       e.Error,
			Timestamp:   e.Timestamp.UnixMilli(),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (w *AuditWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        w.config.S3.Compression,
			"algomirror-version": w.version,
		},
	}

	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.S3.Bucket, err)
	}
	return nil
}
