package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"github.com/doublewordai/waycast/internal/config"
)

const (
	defaultS3BatchSize     = 100
	defaultS3FlushInterval = 10 * time.Second
)

// S3Sink archives records as date-partitioned JSONL objects, one object
// per flush. Flushes trigger on batch size, on interval, and on Close.
// A failed upload loses that batch; the archive is best-effort.
type S3Sink struct {
	cfg    config.AuditS3Config
	client *s3.Client

	mu    sync.Mutex
	batch []*Record

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewS3Sink builds the client from the sink config, falling back to the
// ambient AWS credential chain when no static keys are set. A custom
// endpoint switches to path-style addressing for MinIO and friends.
func NewS3Sink(ctx context.Context, cfg config.AuditS3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 audit sink: bucket is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultS3BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultS3FlushInterval
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 audit sink: load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	s := &S3Sink{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		batch:  make([]*Record, 0, cfg.BatchSize),
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

func (s *S3Sink) Name() string { return "s3" }

// Write buffers the record, uploading when the batch fills.
func (s *S3Sink) Write(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		return s.flush(ctx)
	}
	return nil
}

// Close stops the interval loop and uploads whatever is buffered.
func (s *S3Sink) Close(ctx context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	return s.flush(ctx)
}

func (s *S3Sink) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = s.flush(ctx)
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

func (s *S3Sink) flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.batch
	s.batch = make([]*Record, 0, s.cfg.BatchSize)
	s.mu.Unlock()

	body, err := s.encode(batch)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.objectKey(time.Now().UTC())),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	}
	if s.cfg.Compression {
		input.ContentEncoding = aws.String("gzip")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload audit batch: %w", err)
	}
	return nil
}

func (s *S3Sink) encode(batch []*Record) ([]byte, error) {
	var buf bytes.Buffer
	if s.cfg.Compression {
		gz := gzip.NewWriter(&buf)
		enc := json.NewEncoder(gz)
		for _, rec := range batch {
			if err := enc.Encode(rec); err != nil {
				return nil, fmt.Errorf("encode record: %w", err)
			}
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("compress batch: %w", err)
		}
		return buf.Bytes(), nil
	}
	enc := json.NewEncoder(&buf)
	for _, rec := range batch {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// objectKey partitions objects by hour so downstream scans can prune on
// date.
func (s *S3Sink) objectKey(t time.Time) string {
	datePrefix := fmt.Sprintf("year=%d/month=%02d/day=%02d/hour=%02d",
		t.Year(), t.Month(), t.Day(), t.Hour())
	name := fmt.Sprintf("audit_%d.jsonl", t.UnixNano())
	if s.cfg.Compression {
		name += ".gz"
	}
	if s.cfg.PathPrefix != "" {
		return path.Join(s.cfg.PathPrefix, datePrefix, name)
	}
	return path.Join(datePrefix, name)
}
