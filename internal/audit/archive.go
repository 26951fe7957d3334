package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 client used for archiving.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveConfig holds configuration for the S3 archiver.
type ArchiveConfig struct {
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Prefix          string // Default: "audit"
	BatchSize       int    // Maximum entries per object. Default: 10000
}

// Archiver copies new chain entries to S3-compatible object storage as CBOR
// batches. Each object holds a contiguous sequence range, so batches can be
// concatenated and verified offline.
type Archiver struct {
	repo      Repository
	client    ObjectPutter
	bucket    string
	prefix    string
	batchSize int
	logger    *slog.Logger
	timeNow   func() time.Time

	mu      sync.Mutex
	lastSeq int64
}

// NewS3Client creates an S3 client for R2 or any S3-compatible endpoint.
func NewS3Client(cfg ArchiveConfig) (*s3.Client, error) {
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	return s3.New(s3.Options{
		Region: "auto",
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	}), nil
}

// NewArchiver creates an Archiver writing to client.
func NewArchiver(cfg ArchiveConfig, repo Repository, client ObjectPutter, logger *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "audit"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		repo:      repo,
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		batchSize: cfg.BatchSize,
		logger:    logger,
		timeNow:   time.Now,
	}, nil
}

// ObjectKey returns the key for a batch covering [first, last].
// Pattern: {prefix}/{yyyy}/{mm}/{dd}/{first}-{last}.cbor
func ObjectKey(prefix string, day time.Time, first, last int64) string {
	day = day.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%020d-%020d.cbor",
		prefix, day.Year(), int(day.Month()), day.Day(), first, last)
}

// LastArchived returns the highest archived sequence.
func (a *Archiver) LastArchived() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeq
}

// Run uploads every entry appended since the previous run, one batch per
// object. Matches the jobs.Task signature.
func (a *Archiver) Run(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	uploaded := 0
	for {
		entries, err := a.repo.Since(ctx, a.lastSeq, a.batchSize)
		if err != nil {
			return fmt.Errorf("failed to read audit entries: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		data, err := Encode(entries, ExportFormatCBOR)
		if err != nil {
			return err
		}

		first, last := entries[0].Sequence, entries[len(entries)-1].Sequence
		key := ObjectKey(a.prefix, a.timeNow(), first, last)
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentType:   aws.String(ExportFormatCBOR.ContentType()),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return fmt.Errorf("failed to upload audit batch %s: %w", key, err)
		}

		a.lastSeq = last
		uploaded += len(entries)
		a.logger.Info("archived audit batch",
			slog.String("key", key),
			slog.Int64("first_sequence", first),
			slog.Int64("last_sequence", last))

		if len(entries) < a.batchSize {
			break
		}
	}

	if uploaded > 0 {
		a.logger.Info("audit archive completed", slog.Int("entries", uploaded))
	}
	return nil
}
