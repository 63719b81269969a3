package provider

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/vango-dev/livepush/internal/errors"
)

// S3API is the subset of *s3.Client used by the S3 provider.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures an S3 provider.
type S3Options struct {
	Bucket string

	// Prefix is prepended to every relative path to form the object key.
	Prefix string

	// PollInterval is how often the prefix is listed for changes.
	PollInterval time.Duration

	// MaxObjectSize caps Fetch. Zero means 16 MiB.
	MaxObjectSize int64

	Logger *slog.Logger
}

// S3 serves scripts from a bucket prefix.
//
// Changes are detected by listing the prefix and comparing ETags.
type S3 struct {
	client S3API
	opts   S3Options
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewS3 creates a provider reading from client.
func NewS3(client S3API, opts S3Options) *S3 {
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxObjectSize == 0 {
		opts.MaxObjectSize = 16 << 20
	}
	if opts.Prefix != "" && !strings.HasSuffix(opts.Prefix, "/") {
		opts.Prefix += "/"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &S3{
		client: client,
		opts:   opts,
		logger: logger.With("component", "provider", "kind", "s3", "bucket", opts.Bucket),
	}
}

// NewS3Client builds an S3 client from a region and optional endpoint.
// Credentials come from AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and
// AWS_SESSION_TOKEN; without them requests are anonymous.
// A custom endpoint (MinIO, LocalStack) switches to path-style addressing.
func NewS3Client(region, endpoint string) *s3.Client {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg := aws.Config{
		Region:      region,
		Credentials: aws.AnonymousCredentials{},
	}
	if os.Getenv("AWS_ACCESS_KEY_ID") != "" {
		cfg.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
					SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
					SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
					Source:          "Environment",
				}, nil
			}))
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

// Fetch downloads the object for p.
func (s *S3) Fetch(ctx context.Context, p string) ([]byte, error) {
	rel := s.Normalize(p)
	if rel == "" || escapesRoot(rel) {
		return nil, ErrNotFound
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.opts.Prefix + rel),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get %s: %w", rel, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.opts.MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", rel, err)
	}
	if int64(len(data)) > s.opts.MaxObjectSize {
		return nil, fmt.Errorf("s3 object %s exceeds %d bytes", rel, s.opts.MaxObjectSize)
	}
	return data, nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if stderrors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// Normalize cleans p into a path relative to the prefix. p is never a full
// object key, so a leading segment equal to the prefix is kept.
func (s *S3) Normalize(p string) string {
	return cleanRelative(p)
}

// Subscribe installs fn and starts polling the prefix. nil stops polling.
func (s *S3) Subscribe(fn func(path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if fn == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	baseline, err := s.list(ctx)
	if err != nil {
		s.logger.Warn("initial listing failed", "error", errors.New(errors.CodeWatchFailed).Wrap(err))
	}

	go func() {
		defer close(done)
		s.poll(ctx, baseline, fn)
	}()
}

// Close stops polling.
func (s *S3) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *S3) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

func (s *S3) poll(ctx context.Context, known map[string]string, fn func(string)) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := s.list(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("listing failed", "error", errors.New(errors.CodeWatchFailed).Wrap(err))
			}
			continue
		}
		if known == nil {
			known = current
			continue
		}

		for _, rel := range diffETags(known, current) {
			s.logger.Debug("source changed", "path", rel)
			fn(rel)
		}
		known = current
	}
}

// list returns relative key -> ETag for every object under the prefix.
func (s *S3) list(ctx context.Context) (map[string]string, error) {
	objects := make(map[string]string)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(s.opts.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			objects[strings.TrimPrefix(key, s.opts.Prefix)] = aws.ToString(obj.ETag)
		}
	}
	return objects, nil
}

// diffETags returns the sorted keys added, removed or modified between two listings.
func diffETags(before, after map[string]string) []string {
	var changed []string
	for key, etag := range after {
		if old, ok := before[key]; !ok || old != etag {
			changed = append(changed, key)
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}
