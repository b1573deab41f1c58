// Package objectstore archives provider result files into an S3-compatible
// bucket (Cloudflare R2 in production).
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/phrazzld/relay-api/internal/config"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/metrics"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const (
	downloadAttempts = 3
	downloadTimeout  = 20 * time.Second
	partSize         = 8 << 20
	maxParallel      = 4
)

var extPattern = regexp.MustCompile(`\.([A-Za-z0-9]+)$`)

// Store uploads result files to a bucket.
type Store struct {
	client        *s3.Client
	uploader      *manager.Uploader
	bucket        string
	endpoint      string
	publicBaseURL string
	download      *http.Client
	metrics       *metrics.Metrics
	logger        *slog.Logger
	backoff       time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithDownloadClient replaces the client used to fetch source files.
func WithDownloadClient(c *http.Client) Option {
	return func(s *Store) { s.download = c }
}

// WithMetrics attaches metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a Store from cfg.
func New(cfg config.ArchiveConfig, logger *slog.Logger, opts ...Option) (*Store, error) {
	if cfg.Bucket == "" || cfg.Endpoint == "" {
		return nil, errors.New("objectstore: bucket and endpoint are required")
	}
	endpoint, err := normalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	client := s3.New(s3.Options{
		Region:       region,
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		HTTPClient:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	})

	s := &Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
			u.Concurrency = maxParallel
			u.LeavePartsOnError = false
		}),
		bucket:        cfg.Bucket,
		endpoint:      endpoint,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		download: &http.Client{
			Timeout:   downloadTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:  logger.With(slog.String("component", "objectstore")),
		backoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Key returns the object key of the index-th result of scope.
func Key(scope string, index int, sourceURL string) string {
	return fmt.Sprintf("tasks/%s/%d.%s", scope, index, extension(sourceURL))
}

// Archive copies each URL into the bucket under tasks/{scope}/. Failures are
// logged and skipped; the returned slice holds the objects that are stored,
// including ones a previous attempt already uploaded.
func (s *Store) Archive(ctx context.Context, scope string, urls []string) []domain.ArchivedObject {
	if len(urls) == 0 {
		return nil
	}
	log := logger.FromContextOrDefault(ctx, s.logger)

	results := make([]*domain.ArchivedObject, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, src := range urls {
		g.Go(func() error {
			key := Key(scope, i, src)
			obj, err := s.archiveOne(gctx, src, key)
			if err != nil {
				s.metrics.Archive("failed")
				log.Warn("archive upload failed",
					slog.String("scope", scope),
					slog.String("key", key),
					slog.String("error", err.Error()))
				return nil
			}
			s.metrics.Archive("stored")
			results[i] = obj
			return nil
		})
	}
	_ = g.Wait()

	out := make([]domain.ArchivedObject, 0, len(urls))
	for _, obj := range results {
		if obj != nil {
			out = append(out, *obj)
		}
	}
	return out
}

func (s *Store) archiveOne(ctx context.Context, src, key string) (*domain.ArchivedObject, error) {
	obj := &domain.ArchivedObject{
		SourceURL: src,
		Bucket:    s.bucket,
		Key:       key,
		PublicURL: s.publicURL(key),
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		obj.ContentType = aws.ToString(head.ContentType)
		obj.Size = aws.ToInt64(head.ContentLength)
		obj.ETag = aws.ToString(head.ETag)
		return obj, nil
	}
	if httpStatus(err) != http.StatusNotFound {
		return nil, fmt.Errorf("head %s: %w", key, err)
	}

	resp, err := s.fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	obj.ContentType = contentType(key, resp.Header.Get("Content-Type"))
	obj.Size = resp.ContentLength
	if obj.Size < 0 {
		obj.Size = 0
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   resp.Body,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	obj.ETag = aws.ToString(out.ETag)

	logger.FromContextOrDefault(ctx, s.logger).Info("archived result",
		slog.String("key", key),
		slog.String("public_url", obj.PublicURL))
	return obj, nil
}

// fetch downloads src with bounded retries and exponential backoff.
func (s *Store) fetch(ctx context.Context, src string) (*http.Response, error) {
	var lastErr error
	for i := 0; i < downloadAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff << (i - 1)):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", src, err)
		}
		resp, err := s.download.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil, fmt.Errorf("download %s: %w", src, lastErr)
}

func (s *Store) publicURL(key string) string {
	if s.publicBaseURL == "" {
		return ""
	}
	return s.publicBaseURL + "/" + key
}

// Diagnostics describes object store reachability.
type Diagnostics struct {
	Bucket        string `json:"bucket"`
	Endpoint      string `json:"endpoint"`
	PublicBaseURL string `json:"public_base_url,omitempty"`
	CheckKey      string `json:"check_key"`
	HeadStatus    int    `json:"head_status"`
	HeadError     string `json:"head_error,omitempty"`
	OK            bool   `json:"ok"`
}

// Check tests the bucket by HEADing a key that never exists. A 404 proves
// the endpoint, credentials and bucket are valid; 401/403 point at
// credentials, and a zero status at the network.
func (s *Store) Check(ctx context.Context) Diagnostics {
	d := Diagnostics{
		Bucket:        s.bucket,
		Endpoint:      s.endpoint,
		PublicBaseURL: s.publicBaseURL,
		CheckKey:      fmt.Sprintf("diag/does-not-exist-%d", time.Now().UnixNano()),
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(d.CheckKey)})
	if err == nil {
		d.HeadStatus = http.StatusOK
		d.HeadError = "check key unexpectedly exists"
		return d
	}
	d.HeadStatus = httpStatus(err)
	d.OK = d.HeadStatus == http.StatusNotFound
	if !d.OK {
		d.HeadError = err.Error()
	}
	return d
}

func httpStatus(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func normalizeEndpoint(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("objectstore: invalid endpoint %q", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

func extension(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "bin"
	}
	if m := extPattern.FindStringSubmatch(path.Base(u.Path)); m != nil {
		return strings.ToLower(m[1])
	}
	return "bin"
}

// contentType prefers the type implied by the key's extension, since
// providers sometimes label PNGs as JPEG.
func contentType(key, header string) string {
	fromHeader, _, _ := mime.ParseMediaType(header)
	var fromExt string
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		fromExt = "image/png"
	case ".jpg", ".jpeg":
		fromExt = "image/jpeg"
	case ".webp":
		fromExt = "image/webp"
	case ".gif":
		fromExt = "image/gif"
	case ".mp4":
		fromExt = "video/mp4"
	case ".mov":
		fromExt = "video/quicktime"
	case ".webm":
		fromExt = "video/webm"
	case ".json":
		fromExt = "application/json"
	}
	if fromExt != "" {
		return fromExt
	}
	return fromHeader
}
