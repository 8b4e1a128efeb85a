// Package s3remote adapts an S3-compatible bucket to the store.Remote
// contract. Revisions are object ETags; preconditions are sent as S3
// conditional requests and folders are listed with a "/" delimiter.
package s3remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotesync/internal/logging"
	"github.com/fruitsalade/remotesync/internal/metrics"
	"github.com/fruitsalade/remotesync/pkg/events"
	"github.com/fruitsalade/remotesync/pkg/gateway"
	"github.com/fruitsalade/remotesync/pkg/retry"
	"github.com/fruitsalade/remotesync/pkg/revcache"
	"github.com/fruitsalade/remotesync/pkg/store"
)

// DefaultMaxUploadSize is the single PUT limit of S3.
const DefaultMaxUploadSize = 5 << 30

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// Prefix is prepended to every object key, e.g. "remotestorage/".
	Prefix string
	// CreateBucket creates a missing bucket on Connect.
	CreateBucket  bool
	MaxUploadSize int64
	RetryDelay    time.Duration
	Timeout       time.Duration
	Transport     gateway.Doer
	Emitter       *events.Emitter
}

// Adapter is a store.Remote backed by an S3 bucket.
type Adapter struct {
	client     *s3.Client
	bucket     string
	prefix     string
	create     bool
	maxUpload  int64
	retryDelay time.Duration
	gw         *gateway.Gateway
	emitter    *events.Emitter
	cache      *revcache.Cache
	log        *zap.Logger

	mu        sync.Mutex
	connected bool
}

// New creates an adapter. It does not contact the bucket until Connect.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = gateway.DefaultRetryDelay
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.New()
	}
	prefix := strings.TrimPrefix(cfg.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	a := &Adapter{
		bucket:     cfg.Bucket,
		prefix:     prefix,
		create:     cfg.CreateBucket,
		maxUpload:  cfg.MaxUploadSize,
		retryDelay: cfg.RetryDelay,
		emitter:    cfg.Emitter,
		cache:      revcache.New(),
		log:        logging.Named("s3"),
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	var base *awshttp.BuildableClient
	transport := cfg.Transport
	if transport == nil {
		base = awshttp.NewBuildableClient().WithTimeout(cfg.Timeout)
		transport = base
	}
	a.gw = gateway.New(gateway.Config{
		Transport:      transport,
		Timeout:        cfg.Timeout,
		Emitter:        cfg.Emitter,
		OnUnauthorized: a.unauthorized,
	})

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(newSDKClient(a.gw, base, transport)),
		// 503 handling is ours, see call.
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	a.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return a, nil
}

// sdkClient is the HTTP client handed to the SDK. It keeps the gateway's
// wire events while letting the SDK tune the transport, as it does for
// AWS_CA_BUNDLE.
type sdkClient struct {
	gateway.Doer
	gw   *gateway.Gateway
	base *awshttp.BuildableClient
}

func newSDKClient(gw *gateway.Gateway, base *awshttp.BuildableClient, next gateway.Doer) *sdkClient {
	return &sdkClient{Doer: gw.HTTPClient(next), gw: gw, base: base}
}

// WithTransportOptions returns a client whose transport has opts applied.
// A caller-supplied Transport is used as is.
func (c *sdkClient) WithTransportOptions(opts ...func(*http.Transport)) aws.HTTPClient {
	if c.base == nil {
		logging.Named("s3").Debug("Custom transport, ignoring SDK transport options")
		return c
	}
	base := c.base.WithTransportOptions(opts...)
	return newSDKClient(c.gw, base, base)
}

// On registers h for events named name.
func (a *Adapter) On(name string, h events.Handler) events.Subscription {
	return a.emitter.On(name, h)
}

// Connected reports whether the bucket was reachable with the credentials.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Online reports whether the last round-trip reached the endpoint.
func (a *Adapter) Online() bool {
	return a.gw.Online()
}

// Connect checks the bucket, creating it when configured to, and marks the
// adapter connected.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.ensureBucket(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	was := a.connected
	a.connected = true
	a.mu.Unlock()
	if !was {
		a.log.Info("Connected", zap.String("bucket", a.bucket))
		a.emitter.Emit(events.Event{Name: events.Connected})
	}
	return nil
}

// Disconnect forgets the connection and the revision cache.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.cache.Reset()
}

// StopWaitingForToken emits not-connected when Connect has not succeeded.
func (a *Adapter) StopWaitingForToken() {
	if !a.Connected() {
		a.emitter.Emit(events.Event{Name: events.NotConnected})
	}
}

func (a *Adapter) unauthorized() {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
}

func (a *Adapter) ensureBucket(ctx context.Context) error {
	_, err := call(ctx, a, "head_bucket", func() (*s3.HeadBucketOutput, error) {
		return a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	})
	if err == nil {
		return nil
	}
	if statusOf(err) != http.StatusNotFound || !a.create {
		return fmt.Errorf("bucket %s: %w", a.bucket, err)
	}
	_, err = call(ctx, a, "create_bucket", func() (*s3.CreateBucketOutput, error) {
		return a.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(a.bucket)})
	})
	if err != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", a.bucket, err)
	}
	a.log.Info("Created S3 bucket", zap.String("bucket", a.bucket))
	return nil
}

// call runs one SDK operation, resubmitting it after the retry delay for as
// long as the endpoint answers 503.
func call[T any](ctx context.Context, a *Adapter, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := retry.DoWithResult(ctx, retry.Fixed(a.retryDelay), func() (T, error) {
		out, err := fn()
		if statusOf(err) == http.StatusServiceUnavailable {
			a.log.Debug("Resubmitting after 503", zap.String("op", op))
			return out, retry.Retryable(err)
		}
		return out, err
	})
	ok := err == nil
	switch statusOf(err) {
	case http.StatusNotModified, http.StatusNotFound, http.StatusPreconditionFailed:
		ok = true
	}
	metrics.RecordS3Operation(op, time.Since(start), ok)
	return out, err
}

// statusOf returns the HTTP status of a failed SDK call, or 0.
func statusOf(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

// errorCode returns the S3 error code of a failed SDK call, if any.
func errorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func quote(etag string) *string {
	return aws.String(`"` + etag + `"`)
}

func unquote(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}

// key maps a store path to an object key; folders keep their trailing slash.
func (a *Adapter) key(path string) string {
	return a.prefix + strings.TrimPrefix(path, "/")
}

func (a *Adapter) checkConnected(path string) error {
	if !a.Connected() {
		return fmt.Errorf("%s: %w", path, store.ErrNotConnected)
	}
	if !store.ValidPath(path) {
		return fmt.Errorf("%s: %w", path, store.ErrInvalidPath)
	}
	return nil
}

// remoteFailure turns an SDK error into an item for statuses the contract
// surfaces, or a wrapped error otherwise.
func remoteFailure(op, path string, err error) (*store.Item, error) {
	if status := statusOf(err); status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &store.Item{StatusCode: status}, nil
	}
	if code := errorCode(err); code != "" {
		return nil, fmt.Errorf("%s %s: %s: %w", op, path, code, err)
	}
	return nil, fmt.Errorf("%s %s: %w", op, path, err)
}

// Get reads an object or a folder listing.
func (a *Adapter) Get(ctx context.Context, path string, opts store.GetOptions) (*store.Item, error) {
	if err := a.checkConnected(path); err != nil {
		return nil, err
	}
	if _, state := a.cache.Get(path); state == revcache.Deleted {
		return &store.Item{StatusCode: http.StatusNotFound}, nil
	}
	if store.IsFolder(path) {
		return a.getFolder(ctx, path)
	}

	input := &s3.GetObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(a.key(path))}
	if opts.IfNoneMatch != "" {
		input.IfNoneMatch = quote(opts.IfNoneMatch)
	}
	out, err := call(ctx, a, "get_object", func() (*s3.GetObjectOutput, error) {
		return a.client.GetObject(ctx, input)
	})
	switch statusOf(err) {
	case 0:
	case http.StatusNotModified:
		a.cache.Set(path, opts.IfNoneMatch)
		return &store.Item{StatusCode: http.StatusNotModified, Revision: opts.IfNoneMatch}, nil
	case http.StatusNotFound:
		a.cache.Delete(path)
		return &store.Item{StatusCode: http.StatusNotFound}, nil
	}
	if err != nil {
		return remoteFailure("get", path, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("get %s: read body: %w", path, err)
	}
	rev := unquote(out.ETag)
	a.cache.Set(path, rev)
	return &store.Item{
		StatusCode:  http.StatusOK,
		Body:        body,
		ContentType: aws.ToString(out.ContentType),
		Revision:    rev,
	}, nil
}

func (a *Adapter) getFolder(ctx context.Context, path string) (*store.Item, error) {
	prefix := a.key(path)
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(a.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	listing := make(map[string]store.ListingEntry)
	for paginator.HasMorePages() {
		page, err := call(ctx, a, "list_objects", func() (*s3.ListObjectsV2Output, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return remoteFailure("list", path, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				// Folder marker object.
				continue
			}
			rev := unquote(obj.ETag)
			a.cache.Set(path+name, rev)
			listing[name] = store.ListingEntry{ETag: rev, ContentLength: aws.ToInt64(obj.Size)}
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimPrefix(aws.ToString(cp.Prefix), prefix)
			rev, _ := a.cache.Get(path + name)
			listing[name] = store.ListingEntry{ETag: rev}
		}
	}

	rev, _ := a.cache.Get(path)
	return &store.Item{StatusCode: http.StatusOK, Revision: rev, Listing: listing}, nil
}

// currentRevision returns the ETag of the object at path, or "" when absent.
func (a *Adapter) currentRevision(ctx context.Context, op, path string) (string, error) {
	out, err := call(ctx, a, "head_object", func() (*s3.HeadObjectOutput, error) {
		return a.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(a.key(path))})
	})
	if statusOf(err) == http.StatusNotFound {
		a.cache.Delete(path)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s %s: head: %w", op, path, err)
	}
	rev := unquote(out.ETag)
	a.cache.Set(path, rev)
	return rev, nil
}

// cachedPrecondition decides a precondition failure from the cache alone.
func (a *Adapter) cachedPrecondition(op, path, ifMatch, ifNoneMatch string) *store.Item {
	rev, state := a.cache.Get(path)
	failed := (ifMatch != "" && state == revcache.Known && rev != ifMatch) ||
		(ifMatch != "" && state == revcache.Deleted) ||
		(ifNoneMatch == store.AnyRevision && state == revcache.Known)
	if !failed {
		return nil
	}
	metrics.RecordPreconditionFailure(op, true)
	return &store.Item{StatusCode: http.StatusPreconditionFailed, Revision: rev}
}

// Put uploads an object. IfMatch and IfNoneMatch "*" are enforced by S3.
func (a *Adapter) Put(ctx context.Context, path string, body []byte, contentType string, opts store.PutOptions) (*store.Item, error) {
	if err := a.checkConnected(path); err != nil {
		return nil, err
	}
	if store.IsFolder(path) {
		return nil, fmt.Errorf("put %s: %w", path, store.ErrInvalidPath)
	}
	if item := a.cachedPrecondition("put", path, opts.IfMatch, opts.IfNoneMatch); item != nil {
		return item, nil
	}
	if int64(len(body)) > a.maxUpload {
		return nil, fmt.Errorf("put %s (%d bytes): %w", path, len(body), store.ErrTooLarge)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.key(path)),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if opts.IfMatch != "" {
		input.IfMatch = quote(opts.IfMatch)
	}
	if opts.IfNoneMatch == store.AnyRevision {
		input.IfNoneMatch = aws.String(store.AnyRevision)
	}

	out, err := call(ctx, a, "put_object", func() (*s3.PutObjectOutput, error) {
		input.Body = bytes.NewReader(body)
		return a.client.PutObject(ctx, input)
	})
	if status := statusOf(err); status == http.StatusPreconditionFailed || status == http.StatusConflict {
		current, err := a.currentRevision(ctx, "put", path)
		if err != nil {
			return nil, err
		}
		metrics.RecordPreconditionFailure("put", false)
		return &store.Item{StatusCode: http.StatusPreconditionFailed, Revision: current}, nil
	}
	if err != nil {
		return remoteFailure("put", path, err)
	}

	rev := unquote(out.ETag)
	a.cache.Set(path, rev)
	a.log.Debug("S3 put object", zap.String("key", a.key(path)), zap.Int("size", len(body)))
	return &store.Item{StatusCode: http.StatusOK, Revision: rev}, nil
}

// Delete removes an object. Deleting an absent object yields 404.
func (a *Adapter) Delete(ctx context.Context, path string, opts store.DeleteOptions) (*store.Item, error) {
	if err := a.checkConnected(path); err != nil {
		return nil, err
	}
	if item := a.cachedPrecondition("delete", path, opts.IfMatch, ""); item != nil {
		return item, nil
	}

	// S3 deletes are idempotent, so existence and IfMatch are checked first.
	current, err := a.currentRevision(ctx, "delete", path)
	if err != nil {
		return nil, err
	}
	if current == "" {
		if opts.IfMatch != "" {
			metrics.RecordPreconditionFailure("delete", false)
			return &store.Item{StatusCode: http.StatusPreconditionFailed}, nil
		}
		return &store.Item{StatusCode: http.StatusNotFound}, nil
	}
	if opts.IfMatch != "" && current != opts.IfMatch {
		metrics.RecordPreconditionFailure("delete", false)
		return &store.Item{StatusCode: http.StatusPreconditionFailed, Revision: current}, nil
	}

	_, err = call(ctx, a, "delete_object", func() (*s3.DeleteObjectOutput, error) {
		return a.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(a.key(path))})
	})
	if err != nil {
		return remoteFailure("delete", path, err)
	}
	a.cache.Delete(path)
	a.log.Debug("S3 delete object", zap.String("key", a.key(path)))
	return &store.Item{StatusCode: http.StatusOK}, nil
}
