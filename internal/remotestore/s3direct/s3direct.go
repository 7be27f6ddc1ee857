// Package s3direct is a RemoteStorage variant that talks to an S3-compatible
// endpoint directly via aws-sdk-go-v2, bypassing a signer. It exists for
// self-hosted deployments that trust the client with direct credentials and
// for the local devstack integration tests; production wiring defaults to
// signerclient.
package s3direct

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/filesyncd/filesync/internal/ferrors"
	"github.com/filesyncd/filesync/internal/filekit"
	"github.com/filesyncd/filesync/internal/remotestore"
)

// presignExpiry is how long a presigned GET URL handed out by
// SignDownloadURL remains valid.
const presignExpiry = 15 * time.Minute

// Client is a RemoteStorage backed directly by an S3-compatible bucket.
type Client struct {
	s3      *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// Options configures an S3-compatible endpoint outside of AWS (MinIO, etc).
type Options struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// New builds a Client against bucket using static credentials and an
// optional custom endpoint (for MinIO-style devstacks).
func New(ctx context.Context, bucket string, opts Options) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID, opts.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return &Client{s3: client, presign: s3.NewPresignClient(client), bucket: bucket}, nil
}

type countingReader struct {
	r          io.Reader
	loaded     int64
	total      int64
	onProgress remotestore.ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.loaded += int64(n)
	if c.onProgress != nil {
		c.onProgress(c.loaded, c.total)
	}
	return n, err
}

func (c *Client) Upload(ctx context.Context, key string, file filekit.File, opts remotestore.UploadOpts) (*remotestore.UploadResult, error) {
	r, err := file.Open()
	if err != nil {
		return nil, &ferrors.UploadError{Cause: err, FileID: key, Retryable: false}
	}
	defer r.Close()

	contentType := opts.ContentType
	if contentType == "" {
		contentType = file.ContentType()
	}

	body := &countingReader{r: r, total: file.Size(), onProgress: opts.OnProgress}

	out, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, &ferrors.UploadError{Cause: err, FileID: key, Retryable: isRetryable(err)}
	}

	etag := ""
	if out.ETag != nil {
		etag = *out.ETag
	}
	return &remotestore.UploadResult{Key: key, ETag: etag, Size: file.Size()}, nil
}

func (c *Client) Download(ctx context.Context, key string, opts remotestore.DownloadOpts) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if opts.IfNoneMatch != "" {
		input.IfNoneMatch = aws.String(opts.IfNoneMatch)
	}

	out, err := c.s3.GetObject(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			return nil, &ferrors.FileNotFoundError{Path: key}
		}
		return nil, &ferrors.DownloadError{Cause: err, URL: key, Retryable: isRetryable(err)}
	}

	total := int64(0)
	if out.ContentLength != nil {
		total = *out.ContentLength
	}
	body := &countingReader{r: out.Body, total: total, onProgress: opts.OnProgress}
	return struct {
		io.Reader
		io.Closer
	}{Reader: body, Closer: out.Body}, nil
}

// SignDownloadURL mints a presigned GET URL for key, valid for
// presignExpiry, without fetching the object.
func (c *Client) SignDownloadURL(ctx context.Context, key string) (string, time.Time, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", time.Time{}, err
	}
	return req.URL, time.Now().Add(presignExpiry), nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &ferrors.UploadError{Cause: err, FileID: key, Retryable: isRetryable(err)}
	}
	return nil
}

func (c *Client) Health(ctx context.Context) bool {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	return err == nil
}

func isRetryable(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "AccessDenied", "InvalidRequest":
		return false
	default:
		return true
	}
}

var _ remotestore.RemoteStorage = (*Client)(nil)
var _ remotestore.URLSigner = (*Client)(nil)
