// Package signerclient is the production RemoteStorage adapter: it obtains
// presigned PUT/GET/DELETE URLs from a signer endpoint and then performs the
// transfer directly against the object store, the same split the source SDK
// uses between its blob API (signing) and its uploader/downloader (transfer).
package signerclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"resty.dev/v3"

	"github.com/filesyncd/filesync/internal/ferrors"
	"github.com/filesyncd/filesync/internal/filekit"
	"github.com/filesyncd/filesync/internal/remotestore"
)

// signResponse mirrors the signer's {url, headers?, expiresAt} contract.
type signResponse struct {
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Client is a RemoteStorage backed by a presigning HTTP endpoint.
type Client struct {
	base   string
	client *resty.Client
	// transfer is a separate, plain HTTP client for the actual PUT/GET to
	// the presigned URL — resty's multipart handling fights with
	// Content-Length on large uploads, so raw net/http is used there, same
	// tradeoff the source SDK makes for its presigned uploader.
	transfer *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAuth sets the Authorization header sent to the signer.
func WithAuth(token string) Option {
	return func(c *Client) {
		c.client.SetHeader("Authorization", "Bearer "+token)
	}
}

// WithWorkerAuth sets the X-Worker-Auth header sent to the signer.
func WithWorkerAuth(token string) Option {
	return func(c *Client) {
		c.client.SetHeader("X-Worker-Auth", token)
	}
}

// New builds a Client against a signer at base (e.g. "https://sign.example.com").
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:     base,
		client:   resty.New().SetBaseURL(base),
		transfer: &http.Client{Timeout: 0},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) sign(ctx context.Context, path string, body any) (*signResponse, error) {
	var resp signResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&resp).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("signerclient: sign %s: %w", path, err)
	}
	if res.IsError() {
		if res.StatusCode() == http.StatusUnauthorized || res.StatusCode() == http.StatusForbidden {
			return nil, &ferrors.AuthError{Code: res.Status()}
		}
		return nil, fmt.Errorf("signerclient: sign %s: %s", path, res.Status())
	}
	return &resp, nil
}

type progressReader struct {
	r          io.Reader
	loaded     int64
	total      int64
	onProgress remotestore.ProgressFunc
	lastReport time.Time
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.loaded += int64(n)
	if p.onProgress != nil && (time.Since(p.lastReport) >= 500*time.Millisecond || err == io.EOF) {
		p.onProgress(p.loaded, p.total)
		p.lastReport = time.Now()
	}
	return n, err
}

func classifyStatus(status int) (retryable bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

func (c *Client) Upload(ctx context.Context, key string, file filekit.File, opts remotestore.UploadOpts) (*remotestore.UploadResult, error) {
	sign, err := c.sign(ctx, "/v1/sign/upload", map[string]string{"key": key})
	if err != nil {
		return nil, &ferrors.UploadError{Cause: err, FileID: key, Retryable: false}
	}

	r, err := file.Open()
	if err != nil {
		return nil, &ferrors.UploadError{Cause: err, FileID: key, Retryable: false}
	}
	defer r.Close()

	body := &progressReader{r: r, total: file.Size(), onProgress: opts.OnProgress}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sign.URL, body)
	if err != nil {
		return nil, &ferrors.UploadError{Cause: err, FileID: key, Retryable: false}
	}
	req.ContentLength = file.Size()
	contentType := opts.ContentType
	if contentType == "" {
		contentType = file.ContentType()
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range sign.Headers {
		req.Header.Set(k, v)
	}

	res, err := c.transfer.Do(req)
	if err != nil {
		return nil, &ferrors.UploadError{Cause: err, FileID: key, Retryable: true}
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return nil, &ferrors.UploadError{
			Cause:     fmt.Errorf("signerclient: upload %s: status %d", key, res.StatusCode),
			FileID:    key,
			Retryable: classifyStatus(res.StatusCode),
		}
	}

	return &remotestore.UploadResult{Key: key, ETag: res.Header.Get("ETag"), Size: file.Size()}, nil
}

func (c *Client) Download(ctx context.Context, key string, opts remotestore.DownloadOpts) (io.ReadCloser, error) {
	sign, err := c.sign(ctx, "/v1/sign/download", map[string]string{"key": key})
	if err != nil {
		return nil, &ferrors.DownloadError{Cause: err, URL: key, Retryable: false}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sign.URL, nil)
	if err != nil {
		return nil, &ferrors.DownloadError{Cause: err, URL: sign.URL, Retryable: false}
	}
	if opts.IfNoneMatch != "" {
		req.Header.Set("If-None-Match", opts.IfNoneMatch)
	}
	for k, v := range sign.Headers {
		req.Header.Set(k, v)
	}

	res, err := c.transfer.Do(req)
	if err != nil {
		return nil, &ferrors.DownloadError{Cause: err, URL: sign.URL, Retryable: true}
	}

	switch {
	case res.StatusCode == http.StatusNotFound:
		res.Body.Close()
		return nil, &ferrors.FileNotFoundError{Path: key}
	case res.StatusCode == http.StatusForbidden:
		res.Body.Close()
		return nil, &ferrors.DownloadError{Cause: fmt.Errorf("presigned url forbidden or expired"), URL: sign.URL, Retryable: false}
	case res.StatusCode == http.StatusTooManyRequests:
		res.Body.Close()
		return nil, &ferrors.DownloadError{Cause: fmt.Errorf("rate limited"), URL: sign.URL, Retryable: true}
	case res.StatusCode >= 500:
		res.Body.Close()
		return nil, &ferrors.DownloadError{Cause: fmt.Errorf("status %d", res.StatusCode), URL: sign.URL, Retryable: true}
	case res.StatusCode >= 400:
		res.Body.Close()
		return nil, &ferrors.DownloadError{Cause: fmt.Errorf("status %d", res.StatusCode), URL: sign.URL, Retryable: false}
	}

	total := res.ContentLength
	body := &progressReader{r: res.Body, total: total, onProgress: opts.OnProgress}
	return struct {
		io.Reader
		io.Closer
	}{Reader: body, Closer: res.Body}, nil
}

// SignDownloadURL mints a presigned GET URL for key without fetching it,
// for callers (filestorage.GetFileURL) that want to hand out a direct link
// rather than proxy bytes through this process.
func (c *Client) SignDownloadURL(ctx context.Context, key string) (string, time.Time, error) {
	sign, err := c.sign(ctx, "/v1/sign/download", map[string]string{"key": key})
	if err != nil {
		return "", time.Time{}, err
	}
	return sign.URL, sign.ExpiresAt, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.sign(ctx, "/v1/delete", map[string]string{"key": key})
	if err != nil {
		var authErr *ferrors.AuthError
		if errors.As(err, &authErr) {
			return err
		}
		return &ferrors.UploadError{Cause: err, FileID: key, Retryable: true}
	}
	return nil
}

func (c *Client) Health(ctx context.Context) bool {
	res, err := c.client.R().SetContext(ctx).Get("/health")
	return err == nil && !res.IsError()
}

var _ remotestore.RemoteStorage = (*Client)(nil)
var _ remotestore.URLSigner = (*Client)(nil)
