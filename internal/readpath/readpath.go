// Package readpath serves local-then-remote byte resolution — the Go
// analogue of a browser service worker intercepting fetches under a
// filesRoot prefix. It is exposed both as an http.Handler for an embedded
// HTTP surface and as a library Resolve func for non-HTTP callers.
package readpath

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/filesyncd/filesync/internal/ferrors"
	"github.com/filesyncd/filesync/internal/localstore"
)

// RemoteResolver fetches the bytes for a stored path from wherever the
// engine's remote adapter would find them (a presigned URL, a direct
// object-store read, etc), returning them alongside their HTTP-ish status
// so the handler can decide whether to cache and how to respond.
type RemoteResolver func(ctx context.Context, storedPath string) (body io.ReadCloser, status int, err error)

// Options configures a Resolver.
type Options struct {
	Local                *localstore.Store
	Remote               RemoteResolver // nil disables remote fallback
	Prefix               string         // default "/livestore-filesync-files/"
	CacheRemoteResponses bool
}

// Resolver implements the local-then-remote resolution algorithm, shared by
// the HTTP handler and the Resolve library function.
type Resolver struct {
	opts   Options
	flight singleflight.Group
}

// New builds a Resolver.
func New(opts Options) *Resolver {
	if opts.Prefix == "" {
		opts.Prefix = "/" + localstore.FilesRoot + "/"
	}
	return &Resolver{opts: opts}
}

// Source identifies where Resolve found the bytes.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Resolve returns the bytes for storedPath (no leading slash), fetching
// remotely and optionally caching locally on a local miss. Concurrent
// Resolve calls for the same storedPath share one remote fetch.
func (r *Resolver) Resolve(ctx context.Context, storedPath string) (io.ReadCloser, Source, error) {
	if body, err := r.opts.Local.Read(storedPath); err == nil {
		return body, SourceLocal, nil
	} else if _, ok := err.(*ferrors.FileNotFoundError); !ok {
		return nil, "", err
	}

	if r.opts.Remote == nil {
		return nil, "", &ferrors.FileNotFoundError{Path: storedPath}
	}

	v, err, _ := r.flight.Do(storedPath, func() (any, error) {
		body, status, ferr := r.opts.Remote(ctx, storedPath)
		if ferr != nil {
			return nil, ferr
		}
		defer body.Close()

		if status < 200 || status >= 300 {
			return nil, &ferrors.FileNotFoundError{Path: storedPath}
		}

		data, rerr := io.ReadAll(body)
		if rerr != nil {
			return nil, &ferrors.StorageError{Cause: rerr}
		}

		if r.opts.CacheRemoteResponses {
			hash := storedPath
			if idx := strings.LastIndexByte(storedPath, '/'); idx >= 0 {
				hash = storedPath[idx+1:]
			}
			if werr := r.opts.Local.Write(storedPath, bytes.NewReader(data), hash); werr != nil {
				slog.Warn("readpath: failed to cache remote response", "path", storedPath, "error", werr)
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, "", err
	}

	return io.NopCloser(bytes.NewReader(v.([]byte))), SourceRemote, nil
}

// Handler returns an http.Handler serving paths under opts.Prefix.
func (r *Resolver) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !strings.HasPrefix(req.URL.Path, r.opts.Prefix) {
			http.NotFound(w, req)
			return
		}
		storedPath := strings.TrimPrefix(req.URL.Path, "/")

		body, source, err := r.Resolve(req.Context(), storedPath)
		if err != nil {
			// Any resolution failure is answered with 404.
			if _, ok := err.(*ferrors.FileNotFoundError); !ok {
				slog.Debug("readpath: resolve failed", "path", storedPath, "error", err)
			}
			http.NotFound(w, req)
			return
		}
		defer body.Close()

		contentType := mime.TypeByExtension(filepath.Ext(storedPath))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("X-Source", string(source))
		if _, err := io.Copy(w, body); err != nil {
			slog.Debug("readpath: error streaming response", "path", storedPath, "error", err)
		}
	})
}
