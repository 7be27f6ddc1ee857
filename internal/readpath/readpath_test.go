package readpath

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filesyncd/filesync/internal/ferrors"
	"github.com/filesyncd/filesync/internal/filesys"
	"github.com/filesyncd/filesync/internal/hashsvc"
	"github.com/filesyncd/filesync/internal/localstore"
)

func newTestLocal(t *testing.T) *localstore.Store {
	t.Helper()
	fs, err := filesys.NewLocal(t.TempDir())
	require.NoError(t, err)
	return localstore.New(fs, hashsvc.New())
}

func TestResolver_ServesLocalHit(t *testing.T) {
	local := newTestLocal(t)
	hash := hashsvc.New().HashBytes([]byte("hello"))
	path := localstore.StoredPath("s", hash)
	require.NoError(t, local.Write(path, strings.NewReader("hello"), hash))

	r := New(Options{Local: local})
	body, source, err := r.Resolve(context.Background(), path)
	require.NoError(t, err)
	defer body.Close()
	require.Equal(t, SourceLocal, source)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestResolver_FallsBackToRemoteAndCaches(t *testing.T) {
	local := newTestLocal(t)
	hash := hashsvc.New().HashBytes([]byte("hello"))
	path := localstore.StoredPath("s", hash)

	var calls int32
	remote := func(ctx context.Context, storedPath string) (io.ReadCloser, int, error) {
		atomic.AddInt32(&calls, 1)
		return io.NopCloser(strings.NewReader("hello")), http.StatusOK, nil
	}

	r := New(Options{Local: local, Remote: remote, CacheRemoteResponses: true})
	body, source, err := r.Resolve(context.Background(), path)
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	body.Close()
	require.Equal(t, SourceRemote, source)
	require.Equal(t, "hello", string(data))

	require.True(t, local.Exists(path), "remote response should have been cached locally")
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestResolver_NoResolverMeansNotFound(t *testing.T) {
	local := newTestLocal(t)
	r := New(Options{Local: local})
	_, _, err := r.Resolve(context.Background(), "livestore-filesync-files/s/nope")
	var notFound *ferrors.FileNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestResolver_HandlerSetsSourceHeader(t *testing.T) {
	local := newTestLocal(t)
	hash := hashsvc.New().HashBytes([]byte("hello"))
	path := localstore.StoredPath("s", hash)
	require.NoError(t, local.Write(path, strings.NewReader("hello"), hash))

	r := New(Options{Local: local})
	req := httptest.NewRequest(http.MethodGet, "/"+path, nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "local", rec.Header().Get("X-Source"))
	require.Equal(t, "hello", rec.Body.String())
}
