package signerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filesyncd/filesync/internal/ferrors"
)

func TestClient_SignDownloadURLReturnsSignerResponse(t *testing.T) {
	expires := time.Now().Add(10 * time.Minute).Truncate(time.Second).UTC()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sign/download", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(signResponse{
			URL:       "https://bucket.example.com/objects/deadbeef?sig=abc",
			ExpiresAt: expires,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	url, exp, err := c.SignDownloadURL(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.Equal(t, "https://bucket.example.com/objects/deadbeef?sig=abc", url)
	require.True(t, exp.Equal(expires))
}

func TestClient_SignDownloadURLPropagatesAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, _, err := c.SignDownloadURL(context.Background(), "deadbeef")
	require.Error(t, err)
	var authErr *ferrors.AuthError
	require.ErrorAs(t, err, &authErr)
}
