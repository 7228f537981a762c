package httpsource

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/italolelis/bundle_fetcher/internal/fetch"
	"github.com/italolelis/bundle_fetcher/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/bundles/pack1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("0123456789"))
	})
	mux.HandleFunc("/bundles/secret", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/bundles/flaky", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func TestClient_StatAndOpen(t *testing.T) {
	srv := newServer(t)
	client := NewClient(srv.URL + "/bundles/")
	ctx := context.Background()

	size, err := client.Stat(ctx, "pack1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	rc, err := client.Open(ctx, "pack1")
	require.NoError(t, err)

	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestClient_ErrorMapping(t *testing.T) {
	srv := newServer(t)
	client := NewClient(srv.URL+"/bundles", WithHTTPClient(srv.Client()))
	ctx := context.Background()

	tests := []struct {
		name string
		want string
	}{
		{name: "missing", want: fetch.ErrorCodeUnavailable},
		{name: "secret", want: fetch.ErrorCodeAccessDenied},
		{name: "flaky", want: fetch.ErrorCodeNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Open(ctx, tt.name)
			require.Error(t, err)
			assert.Equal(t, tt.want, source.Code(err))

			_, err = client.Stat(ctx, tt.name)
			require.Error(t, err)
			assert.Equal(t, tt.want, source.Code(err))
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Open(context.Background(), "pack1")
	require.Error(t, err)

	var netErr *source.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "open", netErr.Operation)
	assert.Zero(t, netErr.StatusCode)
}
