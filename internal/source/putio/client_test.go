package putio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/italolelis/bundle_fetcher/internal/fetch"
	"github.com/italolelis/bundle_fetcher/internal/source"
	putio "github.com/putdotio/go-putio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rootListing   = `{"files":[{"id":10,"name":"bundles","size":0,"file_type":"FOLDER","content_type":"application/x-directory"}],"parent":{"id":0,"name":"root","content_type":"application/x-directory"}}`
	folderListing = `{"files":[{"id":100,"name":"pack1","size":10,"file_type":"ARCHIVE","content_type":"application/zip"}],"parent":{"id":10,"name":"bundles","content_type":"application/x-directory"}}`
)

func newTestClient(t *testing.T, folder string) (*Client, *atomic.Int32) {
	t.Helper()

	var rootLists atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/files/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Query().Get("parent_id") {
		case "0":
			rootLists.Add(1)
			fmt.Fprint(w, rootListing)
		case "10":
			fmt.Fprint(w, folderListing)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error_type":"NOT_FOUND","error_message":"not found"}`)
		}
	})

	var server *httptest.Server

	mux.HandleFunc("/v2/files/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/url") {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"url":%q}`, server.URL+"/download/pack1")
	})
	mux.HandleFunc("/download/pack1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	goputioClient := putio.NewClient(nil)
	u, _ := url.Parse(server.URL)
	goputioClient.BaseURL = u

	return &Client{putioClient: goputioClient, httpClient: server.Client(), folder: folder}, &rootLists
}

func TestClient_Stat(t *testing.T) {
	client, rootLists := newTestClient(t, "bundles")
	ctx := context.Background()

	size, err := client.Stat(ctx, "pack1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	_, err = client.Stat(ctx, "pack1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), rootLists.Load(), "folder id should be resolved once")
}

func TestClient_StatMissingBundle(t *testing.T) {
	client, _ := newTestClient(t, "bundles")

	_, err := client.Stat(context.Background(), "pack9")
	require.Error(t, err)
	assert.Equal(t, fetch.ErrorCodeUnavailable, source.Code(err))
}

func TestClient_MissingFolder(t *testing.T) {
	client, _ := newTestClient(t, "elsewhere")

	_, err := client.Stat(context.Background(), "pack1")
	require.Error(t, err)

	var unavailable *source.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "elsewhere", unavailable.Name)
}

func TestClient_Open(t *testing.T) {
	client, _ := newTestClient(t, "bundles")

	rc, err := client.Open(context.Background(), "pack1")
	require.NoError(t, err)

	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}
