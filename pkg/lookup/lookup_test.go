package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const ordersYAML = `collection_info:
  database: ESM
  schema_name: OrdersSchema
collections:
  Orders:
    fields:
      orderNumber:
        data_type: string
`

func TestLookup_Files_SearchesConfiguredDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.yaml"), []byte(ordersYAML), 0o644))

	files, err := NewFiles(FilesConfig{Logger: testLogger(t), Dir: dir})
	require.NoError(t, err)

	for _, id := range []string{"orders", "orders.yaml"} {
		doc, err := files.Search(t.Context(), id)
		require.NoError(t, err)
		require.NotNil(t, doc, id)
		assert.Equal(t, ordersYAML, doc.Text)
		assert.Equal(t, "ESM", doc.Database)
		assert.Equal(t, "OrdersSchema", doc.Schema)
		assert.Equal(t, "GenAI-Agent", doc.Application)
		assert.Equal(t, "mongodb", doc.Kind)
		assert.Equal(t, filepath.Join(dir, "orders.yaml"), doc.Origin)
	}

	doc, err := files.Search(t.Context(), "missing")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestLookup_Files_RejectsTraversal(t *testing.T) {
	t.Parallel()

	files, err := NewFiles(FilesConfig{Logger: testLogger(t), Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = files.Search(t.Context(), "../secrets.yaml")
	require.Error(t, err)
	_, err = files.Search(t.Context(), "")
	require.Error(t, err)
}

func TestLookup_Files_AbsolutePaths(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "orders.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ordersYAML), 0o644))

	strict, err := NewFiles(FilesConfig{Logger: testLogger(t)})
	require.NoError(t, err)
	_, err = strict.Search(t.Context(), path)
	require.Error(t, err)

	open, err := NewFiles(FilesConfig{Logger: testLogger(t), AllowAbsolute: true})
	require.NoError(t, err)
	doc, err := open.Search(t.Context(), strings.TrimSuffix(path, ".yaml"))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, path, doc.Origin)
}

func TestLookup_Document_Details(t *testing.T) {
	t.Parallel()

	doc := &Document{Database: "ESM", Schema: "S", Kind: "mongodb"}
	assert.Equal(t, map[string]string{
		"db_name":     "ESM",
		"dbName":      "ESM",
		"schema_name": "S",
		"userName":    "S",
		"db_type":     "mongodb",
	}, doc.Details())
}

func newWeaviateServer(t *testing.T, graphql func(query string) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/meta":
			_, _ = w.Write([]byte(`{"hostname":"http://[::]:8080","version":"1.35.2","modules":{}}`))
		case "/v1/.well-known/ready", "/v1/.well-known/live":
			w.WriteHeader(http.StatusOK)
		case "/v1/graphql":
			var body struct {
				Query string `json:"query"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			_, _ = w.Write([]byte(graphql(body.Query)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLookup_Weaviate_Search(t *testing.T) {
	t.Parallel()

	var query string
	srv := newWeaviateServer(t, func(q string) string {
		query = q
		return `{"data":{"Get":{"SemanticLayerCollection":[{"text":"collections: {}","db_name":"ESM","schema_name":"S","app_name":"App","db_type":"mongodb"}]}}}`
	})

	w, err := NewWeaviate(WeaviateConfig{Logger: testLogger(t), URL: srv.URL})
	require.NoError(t, err)

	doc, err := w.Search(t.Context(), "orders.yaml")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "collections: {}", doc.Text)
	assert.Equal(t, "ESM", doc.Database)
	assert.Equal(t, "S", doc.Schema)
	assert.Equal(t, "App", doc.Application)
	assert.Contains(t, query, "SemanticLayerCollection")
	assert.Contains(t, query, "orders.yaml")
	assert.Contains(t, query, "source")
}

func TestLookup_Weaviate_NotFoundAndErrors(t *testing.T) {
	t.Parallel()

	empty := newWeaviateServer(t, func(string) string {
		return `{"data":{"Get":{"SemanticLayerCollection":[]}}}`
	})
	w, err := NewWeaviate(WeaviateConfig{Logger: testLogger(t), URL: empty.URL})
	require.NoError(t, err)
	doc, err := w.Search(t.Context(), "orders")
	require.NoError(t, err)
	assert.Nil(t, doc)

	failing := newWeaviateServer(t, func(string) string {
		return `{"errors":[{"message":"Cannot query field \"source\""}]}`
	})
	w, err = NewWeaviate(WeaviateConfig{Logger: testLogger(t), URL: failing.URL})
	require.NoError(t, err)
	_, err = w.Search(t.Context(), "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot query field")

	_, err = NewWeaviate(WeaviateConfig{Logger: testLogger(t), URL: "::not a url"})
	require.Error(t, err)
}

type countingLookup struct {
	calls atomic.Int32
	doc   *Document
	err   error
}

func (c *countingLookup) Search(context.Context, string) (*Document, error) {
	c.calls.Add(1)
	return c.doc, c.err
}

func TestLookup_Cached_ReturnsCachedUntilExpiry(t *testing.T) {
	t.Parallel()

	next := &countingLookup{doc: &Document{Text: "t"}}
	c := NewCached(testLogger(t), next, 100*time.Millisecond)

	for range 3 {
		doc, err := c.Search(t.Context(), "orders")
		require.NoError(t, err)
		assert.Equal(t, "t", doc.Text)
	}
	assert.Equal(t, int32(1), next.calls.Load())

	require.Eventually(t, func() bool {
		_, err := c.Search(t.Context(), "orders")
		require.NoError(t, err)
		return next.calls.Load() == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLookup_Cached_DoesNotCacheMissesOrErrors(t *testing.T) {
	t.Parallel()

	next := &countingLookup{}
	c := NewCached(testLogger(t), next, time.Minute)
	for range 2 {
		doc, err := c.Search(t.Context(), "orders")
		require.NoError(t, err)
		assert.Nil(t, doc)
	}
	assert.Equal(t, int32(2), next.calls.Load())

	next.err = errors.New("down")
	_, err := c.Search(t.Context(), "orders")
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestLookup_Chain_FallsBack(t *testing.T) {
	t.Parallel()

	failing := &countingLookup{err: errors.New("connection refused")}
	missing := &countingLookup{}
	found := &countingLookup{doc: &Document{Text: "t", Origin: "file"}}

	chain := NewChain(testLogger(t),
		Source{Name: "weaviate", Lookup: failing},
		Source{Name: "empty", Lookup: missing},
		Source{Name: "files", Lookup: found},
	)
	doc, err := chain.Search(t.Context(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "file", doc.Origin)

	chain = NewChain(testLogger(t), Source{Name: "empty", Lookup: missing})
	doc, err = chain.Search(t.Context(), "orders")
	require.NoError(t, err)
	assert.Nil(t, doc)

	chain = NewChain(testLogger(t), Source{Name: "empty", Lookup: missing}, Source{Name: "weaviate", Lookup: failing})
	_, err = chain.Search(t.Context(), "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weaviate lookup failed")
}
