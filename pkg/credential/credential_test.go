package credential

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type tokenServer struct {
	*httptest.Server
	fetches atomic.Int32
}

func newTokenServer(t *testing.T, handler func(n int32, w http.ResponseWriter, r *http.Request)) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.fetches.Add(1)
		handler(n, w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func okToken(n int32, w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"access_token":"token-` + string(rune('0'+n)) + `","token_type":"Bearer"}`))
}

func newTestCache(t *testing.T, url string, clock clockwork.Clock) *Cache {
	t.Helper()
	c, err := New(Config{
		Logger:       testLogger(t),
		TokenURL:     url,
		ClientID:     "client",
		ClientSecret: "secret",
		TTL:          time.Minute,
		Clock:        clock,
	})
	require.NoError(t, err)
	return c
}

func TestCredential_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{Logger: testLogger(t), TokenURL: "http://x", ClientID: "id", ClientSecret: "s"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, defaultTTL, cfg.TTL)
	assert.NotNil(t, cfg.HTTPClient)
	assert.NotNil(t, cfg.Clock)

	cfg = Config{Logger: testLogger(t), TokenURL: "http://x", ClientID: "id"}
	require.Error(t, cfg.Validate())

	cfg = Config{TokenURL: "http://x", ClientID: "id", ClientSecret: "s"}
	require.EqualError(t, cfg.Validate(), "logger is required")
}

func TestCredential_Cache_SendsClientCredentialsForm(t *testing.T) {
	t.Parallel()

	srv := newTokenServer(t, func(n int32, w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		okToken(n, w, r)
	})

	c := newTestCache(t, srv.URL, clockwork.NewFakeClock())
	token, err := c.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
}

func TestCredential_Cache_ReusesUntilExpiry(t *testing.T) {
	t.Parallel()

	srv := newTokenServer(t, okToken)
	clock := clockwork.NewFakeClock()
	c := newTestCache(t, srv.URL, clock)

	first, err := c.Token(t.Context())
	require.NoError(t, err)
	clock.Advance(59 * time.Second)
	second, err := c.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), srv.fetches.Load())

	clock.Advance(time.Second)
	third, err := c.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "token-2", third)
	assert.Equal(t, int32(2), srv.fetches.Load())
}

func TestCredential_Cache_Invalidate(t *testing.T) {
	t.Parallel()

	srv := newTokenServer(t, okToken)
	c := newTestCache(t, srv.URL, clockwork.NewFakeClock())

	_, err := c.Token(t.Context())
	require.NoError(t, err)
	c.Invalidate()
	token, err := c.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
}

func TestCredential_Cache_ConcurrentCallersShareOneFetch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := newTokenServer(t, func(n int32, w http.ResponseWriter, r *http.Request) {
		<-release
		okToken(n, w, r)
	})
	c := newTestCache(t, srv.URL, clockwork.NewFakeClock())

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := c.Token(t.Context())
			assert.NoError(t, err)
			tokens[i] = token
		}()
	}

	require.Eventually(t, func() bool { return srv.fetches.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), srv.fetches.Load())
	for _, token := range tokens {
		assert.Equal(t, "token-1", token)
	}
}

func TestCredential_Cache_FailuresAreNotCached(t *testing.T) {
	t.Parallel()

	srv := newTokenServer(t, func(n int32, w http.ResponseWriter, r *http.Request) {
		switch n {
		case 1:
			http.Error(w, "bad client", http.StatusBadRequest)
		case 2:
			_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
		default:
			okToken(n, w, r)
		}
	})
	c := newTestCache(t, srv.URL, clockwork.NewFakeClock())

	_, err := c.Token(t.Context())
	require.ErrorIs(t, err, ErrTokenRequest)
	assert.Contains(t, err.Error(), "HTTP 400")

	_, err = c.Token(t.Context())
	require.ErrorIs(t, err, ErrTokenRequest)
	assert.Contains(t, err.Error(), "no access_token")

	token, err := c.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "token-3", token)
}

func TestCredential_Cache_NoCacheFetchesEveryCall(t *testing.T) {
	t.Parallel()

	srv := newTokenServer(t, okToken)
	c, err := New(Config{
		Logger:       testLogger(t),
		TokenURL:     srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		NoCache:      true,
	})
	require.NoError(t, err)

	for range 3 {
		_, err := c.Token(t.Context())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), srv.fetches.Load())
}
