package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/est/p.est.im/cfg"
	"github.com/est/p.est.im/pkg/domain"
	"github.com/est/p.est.im/svc/cache"
	"github.com/est/p.est.im/svc/db"
	"github.com/est/p.est.im/svc/lim"
	"github.com/est/p.est.im/svc/svc"
)

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		Port:           "8080",
		Environment:    "test",
		RedirectURL:    "https://github.com/est",
		CDNOrigin:      "https://cdn.jsdelivr.net",
		LRUCacheSize:   64,
		TTL:            time.Hour,
		MaxContentSize: 1 << 20,
		RateLimit:      cfg.RateLimitCfg{RPM: 100000, Burst: 10000},
		WorkerPoolSize: 1,
		SweepInterval:  time.Minute,
		ContextTimeout: 5 * time.Second,
		CacheTimeout:   time.Second,
	}
}

type testEnv struct {
	srv   *Server
	paste *svc.Service
	store *db.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	c := testCfg()
	store, err := db.NewStore(filepath.Join(t.TempDir(), "pastes.db"))
	require.NoError(t, err)
	coord, err := cache.New("", c.LRUCacheSize, c.CacheTimeout)
	require.NoError(t, err)
	pasteSvc := svc.New(store, c)
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, nil)
	srv := NewServer(c, pasteSvc, limiter, store, coord)
	t.Cleanup(func() {
		limiter.Stop()
		pasteSvc.Shutdown()
		coord.Close()
		store.Close()
	})
	return &testEnv{srv: srv, paste: pasteSvc, store: store}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) put(t *testing.T, path, body string) (id, token string) {
	t.Helper()
	rec := e.do(httptest.NewRequest(http.MethodPut, path, strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, "put failed: %s", rec.Body.String())
	loc := strings.TrimSpace(rec.Body.String())
	return loc[strings.LastIndexByte(loc, '/')+1:], rec.Header().Get("X-Delete-Token")
}

func TestPutReturnsLocationAndToken(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodPut, "/", strings.NewReader("Hello World")))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.HasSuffix(body, "\n"), "location line must end with a newline")
	loc := strings.TrimSpace(body)
	assert.True(t, strings.HasPrefix(loc, "http://"), "location %q", loc)
	id := loc[strings.LastIndexByte(loc, '/')+1:]
	assert.Len(t, id, 6)
	assert.Equal(t, loc, rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Header().Get("X-Delete-Token"))
}

func TestPutThenGetRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.put(t, "/", "Hello World")

	rec := env.do(httptest.NewRequest(http.MethodGet, "/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello World", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("X-Paste-Views"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "public, max-age=")
}

func TestPutEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodPut, "/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutOversizedBody(t *testing.T) {
	env := newTestEnv(t)

	// declared up front
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader("x"))
	req.ContentLength = 2 << 20
	rec := env.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// undeclared, caught while reading
	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(strings.Repeat("x", 1<<20+1)))
	req.ContentLength = -1
	rec = env.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPutImageSetsDimensionHeader(t *testing.T) {
	env := newTestEnv(t)
	png := string([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A,
		0x00, 0x00, 0x00, 0x0D, 'I', 'H', 'D', 'R',
		0x00, 0x00, 0x01, 0x40, // width 320
		0x00, 0x00, 0x00, 0xF0, // height 240
		8, 6, 0, 0, 0})
	id, _ := env.put(t, "/", png)
	assert.True(t, strings.HasSuffix(id, ".png"))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "320x240", rec.Header().Get("X-Image-Dimensions"))
}

func TestPutExplicitIDConflict(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "/taken", "first")

	rec := env.do(httptest.NewRequest(http.MethodPut, "/taken", strings.NewReader("second")))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// the original content is untouched
	rec = env.do(httptest.NewRequest(http.MethodGet, "/taken", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "first", rec.Body.String())
}

func TestGetMissingAndExpired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/nothere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, env.store.Insert(context.Background(), &domain.Paste{
		ID:        "oldone",
		Content:   []byte("stale"),
		System:    domain.SystemInfo{MIME: "text/plain"},
		CreatedAt: time.Now().Add(-2 * time.Hour).Unix(),
		ExpiresAt: time.Now().Add(-time.Hour).Unix(),
	}))
	rec = env.do(httptest.NewRequest(http.MethodGet, "/oldone", nil))
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestDeleteTokenFlow(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.put(t, "/", "ephemeral")

	rec := env.do(httptest.NewRequest(http.MethodDelete, "/"+id, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodDelete, "/"+id, nil)
	req.Header.Set("X-Delete-Token", "wrong-token")
	rec = env.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/"+id, nil)
	req.Header.Set("X-Delete-Token", token)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "deleted", resp["status"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/"+id, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteInvalidatesCachedResponse(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.put(t, "/", "cached")

	// prime the cache
	rec := env.do(httptest.NewRequest(http.MethodGet, "/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodDelete, "/"+id, nil)
	req.Header.Set("X-Delete-Token", token)
	require.Equal(t, http.StatusOK, env.do(req).Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/"+id, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "cached entry must not outlive the delete")
}

func TestHotlinkBlocked(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.put(t, "/", "embedded?")

	req := httptest.NewRequest(http.MethodGet, "/"+id, nil)
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	req.Header.Set("Sec-Fetch-Dest", "image")
	rec := env.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// top-level cross-site navigation is fine
	req = httptest.NewRequest(http.MethodGet, "/"+id, nil)
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	req.Header.Set("Sec-Fetch-Dest", "document")
	rec = env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// same-origin embedding is fine
	req = httptest.NewRequest(http.MethodGet, "/"+id, nil)
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("Sec-Fetch-Dest", "image")
	rec = env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMarkdownRepresentation(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "/notes.md", "# Title\n\n<script>alert(1)</script>")

	// a browser asking for HTML gets the rendering shell
	req := httptest.NewRequest(http.MethodGet, "/notes.md", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "marked")
	assert.Contains(t, body, "DOMPurify")
	assert.NotContains(t, body, "<script>alert(1)</script>", "source must be escaped")
	csp := rec.Header().Get("Content-Security-Policy")
	assert.Contains(t, csp, "https://cdn.jsdelivr.net")
	assert.NotEqual(t, cspDefault, csp)

	// everyone else gets the raw bytes
	rec = env.do(httptest.NewRequest(http.MethodGet, "/notes.md", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "# Title\n\n<script>alert(1)</script>", rec.Body.String())
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.put(t, "/", "headers")

	rec := env.do(httptest.NewRequest(http.MethodGet, "/"+id, nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, cspDefault, rec.Header().Get("Content-Security-Policy"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRootRedirects(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://github.com/est", rec.Header().Get("Location"))
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/ready", nil)).Code)
}

func TestErrorResponsesAreJSON(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/nothere", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp domain.ErrResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error.Code)
	assert.NotEmpty(t, resp.Error.Msg)
}
