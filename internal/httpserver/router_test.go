package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/secprog/poors-man-ratelimiter/internal/analytics"
	"github.com/secprog/poors-man-ratelimiter/internal/antibot"
	"github.com/secprog/poors-man-ratelimiter/internal/middleware"
	"github.com/secprog/poors-man-ratelimiter/internal/proxy"
	"github.com/secprog/poors-man-ratelimiter/internal/ratelimit"
	"github.com/secprog/poors-man-ratelimiter/internal/rules"
	"github.com/secprog/poors-man-ratelimiter/internal/sysconfig"
)

const adminBase = "/poormansRateLimit/api/admin"

type memCounters struct {
	mu   sync.Mutex
	data map[string]ratelimit.Counter
}

func (m *memCounters) Get(_ context.Context, ruleID uuid.UUID, id string) (*ratelimit.Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.data[ruleID.String()+":"+id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *memCounters) Save(_ context.Context, c ratelimit.Counter, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[c.RuleID.String()+":"+c.Identifier] = c
	return nil
}

func (m *memCounters) DeleteByRule(context.Context, uuid.UUID) error { return nil }

type noopAnalytics struct{}

func (noopAnalytics) AppendLog(context.Context, analytics.LogEntry, int64, time.Duration) error {
	return nil
}
func (noopAnalytics) RecentLogs(context.Context, int64) ([]analytics.LogEntry, error) {
	return nil, nil
}
func (noopAnalytics) AddToBucket(context.Context, int64, int64, int64, time.Duration) error {
	return nil
}
func (noopAnalytics) PruneIndex(context.Context, int64) error { return nil }
func (noopAnalytics) BucketsSince(context.Context, int64) ([]analytics.Bucket, error) {
	return nil, nil
}

type staticCfg struct{}

func (staticCfg) TrafficLogMaxEntries(context.Context) int64        { return 1000 }
func (staticCfg) TrafficLogRetention(context.Context) time.Duration { return time.Hour }
func (staticCfg) RetentionDays(context.Context) int                 { return 7 }

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}
func (m *memKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}
func (m *memKV) SetIfAbsent(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		m.data[key] = value
	}
	return nil
}
func (m *memKV) All(context.Context) (map[string]string, error) { return nil, nil }

// testGateway wires a full public router in front of an httptest
// upstream that counts the requests it receives.
func testGateway(t *testing.T, settings map[string]string, testRules ...rules.Rule) (http.Handler, *atomic.Int64) {
	t.Helper()

	var upstreamHits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("upstream ok"))
	}))
	t.Cleanup(upstream.Close)

	pool, err := proxy.NewPool(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}

	kv := &memKV{data: map[string]string{}}
	for k, v := range settings {
		kv.data[k] = v
	}
	cfg := sysconfig.New(kv)
	rec := analytics.NewRecorder(noopAnalytics{}, staticCfg{})
	cache := rules.NewCacheFromSlice(testRules)
	limiter := ratelimit.New(&memCounters{data: map[string]ratelimit.Counter{}}, ratelimit.NewQueueAccountant())

	router := NewRouter(Deps{
		Validator:     antibot.NewValidator(),
		Settings:      cfg,
		Recorder:      rec,
		RateLimit:     middleware.NewRateLimiter(cache, limiter, rec),
		Proxies:       pool,
		MaxBodyBytes:  1 << 20,
		AdminBasePath: adminBase,
	})
	return router, &upstreamHits
}

func TestRouter_TokenBucketScenario(t *testing.T) {
	rule := rules.Rule{ID: uuid.New(), PathPattern: "/api/**", Active: true, AllowedRequests: 3, WindowSeconds: 15}
	router, hits := testGateway(t, nil, rule)

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
		r.RemoteAddr = "10.0.0.1:50000"
		router.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}

	for i := 0; i < 3; i++ {
		if codes[i] != http.StatusOK {
			t.Errorf("request %d code = %d", i+1, codes[i])
		}
	}
	for i := 3; i < 5; i++ {
		if codes[i] != http.StatusTooManyRequests {
			t.Errorf("request %d code = %d, want 429", i+1, codes[i])
		}
	}
	if hits.Load() != 3 {
		t.Errorf("upstream saw %d requests, want 3", hits.Load())
	}
}

func TestRouter_FormTokenEndpoint(t *testing.T) {
	router, hits := testGateway(t, map[string]string{sysconfig.KeyAntibotHoneypotField: "_hp_phone"})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tokens/form", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var payload struct {
		Token         string `json:"token"`
		LoadTime      int64  `json:"loadTime"`
		HoneypotField string `json:"honeypotField"`
		ExpiresIn     int    `json:"expiresIn"`
	}
	if err := json.NewDecoder(w.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Token == "" || payload.LoadTime == 0 {
		t.Errorf("payload = %+v", payload)
	}
	if payload.HoneypotField != "_hp_phone" {
		t.Errorf("honeypotField = %q", payload.HoneypotField)
	}
	if payload.ExpiresIn != 600 {
		t.Errorf("expiresIn = %d", payload.ExpiresIn)
	}
	if hits.Load() != 0 {
		t.Error("token endpoint must not be proxied")
	}
}

func TestRouter_ChallengeSetsCookie(t *testing.T) {
	router, _ := testGateway(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tokens/challenge", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	found := false
	for _, c := range w.Result().Cookies() {
		if c.Name == antibot.ChallengeCookie && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Error("meta refresh challenge must set the token cookie")
	}
}

func TestRouter_AntibotFlow(t *testing.T) {
	router, hits := testGateway(t, map[string]string{sysconfig.KeyAntibotMinSubmitTime: "0"})

	// Fetch a token, then submit with it.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tokens/form", nil))
	var payload struct {
		Token    string `json:"token"`
		LoadTime int64  `json:"loadTime"`
	}
	if err := json.NewDecoder(w.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/orders", nil)
	r.Header.Set(antibot.HeaderFormToken, payload.Token)
	r.Header.Set(antibot.HeaderFormLoadTime, strconv.FormatInt(payload.LoadTime, 10))
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("valid submission status = %d", w.Code)
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hits = %d", hits.Load())
	}

	// Replaying the same token fails and never reaches upstream.
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/api/orders", nil)
	r.Header.Set(antibot.HeaderFormToken, payload.Token)
	router.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("replay status = %d", w.Code)
	}
	if got := w.Header().Get("X-Rejection-Reason"); got != antibot.ReasonReusedToken {
		t.Errorf("reason = %q", got)
	}
	if hits.Load() != 1 {
		t.Error("rejected submission must not be proxied")
	}
}

func TestRouter_HoneypotNeverReachesUpstream(t *testing.T) {
	router, hits := testGateway(t, nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/orders", nil)
	r.Header.Set(antibot.HeaderHoneypot, "bot@spam.com")
	router.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("X-Rejection-Reason"); got != antibot.ReasonHoneypot {
		t.Errorf("reason = %q", got)
	}
	if hits.Load() != 0 {
		t.Error("honeypot hit must not be proxied")
	}
}

func TestRouter_AdminPathHiddenOnPublicPort(t *testing.T) {
	router, hits := testGateway(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, adminBase+"/rules", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("admin path status = %d, want 404", w.Code)
	}
	if hits.Load() != 0 {
		t.Error("admin path must not be proxied")
	}
}

func TestRouter_BodiesSurviveScreening(t *testing.T) {
	var upstreamBody atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		upstreamBody.Store(string(b))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	pool, err := proxy.NewPool(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	cfg := sysconfig.New(&memKV{data: map[string]string{}})
	rec := analytics.NewRecorder(noopAnalytics{}, staticCfg{})
	rule := rules.Rule{
		ID: uuid.New(), PathPattern: "/api/**", Active: true,
		AllowedRequests: 10, WindowSeconds: 60,
		BodyLimitEnabled: true, BodyFieldPath: "user.id", BodyContentType: "application/json",
	}
	router := NewRouter(Deps{
		Validator:     antibot.NewValidator(),
		Settings:      cfg,
		Recorder:      rec,
		RateLimit:     middleware.NewRateLimiter(rules.NewCacheFromSlice([]rules.Rule{rule}), ratelimit.New(&memCounters{data: map[string]ratelimit.Counter{}}, ratelimit.NewQueueAccountant()), rec),
		Proxies:       pool,
		MaxBodyBytes:  1 << 20,
		AdminBasePath: adminBase,
	})

	body := `{"user":{"id":"u-77"}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(body))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got, _ := upstreamBody.Load().(string); got != body {
		t.Errorf("upstream body = %q, want the same bytes the resolver saw", got)
	}
}
