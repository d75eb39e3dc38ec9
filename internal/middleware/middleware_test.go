package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/secprog/poors-man-ratelimiter/internal/analytics"
	"github.com/secprog/poors-man-ratelimiter/internal/antibot"
	"github.com/secprog/poors-man-ratelimiter/internal/ratelimit"
	"github.com/secprog/poors-man-ratelimiter/internal/rules"
	"github.com/secprog/poors-man-ratelimiter/internal/sysconfig"
)

// In-memory doubles shared by the middleware tests.

type memCounters struct {
	mu   sync.Mutex
	data map[string]ratelimit.Counter
}

func newMemCounters() *memCounters {
	return &memCounters{data: make(map[string]ratelimit.Counter)}
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

type memAnalytics struct {
	mu   sync.Mutex
	logs []analytics.LogEntry
}

func (m *memAnalytics) AppendLog(_ context.Context, e analytics.LogEntry, _ int64, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, e)
	return nil
}

func (m *memAnalytics) RecentLogs(context.Context, int64) ([]analytics.LogEntry, error) {
	return nil, nil
}
func (m *memAnalytics) AddToBucket(context.Context, int64, int64, int64, time.Duration) error {
	return nil
}
func (m *memAnalytics) PruneIndex(context.Context, int64) error { return nil }
func (m *memAnalytics) BucketsSince(context.Context, int64) ([]analytics.Bucket, error) {
	return nil, nil
}

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

func testSettings(overrides map[string]string) *sysconfig.Settings {
	kv := &memKV{data: map[string]string{}}
	for k, v := range overrides {
		kv.data[k] = v
	}
	return sysconfig.New(kv)
}

func testRecorder() *analytics.Recorder {
	return analytics.NewRecorder(&memAnalytics{}, staticCfg{})
}

type staticCfg struct{}

func (staticCfg) TrafficLogMaxEntries(context.Context) int64        { return 1000 }
func (staticCfg) TrafficLogRetention(context.Context) time.Duration { return time.Hour }
func (staticCfg) RetentionDays(context.Context) int                 { return 7 }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	})
}

func TestBodyBuffer_RestoresBodyForDownstream(t *testing.T) {
	var seen []byte
	h := BodyBuffer(64)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = BufferedBody(r)
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("hello=world"))
	h.ServeHTTP(w, r)

	if w.Body.String() != "hello=world" {
		t.Errorf("downstream body = %q", w.Body.String())
	}
	if string(seen) != "hello=world" {
		t.Errorf("buffered body = %q", seen)
	}
}

func TestBodyBuffer_RejectsOversize(t *testing.T) {
	h := BodyBuffer(8)(okHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("way past the cap"))
	h.ServeHTTP(w, r)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", w.Code)
	}
}

func TestBodyBuffer_SkipsReads(t *testing.T) {
	h := BodyBuffer(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if BufferedBody(r) != nil {
			t.Error("GET must not be buffered")
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
}

func TestAdminPathGuard(t *testing.T) {
	h := AdminPathGuard("/poormansRateLimit/api/admin")(okHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/poormansRateLimit/api/admin/rules", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("admin path on public port = %d, want 404", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/hello", nil))
	if w.Code != http.StatusOK {
		t.Errorf("ordinary path = %d, want 200", w.Code)
	}
}

func TestAntiBot_RejectsWithReasonHeader(t *testing.T) {
	v := antibot.NewValidator()
	h := AntiBot(v, testSettings(nil), testRecorder())(okHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/submit", nil)
	r.Header.Set(antibot.HeaderHoneypot, "bot@spam.com")
	h.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d", w.Code)
	}
	if got := w.Header().Get("X-Rejection-Reason"); got != antibot.ReasonHoneypot {
		t.Errorf("reason = %q", got)
	}
}

func TestAntiBot_DuplicateConflicts(t *testing.T) {
	v := antibot.NewValidator()
	h := AntiBot(v, testSettings(nil), testRecorder())(okHandler())

	r := httptest.NewRequest(http.MethodPost, "/submit", nil)
	r.Header.Set(antibot.HeaderIdempotencyKey, "order-1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	w := httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/submit", nil)
	r.Header.Set(antibot.HeaderIdempotencyKey, "order-1")
	h.ServeHTTP(w, r)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d", w.Code)
	}
	if w.Header().Get("X-Duplicate-Request") != "true" {
		t.Error("missing X-Duplicate-Request header")
	}
}

func TestAntiBot_DisabledPassesEverything(t *testing.T) {
	v := antibot.NewValidator()
	settings := testSettings(map[string]string{sysconfig.KeyAntibotEnabled: "false"})
	h := AntiBot(v, settings, testRecorder())(okHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/submit", nil)
	r.Header.Set(antibot.HeaderHoneypot, "bot@spam.com")
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want pass-through when disabled", w.Code)
	}
}

func TestAntiBot_ReadsSkipped(t *testing.T) {
	v := antibot.NewValidator()
	h := AntiBot(v, testSettings(nil), testRecorder())(okHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/anything", nil)
	r.Header.Set(antibot.HeaderHoneypot, "bot@spam.com")
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, GET must not be screened", w.Code)
	}
}

func newRateLimitChain(t *testing.T, testRules ...rules.Rule) http.Handler {
	t.Helper()
	cache := rules.NewCacheFromSlice(testRules)
	limiter := ratelimit.New(newMemCounters(), ratelimit.NewQueueAccountant())
	return NewRateLimiter(cache, limiter, testRecorder()).Handler(okHandler())
}

func TestRateLimit_BlocksAfterN(t *testing.T) {
	rule := rules.Rule{ID: uuid.New(), PathPattern: "/api/**", Active: true, AllowedRequests: 3, WindowSeconds: 15}
	h := newRateLimitChain(t, rule)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/hello", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, w.Code)
		}
	}
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/hello", nil))
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("overflow request status = %d", w.Code)
		}
		if w.Header().Get("X-RateLimit-Queued") != "" {
			t.Error("plain rejection must not carry the queued header")
		}
	}
}

func TestRateLimit_QueueDelayHeaders(t *testing.T) {
	rule := rules.Rule{
		ID: uuid.New(), PathPattern: "/api/**", Active: true,
		AllowedRequests: 1, WindowSeconds: 60,
		QueueEnabled: true, MaxQueueSize: 1, DelayPerRequestMs: 50,
	}
	h := newRateLimitChain(t, rule)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}

	// Park the second request in the queue, then probe while it waits.
	start := time.Now()
	parked := make(chan *httptest.ResponseRecorder)
	go func() {
		w2 := httptest.NewRecorder()
		h.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/api/x", nil))
		parked <- w2
	}()
	time.Sleep(10 * time.Millisecond)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("queue-full status = %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Queued") != "true" {
		t.Error("queue-full rejection must carry the queued marker")
	}

	w2 := <-parked
	if w2.Code != http.StatusOK {
		t.Fatalf("queued request status = %d", w2.Code)
	}
	if w2.Header().Get("X-RateLimit-Queued") != "true" {
		t.Error("missing queued header on delayed success")
	}
	if w2.Header().Get("X-RateLimit-Delay-Ms") != "50" {
		t.Errorf("delay header = %q", w2.Header().Get("X-RateLimit-Delay-Ms"))
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("queued request returned before its delay elapsed")
	}
}

func TestRateLimit_GlobalCeilingWins(t *testing.T) {
	generous := rules.Rule{ID: uuid.New(), PathPattern: "/api/**", Active: true, AllowedRequests: 100, WindowSeconds: 60, Priority: 1}
	ceiling := rules.Rule{ID: uuid.New(), PathPattern: "/**", Active: true, AllowedRequests: 1, WindowSeconds: 60, Priority: 2}
	h := newRateLimitChain(t, generous, ceiling)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/hello", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/hello", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("ceiling must block even when the specific rule allows, got %d", w.Code)
	}
}

func TestRateLimit_NoMatchPassesThrough(t *testing.T) {
	rule := rules.Rule{ID: uuid.New(), PathPattern: "/api/**", Active: true, AllowedRequests: 1, WindowSeconds: 60}
	h := newRateLimitChain(t, rule)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("unmatched path status = %d", w.Code)
		}
	}
}

func TestRateLimit_RuleTargetReachesContext(t *testing.T) {
	rule := rules.Rule{ID: uuid.New(), PathPattern: "/svc/**", Active: true, AllowedRequests: 10, WindowSeconds: 60, TargetURI: "http://svc:9000"}
	cache := rules.NewCacheFromSlice([]rules.Rule{rule})
	limiter := ratelimit.New(newMemCounters(), ratelimit.NewQueueAccountant())

	var target string
	h := NewRateLimiter(cache, limiter, testRecorder()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target = UpstreamTarget(r)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/svc/a", nil))

	if target != "http://svc:9000" {
		t.Errorf("target = %q", target)
	}
}
