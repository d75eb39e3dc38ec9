package rules

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu    sync.Mutex
	rules map[uuid.UUID]Rule
}

func newMemStore(rs ...Rule) *memStore {
	m := &memStore{rules: make(map[uuid.UUID]Rule)}
	for _, r := range rs {
		m.rules[r.ID] = r
	}
	return m
}

func (m *memStore) FindAll(context.Context) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (m *memStore) FindActive(ctx context.Context) ([]Rule, error) {
	all, _ := m.FindAll(ctx)
	active := all[:0]
	for _, r := range all {
		if r.Active {
			active = append(active, r)
		}
	}
	return active, nil
}

func (m *memStore) FindByID(_ context.Context, id uuid.UUID) (*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[id]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *memStore) Save(_ context.Context, rule Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

func (m *memStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, id)
	return nil
}

func rule(pattern string, prio int) Rule {
	return Rule{ID: uuid.New(), PathPattern: pattern, Active: true, Priority: prio, AllowedRequests: 10, WindowSeconds: 60}
}

func TestCache_MatchPartitionsSpecificBeforeGlobal(t *testing.T) {
	global := rule("/**", 0)
	specific := rule("/api/**", 5)
	store := newMemStore(global, specific)

	c := NewCache(store)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := c.Match("/api/hello", "GET", "localhost")
	if len(got) != 2 {
		t.Fatalf("want 2 matches, got %d", len(got))
	}
	if got[0].ID != specific.ID {
		t.Error("specific rule must be evaluated first")
	}
	if got[1].ID != global.ID {
		t.Error("global rule must be evaluated last")
	}
}

func TestCache_MatchPriorityOrderWithinPartition(t *testing.T) {
	later := rule("/api/**", 10)
	first := rule("/api/hello", 1)
	store := newMemStore(later, first)

	c := NewCache(store)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := c.Match("/api/hello", "GET", "")
	if len(got) != 2 || got[0].ID != first.ID {
		t.Fatalf("lower priority number must come first: %+v", got)
	}
}

func TestCache_InactiveRulesExcluded(t *testing.T) {
	r := rule("/api/**", 1)
	r.Active = false
	c := NewCache(newMemStore(r))
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(c.Match("/api/x", "GET", "")); n != 0 {
		t.Fatalf("inactive rule matched: %d", n)
	}
}

func TestCache_NoMatchMeansEmpty(t *testing.T) {
	c := NewCache(newMemStore(rule("/api/**", 1)))
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(c.Match("/static/img.png", "GET", "")); n != 0 {
		t.Fatalf("unexpected match: %d", n)
	}
}

func TestCache_MethodAndHostPredicates(t *testing.T) {
	r := rule("/api/**", 1)
	r.Methods = "POST"
	r.Hosts = "*.example.com"
	c := NewCache(newMemStore(r))
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(c.Match("/api/x", "GET", "api.example.com")) != 0 {
		t.Error("method predicate should exclude GET")
	}
	if len(c.Match("/api/x", "POST", "other.org")) != 0 {
		t.Error("host predicate should exclude other.org")
	}
	if len(c.Match("/api/x", "POST", "api.example.com")) != 1 {
		t.Error("rule should match POST on api.example.com")
	}
	if len(c.Match("/api/x", "POST", "api.example.com:8080")) != 1 {
		t.Error("a port in the Host header must not defeat the host predicate")
	}
	if len(c.Match("/api/x", "POST", "other.org:8080")) != 0 {
		t.Error("host predicate should still exclude other.org with a port")
	}
}
