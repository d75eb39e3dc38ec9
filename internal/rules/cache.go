package rules

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Cache holds a published snapshot of the active rules, replaced wholesale
// on refresh. Readers keep the snapshot they grabbed for the duration of a
// request.
type Cache struct {
	store    Store
	snapshot atomic.Pointer[[]Rule]
}

func NewCache(store Store) *Cache {
	c := &Cache{store: store}
	empty := []Rule{}
	c.snapshot.Store(&empty)
	return c
}

// NewCacheFromSlice seeds a cache with a fixed rule set, no store
// behind it. Inactive rules are dropped and the rest sorted by
// priority, the same shape a Refresh would publish.
func NewCacheFromSlice(in []Rule) *Cache {
	active := make([]Rule, 0, len(in))
	for _, r := range in {
		if r.Active {
			active = append(active, r)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Priority < active[j].Priority })
	c := &Cache{}
	c.snapshot.Store(&active)
	return c
}

// Refresh reloads active rules from the store, sorted by priority.
func (c *Cache) Refresh(ctx context.Context) error {
	active, err := c.store.FindActive(ctx)
	if err != nil {
		return err
	}
	c.snapshot.Store(&active)
	log.Info().Int("rules", len(active)).Msg("rate limit rules loaded")
	return nil
}

// Active returns the current snapshot. Callers must not mutate it.
func (c *Cache) Active() []Rule {
	return *c.snapshot.Load()
}

// ActiveCount returns the number of rules in the current snapshot.
func (c *Cache) ActiveCount() int {
	return len(c.Active())
}

// Match returns the rules to evaluate for a request: specific matches
// first, then global (/**) matches, each partition in priority order.
// An empty result means no rule enforces the request.
func (c *Cache) Match(path, method, host string) []Rule {
	active := c.Active()
	var specific, global []Rule
	for _, r := range active {
		if !r.Matches(path, method, host) {
			continue
		}
		if r.IsGlobal() {
			global = append(global, r)
		} else {
			specific = append(specific, r)
		}
	}
	if len(global) == 0 {
		return specific
	}
	return append(specific, global...)
}

// GlobalTarget returns the target URI of the first matching global rule
// that routes somewhere, or "".
func (c *Cache) GlobalTarget() string {
	for _, r := range c.Active() {
		if r.IsGlobal() && r.TargetURI != "" {
			return r.TargetURI
		}
	}
	return ""
}
