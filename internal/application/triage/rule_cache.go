package triage

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domain "github.com/turtacn/casewatch/internal/domain/casework"
)

// RuleCache holds tenant rules for a bounded time. It is advisory: evicting
// an entry at any moment must not change triage decisions.
type RuleCache interface {
	// Get reports hit when the rule was served from the cache. A caller that
	// waited on another caller's load is not a hit.
	Get(ctx context.Context, tenantID string, load func(context.Context) (*domain.EscalationRule, error)) (rule *domain.EscalationRule, hit bool, err error)
	Invalidate(ctx context.Context, tenantID string) error
}

// DefaultRuleCacheTTL bounds how long a rule change may go unnoticed when
// the writer cannot invalidate.
const DefaultRuleCacheTTL = time.Hour

type ruleEntry struct {
	rule    domain.EscalationRule
	expires time.Time
}

// MemoryRuleCache is a per-process RuleCache.
type MemoryRuleCache struct {
	mu      sync.RWMutex
	entries map[string]ruleEntry
	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group
}

// NewMemoryRuleCache caches rules for ttl, or DefaultRuleCacheTTL when ttl
// is not positive.
func NewMemoryRuleCache(ttl time.Duration) *MemoryRuleCache {
	if ttl <= 0 {
		ttl = DefaultRuleCacheTTL
	}
	return &MemoryRuleCache{
		entries: make(map[string]ruleEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryRuleCache) Get(ctx context.Context, tenantID string, load func(context.Context) (*domain.EscalationRule, error)) (*domain.EscalationRule, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		rule := e.rule
		return &rule, true, nil
	}

	v, err, _ := c.group.Do(tenantID, func() (interface{}, error) {
		rule, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[tenantID] = ruleEntry{rule: *rule, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return *rule, nil
	})
	if err != nil {
		return nil, false, err
	}
	rule := v.(domain.EscalationRule)
	return &rule, false, nil
}

func (c *MemoryRuleCache) Invalidate(_ context.Context, tenantID string) error {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
	return nil
}

// Len reports the number of cached tenants, expired entries included.
func (c *MemoryRuleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
