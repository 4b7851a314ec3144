package redis

import (
	"context"
	"time"

	"github.com/turtacn/casewatch/internal/domain/casework"
)

// RuleCache shares tenant escalation rules across replicas. Writers call
// Invalidate after changing a rule; readers see the change on their next miss.
type RuleCache struct {
	cache Cache
	ttl   time.Duration
}

// NewRuleCache caches rules in cache for ttl.
func NewRuleCache(cache Cache, ttl time.Duration) *RuleCache {
	return &RuleCache{cache: cache, ttl: ttl}
}

func ruleKey(tenantID string) string { return "rule:" + tenantID }

// Get returns the cached rule for tenantID, calling load on a miss.
func (c *RuleCache) Get(ctx context.Context, tenantID string, load func(context.Context) (*casework.EscalationRule, error)) (*casework.EscalationRule, bool, error) {
	var rule casework.EscalationRule
	hit, err := c.cache.GetOrSet(ctx, ruleKey(tenantID), &rule, c.ttl, func(ctx context.Context) (interface{}, error) {
		return load(ctx)
	})
	if err != nil {
		return nil, false, err
	}
	return &rule, hit, nil
}

// Invalidate drops the cached rule for tenantID.
func (c *RuleCache) Invalidate(ctx context.Context, tenantID string) error {
	return c.cache.Delete(ctx, ruleKey(tenantID))
}
