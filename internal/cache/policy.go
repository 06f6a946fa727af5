// Package cache is the tenant-partitioned read-through cache. A process-local
// hot tier sits in front of a shared Redis tier; entries are stamped with
// generation counters so invalidated or stale values are never served.
package cache

import (
	"time"

	"github.com/tillpoint/tillpoint/internal/dal"
)

// Class is the cache eligibility of an entity kind.
type Class int

const (
	// Live kinds are never cached.
	Live Class = iota
	// SemiDynamic kinds use a short TTL plus event invalidation.
	SemiDynamic
	// Static kinds change rarely and use a long TTL.
	Static
)

func (c Class) String() string {
	switch c {
	case Static:
		return "static"
	case SemiDynamic:
		return "semi_dynamic"
	default:
		return "live"
	}
}

// Policy classifies kinds. Unknown kinds are Live.
type Policy struct {
	classes map[dal.Kind]Class
	ttl     map[Class]time.Duration
}

// DefaultPolicy returns the classification used by the shop.
func DefaultPolicy(staticTTL, semiDynamicTTL time.Duration) Policy {
	if staticTTL <= 0 {
		staticTTL = time.Hour
	}
	if semiDynamicTTL <= 0 {
		semiDynamicTTL = time.Minute
	}
	return Policy{
		classes: map[dal.Kind]Class{
			dal.KindCategory:       Static,
			dal.KindTenantSettings: Static,
			dal.KindProduct:        SemiDynamic,
			dal.KindOrder:          Live,
			dal.KindStockLevel:     Live,
			dal.KindInventoryTx:    Live,
		},
		ttl: map[Class]time.Duration{
			Static:      staticTTL,
			SemiDynamic: semiDynamicTTL,
		},
	}
}

// Class returns the class of kind.
func (p Policy) Class(kind dal.Kind) Class {
	if c, ok := p.classes[kind]; ok {
		return c
	}
	return Live
}

// TTL returns the shared tier TTL for kind; zero for Live kinds.
func (p Policy) TTL(kind dal.Kind) time.Duration {
	return p.ttl[p.Class(kind)]
}
