package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/dal"
)

func TestHotTierEvictsLeastRecentlyUsedWithinBudget(t *testing.T) {
	h := newHotTier(100)
	now := time.Now()
	put := func(tenant, key string) bool {
		return h.put(tenant, &hotEntry{key: key, kind: dal.KindProduct, raw: make([]byte, 20), expires: now.Add(time.Minute)}, h.token(tenant))
	}
	for i := 0; i < 4; i++ {
		require.True(t, put("a", fmt.Sprintf("k%d", i)))
	}
	_, ok := h.get("a", "k0", now)
	require.True(t, ok)

	require.True(t, put("a", "k4"))
	entries, bytes := h.usage("a")
	require.LessOrEqual(t, bytes, 100)
	require.Equal(t, 4, entries)
	_, ok = h.get("a", "k1", now)
	require.False(t, ok, "k1 was least recently used")
	_, ok = h.get("a", "k0", now)
	require.True(t, ok)

	// Budgets are per tenant.
	require.True(t, put("b", "k0"))
	entries, _ = h.usage("a")
	require.Equal(t, 4, entries)
}

func TestHotTierRejectsPutAfterInvalidation(t *testing.T) {
	h := newHotTier(1 << 10)
	now := time.Now()
	tok := h.token("a")
	h.invalidate("a", dal.KindProduct, "product:p1")
	require.False(t, h.put("a", &hotEntry{key: "product:p1", raw: []byte("x"), expires: now.Add(time.Minute)}, tok))

	tok = h.token("a")
	h.clear()
	require.False(t, h.put("a", &hotEntry{key: "product:p1", raw: []byte("x"), expires: now.Add(time.Minute)}, tok))
}

func TestHotTierExpires(t *testing.T) {
	h := newHotTier(1 << 10)
	now := time.Now()
	require.True(t, h.put("a", &hotEntry{key: "k", raw: []byte("x"), expires: now.Add(time.Second)}, h.token("a")))
	_, ok := h.get("a", "k", now.Add(2*time.Second))
	require.False(t, ok)
	require.True(t, h.put("a", &hotEntry{key: "k", raw: []byte("way too large for the budget"), expires: now.Add(time.Second)}, h.token("a")))
	big := make([]byte, 2<<10)
	require.False(t, h.put("a", &hotEntry{key: "big", raw: big, expires: now.Add(time.Second)}, h.token("a")))
}
