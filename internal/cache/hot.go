package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/tillpoint/tillpoint/internal/dal"
)

// hotTier is a per-tenant LRU bounded by a byte budget. Every invalidation
// bumps a version; a put is accepted only if the version it observed before
// loading is still current.
type hotTier struct {
	mu       sync.Mutex
	budget   int
	parts    map[string]*partition
	versions map[string]uint64
	global   uint64
}

type partition struct {
	ll    *list.List
	items map[string]*list.Element
	bytes int
}

type hotEntry struct {
	key     string
	kind    dal.Kind
	query   bool
	raw     []byte
	stamp   Stamp
	expires time.Time
}

type hotToken struct {
	global uint64
	tenant uint64
}

func newHotTier(budget int) *hotTier {
	return &hotTier{budget: budget, parts: make(map[string]*partition), versions: make(map[string]uint64)}
}

func (h *hotTier) token(tenant string) hotToken {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hotToken{global: h.global, tenant: h.versions[tenant]}
}

// get returns a copy of the entry. Callers must still check its stamp
// against the shared counters before serving it.
func (h *hotTier) get(tenant, key string, now time.Time) (hotEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.parts[tenant]
	if !ok {
		return hotEntry{}, false
	}
	el, ok := p.items[key]
	if !ok {
		return hotEntry{}, false
	}
	e := el.Value.(*hotEntry)
	if now.After(e.expires) {
		p.remove(el)
		return hotEntry{}, false
	}
	p.ll.MoveToFront(el)
	return *e, true
}

// drop removes one entry whose stamp went stale.
func (h *hotTier) drop(tenant, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.parts[tenant]; ok {
		if el, ok := p.items[key]; ok {
			p.remove(el)
		}
	}
}

func (h *hotTier) put(tenant string, e *hotEntry, tok hotToken) bool {
	size := len(e.key) + len(e.raw)
	if h.budget <= 0 || size > h.budget {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if tok.global != h.global || tok.tenant != h.versions[tenant] {
		return false
	}
	p, ok := h.parts[tenant]
	if !ok {
		p = &partition{ll: list.New(), items: make(map[string]*list.Element)}
		h.parts[tenant] = p
	}
	if el, ok := p.items[e.key]; ok {
		p.remove(el)
	}
	p.items[e.key] = p.ll.PushFront(e)
	p.bytes += size
	for p.bytes > h.budget {
		p.remove(p.ll.Back())
	}
	return true
}

func (p *partition) remove(el *list.Element) {
	e := el.Value.(*hotEntry)
	p.ll.Remove(el)
	delete(p.items, e.key)
	p.bytes -= len(e.key) + len(e.raw)
}

// invalidate drops the entity entry and every listing of kind.
func (h *hotTier) invalidate(tenant string, kind dal.Kind, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.versions[tenant]++
	p, ok := h.parts[tenant]
	if !ok {
		return
	}
	if el, ok := p.items[key]; ok {
		p.remove(el)
	}
	for el := p.ll.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*hotEntry); e.query && e.kind == kind {
			p.remove(el)
		}
		el = next
	}
}

func (h *hotTier) dropTenant(tenant string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.versions[tenant]++
	delete(h.parts, tenant)
}

func (h *hotTier) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.global++
	h.parts = make(map[string]*partition)
}

func (h *hotTier) usage(tenant string) (entries, bytes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.parts[tenant]
	if !ok {
		return 0, 0
	}
	return p.ll.Len(), p.bytes
}
