// Package dedup prevents the same navigation from being processed twice in
// one session. The guard is an in-memory LRU keyed by full page URL with a
// TTL, so a long-lived agent eventually re-evaluates genuinely revisited
// pages without ever double-counting a single visit.
package dedup

import (
	"container/list"
	"sync"
	"time"
)

// Guard is a TTL'd LRU set of already-evaluated URLs.
type Guard struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	lru     *list.List

	now func() time.Time // test hook
}

type entry struct {
	url       string
	expiresAt time.Time
}

// NewGuard creates a guard holding at most maxSize URLs for ttl each.
func NewGuard(maxSize int, ttl time.Duration) *Guard {
	return &Guard{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		now:     time.Now,
	}
}

// MarkIfNew records the URL and reports true when it had not been seen (or
// its marker had expired). A false return means the navigation was already
// processed and must be skipped.
func (g *Guard) MarkIfNew(url string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if elem, ok := g.items[url]; ok {
		e := elem.Value.(*entry)
		if g.now().Before(e.expiresAt) {
			g.lru.MoveToFront(elem)
			return false
		}
		g.removeElement(elem)
	}

	elem := g.lru.PushFront(&entry{url: url, expiresAt: g.now().Add(g.ttl)})
	g.items[url] = elem

	for g.lru.Len() > g.maxSize {
		if oldest := g.lru.Back(); oldest != nil {
			g.removeElement(oldest)
		}
	}
	return true
}

// Seen reports whether the URL currently has an unexpired marker.
func (g *Guard) Seen(url string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	elem, ok := g.items[url]
	if !ok {
		return false
	}
	if !g.now().Before(elem.Value.(*entry).expiresAt) {
		g.removeElement(elem)
		return false
	}
	return true
}

// Forget drops the marker for a URL, forcing re-evaluation on next sight.
func (g *Guard) Forget(url string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if elem, ok := g.items[url]; ok {
		g.removeElement(elem)
	}
}

// Size returns the number of tracked URLs, expired markers included.
func (g *Guard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lru.Len()
}

func (g *Guard) removeElement(elem *list.Element) {
	delete(g.items, elem.Value.(*entry).url)
	g.lru.Remove(elem)
}
