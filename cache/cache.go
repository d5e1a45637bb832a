package cache

import (
	"container/list"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/owdns/owdns/ecs"
)

// ErrNotFound is returned on a cache miss.
var ErrNotFound = errors.New("cache: not found")

const defaultCapacity = 10000

// Cache is a strict-LRU answer cache keyed by (question, ECS scope).
// Failures never propagate to the request path: a failed lookup is a miss.
type Cache struct {
	mu sync.Mutex

	capacity int
	ll       *list.List // front is most recently used
	items    map[Key]*list.Element

	// scopes tracks the ECS prefix lengths in use per question so a
	// lookup only has to test a bounded set of candidate keys.
	scopes map[Key][]Scope

	// Testing.
	now func() time.Time
}

type lruEntry struct {
	key   Key
	entry *Entry
}

// New returns a cache bounded to capacity entries.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = defaultCapacity
	}

	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[Key]*list.Element),
		scopes:   make(map[Key][]Scope),
		now:      time.Now,
	}
}

// Get returns the freshest entry for question q visible to clientIP.
// Scoped entries are tested longest prefix first; an unscoped entry
// serves any client. Expired entries are removed opportunistically.
func (c *Cache) Get(q dns.Question, clientIP net.IP) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	qkey := NewKey(q, EmptyScope)

	if clientIP != nil {
		family := uint16(ecs.FamilyIPv4)
		if clientIP.To4() == nil {
			family = ecs.FamilyIPv6
		}

		for _, scope := range c.scopes[qkey] {
			if scope.Family != family {
				continue
			}

			candidate := qkey
			candidate.Scope = ScopeFor(clientIP, family, scope.Prefix)

			if e, ok := c.getLocked(candidate, now); ok {
				return e, true
			}
		}
	}

	return c.getLocked(qkey, now)
}

func (c *Cache) getLocked(k Key, now time.Time) (*Entry, bool) {
	el, ok := c.items[k]
	if !ok {
		return nil, false
	}

	e := el.Value.(*lruEntry).entry
	if e.Expired(now) {
		c.removeLocked(el)
		return nil, false
	}

	c.ll.MoveToFront(el)

	return e, true
}

// Put stores entry under (q, scope), replacing any previous entry for the
// same key. The eviction policy is strict LRU.
func (c *Cache) Put(q dns.Question, scope Scope, entry *Entry) {
	k := NewKey(q, scope)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[k]; ok {
		el.Value.(*lruEntry).entry = entry
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&lruEntry{key: k, entry: entry})
	c.items[k] = el

	if !scope.IsEmpty() {
		c.trackScope(k.Question(), scope)
	}

	for c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ll.Len()
}

// Capacity returns the configured entry bound.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Reset drops all entries.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.items = make(map[Key]*list.Element)
	c.scopes = make(map[Key][]Scope)
}

func (c *Cache) removeLocked(el *list.Element) {
	le := el.Value.(*lruEntry)
	c.ll.Remove(el)
	delete(c.items, le.key)

	if !le.key.Scope.IsEmpty() {
		c.untrackScope(le.key)
	}
}

func (c *Cache) trackScope(qkey Key, scope Scope) {
	probe := Scope{Family: scope.Family, Prefix: scope.Prefix}

	known := c.scopes[qkey]
	for _, s := range known {
		if s.Family == probe.Family && s.Prefix == probe.Prefix {
			return
		}
	}

	known = append(known, probe)
	sort.Slice(known, func(i, j int) bool {
		return known[i].Prefix > known[j].Prefix
	})

	c.scopes[qkey] = known
}

func (c *Cache) untrackScope(k Key) {
	qkey := k.Question()

	// Keep the prefix registered while any sibling entry still uses it.
	for key := range c.items {
		if key.Question() == qkey && key.Scope.Family == k.Scope.Family && key.Scope.Prefix == k.Scope.Prefix {
			return
		}
	}

	known := c.scopes[qkey]
	for i, s := range known {
		if s.Family == k.Scope.Family && s.Prefix == k.Scope.Prefix {
			c.scopes[qkey] = append(known[:i], known[i+1:]...)
			break
		}
	}

	if len(c.scopes[qkey]) == 0 {
		delete(c.scopes, qkey)
	}
}

// ordered returns up to max non-expired entries from most to least
// recently used. A non-positive max returns everything. The pairs are
// copied out under the lock: a Put replacing an entry must not race a
// snapshot writer reading it.
func (c *Cache) ordered(max int) []lruEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	entries := make([]lruEntry, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		le := el.Value.(*lruEntry)
		if le.entry.Expired(now) {
			continue
		}

		entries = append(entries, *le)
		if max > 0 && len(entries) >= max {
			break
		}
	}

	return entries
}
