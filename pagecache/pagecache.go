// Package pagecache is the content-addressed page cache: pages keyed by
// (backing object, page index) rather than biscuit's fixed disk-block
// number, generalizing fs.Bdev_block_t (the cached-block-with-backref
// shape: a mutex, a physical page, a dirty flag, a release callback) and
// fs.BlkList_t's container/list-backed intrusive list (here used for both
// the LRU and dirty sets) to spec §4.5's arbitrary-key cache.
package pagecache

import (
	"container/list"
	"sync"

	"gokernel/defs"
	"gokernel/hashtable"
	"gokernel/pmm"
)

// Key identifies a cached page by the identity of its backing object
// (typically a pointer to an inode or block device, boxed as uintptr so
// unrelated backing types can share one cache) and a page-aligned index
// into it.
type Key struct {
	Obj   uintptr
	Index int
}

// Page is one cached page: its physical frame, dirty state, and the
// bookkeeping needed to find it again in the LRU and dirty lists.
type Page struct {
	sync.Mutex
	key      Key
	Pa       pmm.Pa_t
	Data     *pmm.Bytepg_t
	dirty    bool
	pinned   int // vmmap shared mappings pin pages so eviction must wait
	lruElem  *list.Element
	dirtElem *list.Element
}

// Key returns the page's cache key.
func (p *Page) Key() Key { return p.key }

// Dirty reports whether the page has unwritten modifications.
func (p *Page) Dirty() bool {
	p.Lock()
	defer p.Unlock()
	return p.dirty
}

// FillFunc populates a freshly allocated page's backing memory — e.g. a
// block device read or zero-fill — and is called with the cache's own lock
// released so it may block.
type FillFunc func(data *pmm.Bytepg_t) defs.Err_t

// WritebackFunc persists a dirty page's contents, e.g. to a block device.
type WritebackFunc func(key Key, data *pmm.Bytepg_t) defs.Err_t

// Cache is a bounded pool of cached pages shared by every object that maps
// through it (the page cache named in spec §4.5). Instances are
// independent: each fsiface.RegularFile creates its own, so maxPages bounds
// one instance only and there is no single kernel-wide cache or bound.
type Cache struct {
	mu       sync.Mutex
	table    *hashtable.Hashtable_t
	lru      *list.List // least-recently-used order, front = most recent
	dirty    *list.List
	phys     *pmm.Buddy_t
	maxPages int
	npages   int
}

// New creates a cache backed by phys that holds at most maxPages frames
// before evicting.
func New(phys *pmm.Buddy_t, maxPages int) *Cache {
	return &Cache{
		table:    hashtable.MkHash(1024),
		lru:      list.New(),
		dirty:    list.New(),
		phys:     phys,
		maxPages: maxPages,
	}
}

// Get returns the cached page for key, calling fill to populate a freshly
// allocated page on a miss. The returned page is locked by the caller
// through its own mutex, not the cache's — callers must not hold it across
// a blocking operation without considering the §5 lock order (page-cache
// lock before frame-allocator lock, never the reverse).
func (c *Cache) Get(key Key, fill FillFunc) (*Page, defs.Err_t) {
	c.mu.Lock()
	if v, ok := c.table.Get(key); ok {
		pg := v.(*Page)
		c.touchLocked(pg)
		c.mu.Unlock()
		return pg, 0
	}
	c.mu.Unlock()

	pg, p_pg, ok := c.phys.Refpg_new_nozero()
	if !ok {
		return nil, -defs.ENOMEM
	}
	// the cache holds its own reference on the frame for as long as the
	// item lives; eviction drops it. A mapping installed over the same
	// frame takes an additional reference of its own.
	c.phys.Refup(p_pg)
	data := pmm.Pg2bytes(pg)
	if fill != nil {
		if err := fill(data); err != 0 {
			c.phys.Refdown(p_pg)
			return nil, err
		}
	}

	np := &Page{key: key, Pa: p_pg, Data: data}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.table.Get(key); ok {
		// another thread filled the same page first; use theirs.
		c.phys.Refdown(p_pg)
		existing := v.(*Page)
		c.touchLocked(existing)
		return existing, 0
	}
	c.table.Set(key, np)
	np.lruElem = c.lru.PushFront(np)
	c.npages++
	c.evictLocked()
	return np, 0
}

func (c *Cache) touchLocked(pg *Page) {
	c.lru.MoveToFront(pg.lruElem)
}

// MarkDirty records that a page has been modified and must be written back
// before it can be evicted.
func (c *Cache) MarkDirty(pg *Page) {
	pg.Lock()
	already := pg.dirty
	pg.dirty = true
	pg.Unlock()
	if already {
		return
	}
	c.mu.Lock()
	pg.dirtElem = c.dirty.PushBack(pg)
	c.mu.Unlock()
}

// MarkClean drops a page's dirty state without writing it back, for a
// caller that discarded the content or already persisted it through
// another path. The page becomes evictable again.
func (c *Cache) MarkClean(pg *Page) {
	pg.Lock()
	pg.dirty = false
	pg.Unlock()
	c.mu.Lock()
	if pg.dirtElem != nil {
		c.dirty.Remove(pg.dirtElem)
		pg.dirtElem = nil
	}
	c.mu.Unlock()
}

// Peek returns the cached page for key without filling a miss.
func (c *Cache) Peek(key Key) (*Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.table.Get(key); ok {
		pg := v.(*Page)
		c.touchLocked(pg)
		return pg, true
	}
	return nil, false
}

// Pin prevents a page from being evicted, for the duration a vmmap shared
// file-backed mapping references its frame directly (fdops.Unpin_i is the
// caller's release side of this contract).
func (c *Cache) Pin(pg *Page) {
	pg.Lock()
	pg.pinned++
	pg.Unlock()
}

// Unpin releases a pin taken by Pin.
func (c *Cache) Unpin(pg *Page) {
	pg.Lock()
	if pg.pinned == 0 {
		panic("pagecache: unpin without pin")
	}
	pg.pinned--
	pg.Unlock()
}

// Flush writes a dirty page back via wb and clears its dirty bit.
func (c *Cache) Flush(pg *Page, wb WritebackFunc) defs.Err_t {
	pg.Lock()
	if !pg.dirty {
		pg.Unlock()
		return 0
	}
	pg.Unlock()

	if err := wb(pg.key, pg.Data); err != 0 {
		return err
	}

	pg.Lock()
	pg.dirty = false
	pg.Unlock()
	c.mu.Lock()
	if pg.dirtElem != nil {
		c.dirty.Remove(pg.dirtElem)
		pg.dirtElem = nil
	}
	c.mu.Unlock()
	return 0
}

// FlushAll writes back every dirty page, e.g. for sync() or unmount.
func (c *Cache) FlushAll(wb WritebackFunc) defs.Err_t {
	c.mu.Lock()
	pages := make([]*Page, 0, c.dirty.Len())
	for e := c.dirty.Front(); e != nil; e = e.Next() {
		pages = append(pages, e.Value.(*Page))
	}
	c.mu.Unlock()

	for _, pg := range pages {
		if err := c.Flush(pg, wb); err != 0 {
			return err
		}
	}
	return 0
}

// evictLocked drops least-recently-used clean, unpinned pages until the
// cache is back within maxPages. Dirty pages are never evicted here —
// callers are expected to flush periodically (spec §4.5 names write-back
// policy as a collaborator's concern, not the cache's).
func (c *Cache) evictLocked() {
	if c.maxPages <= 0 {
		return
	}
	e := c.lru.Back()
	for c.npages > c.maxPages && e != nil {
		prev := e.Prev()
		pg := e.Value.(*Page)
		pg.Lock()
		evictable := !pg.dirty && pg.pinned == 0
		pg.Unlock()
		if evictable {
			c.table.Del(pg.key)
			c.lru.Remove(e)
			c.phys.Refdown(pg.Pa)
			c.npages--
		}
		e = prev
	}
}

// Size reports the number of pages currently cached.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.npages
}
