/*
 Copyright 2023 NanaFS Authors.

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package dcache

import (
	"container/list"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/basenana/vfscache/config"
	"github.com/basenana/vfscache/pkg/driver"
	"github.com/basenana/vfscache/pkg/types"
	"github.com/basenana/vfscache/utils/logger"
)

// Instance owns one dentry/object cache: the name hash table, the object
// table, the unused-entry LRU and all counters. Nothing here is global;
// embedders create as many instances as they mount filesystems and thread
// the handle through every operation.
//
// Lock order, outermost first:
//
//	renameMu > mu > entry.mu > omu > object.mu > lruMu
type Instance struct {
	id  string
	cfg config.Cache
	drv driver.Driver

	cmp        driver.NameComparer
	hasher     driver.NameHasher
	veto       driver.DeleteVetoer
	unusedVeto driver.UnusedVetoer
	bindNotify driver.BindNotifier
	negCheck   driver.NegativeRevalidator

	log *zap.SugaredLogger

	mu      sync.RWMutex
	buckets []*Entry
	mask    uint64
	shift   uint

	renameMu  sync.Mutex
	renameSeq atomic.Uint64

	lruMu    sync.Mutex
	lru      *list.List
	nrUnused atomic.Int64

	omu     sync.Mutex
	objects map[uint64]*Object

	root      *Entry
	mountedAt *Entry

	nextEntryID atomic.Uint64
	nrEntries   atomic.Int64
	nrNegative  atomic.Int64
	nrObjects   atomic.Int64

	lookups    atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
	evicted    atomic.Int64
	renames    atomic.Int64
	populates  atomic.Int64
	seqRetries atomic.Int64

	populateG singleflight.Group
	paths     *pathIndex

	// umountMu excludes the shrinker from an instance being torn down.
	// Distinct from mu: teardown holds it for its whole run, shrink passes
	// only TryLock it.
	umountMu sync.Mutex
	tornDown atomic.Bool
}

// NewInstance builds an instance over the given driver. The returned
// instance has a pinned root entry named "/" whose parent is itself; the
// root is never evicted and never moved.
func NewInstance(cfg config.Cache, drv driver.Driver) (*Instance, error) {
	wrapped := config.Config{Cache: cfg}
	if err := config.Verify(&wrapped); err != nil {
		return nil, err
	}
	cfg = wrapped.Cache

	i := &Instance{
		id:      uuid.New().String(),
		cfg:     cfg,
		drv:     drv,
		buckets: make([]*Entry, 1<<cfg.TableSizeBits),
		mask:    uint64(1<<cfg.TableSizeBits) - 1,
		shift:   64 - cfg.TableSizeBits,
		lru:     list.New(),
		objects: map[uint64]*Object{},
	}
	i.log = logger.NewLogger("cacheInstance").With(zap.String("instance", shortID(i.id)))

	if c, ok := drv.(driver.NameComparer); ok {
		i.cmp = c
	}
	if h, ok := drv.(driver.NameHasher); ok {
		i.hasher = h
	}
	if v, ok := drv.(driver.DeleteVetoer); ok {
		i.veto = v
	}
	if v, ok := drv.(driver.UnusedVetoer); ok {
		i.unusedVeto = v
	}
	if n, ok := drv.(driver.BindNotifier); ok {
		i.bindNotify = n
	}
	if r, ok := drv.(driver.NegativeRevalidator); ok {
		i.negCheck = r
	}

	root := &Entry{
		id:   i.nextEntryID.Add(1),
		name: "/",
		refs: 1,
	}
	root.parent = root
	root.hash = i.hashName(root.id, root.name)
	i.root = root
	i.nrEntries.Add(1)

	i.paths = newPathIndex(cfg.PathCacheSize)

	i.log.Infow("cache instance ready",
		"buckets", len(i.buckets), "maxEntries", cfg.MaxEntries, "negativeEntries", cfg.NegativeEntries)
	return i, nil
}

// ID is the instance identity used in logs, metrics and the registry.
func (i *Instance) ID() string {
	return i.id
}

// Root returns the pinned root entry. Callers do not release it.
func (i *Instance) Root() *Entry {
	return i.root
}

// SetMountPoint links this instance under an entry of a parent instance,
// letting PathOf cross the mount boundary upward.
func (i *Instance) SetMountPoint(e *Entry) {
	i.mu.Lock()
	i.mountedAt = e
	i.mu.Unlock()
	i.paths.bumpGeneration()
}

// Stats samples the instance counters.
func (i *Instance) Stats() types.CacheStat {
	stat := types.CacheStat{
		Instance:        i.id,
		Entries:         i.nrEntries.Load(),
		NegativeEntries: i.nrNegative.Load(),
		UnusedEntries:   i.nrUnused.Load(),
		Objects:         i.nrObjects.Load(),
		Lookups:         i.lookups.Load(),
		Hits:            i.hits.Load(),
		Misses:          i.misses.Load(),
		Evicted:         i.evicted.Load(),
		Renames:         i.renames.Load(),
		Populates:       i.populates.Load(),
		SeqRetries:      i.seqRetries.Load(),
	}
	updateInstanceGauges(shortID(i.id), stat)
	return stat
}

// readSeqBegin samples the rename sequence, spinning past an in-flight
// rename (odd value).
func (i *Instance) readSeqBegin() uint64 {
	for {
		seq := i.renameSeq.Load()
		if seq&1 == 0 {
			return seq
		}
		runtime.Gosched()
	}
}

// readSeqRetry reports whether a rename committed since readSeqBegin.
func (i *Instance) readSeqRetry(seq uint64) bool {
	return i.renameSeq.Load() != seq
}

func (i *Instance) writeSeqBegin() {
	i.renameSeq.Add(1)
}

func (i *Instance) writeSeqEnd() {
	i.renameSeq.Add(1)
}

// Teardown unmounts the instance: it detaches the root unconditionally and
// tears the whole tree down depth-first. Every entry must be unused by now;
// a live reference here is a caller bug and aborts. New lookups racing a
// teardown are also caller bugs, but the shrinker is excluded properly via
// umountMu.
func (i *Instance) Teardown() error {
	i.umountMu.Lock()
	defer i.umountMu.Unlock()
	if !i.tornDown.CompareAndSwap(false, true) {
		return types.ErrUnsupported
	}
	defer logger.CostLog(i.log, "instance teardown")()

	i.mu.Lock()
	defer i.mu.Unlock()

	// The LRU is not consulted: the tree walk below visits every entry.
	i.lruMu.Lock()
	i.lru.Init()
	i.nrUnused.Store(0)
	i.lruMu.Unlock()

	stack := []*Entry{i.root}
	for len(stack) > 0 {
		e := stack[len(stack)-1]

		if e.children != nil && e.children.Len() > 0 {
			e.children.Ascend(func(c *Entry) bool {
				stack = append(stack, c)
				return true
			})
			e.children.Clear(false)
			continue
		}
		stack = stack[:len(stack)-1]

		e.mu.Lock()
		expected := int64(0)
		if e == i.root {
			expected = 1 // the instance pin
		}
		if e.refs != expected {
			i.log.Panicw("teardown found referenced entry",
				"entry", e.id, "name", e.name, "refs", e.refs)
		}
		e.beingFreed = true
		i.unhashEntryLocked(e)
		obj := e.object
		e.object = nil
		e.mu.Unlock()

		if obj != nil {
			obj.mu.Lock()
			obj.removeAliasLocked(e)
			obj.mu.Unlock()
			i.ReleaseObject(obj)
		} else if e.negCounted {
			e.negCounted = false
			i.nrNegative.Add(-1)
		}
		i.nrEntries.Add(-1)

		// Children pin their parent; give the pin back as each child dies
		// so the parent's own count reaches zero by the time it is popped.
		if e != i.root && e.parent != e {
			p := e.parent
			p.mu.Lock()
			p.refs--
			p.mu.Unlock()
		}
	}

	if got := i.nrEntries.Load(); got != 0 {
		i.log.Panicw("teardown entry accounting mismatch", "remaining", got)
	}
	if got := i.nrObjects.Load(); got != 0 {
		i.log.Panicw("teardown left live objects", "remaining", got)
	}
	i.log.Infow("instance torn down")
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
