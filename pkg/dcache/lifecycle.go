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
	"time"

	"github.com/basenana/vfscache/pkg/types"
)

// CreateNegative allocates a hashed negative entry for name under parent
// and returns it with one reference. Fails with types.ErrIsExist when the
// name is already cached, and with types.ErrNoSpace when the instance is at
// capacity and nothing could be reclaimed.
func (i *Instance) CreateNegative(parent *Entry, name string) (*Entry, error) {
	defer logOperationLatency("create_negative", time.Now())
	if err := i.checkParent(parent); err != nil {
		return nil, logOperationError("create_negative", err)
	}
	if err := i.ensureCapacity(); err != nil {
		return nil, logOperationError("create_negative", err)
	}

	h := i.hashName(parent.id, name)

	i.mu.Lock()
	defer i.mu.Unlock()
	if existing := i.scanBucketRLocked(parent, name, h); existing != nil {
		return nil, logOperationError("create_negative", types.ErrIsExist)
	}

	e := i.allocEntryLocked(parent, name, h)
	e.mu.Lock()
	e.negCounted = true
	i.hashEntryLocked(e)
	e.mu.Unlock()
	i.nrNegative.Add(1)
	return e, nil
}

// allocEntryLocked builds an unhashed entry under parent with one reference
// for the caller, linked into the parent's child index and pinning the
// parent. Caller holds the instance write lock.
func (i *Instance) allocEntryLocked(parent *Entry, name string, nameHash uint64) *Entry {
	e := &Entry{
		id:     i.nextEntryID.Add(1),
		name:   name,
		hash:   nameHash,
		refs:   1,
		parent: parent,
		// Instantiation counts as a touch: a populate-then-release entry
		// earns the same reprieve a fresh hit does.
		referenced: true,
	}
	parent.mu.Lock()
	parent.refs++
	parent.mu.Unlock()
	attachChildLocked(parent, e)
	i.nrEntries.Add(1)
	return e
}

// Bind promotes a negative entry to positive, taking over one reference on
// o. Unhashed entries are hashed as part of the promotion so later lookups
// see the binding. Binding an already-positive entry is a logic bug.
func (i *Instance) Bind(e *Entry, o *Object) {
	defer logOperationLatency("bind", time.Now())
	i.mu.Lock()
	i.bindLocked(e, o)
	i.mu.Unlock()

	if i.bindNotify != nil {
		i.bindNotify.EntryInstantiated(o.ID(), e.Name())
	}
}

func (i *Instance) bindLocked(e *Entry, o *Object) {
	if o.IsDir() {
		if a := i.connectedAliasLocked(o); a != nil && a != e {
			i.log.Panicw("directory object already has a connected alias",
				"object", o.id, "alias", a.id, "entry", e.id)
		}
	}

	e.mu.Lock()
	if e.object != nil {
		i.log.Panicw("bind on positive entry", "entry", e.id, "name", e.name)
	}
	e.object = o
	o.mu.Lock()
	o.addAliasLocked(e)
	o.mu.Unlock()
	if e.negCounted {
		e.negCounted = false
		i.nrNegative.Add(-1)
	}
	if !e.hashed && !e.disconnected && !e.beingFreed && e != i.root {
		i.hashEntryLocked(e)
	}
	e.mu.Unlock()
}

// connectedAliasLocked returns any live, non-disconnected alias of o.
// Caller holds the instance write lock, which freezes alias identity.
func (i *Instance) connectedAliasLocked(o *Object) *Entry {
	o.mu.Lock()
	snapshot := append([]*Entry(nil), o.aliases...)
	o.mu.Unlock()
	for _, a := range snapshot {
		a.mu.Lock()
		ok := a.object == o && !a.beingFreed && !a.disconnected
		a.mu.Unlock()
		if ok {
			return a
		}
	}
	return nil
}

// BindUnique is Bind with duplicate suppression: when o already has an
// unhashed alias for the same (parent, name), that alias is revived,
// rehashed and returned with a reference, and one reference on o is
// released. Otherwise e is bound and returned. Either way the caller keeps
// its reference on e and must still release it.
func (i *Instance) BindUnique(e *Entry, o *Object) *Entry {
	defer logOperationLatency("bind_unique", time.Now())

	i.mu.Lock()
	o.mu.Lock()
	snapshot := append([]*Entry(nil), o.aliases...)
	o.mu.Unlock()

	for _, a := range snapshot {
		if a == e {
			continue
		}
		a.mu.Lock()
		match := a.object == o && !a.beingFreed && !a.hashed && !a.disconnected &&
			a.parent == e.parent && a.hash == e.hash &&
			i.sameName(e.parent.id, a.name, e.name)
		if match {
			i.grabLocked(a)
			a.unlinked = false
			i.hashEntryLocked(a)
			a.mu.Unlock()
			i.mu.Unlock()
			i.ReleaseObject(o)
			return a
		}
		a.mu.Unlock()
	}

	i.bindLocked(e, o)
	i.mu.Unlock()

	if i.bindNotify != nil {
		i.bindNotify.EntryInstantiated(o.ID(), e.Name())
	}
	return e
}

// grabLocked takes one reference on e and shields it from the next shrink
// pass. Caller holds e.mu.
func (i *Instance) grabLocked(e *Entry) {
	e.refs++
	e.referenced = true
	if e.refs == 1 {
		i.lruRemoveIfPresent(e)
	}
}

// Release drops one reference on e. An entry hitting zero references stays
// cached on the unused list while hashed, and is destroyed immediately when
// unhashed. Destruction releases the parent pin, so the walk up the tree is
// an explicit loop, never recursion: a deep path must not grow the stack.
func (i *Instance) Release(e *Entry) {
	defer logOperationLatency("release", time.Now())
	for e != nil {
		e = i.releaseOne(e)
	}
}

func (i *Instance) releaseOne(e *Entry) *Entry {
	e.mu.Lock()
	if e.refs <= 0 {
		i.log.Panicw("entry refcount underflow", "entry", e.id, "name", e.name, "refs", e.refs)
	}
	if e == i.root && e.refs == 1 {
		i.log.Panicw("releasing instance root pin", "entry", e.id)
	}
	e.refs--
	if e.refs > 0 {
		e.mu.Unlock()
		return nil
	}

	discard := false
	if i.unusedVeto != nil && e.hashed && !e.beingFreed {
		discard = i.unusedVeto.DiscardUnused(e.parent.id, e.name)
	}
	if e.hashed && !e.beingFreed && !discard {
		// referenced stays as the lookups left it: recently used entries
		// get one reprieve from the shrinker, cold ones do not.
		i.lruAdd(e)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return i.reapEntry(e, discard)
}

// reapEntry destroys an entry whose refcount reached zero, returning the
// parent so the caller can continue the cascade. A concurrent resurrection
// (lookup or alias reuse) aborts the teardown.
func (i *Instance) reapEntry(e *Entry, forceUnhash bool) *Entry {
	i.mu.Lock()
	e.mu.Lock()
	if e.refs > 0 || e.beingFreed {
		e.mu.Unlock()
		i.mu.Unlock()
		return nil
	}
	if e.hashed {
		if !forceUnhash {
			// Re-hashed or revived while we dropped the locks; back to the
			// unused list it goes.
			e.referenced = true
			i.lruAdd(e)
			e.mu.Unlock()
			i.mu.Unlock()
			return nil
		}
		i.unhashEntryLocked(e)
	}
	e.beingFreed = true
	i.lruRemoveIfPresent(e)

	parent := e.parent
	obj := e.object
	e.object = nil
	if e.negCounted {
		e.negCounted = false
		i.nrNegative.Add(-1)
	}
	if parent != e {
		detachChildLocked(parent, e)
	}
	e.mu.Unlock()

	if obj != nil {
		obj.mu.Lock()
		obj.removeAliasLocked(e)
		obj.mu.Unlock()
	}
	i.nrEntries.Add(-1)
	i.mu.Unlock()

	if obj != nil {
		// Outside the table lock: the driver release callback may block.
		i.ReleaseObject(obj)
	}

	if parent != e {
		return parent
	}
	return nil
}

// cascade finishes a release chain started outside Release.
func (i *Instance) cascade(e *Entry) {
	for e != nil {
		e = i.releaseOne(e)
	}
}

// Invalidate force-unhashes an entry so no lookup finds it again. It fails
// with types.ErrBusy for a directory entry that other holders still use,
// and is an idempotent no-op on an already-unhashed entry.
func (i *Instance) Invalidate(e *Entry) error {
	defer logOperationLatency("invalidate", time.Now())
	i.mu.Lock()
	e.mu.Lock()
	if !e.hashed {
		e.mu.Unlock()
		i.mu.Unlock()
		return nil
	}
	if e.object != nil && e.object.IsDir() && e.refs > 1 {
		e.mu.Unlock()
		i.mu.Unlock()
		return logOperationError("invalidate", types.ErrBusy)
	}
	i.unhashEntryLocked(e)
	if e.object != nil {
		e.unlinked = true
	}
	wasIdle := e.refs == 0
	e.mu.Unlock()
	i.mu.Unlock()

	i.paths.bumpGeneration()
	if wasIdle {
		i.cascade(i.reapEntry(e, false))
	}
	return nil
}

// Unlink records deletion of a positive entry. The driver may veto full
// destruction and keep the name cached as a negative entry; otherwise the
// entry is unhashed, marked unlinked for path reporting, and dies with its
// last reference.
func (i *Instance) Unlink(e *Entry) error {
	defer logOperationLatency("unlink", time.Now())
	i.mu.Lock()
	e.mu.Lock()
	if !e.hashed || e.object == nil {
		e.mu.Unlock()
		i.mu.Unlock()
		return logOperationError("unlink", types.ErrNotFound)
	}

	retain := i.cfg.NegativeEntries && i.veto != nil && i.veto.RetainOnDelete(e.parent.id, e.name)
	obj := e.object
	if retain {
		e.object = nil
		e.negCounted = true
		i.nrNegative.Add(1)
		obj.mu.Lock()
		obj.removeAliasLocked(e)
		obj.mu.Unlock()
		e.mu.Unlock()
		i.mu.Unlock()
		i.ReleaseObject(obj)
	} else {
		e.unlinked = true
		i.unhashEntryLocked(e)
		e.mu.Unlock()
		i.mu.Unlock()
	}

	i.paths.bumpGeneration()
	return nil
}

// ObtainAlias returns a referenced entry for o, for import-by-handle. It
// prefers an existing alias; otherwise it builds a disconnected entry that
// is reachable by object id but not by name until a later lookup reconnects
// it. Consumes one reference on o either way.
func (i *Instance) ObtainAlias(o *Object) (*Entry, error) {
	defer logOperationLatency("obtain_alias", time.Now())
	if a := i.FindAlias(o, true); a != nil {
		i.ReleaseObject(o)
		return a, nil
	}
	if err := i.ensureCapacity(); err != nil {
		return nil, logOperationError("obtain_alias", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	e := &Entry{
		id:   i.nextEntryID.Add(1),
		refs: 1,
	}
	e.parent = e
	e.disconnected = true
	e.object = o
	o.mu.Lock()
	o.addAliasLocked(e)
	o.mu.Unlock()
	i.nrEntries.Add(1)
	return e, nil
}

// reconnectAliasLocked splices a disconnected alias of o into (parent,
// name), the moment a by-name lookup discovers the real location of an
// object first seen through a handle. Caller holds the instance write lock.
func (i *Instance) reconnectAliasLocked(a, parent *Entry, name string, nameHash uint64) {
	a.mu.Lock()
	a.name = name
	a.hash = nameHash
	a.parent = parent
	a.disconnected = false
	i.grabLocked(a)
	i.hashEntryLocked(a)
	a.mu.Unlock()

	parent.mu.Lock()
	parent.refs++
	parent.mu.Unlock()
	attachChildLocked(parent, a)
}

func (i *Instance) checkParent(parent *Entry) error {
	if parent == nil {
		return types.ErrNotFound
	}
	if o := parent.Object(); o != nil && !o.IsDir() {
		return types.ErrNoGroup
	}
	return nil
}

// ensureCapacity enforces the configured entry cap, reclaiming unused
// entries first. Must be called without the instance lock held.
func (i *Instance) ensureCapacity() error {
	max := i.cfg.MaxEntries
	if max <= 0 || i.nrEntries.Load() < max {
		return nil
	}
	// Two passes: the first strips the referenced flag off recently parked
	// entries, the second reclaims them.
	overshoot := int(i.nrEntries.Load() - max + 1)
	for attempt := 0; attempt < 2 && i.nrEntries.Load() >= max; attempt++ {
		i.Shrink(overshoot*2, true)
	}
	if i.nrEntries.Load() >= max {
		return types.ErrNoSpace
	}
	return nil
}
