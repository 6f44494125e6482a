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
	"context"
	"sync"

	"github.com/basenana/vfscache/pkg/types"
)

type objectState int32

const (
	objectStateNew objectState = iota
	objectStateNormal
	objectStateDirty
	objectStateSyncPending
	objectStateWillFree
	objectStateFreeing
	objectStateClear
)

// Object is a cached filesystem metadata node, unique by numeric id within
// one instance. An object under construction stays in the NEW state and is
// already visible in the object table, so concurrent creators for the same
// id find it and wait instead of racing the initialization.
type Object struct {
	id  uint64
	dir bool

	mu      sync.Mutex
	cond    *sync.Cond
	state   objectState
	refs    int64
	aliases []*Entry
	payload interface{}
}

func newObject(id uint64, dir bool) *Object {
	o := &Object{id: id, dir: dir, state: objectStateNew}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *Object) ID() uint64 {
	return o.id
}

func (o *Object) IsDir() bool {
	return o.dir
}

// Payload returns driver-owned data attached before MarkReady.
func (o *Object) Payload() interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.payload
}

func (o *Object) SetPayload(v interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payload = v
}

// MarkReady completes initialization of a freshly created object and wakes
// every waiter parked in waitReady.
func (o *Object) MarkReady() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != objectStateNew {
		return
	}
	o.state = objectStateNormal
	o.cond.Broadcast()
}

// MarkDirty flags the object as modified; a collaborator sync layer moves
// it through SyncPending back to normal.
func (o *Object) MarkDirty() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == objectStateNormal {
		o.state = objectStateDirty
	}
}

func (o *Object) MarkSyncPending() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == objectStateDirty {
		o.state = objectStateSyncPending
	}
}

func (o *Object) MarkClean() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == objectStateDirty || o.state == objectStateSyncPending {
		o.state = objectStateNormal
	}
}

// waitReady blocks until the creator finishes (or abandons) the object.
// Returns false when the object was abandoned and must be re-looked-up.
func (o *Object) waitReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.state == objectStateNew {
		o.cond.Wait()
	}
	return o.state != objectStateClear && o.state != objectStateFreeing && o.state != objectStateWillFree
}

func (o *Object) addAliasLocked(e *Entry) {
	o.aliases = append(o.aliases, e)
}

func (o *Object) removeAliasLocked(e *Entry) {
	for idx, a := range o.aliases {
		if a == e {
			o.aliases = append(o.aliases[:idx], o.aliases[idx+1:]...)
			return
		}
	}
}

// GetOrCreateObject returns the object for id, creating it in the NEW state
// when absent. created=true means the caller owns initialization and must
// call MarkReady (or AbandonObject on failure); everyone else blocks until
// one of the two happens. The returned object carries one reference either
// way.
func (i *Instance) GetOrCreateObject(ctx context.Context, id uint64, dir bool) (*Object, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
	}

	for {
		i.omu.Lock()
		o, ok := i.objects[id]
		if !ok {
			o = newObject(id, dir)
			o.refs = 1
			i.objects[id] = o
			i.nrObjects.Add(1)
			i.omu.Unlock()
			return o, true, nil
		}

		o.mu.Lock()
		if o.state == objectStateWillFree || o.state == objectStateFreeing {
			// Dying object still in the table; wait out the teardown and
			// retry so the next round creates a fresh one.
			i.omu.Unlock()
			for o.state != objectStateClear {
				o.cond.Wait()
			}
			o.mu.Unlock()
			continue
		}
		o.refs++
		isNew := o.state == objectStateNew
		o.mu.Unlock()
		i.omu.Unlock()

		if isNew && !o.waitReady() {
			i.ReleaseObject(o)
			continue
		}
		return o, false, nil
	}
}

// LookupObject returns a referenced object already present in the cache.
func (i *Instance) LookupObject(ctx context.Context, id uint64) (*Object, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	i.omu.Lock()
	o, ok := i.objects[id]
	if !ok {
		i.omu.Unlock()
		return nil, types.ErrNotFound
	}
	o.mu.Lock()
	if o.state == objectStateWillFree || o.state == objectStateFreeing || o.state == objectStateClear {
		o.mu.Unlock()
		i.omu.Unlock()
		return nil, types.ErrNotFound
	}
	o.refs++
	isNew := o.state == objectStateNew
	o.mu.Unlock()
	i.omu.Unlock()

	if isNew && !o.waitReady() {
		i.ReleaseObject(o)
		return nil, types.ErrNotFound
	}
	return o, nil
}

// AbandonObject withdraws a NEW object whose initialization failed. Parked
// waiters observe the abandonment and retry their own creation.
func (i *Instance) AbandonObject(o *Object) {
	i.omu.Lock()
	o.mu.Lock()
	if o.state != objectStateNew {
		i.log.Panicw("abandon on initialized object", "object", o.id, "state", o.state)
	}
	delete(i.objects, o.id)
	i.nrObjects.Add(-1)
	o.state = objectStateClear
	o.cond.Broadcast()
	o.mu.Unlock()
	i.omu.Unlock()
}

// ReleaseObject drops one reference. The last reference tears the object
// down through WILL_FREE / FREEING / CLEAR and notifies the driver.
func (i *Instance) ReleaseObject(o *Object) {
	i.omu.Lock()
	o.mu.Lock()
	o.refs--
	if o.refs < 0 {
		i.log.Panicw("object refcount underflow", "object", o.id, "refs", o.refs)
	}
	if o.refs > 0 {
		o.mu.Unlock()
		i.omu.Unlock()
		return
	}
	if len(o.aliases) != 0 {
		i.log.Panicw("last object reference dropped with live aliases", "object", o.id, "aliases", len(o.aliases))
	}
	o.state = objectStateWillFree
	delete(i.objects, o.id)
	i.nrObjects.Add(-1)
	o.state = objectStateFreeing
	o.mu.Unlock()
	i.omu.Unlock()

	// Out of all locks: the driver callback may block on storage I/O.
	i.drv.ObjectReleased(o.id)

	o.mu.Lock()
	o.state = objectStateClear
	o.payload = nil
	o.cond.Broadcast()
	o.mu.Unlock()
}

// FindAlias returns a referenced entry bound to o, preferring a hashed,
// non-disconnected alias. Disconnected aliases are only returned when
// wantDisconnected is set (import-by-handle).
func (i *Instance) FindAlias(o *Object, wantDisconnected bool) *Entry {
	// Snapshot outside the entry locks; entry locks never nest inside o.mu.
	o.mu.Lock()
	snapshot := append([]*Entry(nil), o.aliases...)
	o.mu.Unlock()

	var fallback *Entry
	for _, a := range snapshot {
		a.mu.Lock()
		if a.object != o || a.beingFreed {
			a.mu.Unlock()
			continue
		}
		if !a.disconnected && a.hashed {
			i.grabLocked(a)
			a.mu.Unlock()
			return a
		}
		if a.disconnected && wantDisconnected && fallback == nil {
			fallback = a
		}
		a.mu.Unlock()
	}

	if fallback == nil {
		return nil
	}
	fallback.mu.Lock()
	if fallback.object != o || fallback.beingFreed {
		fallback.mu.Unlock()
		return nil
	}
	i.grabLocked(fallback)
	fallback.mu.Unlock()
	return fallback
}
