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
	"errors"
	"strconv"
	"time"

	"github.com/basenana/vfscache/pkg/driver"
	"github.com/basenana/vfscache/pkg/types"
)

// Lookup resolves name under parent. A positive hit returns the entry with
// one reference taken and the entry pulled off the unused list. A negative
// hit and a confirmed miss both return types.ErrNotFound; the difference is
// only whether the driver was consulted. A driver implementing
// NegativeRevalidator can retract a negative hit, sending the lookup back
// to Populate. nil parent means the instance root.
//
// The hit path scans the bucket chain under the read lock, then revalidates
// identity under the entry's own lock: a rename can retarget parent and
// name between the scan and the lock acquisition, and can relocate the
// entry to a different bucket mid-flight. The rename sequence counter
// detects the latter and retries the whole scan.
func (i *Instance) Lookup(ctx context.Context, parent *Entry, name string) (*Entry, error) {
	defer logOperationLatency("lookup", time.Now())
	i.lookups.Add(1)

	if parent == nil {
		parent = i.root
	}
	if err := i.checkParent(parent); err != nil {
		return nil, logOperationError("lookup", err)
	}

	nameHash := i.hashName(parent.id, name)

	for {
		seq := i.readSeqBegin()

		i.mu.RLock()
		e := i.scanBucketRLocked(parent, name, nameHash)
		i.mu.RUnlock()
		if e == nil {
			break
		}

		e.mu.Lock()
		valid := e.hashed && !e.beingFreed && e.parent == parent &&
			i.sameName(parent.id, e.name, name)
		if valid {
			i.grabLocked(e)
		}
		negative := e.object == nil
		e.mu.Unlock()

		if i.readSeqRetry(seq) {
			// A rename committed during the scan; the chain we walked may
			// have been stale. Start over.
			if valid {
				i.Release(e)
			}
			i.seqRetries.Add(1)
			continue
		}
		if !valid {
			// Unhashed or retargeted between scan and lock; rescan.
			continue
		}

		if negative {
			if i.negCheck != nil {
				if po := parent.Object(); po != nil && !i.negCheck.RevalidateNegative(po.ID(), name) {
					// The name appeared in the backing store behind the
					// cached miss; populate and promote the entry in place.
					i.Release(e)
					i.misses.Add(1)
					return i.populateMiss(ctx, parent, name, nameHash)
				}
			}
			i.hits.Add(1)
			i.Release(e)
			return nil, types.ErrNotFound
		}
		i.hits.Add(1)
		return e, nil
	}

	i.misses.Add(1)
	return i.populateMiss(ctx, parent, name, nameHash)
}

// populateMiss consults the backing driver and installs the result. The
// driver call is deduplicated through a singleflight group keyed by
// (parent, name): a miss storm on one name issues a single Populate.
func (i *Instance) populateMiss(ctx context.Context, parent *Entry, name string, nameHash uint64) (*Entry, error) {
	parentObj := parent.Object()
	if parentObj == nil {
		return nil, logOperationError("lookup", types.ErrNoGroup)
	}

	flightKey := strconv.FormatUint(parent.id, 16) + "/" + name
	attrV, err, _ := i.populateG.Do(flightKey, func() (interface{}, error) {
		i.populates.Add(1)
		return i.drv.Populate(ctx, parentObj.ID(), name)
	})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			i.rememberMiss(parent, name)
			return nil, types.ErrNotFound
		}
		return nil, logOperationError("lookup", err)
	}
	attr := attrV.(driver.ObjectAttr)

	if err = i.ensureCapacity(); err != nil {
		return nil, logOperationError("lookup", err)
	}

	obj, created, err := i.GetOrCreateObject(ctx, attr.ID, attr.Dir)
	if err != nil {
		return nil, logOperationError("lookup", err)
	}
	if created {
		obj.SetPayload(attr)
		obj.MarkReady()
	}

	i.mu.Lock()

	// Someone else may have installed the name while we were populating.
	if existing := i.scanBucketRLocked(parent, name, nameHash); existing != nil {
		existing.mu.Lock()
		if !existing.beingFreed {
			promote := existing.object == nil
			existing.mu.Unlock()
			if promote {
				// Negative-to-positive promotion in place; the entry takes
				// over our object reference.
				i.bindLocked(existing, obj)
			}
			existing.mu.Lock()
			i.grabLocked(existing)
			existing.mu.Unlock()
			i.mu.Unlock()
			if !promote {
				// Outside the table lock: the release callback may block.
				i.ReleaseObject(obj)
			}
			return existing, nil
		}
		existing.mu.Unlock()
	}

	// An object first seen through a handle may own a disconnected alias;
	// this lookup just learned its real name, so splice it in.
	if a := i.disconnectedAliasLocked(obj); a != nil {
		i.reconnectAliasLocked(a, parent, name, nameHash)
		i.mu.Unlock()
		i.ReleaseObject(obj)
		return a, nil
	}

	if obj.IsDir() {
		if a := i.connectedAliasLocked(obj); a != nil {
			// Directory objects keep a single connected alias; reuse it
			// rather than growing a second name for the same directory.
			a.mu.Lock()
			i.grabLocked(a)
			a.mu.Unlock()
			i.mu.Unlock()
			i.ReleaseObject(obj)
			return a, nil
		}
	}

	e := i.allocEntryLocked(parent, name, nameHash)
	i.bindLocked(e, obj)
	i.mu.Unlock()

	if i.bindNotify != nil {
		i.bindNotify.EntryInstantiated(attr.ID, name)
	}
	return e, nil
}

// rememberMiss caches a confirmed miss as a negative entry when the policy
// allows it. The entry goes straight to the unused list.
func (i *Instance) rememberMiss(parent *Entry, name string) {
	if !i.cfg.NegativeEntries {
		return
	}
	neg, err := i.CreateNegative(parent, name)
	if err != nil {
		return
	}
	i.Release(neg)
}

func (i *Instance) disconnectedAliasLocked(o *Object) *Entry {
	o.mu.Lock()
	snapshot := append([]*Entry(nil), o.aliases...)
	o.mu.Unlock()
	for _, a := range snapshot {
		a.mu.Lock()
		ok := a.object == o && !a.beingFreed && a.disconnected
		a.mu.Unlock()
		if ok {
			return a
		}
	}
	return nil
}
