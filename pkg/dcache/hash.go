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
	"github.com/creachadair/cityhash"
)

const bucketMixMultiplier = 0x9e3779b97f4a7c15

// hashName computes the precomputed per-name hash stored on each entry,
// before any parent mixing. Drivers may override it via NameHasher.
func (i *Instance) hashName(parentID uint64, name string) uint64 {
	if i.hasher != nil {
		if h, ok := i.hasher.HashName(parentID, name); ok {
			return h
		}
	}
	return cityhash.Hash64([]byte(name))
}

// sameName compares two names under parent, honoring a driver comparator.
func (i *Instance) sameName(parentID uint64, a, b string) bool {
	if i.cmp != nil {
		return i.cmp.CompareNames(parentID, a, b)
	}
	return a == b
}

// bucketFor folds the (parent identity, name hash) pair into a table slot.
// The table is a power of two; mask and shift are fixed at init.
func (i *Instance) bucketFor(parentID, nameHash uint64) uint64 {
	mix := (nameHash ^ parentID) * bucketMixMultiplier
	return (mix >> i.shift) & i.mask
}

// hashEntryLocked inserts e at the head of its bucket chain and marks it
// hashed. Caller holds the instance write lock and e.mu.
func (i *Instance) hashEntryLocked(e *Entry) {
	if e.hashed {
		i.log.Panicw("entry already hashed", "entry", e.id, "name", e.name)
	}
	slot := i.bucketFor(e.parent.id, e.hash)
	e.hashNext = i.buckets[slot]
	i.buckets[slot] = e
	e.hashed = true
}

// unhashEntryLocked removes e from its bucket chain. Caller holds the
// instance write lock and e.mu. No-op when already unhashed.
func (i *Instance) unhashEntryLocked(e *Entry) {
	if !e.hashed {
		return
	}
	slot := i.bucketFor(e.parent.id, e.hash)
	cur := i.buckets[slot]
	if cur == e {
		i.buckets[slot] = e.hashNext
	} else {
		for cur != nil && cur.hashNext != e {
			cur = cur.hashNext
		}
		if cur == nil {
			i.log.Panicw("hashed entry missing from bucket chain", "entry", e.id, "name", e.name)
		}
		cur.hashNext = e.hashNext
	}
	e.hashNext = nil
	e.hashed = false
}

// scanBucketRLocked walks one bucket chain looking for a hashed entry with
// matching hash, parent and name. Caller holds the instance read lock,
// which excludes all chain and identity mutation.
func (i *Instance) scanBucketRLocked(parent *Entry, name string, nameHash uint64) *Entry {
	slot := i.bucketFor(parent.id, nameHash)
	for e := i.buckets[slot]; e != nil; e = e.hashNext {
		if e.hash != nameHash {
			continue
		}
		if e.parent != parent {
			continue
		}
		if !i.sameName(parent.id, e.name, name) {
			continue
		}
		return e
	}
	return nil
}
