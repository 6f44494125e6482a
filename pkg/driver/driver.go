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

package driver

import (
	"context"
)

// ObjectAttr describes a filesystem object as reported by the backing
// driver. ID is unique within one cache instance.
type ObjectAttr struct {
	ID  uint64
	Dir bool
}

// Driver is the backing-store collaborator of a cache instance. The cache
// calls Populate on a name-table miss and ObjectReleased when the last
// reference on an object is dropped. Populate may block on storage I/O.
type Driver interface {
	// Populate resolves (parent object id, name) out of cache. It returns
	// types.ErrNotFound when the name does not exist under parent.
	Populate(ctx context.Context, parentID uint64, name string) (ObjectAttr, error)

	// ObjectReleased is called after the cache drops its last reference on
	// an object, before the object memory is recycled.
	ObjectReleased(id uint64)
}

// The capability interfaces below receive the parent's cache-entry token,
// not its object id: a stable opaque identity unique within one instance,
// usable for per-directory policy but not for namespace addressing. Only
// Populate, BindNotifier and NegativeRevalidator speak object ids.

// NameComparer lets a driver replace the default byte-wise name comparison,
// e.g. for case-insensitive stores.
type NameComparer interface {
	CompareNames(parentID uint64, a, b string) bool
}

// NameHasher lets a driver supply its own name hash. The second return
// value reports whether the driver handled the name; on false the cache
// falls back to its default hash. A driver implementing NameHasher almost
// always implements NameComparer too, so the two stay consistent.
type NameHasher interface {
	HashName(parentID uint64, name string) (uint64, bool)
}

// NegativeRevalidator lets a driver retract a cached miss: names can be
// created in the backing store behind the cache's back, and a stale
// negative entry would shadow them until it ages out. The cache consults
// RevalidateNegative on every negative hit, outside all cache locks, with
// the parent's object id the way Populate gets it. A false return sends
// the lookup back to Populate; when the name now exists, the negative
// entry is promoted in place. Drivers whose namespace only changes through
// the cache can skip implementing this.
type NegativeRevalidator interface {
	RevalidateNegative(parentID uint64, name string) bool
}

// DeleteVetoer may retain a deleted name as a negative entry instead of
// destroying it, trading memory for cheaper repeated misses.
type DeleteVetoer interface {
	RetainOnDelete(parentID uint64, name string) bool
}

// BindNotifier is told whenever a negative entry is promoted to a positive
// one, i.e. a name gets bound to an object.
type BindNotifier interface {
	EntryInstantiated(objectID uint64, name string)
}

// UnusedVetoer may reject caching of an entry whose last reference was just
// dropped; a true return destroys the entry instead of parking it on the
// unused list.
type UnusedVetoer interface {
	DiscardUnused(parentID uint64, name string) bool
}

// BlockingReleaser marks a driver whose ObjectReleased callback may issue
// storage I/O. The shrinker refuses to run against such a driver when the
// memory-pressure caller forbids blocking on I/O.
type BlockingReleaser interface {
	ReleaseNeedsIO() bool
}
