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
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/basenana/vfscache/pkg/types"
)

const MemoryDriver = "memory"

type memKey struct {
	parent uint64
	name   string
}

// MemDriver is an in-memory Driver used by tests and by embedders that need
// a namespace with no real backing store. The namespace is a flat
// (parent id, name) table; directories are whatever entries were put in
// with Dir set.
type MemDriver struct {
	mu        sync.Mutex
	namespace map[memKey]ObjectAttr
	released  map[uint64]int

	populates atomic.Int64
	bound     []string

	// RetainNegative mirrors the DeleteVetoer hook for tests.
	RetainNegative bool
	// CaseFold enables the case-insensitive comparer/hasher pair.
	CaseFold bool
	// NeedsIO marks ObjectReleased as I/O-bound for shrinker gating tests.
	NeedsIO bool
	// DropUnused rejects unused-list caching, destroying entries on their
	// last release.
	DropUnused bool
	// Gate, when set, stalls every Populate until a token arrives. Lets
	// tests hold a populate in flight at a known point.
	Gate chan struct{}
}

var _ Driver = &MemDriver{}
var _ NegativeRevalidator = &MemDriver{}
var _ DeleteVetoer = &MemDriver{}
var _ BlockingReleaser = &MemDriver{}
var _ UnusedVetoer = &MemDriver{}
var _ BindNotifier = &MemDriver{}

func NewMemDriver() *MemDriver {
	return &MemDriver{
		namespace: map[memKey]ObjectAttr{},
		released:  map[uint64]int{},
	}
}

// Put binds name under the parent object id, as if the backing store had
// created it out-of-band.
func (d *MemDriver) Put(parentID uint64, name string, attr ObjectAttr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.namespace[d.key(parentID, name)] = attr
}

// Forget removes a binding from the backing namespace.
func (d *MemDriver) Forget(parentID uint64, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.namespace, d.key(parentID, name))
}

func (d *MemDriver) Populate(ctx context.Context, parentID uint64, name string) (ObjectAttr, error) {
	select {
	case <-ctx.Done():
		return ObjectAttr{}, errors.Wrap(ctx.Err(), "populate aborted")
	default:
	}

	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return ObjectAttr{}, errors.Wrap(ctx.Err(), "populate aborted")
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.populates.Add(1)
	attr, ok := d.namespace[d.key(parentID, name)]
	if !ok {
		return ObjectAttr{}, types.ErrNotFound
	}
	return attr, nil
}

func (d *MemDriver) ObjectReleased(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released[id]++
}

// RevalidateNegative reports whether (parentID, name) is still absent from
// the namespace; a Put since the miss was cached retracts it.
func (d *MemDriver) RevalidateNegative(parentID uint64, name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.namespace[d.key(parentID, name)]
	return !ok
}

func (d *MemDriver) RetainOnDelete(parentID uint64, name string) bool {
	return d.RetainNegative
}

func (d *MemDriver) ReleaseNeedsIO() bool {
	return d.NeedsIO
}

func (d *MemDriver) DiscardUnused(parentID uint64, name string) bool {
	return d.DropUnused
}

func (d *MemDriver) EntryInstantiated(objectID uint64, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bound = append(d.bound, name)
}

// Bound reports the names EntryInstantiated saw, in order.
func (d *MemDriver) Bound() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.bound...)
}

// ReleasedCount reports how many times ObjectReleased fired for id.
func (d *MemDriver) ReleasedCount(id uint64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released[id]
}

// PopulateCount reports how many Populate calls reached the driver, i.e.
// were not absorbed by the cache or the singleflight group.
func (d *MemDriver) PopulateCount() int64 {
	return d.populates.Load()
}

func (d *MemDriver) key(parentID uint64, name string) memKey {
	if d.CaseFold {
		name = foldName(name)
	}
	return memKey{parent: parentID, name: name}
}

func (d *MemDriver) CompareNames(parentID uint64, a, b string) bool {
	if !d.CaseFold {
		return a == b
	}
	return foldName(a) == foldName(b)
}

func (d *MemDriver) HashName(parentID uint64, name string) (uint64, bool) {
	if !d.CaseFold {
		return 0, false
	}
	folded := foldName(name)
	var h uint64 = 14695981039346656037
	for i := 0; i < len(folded); i++ {
		h ^= uint64(folded[i])
		h *= 1099511628211
	}
	return h, true
}

func foldName(name string) string {
	b := []byte(name)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
