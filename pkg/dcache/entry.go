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
	"sync"

	"github.com/google/btree"
)

// Entry is one cached name binding: (parent, name) -> optional Object.
// A nil object makes the entry negative, recording that the name is known
// not to exist.
//
// Locking: name, hash and parent only change during a rename, which holds
// the instance write lock plus both entry locks; readers may rely on either
// the instance read lock or the entry lock. hashed is written under the
// instance write lock together with the entry lock. refs and the flag
// booleans are guarded by mu alone. onLRU and lruElem belong to the
// instance LRU lock.
type Entry struct {
	id   uint64
	name string
	hash uint64

	mu     sync.Mutex
	refs   int64
	parent *Entry
	object *Object

	hashed       bool
	referenced   bool
	disconnected bool
	unlinked     bool
	beingFreed   bool
	negCounted   bool

	hashNext *Entry

	lruElem *list.Element
	onLRU   bool

	children *btree.BTreeG[*Entry]
}

// Name returns the entry's current name. The value is a snapshot; a
// concurrent rename may change it immediately after return.
func (e *Entry) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// Parent returns the entry's current parent. The instance root and
// disconnected entries are their own parent.
func (e *Entry) Parent() *Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parent
}

// Object returns the bound object, nil for negative entries. The returned
// object is pinned by the entry itself, not by the caller; it stays valid
// only while the caller holds its entry reference.
func (e *Entry) Object() *Object {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.object
}

func (e *Entry) IsNegative() bool {
	return e.Object() == nil
}

func (e *Entry) IsDir() bool {
	o := e.Object()
	return o != nil && o.IsDir()
}

func (e *Entry) IsDisconnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disconnected
}

func (e *Entry) isRootLocked() bool {
	return e.parent == e
}

// childLess orders a directory's child index by (name, id). The id
// tiebreak keeps an unhashed predecessor and its hashed replacement apart.
func childLess(a, b *Entry) bool {
	if a.name != b.name {
		return a.name < b.name
	}
	return a.id < b.id
}

// attachChildLocked links e into parent's child index. Caller holds the
// instance write lock.
func attachChildLocked(parent, e *Entry) {
	if parent.children == nil {
		parent.children = btree.NewG[*Entry](8, childLess)
	}
	parent.children.ReplaceOrInsert(e)
}

// detachChildLocked unlinks e from parent's child index. Caller holds the
// instance write lock.
func detachChildLocked(parent, e *Entry) {
	if parent.children == nil {
		return
	}
	parent.children.Delete(e)
}
