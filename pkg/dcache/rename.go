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

// Move renames e onto target's position: e takes over target's name, hash
// and parent, and target is force-unhashed and left to die with its last
// reference. Lock-free readers racing the move retry via the rename
// sequence counter, so no lookup ever observes a half-applied identity.
//
// target is usually a fresh negative entry for the destination name, but a
// populated one (rename-over-existing) works the same way. A disconnected e
// is spliced into the tree, reconnecting an import-by-handle alias.
func (i *Instance) Move(e, target *Entry) error {
	defer logOperationLatency("move", time.Now())
	if e == target {
		return nil
	}
	if e == i.root || target == i.root {
		return logOperationError("move", types.ErrUnsupported)
	}

	i.renameMu.Lock()
	defer i.renameMu.Unlock()
	i.mu.Lock()
	defer i.mu.Unlock()

	// An ancestor walk from target's parent must not pass through e, or
	// the subtree would be cut loose into a cycle.
	for p := target.parent; ; p = p.parent {
		if p == e {
			return logOperationError("move", types.ErrLoop)
		}
		if p == p.parent {
			break
		}
	}

	i.writeSeqBegin()
	defer i.writeSeqEnd()

	first, second := e, target
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	defer second.mu.Unlock()
	defer first.mu.Unlock()

	if e.beingFreed || target.beingFreed {
		return logOperationError("move", types.ErrBusy)
	}
	if target.parent == target {
		// A disconnected target has no position in the tree to take over.
		return logOperationError("move", types.ErrUnsupported)
	}

	// Both leave their buckets and child indexes before any identity swap;
	// the indexes key by name and must only see settled values.
	i.unhashEntryLocked(e)
	i.unhashEntryLocked(target)
	if e.parent != e {
		detachChildLocked(e.parent, e)
	}
	if target.parent != target {
		detachChildLocked(target.parent, target)
	}

	e.name, target.name = target.name, e.name
	e.hash, target.hash = target.hash, e.hash

	// Parent swap. A disconnected e is its own parent and holds no parent
	// pin; it inherits target's pin, and target becomes self-parented, so
	// no refcount moves in either case.
	switch {
	case e.parent == e:
		e.parent = target.parent
		target.parent = target
		e.disconnected = false
	default:
		e.parent, target.parent = target.parent, e.parent
	}

	attachChildLocked(e.parent, e)
	if target.parent != target {
		attachChildLocked(target.parent, target)
	}

	i.hashEntryLocked(e)
	target.unlinked = true

	i.renames.Add(1)
	i.paths.bumpGeneration()
	return nil
}
