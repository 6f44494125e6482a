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

// The unused list keeps entries whose refcount reached zero while still
// hashed. Front is the hot end, Back the cold end the shrinker scans from.
// The lruMu lock is the innermost lock in the instance order; every helper
// here may be called with entry locks held.

func (i *Instance) lruAdd(e *Entry) {
	i.lruMu.Lock()
	defer i.lruMu.Unlock()
	if e.onLRU {
		return
	}
	e.lruElem = i.lru.PushFront(e)
	e.onLRU = true
	i.nrUnused.Add(1)
}

func (i *Instance) lruRemoveIfPresent(e *Entry) {
	i.lruMu.Lock()
	defer i.lruMu.Unlock()
	if !e.onLRU {
		return
	}
	i.lru.Remove(e.lruElem)
	e.lruElem = nil
	e.onLRU = false
	i.nrUnused.Add(-1)
}

// lruPopCold detaches up to max entries from the cold end. The entries stay
// hashed and alive; callers decide their fate and either destroy them or
// hand them back via lruAdd.
func (i *Instance) lruPopCold(max int) []*Entry {
	i.lruMu.Lock()
	defer i.lruMu.Unlock()
	var popped []*Entry
	for len(popped) < max {
		elem := i.lru.Back()
		if elem == nil {
			break
		}
		e := elem.Value.(*Entry)
		i.lru.Remove(elem)
		e.lruElem = nil
		e.onLRU = false
		i.nrUnused.Add(-1)
		popped = append(popped, e)
	}
	return popped
}
