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
	"sync/atomic"

	"github.com/bluele/gcache"
)

// pathIndex memoizes materialized paths. Any mutation that can change a
// path (rename, unlink, invalidate, mount-point change) bumps the
// generation, which orphans every older key; the LRU bound ages the
// orphans out instead of an explicit sweep. Writers store under a
// generation they sampled before walking, so a walk raced by a mutation
// lands under an already-orphaned key instead of poisoning the current one.
type pathIndex struct {
	cache gcache.Cache
	gen   atomic.Uint64
}

type pathKey struct {
	entry    *Entry
	boundary *Entry
	gen      uint64
}

func newPathIndex(size int) *pathIndex {
	p := &pathIndex{}
	if size > 0 {
		p.cache = gcache.New(size).LRU().Build()
	}
	return p
}

func (p *pathIndex) get(e, boundary *Entry) (string, bool) {
	if p.cache == nil {
		return "", false
	}
	v, err := p.cache.Get(pathKey{entry: e, boundary: boundary, gen: p.gen.Load()})
	if err != nil || v == nil {
		return "", false
	}
	return v.(string), true
}

func (p *pathIndex) put(e, boundary *Entry, gen uint64, path string) {
	if p.cache == nil {
		return
	}
	_ = p.cache.Set(pathKey{entry: e, boundary: boundary, gen: gen}, path)
}

func (p *pathIndex) generation() uint64 {
	return p.gen.Load()
}

func (p *pathIndex) bumpGeneration() {
	if p.cache == nil {
		return
	}
	p.gen.Add(1)
}
