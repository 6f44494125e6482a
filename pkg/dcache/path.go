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

const deletedSuffix = " (deleted)"

// PathOf reconstructs an external name for e by walking the parent chain
// up to boundary, or to the global root when boundary is not an ancestor.
// The path is assembled backwards inside buf, so no reversal pass is
// needed; a buf too small for the full path fails with
// types.ErrNameTooLong and never truncates silently. Unlinked entries get
// a disambiguating suffix. nil boundary means the instance root; when the
// walk hits the root of a nested instance, it crosses into the mount
// parent and continues.
func (i *Instance) PathOf(e, boundary *Entry, buf []byte) (string, error) {
	defer logOperationLatency("path_of", time.Now())
	if e == nil {
		return "", logOperationError("path_of", types.ErrNotFound)
	}
	if boundary == nil {
		boundary = i.root
	}

	if s, ok := i.paths.get(e, boundary); ok {
		if len(s) > len(buf) {
			return "", logOperationError("path_of", types.ErrNameTooLong)
		}
		return s, nil
	}

	for {
		// The generation must predate the walk: a rename committing after
		// this point bumps it, which orphans the key we store under.
		gen := i.paths.generation()
		seq := i.readSeqBegin()
		s, crossed, err := i.buildPath(e, boundary, buf)
		if i.readSeqRetry(seq) {
			// A rename moved part of the chain mid-walk; the assembled
			// prefix may mix old and new locations. Walk again.
			i.seqRetries.Add(1)
			continue
		}
		if err != nil {
			return "", logOperationError("path_of", err)
		}
		if !crossed {
			// A walk that crossed into the mount parent depends on names
			// this instance's generation never tracks; never memoize it.
			i.paths.put(e, boundary, gen, s)
		}
		return s, nil
	}
}

// buildPath assembles the path and reports whether the walk crossed out of
// this instance into its mount parent.
func (i *Instance) buildPath(e, boundary *Entry, buf []byte) (string, bool, error) {
	pos := len(buf)
	prepend := func(s string) bool {
		if pos < len(s) {
			return false
		}
		pos -= len(s)
		copy(buf[pos:], s)
		return true
	}

	// Names, parents and the unlinked flag only change under the instance
	// write lock; the read side freezes the whole chain.
	i.mu.RLock()
	defer i.mu.RUnlock()

	crossed := false
	if e.unlinked && !prepend(deletedSuffix) {
		return "", crossed, types.ErrNameTooLong
	}

	components := 0
	for cur := e; cur != boundary; {
		if cur.parent == cur {
			if cur == i.root && i.mountedAt != nil {
				// Nested mount: continue the walk in the parent tree. The
				// root itself contributes no component.
				cur = i.mountedAt
				crossed = true
				continue
			}
			break
		}
		if !prepend(cur.name) || !prepend("/") {
			return "", crossed, types.ErrNameTooLong
		}
		components++
		cur = cur.parent
	}

	if components == 0 && !prepend("/") {
		return "", crossed, types.ErrNameTooLong
	}
	return string(buf[pos:]), crossed, nil
}
