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
	"runtime"
	"time"

	"github.com/basenana/vfscache/pkg/driver"
)

// ShrinkRefused is returned when a shrink pass cannot run at all: the
// caller forbade blocking on storage I/O and the driver's release path
// needs it.
const ShrinkRefused = int64(-1)

// Shrink scans up to target entries from the cold end of the unused list
// and reclaims the ones that earned no reprieve, returning the count of
// unused entries still cached. Entries marked referenced since the last
// pass get their flag cleared and one more round on the list (second
// chance), so bursty re-use does not thrash the cache.
//
// An instance being unmounted is skipped entirely: teardown owns the tree
// and assumes no concurrent reclaimer.
func (i *Instance) Shrink(target int, mayBlockOnIO bool) int64 {
	defer logOperationLatency("shrink", time.Now())

	if !mayBlockOnIO {
		if br, ok := i.drv.(driver.BlockingReleaser); ok && br.ReleaseNeedsIO() {
			return ShrinkRefused
		}
	}
	if !i.umountMu.TryLock() {
		return i.nrUnused.Load()
	}
	defer i.umountMu.Unlock()
	if i.tornDown.Load() {
		return 0
	}

	var (
		scanned   int
		freed     int64
		reprieved []*Entry
	)
	batchSize := i.cfg.ShrinkBatch

	for scanned < target {
		want := target - scanned
		if want > batchSize {
			want = batchSize
		}
		batch := i.lruPopCold(want)
		if len(batch) == 0 {
			break
		}

		var victims []*Entry
		for _, e := range batch {
			scanned++
			e.mu.Lock()
			if e.refs > 0 || e.beingFreed {
				// Resurrected between pop and lock; it is live now and
				// re-enters the list on its next release.
				e.mu.Unlock()
				continue
			}
			if e.referenced {
				e.referenced = false
				e.mu.Unlock()
				reprieved = append(reprieved, e)
				continue
			}
			e.mu.Unlock()
			victims = append(victims, e)
		}

		for _, e := range victims {
			if i.evictEntry(e) {
				freed++
			}
		}

		// Long scans must not monopolize the thread.
		runtime.Gosched()
	}

	// Merge the survivors back at the hot end after the scan, not during
	// it, so one pass cannot revisit them.
	for _, e := range reprieved {
		e.mu.Lock()
		if e.refs == 0 && e.hashed && !e.beingFreed {
			i.lruAdd(e)
		}
		e.mu.Unlock()
	}

	if freed > 0 {
		i.evicted.Add(freed)
		i.log.Debugw("shrink pass done", "scanned", scanned, "freed", freed)
	}
	return i.nrUnused.Load()
}

// evictEntry force-unhashes one idle entry and runs the normal destroy
// cascade. Reports false when the entry escaped (resurrected by a racing
// lookup before we re-validated under the locks).
func (i *Instance) evictEntry(e *Entry) bool {
	i.mu.Lock()
	e.mu.Lock()
	if e.refs > 0 || e.beingFreed {
		e.mu.Unlock()
		i.mu.Unlock()
		return false
	}
	i.unhashEntryLocked(e)
	e.mu.Unlock()
	i.mu.Unlock()

	i.cascade(i.reapEntry(e, false))
	return true
}

// ShrinkTimer runs periodic background shrinks until stop closes,
// mirroring a memory-pressure feed for embedders without one.
func (i *Instance) ShrinkTimer(interval time.Duration, target int, stop chan struct{}) {
	log := i.log.Named("shrinkTimer")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Infow("background shrink running", "interval", interval.String(), "target", target)
	for {
		select {
		case <-ticker.C:
			i.Shrink(target, true)
		case <-stop:
			log.Infow("background shrink stopped")
			return
		}
	}
}
