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
	"sync"

	"github.com/basenana/vfscache/pkg/types"
	"github.com/basenana/vfscache/utils/logger"
	"go.uber.org/zap"
)

// Registry fans memory-pressure callbacks out across every registered
// instance. The scan quota each instance receives is proportional to its
// own unused-entry count, so one cold filesystem cannot starve another's
// fair share. The exact split is policy, not contract; it only has to keep
// every instance making progress.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance
	log       *zap.SugaredLogger
}

func NewRegistry() *Registry {
	return &Registry{
		instances: map[string]*Instance{},
		log:       logger.NewLogger("cacheRegistry"),
	}
}

func (r *Registry) Register(i *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[i.ID()] = i
	r.log.Infow("instance registered", "instance", shortID(i.ID()))
}

func (r *Registry) Deregister(i *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, i.ID())
	r.log.Infow("instance deregistered", "instance", shortID(i.ID()))
}

// ShrinkAll asks every instance to give back memory, splitting target
// weight-proportionally. The return is the summed estimate of reclaimable
// entries still cached, or ShrinkRefused when no instance could run at all
// under a no-I/O constraint.
func (r *Registry) ShrinkAll(target int, mayBlockOnIO bool) int64 {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, i := range r.instances {
		instances = append(instances, i)
	}
	r.mu.Unlock()

	var totalUnused int64
	for _, i := range instances {
		totalUnused += i.nrUnused.Load()
	}
	if totalUnused == 0 || len(instances) == 0 {
		return 0
	}

	var (
		remaining int64
		ran       bool
	)
	for _, i := range instances {
		unused := i.nrUnused.Load()
		if unused == 0 {
			continue
		}
		share := int(int64(target) * unused / totalUnused)
		if share == 0 {
			share = 1
		}
		got := i.Shrink(share, mayBlockOnIO)
		if got == ShrinkRefused {
			remaining += unused
			continue
		}
		ran = true
		remaining += got
	}
	if !ran {
		return ShrinkRefused
	}
	return remaining
}

// TeardownInstance unmounts one instance: deregisters it first so no new
// shrink pass picks it up, then runs the tree teardown.
func (r *Registry) TeardownInstance(i *Instance) error {
	r.Deregister(i)
	return i.Teardown()
}

// Stats snapshots every registered instance.
func (r *Registry) Stats() []types.CacheStat {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, i := range r.instances {
		instances = append(instances, i)
	}
	r.mu.Unlock()

	out := make([]types.CacheStat, 0, len(instances))
	for _, i := range instances {
		out = append(out, i.Stats())
	}
	return out
}
