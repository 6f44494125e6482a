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
	"context"
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/vfscache/config"
	"github.com/basenana/vfscache/pkg/types"
)

var _ = Describe("TestShrinker", func() {
	Context("basic reclaim", func() {
		It("unused entries should go in two passes, then lookups repopulate", func() {
			local, localDrv := newTestInstance(config.Cache{})

			ids := make([]uint64, 0, 6)
			for n := 0; n < 6; n++ {
				e := mustPopulate(local, localDrv, local.Root(), fmt.Sprintf("cold_%d", n), false)
				ids = append(ids, e.Object().ID())
				local.Release(e)
			}
			Expect(local.Stats().UnusedEntries).Should(Equal(int64(6)))

			// First pass only strips the referenced flag the lookups set.
			Expect(local.Shrink(16, true)).Should(Equal(int64(6)))
			for _, id := range ids {
				Expect(localDrv.ReleasedCount(id)).Should(Equal(0))
			}

			Expect(local.Shrink(16, true)).Should(Equal(int64(0)))
			stat := local.Stats()
			Expect(stat.Evicted).Should(Equal(int64(6)))
			Expect(stat.UnusedEntries).Should(Equal(int64(0)))
			for _, id := range ids {
				Expect(localDrv.ReleasedCount(id)).Should(Equal(1))
			}

			before := localDrv.PopulateCount()
			e, err := local.Lookup(context.TODO(), local.Root(), "cold_0")
			Expect(err).Should(BeNil())
			Expect(localDrv.PopulateCount()).Should(Equal(before + 1))
			local.Release(e)
		})
	})

	Context("first instantiation", func() {
		It("one pass should never evict a freshly populated entry", func() {
			local, localDrv := newTestInstance(config.Cache{})

			e := mustPopulate(local, localDrv, local.Root(), "newborn", false)
			id := e.Object().ID()
			local.Release(e)

			Expect(local.Shrink(8, true)).Should(Equal(int64(1)))
			Expect(localDrv.ReleasedCount(id)).Should(Equal(0))

			// Still served from cache, no driver round trip.
			before := localDrv.PopulateCount()
			again, err := local.Lookup(context.TODO(), local.Root(), "newborn")
			Expect(err).Should(BeNil())
			Expect(again).Should(BeIdenticalTo(e))
			Expect(localDrv.PopulateCount()).Should(Equal(before))
			local.Release(again)
		})
	})

	Context("second chance", func() {
		It("an entry touched between passes should survive the next one", func() {
			local, localDrv := newTestInstance(config.Cache{})

			warm := mustPopulate(local, localDrv, local.Root(), "warm", false)
			cold := mustPopulate(local, localDrv, local.Root(), "cold", false)
			coldID := cold.Object().ID()
			local.Release(warm)
			local.Release(cold)

			local.Shrink(8, true)

			// Touch warm again; cold stays untouched with its flag cleared.
			warm2, err := local.Lookup(context.TODO(), local.Root(), "warm")
			Expect(err).Should(BeNil())
			Expect(warm2).Should(BeIdenticalTo(warm))
			local.Release(warm2)

			local.Shrink(8, true)
			Expect(localDrv.ReleasedCount(coldID)).Should(Equal(1))

			// warm survived in cache: no driver round trip.
			before := localDrv.PopulateCount()
			again, err := local.Lookup(context.TODO(), local.Root(), "warm")
			Expect(err).Should(BeNil())
			Expect(again).Should(BeIdenticalTo(warm))
			Expect(localDrv.PopulateCount()).Should(Equal(before))
			local.Release(again)
		})
	})

	Context("blocking release", func() {
		It("a no-I/O pass should be refused when releases need storage", func() {
			local, localDrv := newTestInstance(config.Cache{})
			localDrv.NeedsIO = true

			e := mustPopulate(local, localDrv, local.Root(), "pinned_io", false)
			id := e.Object().ID()
			local.Release(e)

			Expect(local.Shrink(4, false)).Should(Equal(ShrinkRefused))
			Expect(localDrv.ReleasedCount(id)).Should(Equal(0))

			local.Shrink(4, true)
			local.Shrink(4, true)
			Expect(localDrv.ReleasedCount(id)).Should(Equal(1))
		})
	})

	Context("capacity cap", func() {
		It("held entries should fill the cap, released ones should make room", func() {
			local, localDrv := newTestInstance(config.Cache{MaxEntries: 5})

			held := make([]*Entry, 0, 4)
			for n := 0; n < 4; n++ {
				held = append(held, mustPopulate(local, localDrv, local.Root(), fmt.Sprintf("cap_%d", n), false))
			}

			_, err := local.CreateNegative(local.Root(), "cap_overflow")
			Expect(err).Should(Equal(types.ErrNoSpace))

			local.Release(held[0])
			e := mustPopulate(local, localDrv, local.Root(), "cap_fits", false)
			local.Release(e)
			for _, h := range held[1:] {
				local.Release(h)
			}
		})
	})

	Context("registry", func() {
		It("pressure should fan out across instances", func() {
			reg := NewRegistry()
			a, aDrv := newTestInstance(config.Cache{})
			b, bDrv := newTestInstance(config.Cache{})
			reg.Register(a)
			reg.Register(b)

			for n := 0; n < 4; n++ {
				a.Release(mustPopulate(a, aDrv, a.Root(), fmt.Sprintf("reg_a_%d", n), false))
			}
			for n := 0; n < 2; n++ {
				b.Release(mustPopulate(b, bDrv, b.Root(), fmt.Sprintf("reg_b_%d", n), false))
			}

			Expect(reg.ShrinkAll(12, true)).Should(Equal(int64(6)))
			Expect(reg.ShrinkAll(12, true)).Should(Equal(int64(0)))
			Expect(a.Stats().Evicted).Should(Equal(int64(4)))
			Expect(b.Stats().Evicted).Should(Equal(int64(2)))
			Expect(reg.Stats()).Should(HaveLen(2))
		})
		It("a registry-wide no-I/O pass should report refusal", func() {
			reg := NewRegistry()
			a, aDrv := newTestInstance(config.Cache{})
			aDrv.NeedsIO = true
			reg.Register(a)
			a.Release(mustPopulate(a, aDrv, a.Root(), "reg_io", false))

			Expect(reg.ShrinkAll(4, false)).Should(Equal(ShrinkRefused))
		})
	})

	Context("teardown", func() {
		It("every cached object should be handed back exactly once", func() {
			reg := NewRegistry()
			local, localDrv := newTestInstance(config.Cache{})
			reg.Register(local)

			d := mustPopulate(local, localDrv, local.Root(), "td_dir", true)
			f1 := mustPopulate(local, localDrv, d, "td_f1", false)
			f2 := mustPopulate(local, localDrv, d, "td_f2", false)
			ids := []uint64{rootObjectID, d.Object().ID(), f1.Object().ID(), f2.Object().ID()}
			local.Release(f2)
			local.Release(f1)
			local.Release(d)

			Expect(reg.TeardownInstance(local)).Should(BeNil())
			for _, id := range ids {
				Expect(localDrv.ReleasedCount(id)).Should(Equal(1))
			}
			Expect(local.Stats().Entries).Should(Equal(int64(0)))
		})
	})
})
