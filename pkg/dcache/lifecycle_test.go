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

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/vfscache/pkg/driver"
	"github.com/basenana/vfscache/pkg/types"
)

var _ = Describe("TestEntryLifecycle", func() {
	Context("lookup round trip", func() {
		var (
			first  *Entry
			fileID uint64
		)
		It("populate a fresh name should succeed", func() {
			first = mustPopulate(inst, memDrv, inst.Root(), "lifecycle_file1", false)
			fileID = first.Object().ID()
		})
		It("released entry should come back from the unused list", func() {
			before := memDrv.PopulateCount()
			inst.Release(first)

			again, err := inst.Lookup(context.TODO(), inst.Root(), "lifecycle_file1")
			Expect(err).Should(BeNil())
			Expect(again).Should(BeIdenticalTo(first))
			Expect(again.Object().ID()).Should(Equal(fileID))
			Expect(memDrv.PopulateCount()).Should(Equal(before))
			inst.Release(again)
		})
	})

	Context("alias invariant", func() {
		It("entry and object should point at each other", func() {
			e := mustPopulate(inst, memDrv, inst.Root(), "lifecycle_file2", false)
			o := e.Object()

			o.mu.Lock()
			found := false
			for _, a := range o.aliases {
				if a == e {
					found = true
				}
			}
			o.mu.Unlock()
			Expect(found).Should(BeTrue())
			inst.Release(e)
		})
	})

	Context("negative entries", func() {
		It("a confirmed miss should be cached", func() {
			_, err := inst.Lookup(context.TODO(), inst.Root(), "lifecycle_no_such")
			Expect(err).Should(Equal(types.ErrNotFound))
			after := memDrv.PopulateCount()

			_, err = inst.Lookup(context.TODO(), inst.Root(), "lifecycle_no_such")
			Expect(err).Should(Equal(types.ErrNotFound))
			Expect(memDrv.PopulateCount()).Should(Equal(after))
		})
		It("binding should promote a negative entry in place", func() {
			neg, err := inst.CreateNegative(inst.Root(), "lifecycle_promote")
			Expect(err).Should(BeNil())
			inst.Release(neg)

			id := newObjectID()
			memDrv.Put(rootObjectID, "lifecycle_promote", driver.ObjectAttr{ID: id})
			e, err := inst.Lookup(context.TODO(), inst.Root(), "lifecycle_promote")
			Expect(err).Should(BeNil())
			Expect(e).Should(BeIdenticalTo(neg))
			Expect(e.IsNegative()).Should(BeFalse())
			inst.Release(e)
		})
		It("a name created behind a cached miss should be found again", func() {
			_, err := inst.Lookup(context.TODO(), inst.Root(), "lifecycle_latecomer")
			Expect(err).Should(Equal(types.ErrNotFound))

			id := newObjectID()
			memDrv.Put(rootObjectID, "lifecycle_latecomer", driver.ObjectAttr{ID: id})
			e, err := inst.Lookup(context.TODO(), inst.Root(), "lifecycle_latecomer")
			Expect(err).Should(BeNil())
			Expect(e.Object().ID()).Should(Equal(id))
			inst.Release(e)
		})
		It("creating over a cached name should report existence", func() {
			e := mustPopulate(inst, memDrv, inst.Root(), "lifecycle_file3", false)
			_, err := inst.CreateNegative(inst.Root(), "lifecycle_file3")
			Expect(err).Should(Equal(types.ErrIsExist))
			inst.Release(e)
		})
	})

	Context("hard links", func() {
		It("two names on one object should not disturb each other", func() {
			id := newObjectID()
			memDrv.Put(rootObjectID, "lifecycle_linkA", driver.ObjectAttr{ID: id})
			memDrv.Put(rootObjectID, "lifecycle_linkB", driver.ObjectAttr{ID: id})

			a, err := inst.Lookup(context.TODO(), inst.Root(), "lifecycle_linkA")
			Expect(err).Should(BeNil())
			b, err := inst.Lookup(context.TODO(), inst.Root(), "lifecycle_linkB")
			Expect(err).Should(BeNil())
			Expect(a).ShouldNot(BeIdenticalTo(b))
			Expect(a.Object()).Should(BeIdenticalTo(b.Object()))

			o := a.Object()
			inst.Release(a)

			o.mu.Lock()
			refs, aliases := o.refs, len(o.aliases)
			o.mu.Unlock()
			Expect(refs >= 1).Should(BeTrue())
			Expect(aliases).Should(Equal(2))
			Expect(b.Object()).Should(BeIdenticalTo(o))
			inst.Release(b)
		})
	})

	Context("directory aliases", func() {
		It("two names for one directory should converge on one entry", func() {
			id := newObjectID()
			memDrv.Put(rootObjectID, "lifecycle_dirlink1", driver.ObjectAttr{ID: id, Dir: true})
			memDrv.Put(rootObjectID, "lifecycle_dirlink2", driver.ObjectAttr{ID: id, Dir: true})

			d1, err := inst.Lookup(context.TODO(), inst.Root(), "lifecycle_dirlink1")
			Expect(err).Should(BeNil())
			d2, err := inst.Lookup(context.TODO(), inst.Root(), "lifecycle_dirlink2")
			Expect(err).Should(BeNil())
			Expect(d2).Should(BeIdenticalTo(d1))
			Expect(d2.Name()).Should(Equal("lifecycle_dirlink1"))

			inst.Release(d2)
			inst.Release(d1)
		})
	})

	Context("bind unique", func() {
		It("a duplicate binding should reuse the unhashed alias", func() {
			e := mustPopulate(inst, memDrv, inst.Root(), "lifecycle_uniq", false)
			o := e.Object()

			Expect(inst.Invalidate(e)).Should(BeNil())

			// e is now an unhashed alias of o; a second binding for the
			// same (parent, name) must revive it, not duplicate it.
			fresh, err := inst.CreateNegative(inst.Root(), "lifecycle_uniq")
			Expect(err).Should(BeNil())
			Expect(inst.Invalidate(fresh)).Should(BeNil())

			held, err := inst.LookupObject(context.TODO(), o.ID())
			Expect(err).Should(BeNil())
			Expect(held).Should(BeIdenticalTo(o))
			got := inst.BindUnique(fresh, o)
			Expect(got).Should(BeIdenticalTo(e))

			inst.Release(fresh)
			inst.Release(got)
			inst.Release(e)
		})
	})

	Context("invalidate", func() {
		It("should be idempotent on an unhashed entry", func() {
			e := mustPopulate(inst, memDrv, inst.Root(), "lifecycle_inval", false)
			Expect(inst.Invalidate(e)).Should(BeNil())
			Expect(inst.Invalidate(e)).Should(BeNil())
			inst.Release(e)
		})
		It("should refuse a directory with other holders", func() {
			d := mustPopulate(inst, memDrv, inst.Root(), "lifecycle_dir", true)
			second, err := inst.Lookup(context.TODO(), inst.Root(), "lifecycle_dir")
			Expect(err).Should(BeNil())

			Expect(inst.Invalidate(d)).Should(Equal(types.ErrBusy))
			inst.Release(second)
			Expect(inst.Invalidate(d)).Should(BeNil())
			inst.Release(d)
		})
	})

	Context("unlink retention", func() {
		It("a vetoing driver should keep the name negative", func() {
			local, localDrv := newTestInstance(testCacheConfig())
			localDrv.RetainNegative = true

			e := mustPopulate(local, localDrv, local.Root(), "retained", false)
			id := e.Object().ID()
			localDrv.Forget(rootObjectID, "retained")

			Expect(local.Unlink(e)).Should(BeNil())
			Expect(e.IsNegative()).Should(BeTrue())
			local.Release(e)

			// The retained negative answers without the driver.
			before := localDrv.PopulateCount()
			_, err := local.Lookup(context.TODO(), local.Root(), "retained")
			Expect(err).Should(Equal(types.ErrNotFound))
			Expect(localDrv.PopulateCount()).Should(Equal(before))
			Expect(localDrv.ReleasedCount(id)).Should(Equal(1))
		})
	})

	Context("driver capability hooks", func() {
		It("an unused veto should destroy entries on their last release", func() {
			local, localDrv := newTestInstance(testCacheConfig())
			localDrv.DropUnused = true

			e := mustPopulate(local, localDrv, local.Root(), "drop_me", false)
			id := e.Object().ID()
			local.Release(e)
			Expect(localDrv.ReleasedCount(id)).Should(Equal(1))
			Expect(local.Stats().UnusedEntries).Should(Equal(int64(0)))

			// The next lookup has to go back to the driver.
			before := localDrv.PopulateCount()
			again, err := local.Lookup(context.TODO(), local.Root(), "drop_me")
			Expect(err).Should(BeNil())
			Expect(localDrv.PopulateCount()).Should(Equal(before + 1))
			local.Release(again)
		})
		It("bindings should be reported in order", func() {
			local, localDrv := newTestInstance(testCacheConfig())
			a := mustPopulate(local, localDrv, local.Root(), "notify_a", false)
			b := mustPopulate(local, localDrv, local.Root(), "notify_b", false)
			// The root binding from instance setup comes first.
			Expect(localDrv.Bound()).Should(Equal([]string{"/", "notify_a", "notify_b"}))
			local.Release(b)
			local.Release(a)
		})
	})

	Context("disconnected aliases", func() {
		It("import by handle should reconnect on the next lookup", func() {
			local, localDrv := newTestInstance(testCacheConfig())

			id := newObjectID()
			o, created, err := local.GetOrCreateObject(context.TODO(), id, false)
			Expect(err).Should(BeNil())
			Expect(created).Should(BeTrue())
			o.MarkReady()

			alias, err := local.ObtainAlias(o)
			Expect(err).Should(BeNil())
			Expect(alias.IsDisconnected()).Should(BeTrue())

			localDrv.Put(rootObjectID, "by_handle", driver.ObjectAttr{ID: id})
			e, err := local.Lookup(context.TODO(), local.Root(), "by_handle")
			Expect(err).Should(BeNil())
			Expect(e).Should(BeIdenticalTo(alias))
			Expect(e.IsDisconnected()).Should(BeFalse())
			Expect(e.Name()).Should(Equal("by_handle"))

			local.Release(e)
			local.Release(alias)
		})
	})
})
