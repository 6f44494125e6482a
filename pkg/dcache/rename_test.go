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
	"errors"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/vfscache/config"
	"github.com/basenana/vfscache/pkg/driver"
	"github.com/basenana/vfscache/pkg/types"
)

var _ = Describe("TestRename", func() {
	Context("rename within one directory", func() {
		It("the moved entry should answer to the new name only", func() {
			src := mustPopulate(inst, memDrv, inst.Root(), "ren_old", false)
			memDrv.Forget(rootObjectID, "ren_old")

			tgt, err := inst.CreateNegative(inst.Root(), "ren_new")
			Expect(err).Should(BeNil())

			Expect(inst.Move(src, tgt)).Should(BeNil())
			Expect(src.Name()).Should(Equal("ren_new"))

			got, err := inst.Lookup(context.TODO(), inst.Root(), "ren_new")
			Expect(err).Should(BeNil())
			Expect(got).Should(BeIdenticalTo(src))
			inst.Release(got)

			_, err = inst.Lookup(context.TODO(), inst.Root(), "ren_old")
			Expect(err).Should(Equal(types.ErrNotFound))

			buf := make([]byte, 256)
			p, err := inst.PathOf(src, inst.Root(), buf)
			Expect(err).Should(BeNil())
			Expect(p).Should(Equal("/ren_new"))

			// The displaced target carries the old name and is marked dead.
			p, err = inst.PathOf(tgt, inst.Root(), buf)
			Expect(err).Should(BeNil())
			Expect(p).Should(Equal("/ren_old (deleted)"))

			inst.Release(tgt)
			inst.Release(src)
		})
	})

	Context("rename across directories", func() {
		It("paths should follow the entry to its new parent", func() {
			da := mustPopulate(inst, memDrv, inst.Root(), "ren_dir_a", true)
			db := mustPopulate(inst, memDrv, inst.Root(), "ren_dir_b", true)
			f := mustPopulate(inst, memDrv, da, "payload", false)

			tgt, err := inst.CreateNegative(db, "moved")
			Expect(err).Should(BeNil())
			Expect(inst.Move(f, tgt)).Should(BeNil())
			inst.Release(tgt)

			buf := make([]byte, 256)
			p, err := inst.PathOf(f, inst.Root(), buf)
			Expect(err).Should(BeNil())
			Expect(p).Should(Equal("/ren_dir_b/moved"))
			Expect(f.Parent()).Should(BeIdenticalTo(db))

			inst.Release(f)
			inst.Release(db)
			inst.Release(da)
		})
		It("rename over an existing entry should displace it", func() {
			victimID := newObjectID()
			memDrv.Put(rootObjectID, "ren_victim", driver.ObjectAttr{ID: victimID})
			victim, err := inst.Lookup(context.TODO(), inst.Root(), "ren_victim")
			Expect(err).Should(BeNil())

			src := mustPopulate(inst, memDrv, inst.Root(), "ren_winner", false)
			memDrv.Forget(rootObjectID, "ren_victim")
			memDrv.Forget(rootObjectID, "ren_winner")

			Expect(inst.Move(src, victim)).Should(BeNil())
			got, err := inst.Lookup(context.TODO(), inst.Root(), "ren_victim")
			Expect(err).Should(BeNil())
			Expect(got).Should(BeIdenticalTo(src))
			Expect(got.Object().ID()).ShouldNot(Equal(victimID))

			inst.Release(got)
			inst.Release(victim)
			inst.Release(src)
		})
	})

	Context("illegal moves", func() {
		It("moving a directory under itself should fail", func() {
			outer := mustPopulate(inst, memDrv, inst.Root(), "ren_loop_a", true)
			innerDir := mustPopulate(inst, memDrv, outer, "ren_loop_b", true)

			tgt, err := inst.CreateNegative(innerDir, "trap")
			Expect(err).Should(BeNil())
			Expect(inst.Move(outer, tgt)).Should(Equal(types.ErrLoop))

			inst.Release(tgt)
			inst.Release(innerDir)
			inst.Release(outer)
		})
		It("the instance root should never move", func() {
			tgt, err := inst.CreateNegative(inst.Root(), "ren_root_tgt")
			Expect(err).Should(BeNil())
			Expect(inst.Move(inst.Root(), tgt)).Should(Equal(types.ErrUnsupported))
			Expect(inst.Move(tgt, inst.Root())).Should(Equal(types.ErrUnsupported))
			inst.Release(tgt)
		})
	})

	Context("rename versus concurrent lookup", func() {
		It("readers should never observe a half-renamed entry", func() {
			local, localDrv := newTestInstance(config.Cache{PathCacheSize: 16})

			e := mustPopulate(local, localDrv, local.Root(), "flip_a", false)
			objectID := e.Object().ID()
			localDrv.Forget(rootObjectID, "flip_a")

			const rounds = 400
			var (
				wg       sync.WaitGroup
				failures = make(chan error, 64)
				done     = make(chan struct{})
			)

			for r := 0; r < 4; r++ {
				wg.Add(1)
				go func(name string) {
					defer wg.Done()
					for {
						select {
						case <-done:
							return
						default:
						}
						got, err := local.Lookup(context.TODO(), local.Root(), name)
						if err != nil {
							if !errors.Is(err, types.ErrNotFound) {
								select {
								case failures <- err:
								default:
								}
								return
							}
							continue
						}
						if got.Object().ID() != objectID {
							select {
							case failures <- fmt.Errorf("lookup %s hit object %d", name, got.Object().ID()):
							default:
							}
						}
						local.Release(got)
					}
				}([]string{"flip_a", "flip_b"}[r%2])
			}

			names := [2]string{"flip_a", "flip_b"}
			for k := 0; k < rounds; k++ {
				tgt, err := local.CreateNegative(local.Root(), names[(k+1)%2])
				Expect(err).Should(BeNil())
				Expect(local.Move(e, tgt)).Should(BeNil())
				local.Release(tgt)
			}
			close(done)
			wg.Wait()
			close(failures)
			for err := range failures {
				Expect(err).Should(BeNil())
			}

			Expect(e.Name()).Should(Equal(names[rounds%2]))
			local.Release(e)
		})
	})
})
