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

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basenana/vfscache/config"
	"github.com/basenana/vfscache/pkg/dcache"
	"github.com/basenana/vfscache/pkg/driver"
	"github.com/basenana/vfscache/utils"
	"github.com/basenana/vfscache/utils/logger"
)

var (
	dirs    int
	files   int
	workers int
)

func init() {
	flag.StringVar(&config.FilePath, "config", "", "vfscache config file")
	flag.IntVar(&dirs, "dirs", 64, "directories in the synthetic namespace")
	flag.IntVar(&files, "files", 256, "files per directory")
	flag.IntVar(&workers, "workers", 4, "concurrent lookup workers")
}

// A synthetic-load exerciser: builds one cache instance over the memory
// driver, churns it with lookups and renames, and reports stats until
// terminated. Useful for soak runs and for watching the metrics surface.
func main() {
	flag.Parse()
	logger.InitLogger()
	defer logger.Sync()

	loader := config.NewConfigLoader()
	cfg, err := loader.GetConfig()
	if err != nil {
		panic(err)
	}
	logger.SetDebug(cfg.Debug)
	log := logger.NewLogger("exerciser")

	drv := driver.NewMemDriver()
	inst, err := dcache.NewInstance(cfg.Cache, drv)
	if err != nil {
		panic(err)
	}
	reg := dcache.NewRegistry()
	reg.Register(inst)

	seedNamespace(inst, drv)

	stop := utils.HandleTerminalSignal()
	go inst.ShrinkTimer(time.Second*5, 1024, stop)

	if cfg.Metric != nil && cfg.Metric.Enable {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metric.HttpPort)
			log.Infow("metrics listening", "addr", addr)
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Errorw("metrics server stopped", "err", err)
			}
		}()
	}

	for n := 0; n < workers; n++ {
		go churn(inst, stop)
	}

	ticker := time.NewTicker(time.Second * 10)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stat := inst.Stats()
			log.Infow("cache stats",
				"entries", stat.Entries, "negative", stat.NegativeEntries,
				"unused", stat.UnusedEntries, "objects", stat.Objects,
				"hits", stat.Hits, "misses", stat.Misses,
				"evicted", stat.Evicted, "renames", stat.Renames,
				"seqRetries", stat.SeqRetries)
		case <-stop:
			if err := reg.TeardownInstance(inst); err != nil {
				log.Errorw("teardown failed", "err", err)
			}
			return
		}
	}
}

// seedNamespace fills the memory driver with dirs*files names and binds the
// instance root so lookups can descend from it.
func seedNamespace(inst *dcache.Instance, drv *driver.MemDriver) {
	const rootID = 1
	rootObj, _, err := inst.GetOrCreateObject(context.Background(), rootID, true)
	if err != nil {
		panic(err)
	}
	rootObj.MarkReady()
	inst.Bind(inst.Root(), rootObj)

	next := uint64(rootID)
	for d := 0; d < dirs; d++ {
		next++
		dirID := next
		drv.Put(rootID, fmt.Sprintf("dir_%d", d), driver.ObjectAttr{ID: dirID, Dir: true})
		for f := 0; f < files; f++ {
			next++
			drv.Put(dirID, fmt.Sprintf("file_%d", f), driver.ObjectAttr{ID: next})
		}
	}
}

// churn walks random paths, occasionally renaming a file in place, holding
// no references across iterations so the unused list keeps filling.
func churn(inst *dcache.Instance, stop chan struct{}) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	buf := make([]byte, 4096)

	for {
		select {
		case <-stop:
			return
		default:
		}

		dir, err := inst.Lookup(ctx, inst.Root(), fmt.Sprintf("dir_%d", rng.Intn(dirs)))
		if err != nil {
			continue
		}
		name := fmt.Sprintf("file_%d", rng.Intn(files))
		f, err := inst.Lookup(ctx, dir, name)
		if err != nil {
			inst.Release(dir)
			continue
		}

		switch rng.Intn(100) {
		case 0:
			// Rename the file onto a scratch name and back again.
			if tgt, err := inst.CreateNegative(dir, name+".tmp"); err == nil {
				if err = inst.Move(f, tgt); err == nil {
					if back, err := inst.CreateNegative(dir, name); err == nil {
						_ = inst.Move(f, back)
						inst.Release(back)
					}
				}
				inst.Release(tgt)
			}
		case 1:
			_, _ = inst.PathOf(f, nil, buf)
		}

		inst.Release(f)
		inst.Release(dir)
	}
}
