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

package config

import "fmt"

const maxTableSizeBits = 24

type verifier func(config *Config) error

var verifiers = []verifier{
	setDefaultValue,
	checkCacheConfig,
}

func Verify(config *Config) error {
	for _, v := range verifiers {
		if err := v(config); err != nil {
			return err
		}
	}
	return nil
}

func setDefaultValue(config *Config) error {
	if config.Cache.TableSizeBits == 0 {
		config.Cache.TableSizeBits = defaultTableSizeBits
	}
	if config.Cache.ShrinkBatch == 0 {
		config.Cache.ShrinkBatch = defaultShrinkBatch
	}
	if config.Metric != nil && config.Metric.Enable && config.Metric.HttpPort == 0 {
		config.Metric.HttpPort = defaultMetricPort
	}
	return nil
}

func checkCacheConfig(config *Config) error {
	cCfg := config.Cache
	if cCfg.TableSizeBits > maxTableSizeBits {
		return fmt.Errorf("cache.table_size_bits %d exceeds limit %d", cCfg.TableSizeBits, maxTableSizeBits)
	}
	if cCfg.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	if cCfg.PathCacheSize < 0 {
		return fmt.Errorf("cache.path_cache_size must not be negative")
	}
	return nil
}
