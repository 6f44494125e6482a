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

type Config struct {
	Cache  Cache   `json:"cache"`
	Metric *Metric `json:"metric,omitempty"`
	Debug  bool    `json:"debug,omitempty"`
}

type Cache struct {
	// TableSizeBits sets the name hash table to 1<<TableSizeBits buckets.
	TableSizeBits uint `json:"table_size_bits,omitempty"`

	// MaxEntries caps live entries per instance, 0 means unbounded. When
	// the cap is hit, creation first tries to reclaim unused entries and
	// fails with types.ErrNoSpace if nothing could be reclaimed.
	MaxEntries int64 `json:"max_entries,omitempty"`

	// NegativeEntries enables caching of verified-absent names.
	NegativeEntries bool `json:"negative_entries"`

	// ShrinkBatch is how many unused entries one shrink pass scans between
	// scheduler yields.
	ShrinkBatch int `json:"shrink_batch,omitempty"`

	// PathCacheSize bounds the materialized-path index, 0 disables it.
	PathCacheSize int `json:"path_cache_size,omitempty"`
}

type Metric struct {
	Enable bool `json:"enable"`

	// HttpPort is where the prometheus handler listens when enabled.
	HttpPort int `json:"http_port,omitempty"`
}
