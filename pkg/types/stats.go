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

package types

// CacheStat is a point-in-time snapshot of one cache instance, exposed to
// reporting surfaces. Counters are sampled without stopping the world, so a
// snapshot taken under load is only eventually consistent with itself.
type CacheStat struct {
	Instance string `json:"instance"`

	Entries         int64 `json:"entries"`
	NegativeEntries int64 `json:"negative_entries"`
	UnusedEntries   int64 `json:"unused_entries"`
	Objects         int64 `json:"objects"`

	Lookups    int64 `json:"lookups"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evicted    int64 `json:"evicted"`
	Renames    int64 `json:"renames"`
	Populates  int64 `json:"populates"`
	SeqRetries int64 `json:"seq_retries"`
}
