//
// Copyright 2023 BuildXL Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package pathcache implements the per-task dedup of (path, requested
// access) closures described in spec §3/§4.4 step 6.
package pathcache

import (
	"sync"

	"github.com/buildxl/sandbox/report"
)

// closure returns the access closure implied by requesting the given
// access: Read implies Probe, Write implies Read and Probe.
func closure(a report.AccessFlags) report.AccessFlags {
	c := a
	if c&report.Write != 0 {
		c |= report.Read
	}
	if c&report.Read != 0 {
		c |= report.Probe
	}
	return c
}

// Cache is a per-task path -> accumulated access closure map. It lives
// only for the task's duration (§3 PathAccessCache).
type Cache struct {
	mu    sync.Mutex
	table map[string]report.AccessFlags
}

func New() *Cache {
	return &Cache{table: make(map[string]report.AccessFlags)}
}

// Observe merges the requested access's closure into the cache entry
// for path. It returns true if the event should be forwarded (a cache
// miss, i.e. the requested access wasn't already covered by a prior
// closure), false if it should be suppressed (a cache hit).
//
// The merge is monotonic: once Write is recorded the closure already
// contains Read|Probe, so any subsequent Read or Probe on the same
// path is always a hit (§8 invariant 3).
func (c *Cache) Observe(path string, requested report.AccessFlags) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	have := c.table[path]
	if have&requested == requested {
		return false
	}

	c.table[path] = have | closure(requested)
	return true
}

// Len reports the number of distinct paths currently cached (test/debug aid).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}
