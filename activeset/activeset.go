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

// Package activeset holds the two concurrent PID containers spec §3
// defines: the ActiveProcessSet and the BreakawaySet. Both are
// readable by the liveness prober and writable by the dispatcher and
// the prober, so both use a deadlock-detecting mutex — this is
// precisely the cross-goroutine sharing spec §5 calls out as needing
// careful synchronization.
package activeset

import (
	"github.com/sasha-s/go-deadlock"
)

// ActiveProcessSet is the set of PIDs currently believed alive under a
// task. Seeded with the root PID. A task is terminal iff this set is
// empty and the reader has drained every message up to that point
// (§3 invariant).
type ActiveProcessSet struct {
	mu  deadlock.Mutex
	set map[uint32]bool
}

func NewActiveProcessSet(rootPid uint32) *ActiveProcessSet {
	return &ActiveProcessSet{set: map[uint32]bool{rootPid: true}}
}

// Add inserts pid, returning true if it wasn't already present.
func (a *ActiveProcessSet) Add(pid uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.set[pid] {
		return false
	}
	a.set[pid] = true
	return true
}

// Remove deletes pid, returning true if doing so left the set empty.
func (a *ActiveProcessSet) Remove(pid uint32) (emptied bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.set, pid)
	return len(a.set) == 0
}

func (a *ActiveProcessSet) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.set) == 0
}

func (a *ActiveProcessSet) Contains(pid uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.set[pid]
}

// Snapshot returns a copy of the tracked PIDs, used by the prober to
// decide what to poll without holding the set's lock during the
// (comparatively slow) /proc stat calls.
func (a *ActiveProcessSet) Snapshot() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint32, 0, len(a.set))
	for pid := range a.set {
		out = append(out, pid)
	}
	return out
}

// BreakawaySet is the set of PIDs that have escaped the sandbox via a
// permitted breakaway (§3). On PID reuse — the same number appears in
// a subsequent clone/ProcessStart event — the entry is removed.
type BreakawaySet struct {
	mu  deadlock.Mutex
	set map[uint32]bool
}

func NewBreakawaySet() *BreakawaySet {
	return &BreakawaySet{set: make(map[uint32]bool)}
}

func (b *BreakawaySet) Add(pid uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set[pid] = true
}

// RemoveOnReuse drops pid from the breakaway set, as required when a
// ProcessStart event reports the same PID number again (§3 invariant).
func (b *BreakawaySet) RemoveOnReuse(pid uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.set, pid)
}

func (b *BreakawaySet) Contains(pid uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set[pid]
}
