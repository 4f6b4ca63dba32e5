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

package activeset

import "testing"

func TestActiveSetEmptiesOnLastRemove(t *testing.T) {
	a := NewActiveProcessSet(1)
	a.Add(2)

	if emptied := a.Remove(1); emptied {
		t.Fatalf("Remove() reported emptied too early")
	}
	if emptied := a.Remove(2); !emptied {
		t.Fatalf("Remove() should report emptied after removing the last pid")
	}
	if !a.Empty() {
		t.Fatalf("Empty() should be true after removing all pids")
	}
}

// TestBreakawayPidReuse mirrors scenario S3: ProcessStart(100),
// ProcessBreakaway(100), ProcessStart(100) — after the third event,
// 100 must be in the active set and not in the breakaway set.
func TestBreakawayPidReuse(t *testing.T) {
	active := NewActiveProcessSet(0)
	breakaway := NewBreakawaySet()

	active.Add(100)
	breakaway.Add(100)

	// second ProcessStart(100): PID reuse clears the breakaway entry.
	active.Add(100)
	breakaway.RemoveOnReuse(100)

	if !active.Contains(100) {
		t.Fatalf("want pid 100 in active set")
	}
	if breakaway.Contains(100) {
		t.Fatalf("want pid 100 removed from breakaway set")
	}
}
