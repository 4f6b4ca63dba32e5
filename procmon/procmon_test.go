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

package procmon

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"testing"
	"time"
)

func pidListEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func spawnDummyProcesses(num int) ([]uint32, error) {
	var err error
	pids := []uint32{}
	for i := 0; i < num; i++ {
		cmd := exec.Command("tail", "-f", "/dev/null")
		if err = cmd.Start(); err != nil {
			break
		}
		pids = append(pids, uint32(cmd.Process.Pid))
	}
	if err != nil {
		killDummyProcesses(pids)
		return nil, err
	}
	return pids, nil
}

func killDummyProcesses(pids []uint32) error {
	for _, pid := range pids {
		proc, err := os.FindProcess(int(pid))
		if err != nil {
			return fmt.Errorf("failed to find pid %d", pid)
		}
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("failed to kill pid %d", pid)
		}
		if _, err := proc.Wait(); err != nil {
			return fmt.Errorf("failed to reap pid %d", pid)
		}
	}
	return nil
}

func TestTrackAndUntrack(t *testing.T) {
	p, err := New(Cfg{Poll: 500 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New() failed: %s", err)
	}
	defer p.Close()

	p.Track(1)
	p.Track(2)

	p.mu.Lock()
	if !p.tracked[1] || !p.tracked[2] {
		t.Errorf("Track() failed to register pids")
	}
	p.mu.Unlock()

	p.Untrack(1)

	p.mu.Lock()
	if p.tracked[1] {
		t.Errorf("Untrack() failed to remove pid 1")
	}
	p.mu.Unlock()
}

func TestProberDetectsExit(t *testing.T) {
	numProc := 10

	p, err := New(Cfg{Poll: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New() failed: %s", err)
	}
	defer p.Close()
	p.Start()

	pids, err := spawnDummyProcesses(numProc)
	if err != nil {
		t.Fatalf("spawnDummyProcesses() failed: %s", err)
	}

	for _, pid := range pids {
		p.Track(pid)
	}

	resultCh := make(chan error, 1)
	go func() {
		seen := []uint32{}
		for {
			events := <-p.Events()
			for _, e := range events {
				seen = append(seen, e.Pid)
			}
			if len(seen) >= numProc {
				break
			}
		}
		if !pidListEqual(seen, pids) {
			resultCh <- fmt.Errorf("want %v, got %v", pids, seen)
			return
		}
		resultCh <- nil
	}()

	// Give the prober a chance to be mid-poll when the kill happens.
	time.Sleep(100 * time.Millisecond)

	if err := killDummyProcesses(pids); err != nil {
		t.Fatalf("killDummyProcesses() failed: %s", err)
	}

	if err := <-resultCh; err != nil {
		t.Fatalf("event mismatch: %s", err)
	}
}

func TestProberRemovesBreakawayPids(t *testing.T) {
	breakaway := map[uint32]bool{100: true}

	p, err := New(Cfg{Poll: 20 * time.Millisecond}, func(pid uint32) bool {
		return breakaway[pid]
	})
	if err != nil {
		t.Fatalf("New() failed: %s", err)
	}
	defer p.Close()
	p.Start()

	p.Track(100)

	events := <-p.Events()
	if len(events) != 1 || events[0].Pid != 100 {
		t.Fatalf("want breakaway pid 100 removed, got %+v", events)
	}
}

func TestProberDoesNotPollBeforeStart(t *testing.T) {
	pids, err := spawnDummyProcesses(1)
	if err != nil {
		t.Fatalf("spawnDummyProcesses() failed: %s", err)
	}
	defer killDummyProcesses(pids)

	p, err := New(Cfg{Poll: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New() failed: %s", err)
	}
	defer p.Close()

	p.Track(pids[0])
	if err := killDummyProcesses(pids); err != nil {
		t.Fatalf("killDummyProcesses() failed: %s", err)
	}

	select {
	case events := <-p.Events():
		t.Fatalf("want no events before Start(), got %+v", events)
	case <-time.After(100 * time.Millisecond):
	}

	p.Start()

	select {
	case events := <-p.Events():
		if len(events) != 1 || events[0].Pid != pids[0] {
			t.Fatalf("want the dead pid reported after Start(), got %+v", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not begin polling")
	}
}

func TestInvalidPollInterval(t *testing.T) {
	if _, err := New(Cfg{Poll: 0}, nil); err == nil {
		t.Fatalf("expected error for poll interval below PollMin")
	}
	if _, err := New(Cfg{Poll: 10 * time.Second}, nil); err == nil {
		t.Fatalf("expected error for poll interval above PollMax")
	}
}
