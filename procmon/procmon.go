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

// Package procmon implements the process liveness prober of spec
// §4.3: it polls /proc for tracked PIDs and synthesizes exit events
// for children that crashed without the interposer reporting their
// exit. New constructs the prober and lets it accumulate Track/Untrack
// calls immediately, but the poll loop itself stays idle until Start
// is called — the supervisor calls Start once the root process has
// exited, since until then the interposer's own ProcessExit reports
// are authoritative and a live poll would only race them.
package procmon

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// polling config limits.
const (
	PollMin = 1 * time.Millisecond
	PollMax = 1000 * time.Millisecond
)

// Cfg configures a Prober.
type Cfg struct {
	// Poll is the cadence at which tracked PIDs are re-checked;
	// typically 1 second or the task's child-process-timeout,
	// whichever is smaller (§4.3).
	Poll time.Duration
}

func validateCfg(cfg Cfg) error {
	if cfg.Poll < PollMin || cfg.Poll > PollMax {
		return &ConfigError{cfg: cfg}
	}
	return nil
}

// ConfigError reports an out-of-range polling interval.
type ConfigError struct {
	cfg Cfg
}

func (e *ConfigError) Error() string {
	return "invalid procmon config: poll interval out of range"
}

// ExitEvent is posted for a PID the prober has determined is no
// longer alive.
type ExitEvent struct {
	Pid uint32
	Err error
}

type cmd int

const stopCmd cmd = iota

// Prober tracks a set of PIDs and periodically checks /proc for their
// continued existence, synthesizing ExitEvents for PIDs that have
// disappeared.
type Prober struct {
	mu      sync.Mutex
	cfg     Cfg
	tracked map[uint32]bool
	cmdCh   chan cmd
	eventCh chan []ExitEvent
	startCh chan struct{}
	started sync.Once

	// isBreakaway, when non-nil, lets the prober also drop PIDs that
	// have escaped the sandbox (§4.3 "or the PID is in the
	// BreakawaySet, remove it").
	isBreakaway func(pid uint32) bool
}

// New creates a Prober and starts its background goroutine eagerly,
// mirroring the teacher's pidmonitor.New — but the goroutine parks
// immediately behind the Start gate rather than polling, since §4.3
// scopes the prober's job to the window after the root has exited.
func New(cfg Cfg, isBreakaway func(pid uint32) bool) (*Prober, error) {
	if err := validateCfg(cfg); err != nil {
		return nil, err
	}

	p := &Prober{
		cfg:         cfg,
		tracked:     make(map[uint32]bool),
		cmdCh:       make(chan cmd),
		eventCh:     make(chan []ExitEvent, 10),
		startCh:     make(chan struct{}),
		isBreakaway: isBreakaway,
	}

	go p.run()

	return p, nil
}

// Start begins the polling loop. Idempotent; only the first call has
// any effect. Safe to call before any PIDs are tracked — Track/Untrack
// work regardless of whether the loop has started yet.
func (p *Prober) Start() {
	p.started.Do(func() {
		logrus.Debug("procmon: root exited, starting liveness poll")
		close(p.startCh)
	})
}

// Track adds a PID to the set the prober watches.
func (p *Prober) Track(pid uint32) {
	p.mu.Lock()
	p.tracked[pid] = true
	p.mu.Unlock()
}

// Untrack removes a PID (e.g. because a ProcessExit arrived on the
// report pipe before the prober noticed).
func (p *Prober) Untrack(pid uint32) {
	p.mu.Lock()
	delete(p.tracked, pid)
	p.mu.Unlock()
}

// Events returns the channel of synthesized exit events.
func (p *Prober) Events() <-chan []ExitEvent {
	return p.eventCh
}

// Close stops the prober's background goroutine.
func (p *Prober) Close() {
	p.cmdCh <- stopCmd
}

func (p *Prober) run() {
	select {
	case <-p.startCh:
	case c := <-p.cmdCh:
		if c == stopCmd {
			p.eventCh <- nil
			return
		}
	}

	for {
		eventList := []ExitEvent{}

		select {
		case c := <-p.cmdCh:
			if c == stopCmd {
				p.eventCh <- eventList
				return
			}
		default:
		}

		p.mu.Lock()
		var gone []uint32
		for pid := range p.tracked {
			breakaway := p.isBreakaway != nil && p.isBreakaway(pid)
			alive, err := pidExists(pid)
			if breakaway || err != nil || !alive {
				eventList = append(eventList, ExitEvent{Pid: pid, Err: err})
				gone = append(gone, pid)
			}
		}
		for _, pid := range gone {
			delete(p.tracked, pid)
		}
		p.mu.Unlock()

		if len(eventList) > 0 {
			for _, ev := range eventList {
				logrus.Debugf("procmon: pid %d no longer alive (err=%v)", ev.Pid, ev.Err)
			}
			p.eventCh <- eventList
		}

		time.Sleep(p.cfg.Poll)
	}
}

// pidExists checks /proc/<pid>. A pidfd-based liveness check would
// additionally disambiguate PID reuse, but the dispatcher already
// handles reuse explicitly via the BreakawaySet invariant (§3), so the
// simpler /proc check — identical to the teacher's pidmonitor — is
// sufficient here.
func pidExists(pid uint32) (bool, error) {
	path := procPath(pid)
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}
