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

// Package teardown implements the two-sentinel shutdown protocol of
// §4.6: the hardest subsystem, because it coordinates graceful
// shutdown across two FIFOs and a liveness prober without deadlock,
// handle leaks, or premature truncation of in-flight events.
package teardown

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// State is one task's teardown state.
type State int

const (
	Running State = iota
	DrainingPrimary
	DrainingSecondary
	Terminal
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case DrainingPrimary:
		return "DrainingPrimary"
	case DrainingSecondary:
		return "DrainingSecondary"
	case Terminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

const (
	noActiveProcessesSentinel int32 = -21
	endOfReportsSentinel      int32 = -22
)

// PipeGate guards one FIFO's write-end against the race between
// "write a sentinel into it" and "dispose the read handle" — writing
// to a pipe with no reader produces EPIPE (§4.6 "Synchronization
// around sentinel emission"). Exactly one PipeGate exists per FIFO.
type PipeGate struct {
	mu       deadlock.Mutex
	disposed bool
	writer   *os.File
}

// NewPipeGate wraps the FIFO's parked write descriptor.
func NewPipeGate(writer *os.File) *PipeGate {
	return &PipeGate{writer: writer}
}

// WriteSentinel atomically emits the given sentinel value, unless the
// read handle has already been disposed (in which case it's a no-op:
// the reader is gone, there's nothing left to signal). The 4-byte
// write is always smaller than PIPE_BUF, so it can never block on a
// full pipe (§5 Suspension points).
func (g *PipeGate) WriteSentinel(value int32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disposed {
		return nil
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(value))
	if _, err := g.writer.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to write sentinel %d: %w", value, err)
	}
	return nil
}

// Dispose marks the gate closed and closes the underlying write
// descriptor, holding the same lock WriteSentinel uses so the two
// operations are mutually exclusive.
func (g *PipeGate) Dispose() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disposed {
		return nil
	}
	g.disposed = true
	return g.writer.Close()
}

// Machine drives one task's teardown across a primary and an optional
// secondary pipe.
type Machine struct {
	mu    deadlock.Mutex
	state State

	primaryGate   *PipeGate
	secondaryGate *PipeGate // nil if there's no secondary pipe

	rootRemoved bool // guards against duplicate sentinel emission (§5)
}

func NewMachine(primary *PipeGate, secondary *PipeGate) *Machine {
	return &Machine{
		state:         Running,
		primaryGate:   primary,
		secondaryGate: secondary,
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// NoteActiveSetEmptied is called by the dispatcher (or the prober, via
// the dispatcher) exactly when removing a PID leaves the active set
// empty. It emits NoActiveProcessesSentinel on the primary pipe at
// most once per emptying, guarded by rootRemoved so a concurrent
// prober and dispatcher can't both conclude "last process just left."
func (m *Machine) NoteActiveSetEmptied() error {
	m.mu.Lock()
	already := m.rootRemoved
	m.rootRemoved = true
	state := m.state
	m.mu.Unlock()

	if already {
		logrus.Debugf("teardown: active set emptied again, sentinel already sent")
		return nil
	}
	if state != Running {
		return nil
	}

	logrus.Debugf("teardown: active set emptied, writing NoActiveProcessesSentinel")
	return m.primaryGate.WriteSentinel(noActiveProcessesSentinel)
}

// NoteProcessStarted clears the "root removed" latch: a ProcessStart
// arriving after a NoActiveProcessesSentinel was sent means the
// process tree isn't actually done, so a future emptying must be
// allowed to emit its own sentinel again.
func (m *Machine) NoteProcessStarted() {
	m.mu.Lock()
	m.rootRemoved = false
	m.mu.Unlock()
}

// NoteNoActiveProcessesSentinelDequeued is called by the dispatcher
// when it pops a NoActiveProcessesSentinel off its queue. If the
// active set is *still* empty at that moment (passed in by the
// caller, which holds the authoritative state), no ProcessStart could
// have arrived between the two sentinels (FIFO ordering per pipe), so
// it's safe to emit EndOfReportsSentinel and move to DrainingPrimary.
func (m *Machine) NoteNoActiveProcessesSentinelDequeued(activeSetStillEmpty bool) error {
	if !activeSetStillEmpty {
		return nil
	}

	m.mu.Lock()
	if m.state != Running {
		m.mu.Unlock()
		return nil
	}
	m.state = DrainingPrimary
	m.mu.Unlock()

	logrus.Debugf("teardown: writing EndOfReportsSentinel")
	return m.primaryGate.WriteSentinel(endOfReportsSentinel)
}

// NotePrimaryReaderDone transitions Running/DrainingPrimary ->
// DrainingSecondary (if a secondary pipe exists) or -> Terminal. Per
// §4.6, the secondary pipe's drain only begins after the primary
// reaches this point, and needs only a single sentinel since a
// ProcessStart never arrives on the secondary pipe.
func (m *Machine) NotePrimaryReaderDone() error {
	m.mu.Lock()
	hasSecondary := m.secondaryGate != nil
	if hasSecondary {
		m.state = DrainingSecondary
	} else {
		m.state = Terminal
	}
	m.mu.Unlock()

	if !hasSecondary {
		return nil
	}

	logrus.Debugf("teardown: primary drained, starting secondary drain")
	return m.secondaryGate.WriteSentinel(noActiveProcessesSentinel)
}

// NoteSecondaryReaderDone transitions DrainingSecondary -> Terminal.
func (m *Machine) NoteSecondaryReaderDone() {
	m.mu.Lock()
	m.state = Terminal
	m.mu.Unlock()
}

// DisposeAll closes both pipe gates. Safe to call more than once and
// safe to call concurrently with in-flight WriteSentinel calls (the
// gate's own lock serializes them).
func (m *Machine) DisposeAll() {
	if err := m.primaryGate.Dispose(); err != nil {
		logrus.Warnf("teardown: failed to dispose primary pipe: %v", err)
	}
	if m.secondaryGate != nil {
		if err := m.secondaryGate.Dispose(); err != nil {
			logrus.Warnf("teardown: failed to dispose secondary pipe: %v", err)
		}
	}
}

// ForceTerminal is the grace-path safety net (§4.6): called when the
// worker thread hasn't progressed within the bounded grace period,
// e.g. because a kernel filesystem pathology wedged a read
// indefinitely. It forcibly marks the machine Terminal without
// attempting any further sentinel writes (the pipes may be wedged).
func (m *Machine) ForceTerminal() {
	m.mu.Lock()
	m.state = Terminal
	m.mu.Unlock()
	logrus.Warnf("teardown: grace period exceeded, forcing terminal state")
}
