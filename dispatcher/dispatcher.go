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

// Package dispatcher implements the single-consumer event dispatcher
// of spec §4.4: it drains a queue of decoded reports in arrival order,
// updates the active-process set and breakaway set, consults the
// path-access cache, and fans reports out to the allow-list/outcome
// classifier and the engine's access sink.
package dispatcher

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/buildxl/sandbox/activeset"
	"github.com/buildxl/sandbox/allowlist"
	"github.com/buildxl/sandbox/outcome"
	"github.com/buildxl/sandbox/pathcache"
	"github.com/buildxl/sandbox/report"
	"github.com/buildxl/sandbox/teardown"
)

// ProcessTracker is the liveness-probing side of procmon.Prober. The
// dispatcher feeds it every process-lifecycle transition it observes
// so the prober always has the current active set to poll once it
// starts (§4.3: "each PID in the active set", not just the root).
type ProcessTracker interface {
	Track(pid uint32)
	Untrack(pid uint32)
}

// AccessSink receives every file-access event that survives dispatch
// filtering, cache dedup, and classification — the narrow interface
// the embedding build engine implements (§1 "peripheral concerns ...
// external collaborators"). verdict/isViolation let the engine avoid
// recomputing what the classifier already decided.
type AccessSink interface {
	Observe(access *report.ReportedAccess, verdict allowlist.Verdict, isViolation bool)
}

// ProcessIdentity resolves the value-symbol/image-path/module triple
// the allow-list matcher needs for a PID (§4.5 step 1-2). The
// supervisor supplies this, since only it tracks per-process exec
// images; the dispatcher itself never inspects /proc directly.
type ProcessIdentity interface {
	Identify(pid uint32) (valueSymbol, fullImagePath, moduleID string)
}

// Dispatcher is the single-consumer queue drainer. One per task, per
// Design Notes §9 ("do not share the dispatcher across tasks").
type Dispatcher struct {
	active     *activeset.ActiveProcessSet
	breakaway  *activeset.BreakawaySet
	cache      *pathcache.Cache
	allowList  *allowlist.AllowList
	classifier *outcome.Classifier
	identity   ProcessIdentity
	sink       AccessSink
	machine    *teardown.Machine
	tracker    ProcessTracker

	queue chan workItem

	mu                sync.Mutex
	seenPTraceRequest bool
	fifoPaths         map[string]bool
	execImages        map[uint32]string // pid -> last exec'd image path (§4.5 step 1)

	wg   sync.WaitGroup
	done chan struct{}
}

type workKind int

const (
	workAccess workKind = iota
	workDebug
	workSentinel
)

type workItem struct {
	kind     workKind
	access   *report.ReportedAccess
	debug    *report.DebugRecord
	sentinel int32
}

// New constructs a Dispatcher. fifoPaths lists both the primary and
// (if present) secondary FIFO paths, used to drop spurious
// self-observations per §4.4 step 1.
func New(
	active *activeset.ActiveProcessSet,
	breakaway *activeset.BreakawaySet,
	allowList *allowlist.AllowList,
	classifier *outcome.Classifier,
	identity ProcessIdentity,
	sink AccessSink,
	machine *teardown.Machine,
	tracker ProcessTracker,
	fifoPaths []string,
) *Dispatcher {
	paths := make(map[string]bool, len(fifoPaths))
	for _, p := range fifoPaths {
		paths[p] = true
	}

	d := &Dispatcher{
		active:     active,
		breakaway:  breakaway,
		cache:      pathcache.New(),
		allowList:  allowList,
		classifier: classifier,
		identity:   identity,
		sink:       sink,
		machine:    machine,
		tracker:    tracker,
		queue:      make(chan workItem, 4096),
		fifoPaths:  paths,
		execImages: make(map[uint32]string),
		done:       make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

// PostAccess implements report.Sink. The queue is a buffered channel of
// 4096 items, not an unbounded one: PostAccess returns at once while
// there is room and blocks the caller once the queue is full, until the
// dispatcher catches up. Events are never dropped.
func (d *Dispatcher) PostAccess(a *report.ReportedAccess) {
	d.queue <- workItem{kind: workAccess, access: a}
}

func (d *Dispatcher) PostDebug(dr *report.DebugRecord) {
	d.queue <- workItem{kind: workDebug, debug: dr}
}

func (d *Dispatcher) PostSentinel(value int32) {
	d.queue <- workItem{kind: workSentinel, sentinel: value}
}

// Close stops the dispatcher's goroutine once the queue drains.
// Callers must ensure no further Post* calls happen afterward.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for item := range d.queue {
		switch item.kind {
		case workAccess:
			d.handleAccess(item.access)
		case workDebug:
			logrus.Debugf("interposer debug [pid %d]: %s", item.debug.Pid, item.debug.Text)
		case workSentinel:
			d.handleSentinel(item.sentinel)
		}
	}
}

func (d *Dispatcher) handleSentinel(value int32) {
	switch value {
	case report.NoActiveProcessesSentinel:
		// The dispatcher dequeued its own marker: if the active set is
		// still empty right now, no ProcessStart could have arrived
		// between the two sentinel writes (FIFO ordering per pipe), so
		// it's safe to end the reader (§4.6).
		if err := d.machine.NoteNoActiveProcessesSentinelDequeued(d.active.Empty()); err != nil {
			logrus.Errorf("dispatcher: failed to advance teardown: %v", err)
		}
	case report.EndOfReportsSentinel:
		// Only the reader itself consumes this to stop its loop; the
		// dispatcher has nothing further to do.
	}
}

func (d *Dispatcher) handleAccess(a *report.ReportedAccess) {
	// Step 1: drop spurious self-observations from the ptrace
	// attach/report-pipe-write race, but only once a
	// ProcessRequiresPTrace request has actually been seen.
	d.mu.Lock()
	sawPTrace := d.seenPTraceRequest
	d.mu.Unlock()
	if sawPTrace && d.fifoPaths[a.Path] {
		logrus.Debugf("dispatcher: dropping self-observation on fifo path %s", a.Path)
		return
	}

	// Step 2: drop anonymous in-memory files.
	if strings.HasPrefix(a.Path, "/memfd:") {
		return
	}

	switch a.Op {
	case report.OpProcess:
		d.handleProcessStart(a.Pid)
		return
	case report.OpProcessExit:
		d.handleProcessExit(a.Pid)
		return
	case report.OpProcessBreakaway:
		d.breakaway.Add(a.Pid)
		return
	case report.OpProcessExec:
		d.mu.Lock()
		d.execImages[a.Pid] = a.Path
		d.mu.Unlock()
		return
	case report.OpProcessTreeCompletedAck:
		return
	case report.OpProcessRequiresPTrace:
		d.mu.Lock()
		d.seenPTraceRequest = true
		d.mu.Unlock()
		return
	case report.OpChangedReadWriteToReadAccess:
		// §9 open question: left to the engine. Surfaced as a warning
		// only, no counter is touched.
		logrus.Warnf("read/write access downgraded to read-only: pid=%d path=%s", a.Pid, a.Path)
		return
	}

	// A real file-access event: consult the path-access cache first
	// (§4.4 step 6) — a hit means this exact closure was already
	// reported for this path and is suppressed outright.
	if !d.cache.Observe(a.Path, a.RequestedAccess) {
		return
	}

	valueSymbol, fullImagePath, moduleID := d.identity.Identify(a.Pid)
	d.mu.Lock()
	if execPath, ok := d.execImages[a.Pid]; ok {
		fullImagePath = execPath
	}
	d.mu.Unlock()
	verdict := d.allowList.Match(valueSymbol, fullImagePath, moduleID, a.Path)
	isViolation := d.classifier.Classify(a, verdict)

	d.sink.Observe(a, verdict, isViolation)
}

func (d *Dispatcher) handleProcessStart(pid uint32) {
	d.active.Add(pid)
	d.breakaway.RemoveOnReuse(pid)
	d.machine.NoteProcessStarted()
	if d.tracker != nil {
		d.tracker.Track(pid)
	}
}

func (d *Dispatcher) handleProcessExit(pid uint32) {
	d.mu.Lock()
	delete(d.execImages, pid)
	d.mu.Unlock()

	if d.tracker != nil {
		d.tracker.Untrack(pid)
	}

	emptied := d.active.Remove(pid)
	if emptied {
		if err := d.machine.NoteActiveSetEmptied(); err != nil {
			logrus.Errorf("dispatcher: failed to emit no-active-processes sentinel: %v", err)
		}
	}
}
