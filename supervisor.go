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

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/buildxl/sandbox/activeset"
	"github.com/buildxl/sandbox/allowlist"
	"github.com/buildxl/sandbox/dispatcher"
	"github.com/buildxl/sandbox/fifoutil"
	"github.com/buildxl/sandbox/internal/pidfd"
	"github.com/buildxl/sandbox/internal/utils"
	"github.com/buildxl/sandbox/manifest"
	"github.com/buildxl/sandbox/outcome"
	"github.com/buildxl/sandbox/procmon"
	"github.com/buildxl/sandbox/report"
	"github.com/buildxl/sandbox/teardown"
)

const (
	famPathEnv     = "__BUILDXL_FAM_PATH"
	detoursPathEnv = "__BUILDXL_DETOURS_PATH"
	rootPidEnv     = "__BUILDXL_ROOT_PID"
	ldPreloadEnv   = "LD_PRELOAD"
	logPathEnv     = "__BUILDXL_LOG_PATH"

	maxLaunchRetries   = 5
	teardownGrace      = 1 * time.Minute
	proberInterval     = 1 * time.Second
	strandedChildGrace = 2 * time.Second
)

// InterposerConfig locates the native interposing library the
// supervisor loads into the child via LD_PRELOAD (§6). The interposer
// itself is an external collaborator; this module only consumes its
// wire protocol.
type InterposerConfig struct {
	DetoursPath string
	DebugFlag   byte
	LogPath     string // test mode only
}

// Supervisor orchestrates one Task's full lifecycle: manifest,
// FIFO(s), report reader(s), liveness prober, dispatcher, teardown
// machine, and outcome classification (§2).
type Supervisor struct {
	task       *Task
	interposer InterposerConfig
	tempDir    string
}

// NewSupervisor constructs a Supervisor for task. tempDir is typically
// os.TempDir(); it's a parameter so tests can confine FIFO/manifest
// files to a scratch directory.
func NewSupervisor(task *Task, interposer InterposerConfig, tempDir string) (*Supervisor, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		task:       task,
		interposer: interposer,
		tempDir:    tempDir,
	}, nil
}

// Identify implements dispatcher.ProcessIdentity trivially: the
// Supervisor has no richer per-process value-symbol or module scoping
// of its own (that belongs to the engine-side allow-list policy), so
// it returns empty strings and lets the allow-list fall back to
// image-path-only matching.
func (s *Supervisor) Identify(pid uint32) (valueSymbol, fullImagePath, moduleID string) {
	return "", "", ""
}

// Observe implements dispatcher.AccessSink. The classifier already
// recorded this access's counters and violation/allow-listed records
// before the dispatcher called here; the Supervisor only needs to log
// violations loudly enough for interactive debugging runs.
func (s *Supervisor) Observe(access *report.ReportedAccess, verdict allowlist.Verdict, isViolation bool) {
	if isViolation {
		logrus.Debugf("sandbox: violation pid=%d path=%s verdict=%s", access.Pid, access.Path, verdict)
	}
}

// Run launches the task's root command and blocks until the task
// reaches a terminal Outcome or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) (*Result, error) {
	names := fifoutil.NewNames(s.tempDir)
	if err := fifoutil.Create(names.Primary); err != nil {
		return nil, NewConfigurationError(err)
	}
	defer func() {
		if err := fifoutil.Remove(names.Primary); err != nil {
			logrus.Warnf("sandbox: failed to remove fifo %s: %v", names.Primary, err)
		}
	}()

	if s.task.SecondaryPipe {
		if err := fifoutil.Create(names.Secondary); err != nil {
			return nil, NewConfigurationError(err)
		}
		defer func() {
			if err := fifoutil.Remove(names.Secondary); err != nil {
				logrus.Warnf("sandbox: failed to remove fifo %s: %v", names.Secondary, err)
			}
		}()
	}

	m := buildManifest(s.task, names.Primary, s.interposer.DebugFlag)
	if err := manifest.Write(names.Manifest, m); err != nil {
		return nil, NewConfigurationError(err)
	}
	defer os.Remove(names.Manifest)

	cmd, err := s.launch(ctx, names)
	if err != nil {
		if le, ok := err.(*LaunchError); ok {
			return &Result{TaskID: s.task.ID, Outcome: PreparationFailed, Err: le}, nil
		}
		return nil, err
	}

	return s.supervise(ctx, cmd, names)
}

func buildManifest(t *Task, primaryFifo string, debugFlag byte) *manifest.Manifest {
	flags := manifest.Flags{
		MonitorChildProcesses:    t.MonitorChildProcesses,
		ReportFileAccesses:       t.ReportFileAccesses,
		ReportProcessArgs:        t.ReportProcessArgs,
		FailUnexpectedFileAccess: t.FailUnexpectedFileAccess,
		CheckMessageCount:        t.CheckMessageCount,
	}
	return &manifest.Manifest{
		TaskID:     t.ID,
		DebugFlag:  debugFlag,
		ReportSink: primaryFifo,
		Flags:      flags,
	}
}

// launch execs the root command with the env-var contract of §6. The
// transient LaunchError subclass (ETXTBSY, observed during interposer
// injection races) is retried, for at most maxLaunchRetries attempts in
// total.
func (s *Supervisor) launch(ctx context.Context, names fifoutil.Names) (*exec.Cmd, error) {
	if !utils.CmdExists(s.task.Command) {
		return nil, NewLaunchError(fmt.Errorf("command not found: %s", s.task.Command), false, 0)
	}

	var lastErr error
	for attempt := 1; attempt <= maxLaunchRetries; attempt++ {
		cmd := exec.CommandContext(ctx, s.task.Command, s.task.Args...)
		cmd.Dir = s.task.WorkDir
		cmd.Env = injectEnv(s.task.Env, names.Manifest, s.interposer)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		err := cmd.Start()
		if err == nil {
			return cmd, nil
		}

		transient := isTransientLaunchFailure(err)
		lastErr = NewLaunchError(err, transient, attempt)
		if !transient {
			return nil, lastErr
		}
		logrus.Warnf("sandbox: transient launch failure on attempt %d/%d: %v", attempt, maxLaunchRetries, err)
		time.Sleep(jitteredBackoff(attempt))
	}
	return nil, lastErr
}

// isTransientLaunchFailure identifies the retry-eligible LaunchError
// subclass (§7): ETXTBSY, observed in the original system as an
// interposer injection race against the kernel's text-busy check on a
// binary still being written by a concurrent build step.
func isTransientLaunchFailure(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.ETXTBSY
}

func jitteredBackoff(attempt int) time.Duration {
	base := time.Duration(attempt) * 20 * time.Millisecond
	return base + time.Duration(rand.Int63n(int64(base/2)+1))
}

// injectEnv builds the child's environment per §6: __BUILDXL_FAM_PATH,
// __BUILDXL_DETOURS_PATH, __BUILDXL_LOG_PATH when a log path is set,
// and LD_PRELOAD concatenated rather than replaced. __BUILDXL_ROOT_PID
// is not added: the PID is known only after the child has started, and
// supervise then sets it in the supervisor's own process environment,
// which the already-running child does not see.
func injectEnv(base []string, manifestPath string, interposer InterposerConfig) []string {
	env := make([]string, 0, len(base)+4)
	ldPreloadIdx := -1
	for i, v := range base {
		if name, _, err := utils.GetEnvVarInfo(v); err == nil && name == ldPreloadEnv {
			ldPreloadIdx = i
		}
		env = append(env, v)
	}

	if ldPreloadIdx >= 0 {
		env[ldPreloadIdx] = env[ldPreloadIdx] + ":" + interposer.DetoursPath
	} else {
		env = append(env, ldPreloadEnv+"="+interposer.DetoursPath)
	}

	env = append(env, famPathEnv+"="+manifestPath)
	env = append(env, detoursPathEnv+"="+interposer.DetoursPath)
	if interposer.LogPath != "" {
		env = append(env, logPathEnv+"="+interposer.LogPath)
	}
	return env
}

// supervise wires together the reader(s), prober, dispatcher, and
// teardown machine once the root process is running, then blocks until
// a terminal Outcome is reached.
func (s *Supervisor) supervise(ctx context.Context, cmd *exec.Cmd, names fifoutil.Names) (*Result, error) {
	rootPid := uint32(cmd.Process.Pid)
	os.Setenv(rootPidEnv, strconv.FormatUint(uint64(rootPid), 10))

	active := activeset.NewActiveProcessSet(rootPid)
	breakaway := activeset.NewBreakawaySet()
	classifier := outcome.NewClassifier()
	classifier.ReportAllowListedAccesses = s.task.ReportAllowListedAccesses
	classifier.IgnoreUnsafeNtCreate = s.task.Unsafe.IgnoreNtCreate

	// Open the reader side of each FIFO before anything dials a writer:
	// report.Open's read-open never blocks (see its doc comment), which
	// is what lets the parked-writer open inside it, and the gate's
	// WriteSentinel calls after it, succeed immediately instead of
	// waiting on a peer that doesn't exist yet. The sink is wired in
	// afterward, once the dispatcher that needs these readers'
	// ParkedWriter()-derived gates has been built.
	primaryReader, err := report.Open(names.Primary, nil, false)
	if err != nil {
		return nil, NewPipeError(names.Primary, err)
	}
	primaryGate := teardown.NewPipeGate(primaryReader.ParkedWriter())

	var secondaryReader *report.Reader
	var secondaryGate *teardown.PipeGate
	if s.task.SecondaryPipe {
		secondaryReader, err = report.Open(names.Secondary, nil, true)
		if err != nil {
			return nil, NewPipeError(names.Secondary, err)
		}
		secondaryGate = teardown.NewPipeGate(secondaryReader.ParkedWriter())
	}
	machine := teardown.NewMachine(primaryGate, secondaryGate)

	fifoPaths := []string{names.Primary}
	if s.task.SecondaryPipe {
		fifoPaths = append(fifoPaths, names.Secondary)
	}

	// The prober is built before the dispatcher so the dispatcher can
	// feed it every process-lifecycle transition it sees (§4.3: the
	// prober must watch "each PID in the active set", not just the
	// root). It starts out idle — Start() isn't called until the root
	// process itself has exited, since until then the interposer is
	// the authority on liveness and a live poll would only race it.
	prober, err := procmon.New(procmon.Cfg{Poll: proberInterval}, breakaway.Contains)
	if err != nil {
		return nil, NewConfigurationError(err)
	}
	prober.Track(rootPid)

	d := dispatcher.New(active, breakaway, s.task.AllowList, classifier, s, s, machine, prober, fifoPaths)
	primaryReader.SetSink(d)
	if secondaryReader != nil {
		secondaryReader.SetSink(d)
	}

	readerErrCh := make(chan error, 2)
	go func() {
		err := primaryReader.Run()
		machine.NotePrimaryReaderDone()
		readerErrCh <- err
	}()
	if secondaryReader != nil {
		go func() {
			err := secondaryReader.Run()
			machine.NoteSecondaryReaderDone()
			readerErrCh <- err
		}()
	}

	go s.forwardProberEvents(prober, d)

	result := s.waitForCompletion(ctx, cmd, machine, readerErrCh, active, prober)

	d.Close()
	machine.DisposeAll()
	primaryReader.Close()
	if secondaryReader != nil {
		secondaryReader.Close()
	}
	prober.Close()

	if result.Outcome == Succeeded || result.Outcome == Killed {
		result.Counters = classifier.Counters()
		result.Violations = classifier.Violations()
		result.AllowListed = classifier.AllowListed()
	}

	return result, nil
}

func (s *Supervisor) forwardProberEvents(prober *procmon.Prober, d *dispatcher.Dispatcher) {
	for events := range prober.Events() {
		for _, ev := range events {
			d.PostAccess(&report.ReportedAccess{Op: report.OpProcessExit, Pid: ev.Pid})
		}
	}
}

// waitForCompletion blocks until the root process exits and the
// teardown machine reaches Terminal, or until ctx is cancelled. On
// cancellation it kills the root process via pidfd (§6, SPEC_FULL
// addition 1) and falls back to ForceTerminal if teardown doesn't
// settle within the grace period.
//
// The root exiting on its own does not guarantee the tree is gone: a
// detached grandchild can outlive its parent. When the root's Wait()
// returns but active still holds PIDs once strandedChildGrace elapses,
// those survivors are signalled directly and the task is reported as
// Killed rather than Succeeded (§7).
//
// The root's exit is also the signal that starts the prober (§4.3):
// until now the interposer's own ProcessExit reports are authoritative,
// and only once the root is gone is a live /proc poll the last line of
// defense against a descendant that crashed silently.
func (s *Supervisor) waitForCompletion(ctx context.Context, cmd *exec.Cmd, machine *teardown.Machine, readerErrCh <-chan error, active *activeset.ActiveProcessSet, prober *procmon.Prober) *Result {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var strandedTimer *time.Timer
	var strandedC <-chan time.Time
	defer func() {
		if strandedTimer != nil {
			strandedTimer.Stop()
		}
	}()

	timeoutTimer := time.NewTimer(s.task.Timeout)
	defer timeoutTimer.Stop()

	terminalCh := pollTerminal(machine)

	var waitErr error
	waitDone := false

	for {
		select {
		case waitErr = <-waitCh:
			waitDone = true
			waitCh = nil // don't select this case again
			prober.Start()
			if !active.Empty() {
				strandedTimer = time.NewTimer(strandedChildGrace)
				strandedC = strandedTimer.C
			}

		case <-strandedC:
			strandedC = nil
			if active.Empty() {
				continue
			}
			for _, pid := range active.Snapshot() {
				_ = pidfd.KillRoot(int(pid))
			}
			awaitTerminal(terminalCh, machine)
			exitCode := 0
			if waitErr != nil {
				exitCode = exitCodeOf(waitErr)
			}
			return &Result{TaskID: s.task.ID, Outcome: Killed, ExitCode: exitCode}

		case readErr := <-readerErrCh:
			if readErr != nil {
				prober.Start()
				_ = pidfd.KillRoot(cmd.Process.Pid)
				awaitTerminal(terminalCh, machine)
				return &Result{TaskID: s.task.ID, Outcome: DetouringFailure, Err: readErr}
			}

		case <-ctx.Done():
			prober.Start()
			_ = pidfd.KillRoot(cmd.Process.Pid)
			awaitTerminal(terminalCh, machine)
			return &Result{TaskID: s.task.ID, Outcome: Canceled, Err: &CancelledError{}}

		case <-timeoutTimer.C:
			prober.Start()
			_ = pidfd.KillRoot(cmd.Process.Pid)
			awaitTerminal(terminalCh, machine)
			return &Result{TaskID: s.task.ID, Outcome: TimedOut, Err: &TimeoutError{}}

		case <-terminalCh:
			taskOutcome := Succeeded
			exitCode := 0
			var runErr error
			if waitDone && waitErr != nil {
				exitCode = exitCodeOf(waitErr)
				taskOutcome = ExecutionFailed
				runErr = waitErr
			}
			return &Result{TaskID: s.task.ID, Outcome: taskOutcome, ExitCode: exitCode, Err: runErr}
		}
	}
}

// awaitTerminal waits for the teardown machine to settle after a kill,
// forcing it terminal if the bounded grace period (§5) elapses first.
func awaitTerminal(terminalCh <-chan struct{}, machine *teardown.Machine) {
	select {
	case <-terminalCh:
	case <-time.After(teardownGrace):
		machine.ForceTerminal()
	}
}

func pollTerminal(machine *teardown.Machine) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for machine.State() != teardown.Terminal {
			time.Sleep(5 * time.Millisecond)
		}
		close(ch)
	}()
	return ch
}

func exitCodeOf(err error) int {
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
