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

// Package sandbox is the CORE of the Linux process sandbox supervisor:
// it launches a command under a syscall-interposing sandbox, ingests
// file-access events over FIFOs, decides when the process tree has
// truly terminated, and renders the accumulated evidence as a
// classified Outcome.
//
// Command-line parsing, configuration loading, the engine-wide task
// scheduler, cache integration, and the interposing library itself are
// external collaborators this package does not provide.
package sandbox

import (
	"time"

	"github.com/buildxl/sandbox/allowlist"
)

// UnsafeFlags loosens specific enforcement points, always at the
// caller's risk (§6).
type UnsafeFlags struct {
	IgnoreNtCreate    bool
	MonitorNtCreate   bool
	IgnoreSetFileInfo bool
}

// Task is the unit of supervision, admitted once by the engine and
// destroyed only after teardown completes and the Result has been
// handed off (§3).
type Task struct {
	ID      string
	Command string
	Args    []string
	WorkDir string
	Env     []string
	Timeout time.Duration

	FailUnexpectedFileAccess bool
	ReportFileAccesses       bool
	MonitorChildProcesses    bool
	ReportProcessArgs        bool
	CheckMessageCount        bool

	AllowList *allowlist.AllowList
	Unsafe    UnsafeFlags

	// ReportAllowListedAccesses enables the classifier's escalation mode
	// (§4.5, §9 open question 1): see outcome.Classifier.
	ReportAllowListedAccesses bool

	// SecondaryPipe requests a second, high-priority FIFO for control
	// messages so they never starve behind a backlog of file-access
	// reports (§2).
	SecondaryPipe bool
}

// Validate applies the admission-time checks that must surface as a
// ConfigurationError rather than failing mid-run (§7).
func (t *Task) Validate() error {
	if t.Command == "" {
		return NewConfigurationError(errEmptyCommand)
	}
	if t.Timeout <= 0 {
		return NewConfigurationError(errNonPositiveTimeout)
	}
	return nil
}

var (
	errEmptyCommand       = simpleError("task command must not be empty")
	errNonPositiveTimeout = simpleError("task timeout must be positive")
)

type simpleError string

func (e simpleError) Error() string { return string(e) }
