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
	"strconv"

	"github.com/pkg/errors"
)

// ProtocolError wraps a malformed record or unexpected sentinel
// encountered by a report reader. Fatal for the task (§7); no
// recovery is attempted.
type ProtocolError struct {
	cause error
}

func NewProtocolError(cause error) *ProtocolError {
	return &ProtocolError{cause: errors.WithStack(cause)}
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.cause.Error() }
func (e *ProtocolError) Unwrap() error { return e.cause }

// PipeError wraps EPIPE, a short read, or an open failure on a FIFO.
// Fatal for the task (§7).
type PipeError struct {
	Path  string
	cause error
}

func NewPipeError(path string, cause error) *PipeError {
	return &PipeError{Path: path, cause: errors.WithStack(cause)}
}

func (e *PipeError) Error() string {
	return "pipe error on " + e.Path + ": " + e.cause.Error()
}
func (e *PipeError) Unwrap() error { return e.cause }

// LaunchError reports that the child could not be created: binary
// missing, permission denied, or memory pressure. Transient is set for
// the retry-eligible subclass observed as interposer injection races
// (e.g. ETXTBSY); the supervisor retries those, for at most
// maxLaunchRetries attempts in total, before surfacing this error (§7,
// SPEC_FULL addition 2).
type LaunchError struct {
	Transient bool
	Attempt   int
	cause     error
}

func NewLaunchError(cause error, transient bool, attempt int) *LaunchError {
	return &LaunchError{Transient: transient, Attempt: attempt, cause: errors.WithStack(cause)}
}

func (e *LaunchError) Error() string {
	return "launch error (attempt " + strconv.Itoa(e.Attempt) + "): " + e.cause.Error()
}
func (e *LaunchError) Unwrap() error { return e.cause }

// TimeoutError reports that the task's wall-clock or warning-clock
// budget was exceeded. Triggers a kill of the whole tree (§7).
type TimeoutError struct {
	Warning bool // true if this was the warning-clock, not the hard clock
}

func (e *TimeoutError) Error() string {
	if e.Warning {
		return "task exceeded its warning-clock timeout"
	}
	return "task exceeded its timeout"
}

// CancelledError reports external cancellation. Not a task failure in
// the ordinary sense; the supervisor propagates it as such rather than
// folding it into ExecutionFailed (§7).
type CancelledError struct{}

func (e *CancelledError) Error() string { return "task was cancelled" }

// ConfigurationError reports a bad allow-list regex or a mismatched
// debug flag. Fatal at task-admission time; never raised mid-run (§7).
type ConfigurationError struct {
	cause error
}

func NewConfigurationError(cause error) *ConfigurationError {
	return &ConfigurationError{cause: errors.WithStack(cause)}
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.cause.Error() }
func (e *ConfigurationError) Unwrap() error { return e.cause }
