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

import "github.com/buildxl/sandbox/outcome"

// Outcome is the single result a task produces (§7).
type Outcome int

const (
	Succeeded Outcome = iota
	ExecutionFailed
	Killed // root exited but one or more children survived
	TimedOut
	Canceled
	OutputMissing
	PreparationFailed
	MismatchedMessageCount
	DetouringFailure
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "Succeeded"
	case ExecutionFailed:
		return "ExecutionFailed"
	case Killed:
		return "Killed"
	case TimedOut:
		return "TimedOut"
	case Canceled:
		return "Canceled"
	case OutputMissing:
		return "OutputMissing"
	case PreparationFailed:
		return "PreparationFailed"
	case MismatchedMessageCount:
		return "MismatchedMessageCount"
	case DetouringFailure:
		return "DetouringFailure"
	default:
		return "Unknown"
	}
}

// Result is the supervisor's final handoff to the engine: the
// task-level outcome plus the accumulated classifier evidence.
type Result struct {
	TaskID      string
	Outcome     Outcome
	ExitCode    int
	Counters    outcome.Counters
	Violations  []outcome.ViolationRecord
	AllowListed []outcome.AllowListedRecord
	Err         error // non-nil for any Outcome other than Succeeded/Killed
}
