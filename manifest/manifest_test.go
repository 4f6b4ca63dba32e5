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

package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteProducesNonEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.fam")

	m := &Manifest{
		TaskID:     "task-1",
		DebugFlag:  0,
		ReportSink: "/tmp/bxl_x.fifo",
		Flags: Flags{
			MonitorChildProcesses: true,
			ReportFileAccesses:    true,
		},
		Scopes: []ScopePolicy{
			{Path: "/w/out", AllowWrite: true, ReportAccess: true},
			{Path: "/w/in", AllowRead: true},
		},
	}

	if err := Write(path, m); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("manifest file missing after Write(): %v", err)
	}
	if fi.Size() == 0 {
		t.Fatalf("manifest file is empty")
	}
}

func TestCheckDebugFlagMismatch(t *testing.T) {
	if err := CheckDebugFlag(1, 2); err == nil {
		t.Fatalf("expected error for mismatched debug flags")
	}
	if err := CheckDebugFlag(1, 1); err != nil {
		t.Fatalf("unexpected error for matching debug flags: %v", err)
	}
}

func TestWriteNoPartialFileOnFailure(t *testing.T) {
	// writing to a directory that doesn't exist must fail without
	// leaving a partial file behind at the final path.
	path := filepath.Join(t.TempDir(), "missing-dir", "test.fam")

	m := &Manifest{TaskID: "task-2"}
	if err := Write(path, m); err == nil {
		t.Fatalf("expected error writing to nonexistent directory")
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("partial manifest file should not exist at %s", path)
	}
}
