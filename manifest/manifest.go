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

// Package manifest serializes the file-access policy the interposer
// reads on startup (spec §4.1).
package manifest

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dchest/safefile"
	"github.com/spf13/afero"
)

// appFs is a filesystem seam in the shape of the teacher's
// `var appFs = afero.NewOsFs()` in utils/linux.go. Nothing in this
// package reads it: Write goes straight through safefile (which
// needs a real os.File), and the package's tests use real files.
var appFs afero.Fs = afero.NewOsFs()

// ScopePolicy is the per-path policy entry (§4.1).
type ScopePolicy struct {
	Path                 string
	AllowRead            bool
	AllowWrite           bool
	AllowProbe           bool
	ReportAccess         bool
	FakeInputTimestamps  bool
	AllowSymlinkCreation bool
	AllowCreateDirectory bool
	MaskAll              bool // false means mask-nothing
}

// Flags are the process-wide feature toggles (§4.1).
type Flags struct {
	MonitorChildProcesses    bool
	ReportFileAccesses       bool
	ReportProcessArgs        bool
	FailUnexpectedFileAccess bool
	BreakOnUnexpectedAccess  bool
	EnforcePoliciesOnMkdir   bool
	CheckMessageCount        bool
}

// Manifest is the serializable policy blob (§4.1).
type Manifest struct {
	TaskID     string
	DebugFlag  byte
	ReportSink string // FIFO path
	Flags      Flags
	Scopes     []ScopePolicy
}

const magic uint32 = 0x58424d31 // "1MBX" little-endian -> ASCII-ish tag, stable across versions.

// Write serializes m and atomically publishes it to path using
// write-then-rename (github.com/dchest/safefile), exactly the pattern
// gravwell-gravwell's ingesters/utils/state.go uses for its own
// on-disk state file. A half-written manifest must never be visible to
// the child process, which may start reading it the instant the
// directory entry appears.
func Write(path string, m *Manifest) error {
	f, err := safefile.Create(path, 0600)
	if err != nil {
		return fmt.Errorf("failed to create manifest file %s: %w", path, err)
	}

	if err := encode(f, m); err != nil {
		f.File.Close()
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	if err := f.Commit(); err != nil {
		return fmt.Errorf("failed to commit manifest file %s: %w", path, err)
	}

	return nil
}

func encode(w io.Writer, m *Manifest) error {
	if err := writeUint32(w, magic); err != nil {
		return err
	}
	if err := writeByte(w, m.DebugFlag); err != nil {
		return err
	}
	if err := writeString(w, m.TaskID); err != nil {
		return err
	}
	if err := writeString(w, m.ReportSink); err != nil {
		return err
	}
	if err := writeFlags(w, m.Flags); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(m.Scopes))); err != nil {
		return err
	}
	for _, s := range m.Scopes {
		if err := writeScope(w, s); err != nil {
			return err
		}
	}
	return nil
}

func writeScope(w io.Writer, s ScopePolicy) error {
	if err := writeString(w, s.Path); err != nil {
		return err
	}
	bits := byte(0)
	if s.AllowRead {
		bits |= 1 << 0
	}
	if s.AllowWrite {
		bits |= 1 << 1
	}
	if s.AllowProbe {
		bits |= 1 << 2
	}
	if s.ReportAccess {
		bits |= 1 << 3
	}
	if s.FakeInputTimestamps {
		bits |= 1 << 4
	}
	if s.AllowSymlinkCreation {
		bits |= 1 << 5
	}
	if s.AllowCreateDirectory {
		bits |= 1 << 6
	}
	if s.MaskAll {
		bits |= 1 << 7
	}
	return writeByte(w, bits)
}

func writeFlags(w io.Writer, f Flags) error {
	bits := byte(0)
	if f.MonitorChildProcesses {
		bits |= 1 << 0
	}
	if f.ReportFileAccesses {
		bits |= 1 << 1
	}
	if f.ReportProcessArgs {
		bits |= 1 << 2
	}
	if f.FailUnexpectedFileAccess {
		bits |= 1 << 3
	}
	if f.BreakOnUnexpectedAccess {
		bits |= 1 << 4
	}
	if f.EnforcePoliciesOnMkdir {
		bits |= 1 << 5
	}
	if f.CheckMessageCount {
		bits |= 1 << 6
	}
	return writeByte(w, bits)
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

// CheckDebugFlag compares the supervisor's configured debug flag
// against the one the interposer was built with. A mismatch is fatal
// per §4.1.
func CheckDebugFlag(supervisorFlag, interposerFlag byte) error {
	if supervisorFlag != interposerFlag {
		return fmt.Errorf("debug flag mismatch: supervisor=%d interposer=%d", supervisorFlag, interposerFlag)
	}
	return nil
}
