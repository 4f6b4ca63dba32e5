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

// Package fifoutil creates and removes the named pipes the supervisor
// places under the system temp directory (§6 Persisted state:
// bxl_<unique-name>.fifo, .fifo2, .fam).
package fifoutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const fifoMode = 0600

// Names holds the filesystem paths for one task's FIFOs and manifest,
// all sharing a single random suffix so they're trivially grouped for
// diagnostics.
type Names struct {
	Primary   string
	Secondary string
	Manifest  string
}

// NewNames allocates a fresh unique-name suffix under dir (typically
// os.TempDir()).
func NewNames(dir string) Names {
	suffix := uuid.New().String()
	base := filepath.Join(dir, "bxl_"+suffix)
	return Names{
		Primary:   base + ".fifo",
		Secondary: base + ".fifo2",
		Manifest:  base + ".fam",
	}
}

// Create makes the named pipe at path.
func Create(path string) error {
	if err := unix.Mkfifo(path, fifoMode); err != nil {
		return fmt.Errorf("failed to create fifo %s: %w", path, err)
	}
	return nil
}

// Remove does a best-effort unlink; failures are logged by the caller
// but are never fatal (§5 Resource ownership).
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
