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

// Package pidfd wraps the pidfd_open/pidfd_send_signal syscalls
// (Linux 5.1+/5.3+) so the supervisor can signal the sandboxed root
// process without the PID-reuse race inherent in kill(2)-by-number.
package pidfd

import "syscall"

const (
	sysPidfdSendSignal = 424
	sysPidfdOpen       = 434
)

// PidFd refers to a specific process instance, not merely a PID
// number, eliminating the reuse race a plain kill(pid, sig) is
// exposed to between "check the PID is still ours" and "signal it".
type PidFd int

// Open obtains a file descriptor that refers to the process with the
// given pid. Returns syscall.ENOSYS on kernels older than 5.3;
// callers should fall back to signal-by-pid in that case.
func Open(pid int) (PidFd, error) {
	fd, _, errno := syscall.Syscall(sysPidfdOpen, uintptr(pid), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return PidFd(fd), nil
}

// SendSignal signals the process referred to by fd. Returns
// syscall.ESRCH if the process has already exited — exactly the case
// pidfd_open is meant to disambiguate from "a new, unrelated process
// now has this PID".
func (fd PidFd) SendSignal(signal syscall.Signal) error {
	_, _, errno := syscall.Syscall6(sysPidfdSendSignal, uintptr(fd), uintptr(signal), 0, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (fd PidFd) Close() error {
	return syscall.Close(int(fd))
}

// KillRoot sends SIGKILL to pid via pidfd if the kernel supports it,
// falling back to a plain kill(2) by PID otherwise (§4.6 "the
// supervisor sends SIGKILL to the root process").
func KillRoot(pid int) error {
	fd, err := Open(pid)
	if err == syscall.ENOSYS {
		return syscall.Kill(pid, syscall.SIGKILL)
	}
	if err != nil {
		// Process may have already exited (ESRCH) or some other
		// transient condition; fall back to best-effort kill(2).
		return syscall.Kill(pid, syscall.SIGKILL)
	}
	defer fd.Close()

	if err := fd.SendSignal(syscall.SIGKILL); err != nil {
		return err
	}
	return nil
}
