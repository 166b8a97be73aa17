//go:build linux

/*
 * Copyright 2025 Fast-RTPS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package sharedmem

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrFutexTimeout is returned by futexWaitTimeout when the wait times out.
var ErrFutexTimeout = errors.New("futex timeout")

// Futex operation codes, as defined by <linux/futex.h>. golang.org/x/sys/unix
// does not export these.
const (
	FUTEX_WAIT = 0
	FUTEX_WAKE = 1
)

// The futex words live inside shared-memory segments and are waited on by
// multiple processes, so the shared (non-PRIVATE) opcodes are required.

// futexWait waits for the value at addr to change from val.
// It returns when either:
//   - The value at addr is no longer equal to val
//   - Another thread or process calls futexWake on the same address
//   - The system call is interrupted
//
// This function should only be called when the logical condition is unmet
// and *addr == val. Always re-check the condition after this returns due
// to possible spurious wakeups.
func futexWait(addr *uint32, val uint32) error {
	// Re-check the value atomically before entering the syscall. This
	// prevents the lost-wake race where a peer bumps the word and wakes
	// us between our snapshot and futex entry.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), // uaddr
		FUTEX_WAIT,               // futex_op, shared across processes
		uintptr(val),                  // expected value
		0,                             // timeout - infinite (NULL)
		0, 0,
	)

	if errno != 0 {
		// EAGAIN means the value didn't match - expected, not an error.
		// EINTR means interrupted by signal - also not an error here.
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return nil
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}
	return nil
}

// futexWaitTimeout waits on addr until the value changes from val or the
// timeout elapses. timeout is specified in nanoseconds. Returns
// ErrFutexTimeout if the wait times out.
//
// As with futexWait, re-check the logical condition after this returns.
func futexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	if timeoutNs <= 0 {
		return futexWait(addr, val)
	}

	if atomic.LoadUint32(addr) != val {
		return nil
	}

	ts := unix.NsecToTimespec(timeoutNs)

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		FUTEX_WAIT,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0, 0,
	)

	if errno != 0 {
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return nil
		}
		if errno == unix.ETIMEDOUT {
			return ErrFutexTimeout
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}
	return nil
}

// futexWake wakes up to n waiters blocked on addr, in any process sharing
// the mapping. Returns the number of waiters actually woken.
func futexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		FUTEX_WAKE,
		uintptr(n),
		0, 0, 0,
	)

	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}
