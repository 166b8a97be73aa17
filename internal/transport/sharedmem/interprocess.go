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
	"math"
	"sync/atomic"
	"time"
)

// SharedMutex and SharedCond are synchronization primitives whose entire
// state is a futex word, so they can be embedded as plain struct members
// inside a shared-memory segment and used by every process that maps it.
// They must never be copied once in use, and their memory layout must be
// identical in all participating processes (a single uint32 each).

// Mutex states.
const (
	mutexUnlocked  = 0
	mutexLocked    = 1
	mutexContended = 2
)

// SharedMutex is an inter-process mutex over a single futex word.
type SharedMutex struct {
	state uint32
}

// Lock acquires the mutex, sleeping on the futex under contention.
func (m *SharedMutex) Lock() error {
	if atomic.CompareAndSwapUint32(&m.state, mutexUnlocked, mutexLocked) {
		return nil
	}
	for {
		// Mark contended so the holder knows to wake us on unlock.
		if atomic.LoadUint32(&m.state) == mutexContended ||
			atomic.CompareAndSwapUint32(&m.state, mutexLocked, mutexContended) {
			if err := futexWait(&m.state, mutexContended); err != nil {
				return err
			}
		}
		if atomic.CompareAndSwapUint32(&m.state, mutexUnlocked, mutexContended) {
			return nil
		}
	}
}

// TryLock acquires the mutex without blocking. Returns false if held.
func (m *SharedMutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.state, mutexUnlocked, mutexLocked)
}

// Unlock releases the mutex and wakes one waiter if any were queued.
func (m *SharedMutex) Unlock() {
	if atomic.AddUint32(&m.state, ^uint32(0)) != mutexUnlocked {
		// Was contended: hand the word back to unlocked and wake a waiter.
		atomic.StoreUint32(&m.state, mutexUnlocked)
		futexWake(&m.state, 1) //nolint:errcheck
	}
}

// SharedCond is an inter-process condition variable over a sequence word.
// Waiters snapshot the sequence, drop the associated mutex, and sleep until
// the sequence moves; Signal and Broadcast bump the sequence and wake.
type SharedCond struct {
	seq uint32
}

// WaitTimeout atomically releases mu and blocks until the condition is
// signalled or d elapses, then reacquires mu before returning. A nil return
// does not imply the caller's predicate holds: wakeups may be spurious, so
// callers must loop.
//
// Returns ErrFutexTimeout when d elapsed without a wakeup.
func (c *SharedCond) WaitTimeout(mu *SharedMutex, d time.Duration) error {
	seq := atomic.LoadUint32(&c.seq)

	mu.Unlock()
	waitErr := futexWaitTimeout(&c.seq, seq, d.Nanoseconds())
	if err := mu.Lock(); err != nil {
		return err
	}
	return waitErr
}

// Signal wakes one waiter.
func (c *SharedCond) Signal() {
	atomic.AddUint32(&c.seq, 1)
	futexWake(&c.seq, 1) //nolint:errcheck
}

// Broadcast wakes every waiter.
func (c *SharedCond) Broadcast() {
	atomic.AddUint32(&c.seq, 1)
	futexWake(&c.seq, math.MaxInt32) //nolint:errcheck
}
