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
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// NamedMutex is a host-wide mutex keyed by a string name, backed by an
// exclusive flock on a file next to the segments. It serializes the port
// open protocol across processes; it is never held across data-plane
// operations. The kernel releases the lock if the holder dies, so a
// crashed opener cannot wedge the protocol.
type NamedMutex struct {
	file *os.File
	name string
}

// openOrCreateAndLockNamedMutex opens (creating if needed) the named mutex
// and acquires it, blocking until available.
func openOrCreateAndLockNamedMutex(name string) (*NamedMutex, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open named mutex %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to lock named mutex %s: %w", path, err)
	}

	return &NamedMutex{file: file, name: name}, nil
}

// Unlock releases the mutex and closes the underlying file.
func (m *NamedMutex) Unlock() {
	if m.file == nil {
		return
	}
	unix.Flock(int(m.file.Fd()), unix.LOCK_UN) //nolint:errcheck
	m.file.Close()
	m.file = nil
}

// RemoveNamedMutex removes the named mutex file. Callers must not hold the
// mutex they are removing: a lock on an unlinked file no longer excludes
// openers of the freshly created name.
func RemoveNamedMutex(name string) error {
	var lastErr error
	for _, path := range segmentPaths(name) {
		if err := os.Remove(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return lastErr
	}
	return os.ErrNotExist
}

// NamedMutexExists reports whether the named mutex file exists.
func NamedMutexExists(name string) bool {
	for _, path := range segmentPaths(name) {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}
