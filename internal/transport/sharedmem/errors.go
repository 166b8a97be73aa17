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
)

var (
	// ErrPortNotOk indicates an operation on a port previously marked
	// inoperative (by the watchdog or by a failed data-plane operation).
	ErrPortNotOk = errors.New("port is marked as not ok")

	// ErrPortUnhealthy indicates a healthy check that timed out without
	// observing progress from every waiting listener.
	ErrPortUnhealthy = errors.New("healthy check failed")

	// ErrBufferEmpty indicates a pop on a listener whose queue is empty.
	ErrBufferEmpty = errors.New("buffer is empty")

	// ErrDomainTooLong indicates a domain name over MaxDomainNameLength.
	ErrDomainTooLong = errors.New("domain name too long")

	// ErrListenersTableFull indicates the per-port listener table is
	// exhausted (ListenersStatusSize listeners already registered).
	ErrListenersTableFull = errors.New("listeners table is full")

	// ErrSegmentCorrupt indicates a segment whose header or port node
	// failed validation on attach.
	ErrSegmentCorrupt = errors.New("segment is corrupt")

	// errRingOverflow reports a push against a full ring. Producers see it
	// as a false return from TryPush, not as an error.
	errRingOverflow = errors.New("ring buffer overflow")
)

// CannotOpenError is returned by Global.OpenPort when the port exists but
// the requested sharing mode is incompatible with how it is already opened.
type CannotOpenError struct {
	Reason string
}

func (e *CannotOpenError) Error() string {
	return fmt.Sprintf("couldn't open port %s", e.Reason)
}
