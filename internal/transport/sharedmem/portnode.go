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
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
)

const (
	// MaxDomainNameLength is the hard ceiling on domain name length. Long
	// names could overflow shared-memory file name limits on some
	// platforms.
	MaxDomainNameLength = 16

	// ListenersStatusSize is the maximum number of simultaneous listeners
	// per port (the fixed size of the in-node status table).
	ListenersStatusSize = 1024

	// portNodeMagic tags the port node block inside a segment, standing in
	// for a named-object lookup. An attach that does not find it treats
	// the segment as corrupt.
	portNodeMagic = "PORTNODE"
)

var portNodeSize = unsafe.Sizeof(PortNode{})

// listenerStatus packs one listener's liveness state into a byte:
//
//	bit  0     is_waiting
//	bits 1-3   counter
//	bits 4-6   last_verified_counter
//
// A waiting listener bumps counter on every wait timeout; the watchdog
// records what it saw in last_verified_counter. A waiting listener whose
// counter stops moving is frozen or dead. The narrow fields keep the
// 1024-entry table to one kilobyte of segment space. All access is under
// the port mutex.
type listenerStatus uint8

func (s *listenerStatus) isWaiting() bool {
	return *s&0x01 != 0
}

func (s *listenerStatus) setWaiting(waiting bool) {
	if waiting {
		*s |= 0x01
	} else {
		*s &^= 0x01
	}
}

func (s *listenerStatus) counter() uint8 {
	return uint8(*s>>1) & 0x07
}

func (s *listenerStatus) setCounter(v uint8) {
	*s = *s&^(0x07<<1) | listenerStatus(v&0x07)<<1
}

func (s *listenerStatus) lastVerifiedCounter() uint8 {
	return uint8(*s>>4) & 0x07
}

func (s *listenerStatus) setLastVerifiedCounter(v uint8) {
	*s = *s&^(0x07<<4) | listenerStatus(v&0x07)<<4
}

// PortNode is the fixed control block of one port, allocated at a
// well-known offset in the port's segment. Every field is flat and
// fixed-size; the layout must be identical in all participating processes.
//
// Mutating access is serialized by emptyCVMutex, except refCounter,
// lastCheckTimeMS and isPortOK, which are atomic. isPortOK reads outside
// the mutex are hints only and must be re-checked under the lock before
// acting on them.
type PortNode struct {
	magic  [8]byte
	uuid   uuid.UUID // flat [16]byte, safe to embed in the segment
	portID uint32
	_      uint32

	bufferOff     uint64 // offset of the cell array
	bufferNodeOff uint64 // offset of the ring node

	emptyCV      SharedCond
	emptyCVMutex SharedMutex

	refCounter   uint32 // live Port handles across all processes
	waitingCount uint32 // listeners currently blocked in WaitPop

	listenersStatus [ListenersStatusSize]listenerStatus
	numListeners    uint32
	_               uint32

	lastCheckTimeMS int64 // last successful watchdog probe, Unix millis

	healthyCheckTimeoutMS uint32
	portWaitTimeoutMS     uint32
	maxBufferDescriptors  uint32

	isPortOK              uint32
	isOpenedReadExclusive uint32
	isOpenedForReading    uint32

	domainName [MaxDomainNameLength + 1]byte
	_          [7]byte
}

// UUID returns the port's identity as assigned at creation.
func (n *PortNode) UUID() uuid.UUID {
	return n.uuid
}

// IsPortOK reports the port's health flag. Off-lock callers treat the
// result as a hint.
func (n *PortNode) IsPortOK() bool {
	return atomic.LoadUint32(&n.isPortOK) != 0
}

// SetPortOK sets the port's health flag.
func (n *PortNode) SetPortOK(ok bool) {
	var v uint32
	if ok {
		v = 1
	}
	atomic.StoreUint32(&n.isPortOK, v)
}

// LastCheckTimeMS returns the time of the last successful liveness probe.
func (n *PortNode) LastCheckTimeMS() int64 {
	return atomic.LoadInt64(&n.lastCheckTimeMS)
}

// SetLastCheckTimeMS records a successful liveness probe.
func (n *PortNode) SetLastCheckTimeMS(ms int64) {
	atomic.StoreInt64(&n.lastCheckTimeMS, ms)
}

// DomainName returns the NUL-terminated domain name as a string.
func (n *PortNode) DomainName() string {
	for i, b := range n.domainName {
		if b == 0 {
			return string(n.domainName[:i])
		}
	}
	return string(n.domainName[:MaxDomainNameLength])
}

func (n *PortNode) setDomainName(name string) {
	copy(n.domainName[:MaxDomainNameLength], name)
	n.domainName[MaxDomainNameLength] = 0
}

// findPortNode locates and validates the port node in an attached segment.
func findPortNode(segment *Segment) (*PortNode, error) {
	off := segment.header().portNodeOff
	if off == 0 || off+uint64(portNodeSize) > segment.Size() {
		return nil, fmt.Errorf("%w: port node not found", ErrSegmentCorrupt)
	}

	node := (*PortNode)(segment.AddressFromOffset(off))
	if string(node.magic[:]) != portNodeMagic {
		return nil, fmt.Errorf("%w: port node not found", ErrSegmentCorrupt)
	}

	if node.maxBufferDescriptors == 0 {
		return nil, fmt.Errorf("%w: port node has zero capacity", ErrSegmentCorrupt)
	}
	cellsEnd := node.bufferOff + uint64(node.maxBufferDescriptors)*uint64(unsafe.Sizeof(Cell{}))
	if cellsEnd > segment.Size() {
		return nil, fmt.Errorf("%w: cell array outside segment", ErrSegmentCorrupt)
	}
	if node.bufferNodeOff+uint64(unsafe.Sizeof(ringNode{})) > segment.Size() {
		return nil, fmt.Errorf("%w: ring node outside segment", ErrSegmentCorrupt)
	}

	return node, nil
}
