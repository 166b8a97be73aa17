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
	"sync/atomic"

	"github.com/google/uuid"
)

// PortInfo is a point-in-time snapshot of a port's control block, read
// without taking a handle (no refcount bump, no watchdog enrollment).
type PortInfo struct {
	UUID                  uuid.UUID
	PortID                uint32
	DomainName            string
	IsPortOK              bool
	RefCounter            uint32
	NumListeners          uint32
	WaitingCount          uint32
	IsOpenedForReading    bool
	IsOpenedReadExclusive bool
	MaxBufferDescriptors  uint32
	Enqueued              int
	HealthyCheckTimeoutMS uint32
	PortWaitTimeoutMS     uint32
	LastCheckTimeMS       int64
}

// InspectPort attaches to a port segment, snapshots its state and detaches.
// The snapshot is taken under the port mutex but is stale the moment it
// returns; it is a diagnostic view, not a synchronization point.
func InspectPort(segmentName string) (*PortInfo, error) {
	segment, err := OpenSegment(segmentName)
	if err != nil {
		return nil, err
	}
	defer segment.Close()

	node, err := findPortNode(segment)
	if err != nil {
		return nil, err
	}

	buffer := newRingBuffer(
		segment.AddressFromOffset(node.bufferOff),
		segment.AddressFromOffset(node.bufferNodeOff),
	)

	if err := node.emptyCVMutex.Lock(); err != nil {
		return nil, err
	}
	defer node.emptyCVMutex.Unlock()

	var enqueued []BufferDescriptor
	buffer.Copy(&enqueued)

	return &PortInfo{
		UUID:                  node.UUID(),
		PortID:                node.portID,
		DomainName:            node.DomainName(),
		IsPortOK:              node.IsPortOK(),
		RefCounter:            atomic.LoadUint32(&node.refCounter),
		NumListeners:          node.numListeners,
		WaitingCount:          node.waitingCount,
		IsOpenedForReading:    node.isOpenedForReading != 0,
		IsOpenedReadExclusive: node.isOpenedReadExclusive != 0,
		MaxBufferDescriptors:  node.maxBufferDescriptors,
		Enqueued:              len(enqueued),
		HealthyCheckTimeoutMS: node.healthyCheckTimeoutMS,
		PortWaitTimeoutMS:     node.portWaitTimeoutMS,
		LastCheckTimeMS:       node.LastCheckTimeMS(),
	}, nil
}
