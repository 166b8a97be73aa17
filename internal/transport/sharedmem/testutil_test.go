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
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/google/uuid"
)

// The failure handler is settable once per process, so every test Global
// registers this dispatcher and individual tests swap the sink behind it.
var (
	failureSinkMu sync.Mutex
	failureSink   PortFailureHandler
)

func testFailureHandler(descriptors []BufferDescriptor, domainName string) {
	failureSinkMu.Lock()
	sink := failureSink
	failureSinkMu.Unlock()
	if sink != nil {
		sink(descriptors, domainName)
	}
}

// setFailureSink routes failure callbacks to sink for the duration of the
// test.
func setFailureSink(t *testing.T, sink PortFailureHandler) {
	t.Helper()
	failureSinkMu.Lock()
	failureSink = sink
	failureSinkMu.Unlock()
	t.Cleanup(func() {
		failureSinkMu.Lock()
		failureSink = nil
		failureSinkMu.Unlock()
	})
}

// newTestGlobal creates a Global with a unique short domain name.
func newTestGlobal(t *testing.T) *Global {
	t.Helper()

	domain := fmt.Sprintf("t%x", time.Now().UnixNano()&0xffffffffff)
	g, err := NewGlobal(domain, testFailureHandler)
	if err != nil {
		t.Fatalf("failed to create global for domain %s: %v", domain, err)
	}
	return g
}

// openTestPort opens a port and registers cleanup of the handle and of any
// files a not-ok port would leave behind.
func openTestPort(t *testing.T, g *Global, portID, capacity, healthyTimeoutMS uint32, mode OpenMode) *Port {
	t.Helper()

	port, err := g.OpenPort(portID, capacity, healthyTimeoutMS, mode)
	if err != nil {
		t.Fatalf("failed to open port %d %s: %v", portID, mode, err)
	}

	segmentName := g.portSegmentName(portID)
	t.Cleanup(func() {
		port.Close()
		RemoveSegment(segmentName)
		RemoveNamedMutex(segmentName + "_mutex")
	})

	return port
}

// testDescriptor builds a distinguishable descriptor.
func testDescriptor(n byte) BufferDescriptor {
	return BufferDescriptor{
		SourceSegmentID:  uuid.UUID{n},
		BufferNodeOffset: uint64(n) * 100,
	}
}

// newTestRing builds a heap-backed ring view; the ring code only needs a
// contiguous cell array and a node, wherever they live.
func newTestRing(capacity uint32) *RingBuffer {
	cells := make([]Cell, capacity)
	node := &ringNode{}
	initRingNode(unsafe.Pointer(node), capacity)
	return newRingBuffer(unsafe.Pointer(&cells[0]), unsafe.Pointer(node))
}
