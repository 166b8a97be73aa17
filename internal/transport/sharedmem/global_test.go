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
	"strings"
	"testing"
)

func TestGlobalDomainTooLong(t *testing.T) {
	if _, err := NewGlobal(strings.Repeat("x", MaxDomainNameLength+1), nil); !errors.Is(err, ErrDomainTooLong) {
		t.Fatalf("expected ErrDomainTooLong, got %v", err)
	}

	if _, err := NewGlobal(strings.Repeat("x", MaxDomainNameLength), nil); err != nil {
		t.Fatalf("domain at the limit should be accepted, got %v", err)
	}
}

func TestOpenPortCreatesAndCleansUp(t *testing.T) {
	g := newTestGlobal(t)
	segmentName := g.portSegmentName(1)
	t.Cleanup(func() {
		RemoveSegment(segmentName)
		RemoveNamedMutex(segmentName + "_mutex")
	})

	port, err := g.OpenPort(1, 4, 3000, OpenModeWrite)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if !SegmentExists(segmentName) {
		t.Fatal("segment should exist while the port is open")
	}
	if !NamedMutexExists(segmentName + "_mutex") {
		t.Fatal("named mutex should exist while the port is open")
	}
	if port.node.DomainName() != g.DomainName() {
		t.Fatalf("node domain %q, want %q", port.node.DomainName(), g.DomainName())
	}

	port.Close()

	if SegmentExists(segmentName) {
		t.Fatal("last closer should remove the segment")
	}
	if NamedMutexExists(segmentName + "_mutex") {
		t.Fatal("last closer should remove the named mutex")
	}
}

func TestOpenPortAttachSharesNode(t *testing.T) {
	g := newTestGlobal(t)

	writer := openTestPort(t, g, 2, 4, 3000, OpenModeWrite)
	reader := openTestPort(t, g, 2, 4, 3000, OpenModeReadShared)

	if writer.node.UUID() != reader.node.UUID() {
		t.Fatal("second open should attach to the same port node")
	}

	listener, _, err := reader.CreateListener()
	if err != nil {
		t.Fatalf("create listener failed: %v", err)
	}

	want := testDescriptor(5)
	if ok, _, err := writer.TryPush(want); err != nil || !ok {
		t.Fatalf("push failed: ok=%v err=%v", ok, err)
	}

	cell := listener.Head()
	if cell == nil {
		t.Fatal("listener should see the writer's descriptor through the shared ring")
	}
	if got := cell.Data(); got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestOpenPortSharingCollisions(t *testing.T) {
	g := newTestGlobal(t)

	openTestPort(t, g, 3, 4, 3000, OpenModeReadShared)

	var cannotOpen *CannotOpenError
	if _, err := g.OpenPort(3, 4, 3000, OpenModeReadExclusive); !errors.As(err, &cannotOpen) {
		t.Fatalf("ReadExclusive after ReadShared should be rejected, got %v", err)
	}

	// The rejection must leave the existing port usable.
	writer := openTestPort(t, g, 3, 4, 3000, OpenModeWrite)
	if _, _, err := writer.TryPush(testDescriptor(1)); err != nil {
		t.Fatalf("existing port unusable after rejected open: %v", err)
	}
}

func TestOpenPortReadExclusiveExcludesReaders(t *testing.T) {
	g := newTestGlobal(t)

	openTestPort(t, g, 4, 4, 3000, OpenModeReadExclusive)

	var cannotOpen *CannotOpenError
	if _, err := g.OpenPort(4, 4, 3000, OpenModeReadShared); !errors.As(err, &cannotOpen) {
		t.Fatalf("ReadShared after ReadExclusive should be rejected, got %v", err)
	}
	if _, err := g.OpenPort(4, 4, 3000, OpenModeReadExclusive); !errors.As(err, &cannotOpen) {
		t.Fatalf("second ReadExclusive should be rejected, got %v", err)
	}

	// Writers are always admitted.
	openTestPort(t, g, 4, 4, 3000, OpenModeWrite)
}

func TestOpenPortCorruptNodeRecovery(t *testing.T) {
	g := newTestGlobal(t)

	stale := openTestPort(t, g, 5, 4, 3000, OpenModeWrite)
	staleUUID := stale.node.UUID()

	// Externally corrupt the segment: wipe the port node tag.
	stale.node.magic = [8]byte{}

	fresh := openTestPort(t, g, 5, 4, 3000, OpenModeWrite)
	if fresh.node.UUID() == staleUUID {
		t.Fatal("open should have recreated the corrupt port")
	}
	if string(fresh.node.magic[:]) != portNodeMagic {
		t.Fatal("recreated node is not tagged")
	}
}

func TestOpenPortUnhealthyRecreated(t *testing.T) {
	g := newTestGlobal(t)

	// Short timeouts so the failing healthy check converges quickly.
	stale := openTestPort(t, g, 6, 4, 300, OpenModeWrite)
	staleUUID := stale.node.UUID()

	// Fake a listener that died while waiting: flagged waiting, heartbeat
	// counter already verified and frozen.
	if err := stale.node.emptyCVMutex.Lock(); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	stale.node.numListeners = 1
	status := &stale.node.listenersStatus[0]
	status.setWaiting(true)
	status.setCounter(status.lastVerifiedCounter())
	stale.node.emptyCVMutex.Unlock()

	fresh := openTestPort(t, g, 6, 4, 300, OpenModeWrite)
	if fresh.node.UUID() == staleUUID {
		t.Fatal("open should have recreated the unhealthy port")
	}
}
