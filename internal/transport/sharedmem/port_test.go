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
	"sync/atomic"
	"testing"
	"time"
)

func TestPortSingleWriterSingleReader(t *testing.T) {
	g := newTestGlobal(t)

	writer := openTestPort(t, g, 1, 4, 3000, OpenModeWrite)
	reader := openTestPort(t, g, 1, 4, 3000, OpenModeReadExclusive)

	listener, index, err := reader.CreateListener()
	if err != nil {
		t.Fatalf("create listener failed: %v", err)
	}

	first := testDescriptor(1)
	second := testDescriptor(2)

	for _, d := range []BufferDescriptor{first, second} {
		ok, active, err := writer.TryPush(d)
		if err != nil {
			t.Fatalf("push failed: %v", err)
		}
		if !ok {
			t.Fatal("push overflowed on an empty port")
		}
		if !active {
			t.Fatal("push reported no active listeners")
		}
	}

	var isClosed atomic.Bool
	for i, want := range []BufferDescriptor{first, second} {
		if err := reader.WaitPop(listener, &isClosed, index); err != nil {
			t.Fatalf("wait pop %d failed: %v", i, err)
		}
		cell := listener.Head()
		if cell == nil {
			t.Fatalf("wait pop %d returned without a head", i)
		}
		if got := cell.Data(); got != want {
			t.Fatalf("descriptor %d out of order: got %+v, want %+v", i, got, want)
		}
		if _, err := reader.Pop(listener); err != nil {
			t.Fatalf("pop %d failed: %v", i, err)
		}
	}

	// A further wait must block until the listener is closed.
	done := make(chan error, 1)
	go func() {
		done <- reader.WaitPop(listener, &isClosed, index)
	}()

	select {
	case err := <-done:
		t.Fatalf("wait pop returned early: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	if err := reader.CloseListener(&isClosed); err != nil {
		t.Fatalf("close listener failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait pop after close failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait pop did not observe the closed flag")
	}
}

func TestPortMulticastTwoReaders(t *testing.T) {
	g := newTestGlobal(t)

	writer := openTestPort(t, g, 2, 4, 3000, OpenModeWrite)
	readerB := openTestPort(t, g, 2, 4, 3000, OpenModeReadShared)
	readerC := openTestPort(t, g, 2, 4, 3000, OpenModeReadShared)

	listenerB, indexB, err := readerB.CreateListener()
	if err != nil {
		t.Fatalf("create listener B failed: %v", err)
	}
	listenerC, indexC, err := readerC.CreateListener()
	if err != nil {
		t.Fatalf("create listener C failed: %v", err)
	}

	want := testDescriptor(9)
	if ok, _, err := writer.TryPush(want); err != nil || !ok {
		t.Fatalf("push failed: ok=%v err=%v", ok, err)
	}

	var closedB, closedC atomic.Bool

	if err := readerB.WaitPop(listenerB, &closedB, indexB); err != nil {
		t.Fatalf("wait pop B failed: %v", err)
	}
	if got := listenerB.Head().Data(); got != want {
		t.Fatalf("reader B got %+v, want %+v", got, want)
	}
	freed, err := readerB.Pop(listenerB)
	if err != nil {
		t.Fatalf("pop B failed: %v", err)
	}
	if freed {
		t.Fatal("cell freed before reader C popped")
	}

	if err := readerC.WaitPop(listenerC, &closedC, indexC); err != nil {
		t.Fatalf("wait pop C failed: %v", err)
	}
	if got := listenerC.Head().Data(); got != want {
		t.Fatalf("reader C got %+v, want %+v", got, want)
	}
	freed, err = readerC.Pop(listenerC)
	if err != nil {
		t.Fatalf("pop C failed: %v", err)
	}
	if !freed {
		t.Fatal("cell should be freed after both readers popped")
	}
}

func TestPortOverflowCounting(t *testing.T) {
	g := newTestGlobal(t)

	writer := openTestPort(t, g, 3, 2, 3000, OpenModeWrite)
	reader := openTestPort(t, g, 3, 2, 3000, OpenModeReadShared)

	// A lagging listener: registered, never pops.
	if _, _, err := reader.CreateListener(); err != nil {
		t.Fatalf("create listener failed: %v", err)
	}

	for i := byte(1); i <= 5; i++ {
		ok, _, err := writer.TryPush(testDescriptor(i))
		if err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
		if i <= 2 && !ok {
			t.Fatalf("push %d should fit in capacity", i)
		}
		if i > 2 && ok {
			t.Fatalf("push %d should overflow", i)
		}
	}

	if got := writer.OverflowsCount(); got != 3 {
		t.Fatalf("expected 3 overflows, got %d", got)
	}
}

func TestPortListenersTableFull(t *testing.T) {
	g := newTestGlobal(t)

	reader := openTestPort(t, g, 4, 2, 3000, OpenModeReadShared)

	for i := 0; i < ListenersStatusSize; i++ {
		if _, _, err := reader.CreateListener(); err != nil {
			t.Fatalf("create listener %d failed: %v", i, err)
		}
	}

	if _, _, err := reader.CreateListener(); !errors.Is(err, ErrListenersTableFull) {
		t.Fatalf("expected ErrListenersTableFull, got %v", err)
	}
}

func TestPortCreateUnregisterListenerNoop(t *testing.T) {
	g := newTestGlobal(t)

	reader := openTestPort(t, g, 5, 4, 3000, OpenModeReadShared)

	before := reader.node.numListeners
	freeBefore := reader.buffer.node.freeCells

	listener, _, err := reader.CreateListener()
	if err != nil {
		t.Fatalf("create listener failed: %v", err)
	}
	if err := reader.UnregisterListener(listener); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}

	if reader.node.numListeners != before {
		t.Fatalf("numListeners changed: %d -> %d", before, reader.node.numListeners)
	}
	if reader.buffer.node.freeCells != freeBefore {
		t.Fatalf("ring state changed: freeCells %d -> %d",
			freeBefore, reader.buffer.node.freeCells)
	}
}

func TestPortTryPushNotOk(t *testing.T) {
	g := newTestGlobal(t)

	writer := openTestPort(t, g, 6, 2, 3000, OpenModeWrite)

	writer.node.SetPortOK(false)

	if _, _, err := writer.TryPush(testDescriptor(1)); !errors.Is(err, ErrPortNotOk) {
		t.Fatalf("expected ErrPortNotOk, got %v", err)
	}
}

func TestPortOpenModeDerived(t *testing.T) {
	g := newTestGlobal(t)

	writer := openTestPort(t, g, 7, 2, 3000, OpenModeWrite)
	if mode := writer.OpenMode(); mode != OpenModeWrite {
		t.Fatalf("expected Write mode, got %s", mode)
	}

	reader := openTestPort(t, g, 7, 2, 3000, OpenModeReadExclusive)
	if mode := reader.OpenMode(); mode != OpenModeReadExclusive {
		t.Fatalf("expected ReadExclusive mode, got %s", mode)
	}
	// The writer's view changes too: the flags live in the shared node.
	if mode := writer.OpenMode(); mode != OpenModeReadExclusive {
		t.Fatalf("expected shared node to report ReadExclusive, got %s", mode)
	}
}

func TestPortWaitPopHeartbeat(t *testing.T) {
	g := newTestGlobal(t)

	// healthy timeout 300ms -> wait timeout 100ms per tick.
	reader := openTestPort(t, g, 8, 2, 300, OpenModeReadExclusive)

	listener, index, err := reader.CreateListener()
	if err != nil {
		t.Fatalf("create listener failed: %v", err)
	}

	var isClosed atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- reader.WaitPop(listener, &isClosed, index)
	}()

	// Let the listener enter the wait, then play watchdog: verify its
	// counter and check that the next timeout bumps it again.
	time.Sleep(50 * time.Millisecond)

	if err := reader.node.emptyCVMutex.Lock(); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	status := &reader.node.listenersStatus[index]
	if !status.isWaiting() {
		reader.node.emptyCVMutex.Unlock()
		t.Fatal("listener should be flagged waiting")
	}
	if status.counter() == status.lastVerifiedCounter() {
		reader.node.emptyCVMutex.Unlock()
		t.Fatal("fresh waiter should show an unverified counter")
	}
	status.setLastVerifiedCounter(status.counter())
	verified := status.lastVerifiedCounter()
	reader.node.emptyCVMutex.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := reader.node.emptyCVMutex.Lock(); err != nil {
			t.Fatalf("lock failed: %v", err)
		}
		advanced := status.counter() != verified
		reader.node.emptyCVMutex.Unlock()
		if advanced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("waiting listener never advanced its heartbeat counter")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := reader.CloseListener(&isClosed); err != nil {
		t.Fatalf("close listener failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("wait pop failed: %v", err)
	}
}

func TestPortHealthyCheckPasses(t *testing.T) {
	g := newTestGlobal(t)

	port := openTestPort(t, g, 9, 2, 3000, OpenModeWrite)
	if err := port.HealthyCheck(); err != nil {
		t.Fatalf("healthy check on an idle port failed: %v", err)
	}
}

func TestPortHealthyCheckNotOk(t *testing.T) {
	g := newTestGlobal(t)

	port := openTestPort(t, g, 10, 2, 3000, OpenModeWrite)
	port.node.SetPortOK(false)

	if err := port.HealthyCheck(); !errors.Is(err, ErrPortNotOk) {
		t.Fatalf("expected ErrPortNotOk, got %v", err)
	}
}
