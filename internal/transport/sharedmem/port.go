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
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// OpenMode defines how a process opens a port.
//
// ReadShared (multiple listeners / multiple writers): once a port is opened
// ReadShared it cannot be opened ReadExclusive.
//
// ReadExclusive (one listener / multiple writers): once a port is opened
// ReadExclusive it cannot be opened ReadShared.
//
// Write (multiple writers): a port can always be opened for writing.
type OpenMode int

const (
	OpenModeReadShared OpenMode = iota
	OpenModeReadExclusive
	OpenModeWrite
)

// String returns the mode name.
func (m OpenMode) String() string {
	switch m {
	case OpenModeReadShared:
		return "ReadShared"
	case OpenModeReadExclusive:
		return "ReadExclusive"
	case OpenModeWrite:
		return "Write"
	}
	return ""
}

// Port is a per-process handle on a shared-memory port: the segment
// mapping, the port node, and a ring view. Handles are refcounted across
// processes through the node; the last handle to close a healthy port
// removes the segment and its named mutex from the host.
type Port struct {
	segment *Segment
	node    *PortNode
	buffer  *RingBuffer

	overflowsCount uint64
	closeOnce      sync.Once
}

// newPort builds a handle over an attached segment and its validated port
// node, takes a reference, and enrolls the port with the process watchdog.
func newPort(segment *Segment, node *PortNode) *Port {
	buffer := newRingBuffer(
		segment.AddressFromOffset(node.bufferOff),
		segment.AddressFromOffset(node.bufferNodeOff),
	)

	p := &Port{
		segment: segment,
		node:    node,
		buffer:  buffer,
	}

	atomic.AddUint32(&node.refCounter, 1)

	getWatchdog().addPort(&watchedPort{
		segment: segment,
		node:    node,
		buffer:  buffer,
	})

	return p
}

// Close releases the handle. The last closer of a healthy port removes the
// segment and its named mutex from the host. Close is idempotent.
func (p *Port) Close() {
	p.closeOnce.Do(func() {
		getWatchdog().removePort(p.node)

		last := atomic.AddUint32(&p.node.refCounter, ^uint32(0)) == 0
		removable := last && p.node.IsPortOK()
		name := p.segment.Name()
		portID := p.node.portID

		if overflows := atomic.LoadUint64(&p.overflowsCount); overflows != 0 {
			log.WithFields(log.Fields{
				"port":      portID,
				"segment":   name,
				"overflows": overflows,
			}).Warn("port had overflows")
		}

		p.segment.Close()

		if removable {
			RemoveSegment(name)
			RemoveNamedMutex(name + "_mutex")
			log.WithFields(log.Fields{
				"port":    portID,
				"segment": name,
			}).Info("port removed")
		}
	})
}

// release undoes newPort without the last-closer cleanup. Used by the open
// protocol when an attached segment turns out to be unusable and is being
// removed anyway.
func (p *Port) release() {
	p.closeOnce.Do(func() {
		getWatchdog().removePort(p.node)
		atomic.AddUint32(&p.node.refCounter, ^uint32(0))
		p.segment.Close()
	})
}

// IsPortOK reports whether the port is still operative.
func (p *Port) IsPortOK() bool {
	return p.node.IsPortOK()
}

// PortID returns the port id.
func (p *Port) PortID() uint32 {
	return p.node.portID
}

// HealthyCheckTimeoutMS returns the liveness detection bound in millis.
func (p *Port) HealthyCheckTimeoutMS() uint32 {
	return p.node.healthyCheckTimeoutMS
}

// MaxBufferDescriptors returns the ring capacity fixed at creation.
func (p *Port) MaxBufferDescriptors() uint32 {
	return p.node.maxBufferDescriptors
}

// OverflowsCount returns how many pushes this handle has lost to a full
// ring.
func (p *Port) OverflowsCount() uint64 {
	return atomic.LoadUint64(&p.overflowsCount)
}

// OpenMode returns how the port is currently opened, derived from the
// node's sharing flags.
func (p *Port) OpenMode() OpenMode {
	if p.node.isOpenedForReading != 0 {
		if p.node.isOpenedReadExclusive != 0 {
			return OpenModeReadExclusive
		}
		return OpenModeReadShared
	}
	return OpenModeWrite
}

func (p *Port) portWaitTimeout() time.Duration {
	return time.Duration(p.node.portWaitTimeoutMS) * time.Millisecond
}

// TryPush enqueues a buffer descriptor. If the ring is full it returns
// ok=false immediately and counts an overflow; the descriptor is not
// enqueued. listenersActive is false when no listener will ever see the
// descriptor, so the producer can release the payload.
func (p *Port) TryPush(descriptor BufferDescriptor) (ok bool, listenersActive bool, err error) {
	if err := p.node.emptyCVMutex.Lock(); err != nil {
		return false, false, err
	}

	if !p.node.IsPortOK() {
		p.node.emptyCVMutex.Unlock()
		return false, false, ErrPortNotOk
	}

	wasUnicast := p.node.isOpenedReadExclusive != 0
	wasEmpty := p.buffer.IsEmpty()
	wasSomeoneListening := p.node.waitingCount > 0

	listenersActive, pushErr := p.buffer.Push(descriptor)
	p.node.emptyCVMutex.Unlock()

	if pushErr != nil {
		if errors.Is(pushErr, errRingOverflow) {
			atomic.AddUint64(&p.overflowsCount, 1)
			return false, false, nil
		}
		// Structural inconsistency: the port is no longer trustworthy.
		p.node.SetPortOK(false)
		return false, false, pushErr
	}

	if wasSomeoneListening {
		if wasUnicast {
			// One listener, one wakeup: only the empty->non-empty
			// transition can have left it asleep.
			if wasEmpty {
				p.node.emptyCV.Signal()
			}
		} else {
			p.node.emptyCV.Broadcast()
		}
	}

	return true, listenersActive, nil
}

// WaitPop blocks until the listener has a descriptor at its head, the
// listener is closed, or the port fails. It does not pop: the caller
// inspects listener.Head() and calls Pop. While blocked, the listener
// advances its status counter on every wait timeout as the heartbeat the
// watchdog observes.
func (p *Port) WaitPop(listener *Listener, isClosed *atomic.Bool, listenerIndex uint32) error {
	err := p.waitPop(listener, isClosed, listenerIndex)
	if err != nil {
		p.node.SetPortOK(false)
	}
	return err
}

func (p *Port) waitPop(listener *Listener, isClosed *atomic.Bool, listenerIndex uint32) error {
	if err := p.node.emptyCVMutex.Lock(); err != nil {
		return err
	}
	defer p.node.emptyCVMutex.Unlock()

	if !p.node.IsPortOK() {
		return ErrPortNotOk
	}

	status := &p.node.listenersStatus[listenerIndex]
	status.setWaiting(true)
	status.setCounter(status.lastVerifiedCounter() + 1)
	p.node.waitingCount++

	defer func() {
		p.node.waitingCount--
		status.setWaiting(false)
	}()

	for {
		met, err := p.timedWait(time.Now().Add(p.portWaitTimeout()), func() bool {
			return isClosed.Load() || listener.Head() != nil
		})
		if err != nil {
			return err
		}
		if met {
			return nil
		}

		// Timeout: prove liveness to the watchdog and keep waiting.
		if !p.node.IsPortOK() {
			return ErrPortNotOk
		}
		status.setCounter(status.lastVerifiedCounter() + 1)
	}
}

// timedWait waits on the port's condition variable until pred holds or the
// deadline passes. The port mutex must be held; it is held again on return.
func (p *Port) timedWait(deadline time.Time, pred func() bool) (bool, error) {
	for !pred() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		err := p.node.emptyCV.WaitTimeout(&p.node.emptyCVMutex, remaining)
		if err != nil && err != ErrFutexTimeout {
			return false, err
		}
	}
	return true, nil
}

// Pop removes the head descriptor from the listener's queue. cellFreed is
// true when every registered listener has popped the cell and it returned
// to the free pool.
func (p *Port) Pop(listener *Listener) (cellFreed bool, err error) {
	if err := p.node.emptyCVMutex.Lock(); err != nil {
		return false, err
	}
	defer p.node.emptyCVMutex.Unlock()

	return listener.Pop()
}

// CloseListener sets the caller's isClosed flag under the port mutex and
// wakes all waiters, guaranteeing that an in-flight WaitPop by that
// listener observes the flag and returns.
func (p *Port) CloseListener(isClosed *atomic.Bool) error {
	if err := p.node.emptyCVMutex.Lock(); err != nil {
		return err
	}
	isClosed.Store(true)
	p.node.emptyCVMutex.Unlock()

	p.node.emptyCV.Broadcast()
	return nil
}

// CreateListener registers a new listener. The returned index references
// the listener's slot in the node's status table and must be passed to
// WaitPop.
func (p *Port) CreateListener() (*Listener, uint32, error) {
	if err := p.node.emptyCVMutex.Lock(); err != nil {
		return nil, 0, err
	}
	defer p.node.emptyCVMutex.Unlock()

	if p.node.numListeners >= ListenersStatusSize {
		return nil, 0, ErrListenersTableFull
	}

	index := p.node.numListeners
	p.node.numListeners++
	p.node.listenersStatus[index] = 0

	return p.buffer.RegisterListener(), index, nil
}

// UnregisterListener removes a listener, releasing its references on any
// unconsumed cells.
func (p *Port) UnregisterListener(listener *Listener) error {
	if err := p.node.emptyCVMutex.Lock(); err != nil {
		return err
	}
	defer p.node.emptyCVMutex.Unlock()

	p.node.numListeners--
	return p.buffer.UnregisterListener(listener)
}

// HealthyCheck verifies the port is operative: over at most the port's
// healthy-check timeout, every currently waiting listener must show
// progress on its heartbeat counter. A port left behind by a process that
// crashed inside WaitPop fails this check.
func (p *Port) HealthyCheck() error {
	if !p.node.IsPortOK() {
		return ErrPortNotOk
	}

	timeout := time.Duration(p.node.healthyCheckTimeoutMS) * time.Millisecond
	t0 := time.Now()

	checkOK := false
	for !checkOK && time.Since(t0) < timeout {
		if err := p.node.emptyCVMutex.Lock(); err != nil {
			return err
		}
		checkOK = p.checkStatusAllListeners()
		portOK := p.node.IsPortOK()
		p.node.emptyCVMutex.Unlock()

		if !portOK {
			return ErrPortNotOk
		}
		if !checkOK {
			time.Sleep(p.portWaitTimeout())
		}
	}

	if !checkOK || !p.node.IsPortOK() {
		return ErrPortUnhealthy
	}
	return nil
}

// checkStatusAllListeners reports whether every currently waiting listener
// has advanced its counter since the watchdog last verified it. Caller
// holds the port mutex.
func (p *Port) checkStatusAllListeners() bool {
	for i := uint32(0); i < p.node.numListeners; i++ {
		status := &p.node.listenersStatus[i]
		if status.isWaiting() && status.counter() == status.lastVerifiedCounter() {
			return false
		}
	}
	return true
}
