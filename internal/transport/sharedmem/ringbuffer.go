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
)

// The ring is a fixed array of cells plus one node header, both allocated
// in the port's segment. Producers advance a monotonic write cursor; each
// registered listener holds its own monotonic read cursor. A pushed cell
// carries one reference per listener registered at push time and is
// recycled once every such listener has popped it.
//
// Structural mutation of the ring is serialized by the port's inter-process
// mutex; these methods assume the caller holds it.

// Cell is one ring slot: a buffer descriptor plus the count of listeners
// that have not yet consumed it.
type Cell struct {
	descriptor BufferDescriptor
	refCount   uint32
	_          uint32
}

// Data returns the descriptor stored in the cell.
func (c *Cell) Data() BufferDescriptor {
	return c.descriptor
}

// ringNode is the in-segment ring header.
type ringNode struct {
	capacity            uint32 // number of cells, fixed at creation
	registeredListeners uint32 // listeners that see each new push
	writeP              uint64 // monotonic write cursor
	freeCells           uint32 // cells with no outstanding references
	_                   uint32
}

// initRingNode initializes an in-segment ring node for capacity cells.
func initRingNode(node unsafe.Pointer, capacity uint32) {
	n := (*ringNode)(node)
	n.capacity = capacity
	n.registeredListeners = 0
	n.writeP = 0
	n.freeCells = capacity
}

// RingBuffer is a per-process view over an in-segment cell array and ring
// node. Multiple processes build their own views over the same memory.
type RingBuffer struct {
	node  *ringNode
	cells []Cell
}

// newRingBuffer builds a view from the in-segment cell array and node.
func newRingBuffer(cellsBase, node unsafe.Pointer) *RingBuffer {
	n := (*ringNode)(node)
	return &RingBuffer{
		node:  n,
		cells: unsafe.Slice((*Cell)(cellsBase), n.capacity),
	}
}

// Listener is one reader's cursor into the ring. It is process-local; only
// the owning reader advances it.
type Listener struct {
	buffer *RingBuffer
	readP  uint64
}

func (rb *RingBuffer) cellAt(index uint64) *Cell {
	return &rb.cells[index%uint64(rb.node.capacity)]
}

// Push writes a descriptor into the cell at the write cursor and gives it
// one reference per registered listener. Returns whether any listener will
// see the descriptor, or errRingOverflow when the ring is full.
func (rb *RingBuffer) Push(descriptor BufferDescriptor) (listenersActive bool, err error) {
	cell := rb.cellAt(rb.node.writeP)

	// Full: the next cell still carries references from a lagging listener.
	if atomic.LoadUint32(&cell.refCount) != 0 {
		return false, errRingOverflow
	}

	listeners := rb.node.registeredListeners

	cell.descriptor = descriptor
	atomic.StoreUint32(&cell.refCount, listeners)
	rb.node.writeP++
	if listeners > 0 {
		rb.node.freeCells--
	}

	return listeners > 0, nil
}

// IsEmpty reports whether every registered listener has consumed every
// pushed cell. With no listeners registered the ring is always empty.
func (rb *RingBuffer) IsEmpty() bool {
	return rb.node.freeCells == rb.node.capacity
}

// RegisterListener adds a reader cursor positioned at the current write
// cursor, so the new listener does not see history.
func (rb *RingBuffer) RegisterListener() *Listener {
	rb.node.registeredListeners++
	return &Listener{buffer: rb, readP: rb.node.writeP}
}

// UnregisterListener releases the listener's references on every cell it
// has not consumed, freeing cells whose count drops to zero.
func (rb *RingBuffer) UnregisterListener(listener *Listener) error {
	for listener.readP != rb.node.writeP {
		if _, err := listener.Pop(); err != nil {
			return err
		}
	}
	rb.node.registeredListeners--
	return nil
}

// Copy appends a snapshot of every still-referenced descriptor, in push
// order, to out. Used when a port fails to hand back what remains enqueued.
func (rb *RingBuffer) Copy(out *[]BufferDescriptor) {
	capacity := uint64(rb.node.capacity)
	start := uint64(0)
	if rb.node.writeP > capacity {
		start = rb.node.writeP - capacity
	}
	for i := start; i < rb.node.writeP; i++ {
		cell := rb.cellAt(i)
		if atomic.LoadUint32(&cell.refCount) != 0 {
			*out = append(*out, cell.descriptor)
		}
	}
}

// Head returns the next unconsumed cell for this listener, or nil if the
// listener has consumed everything pushed so far.
func (l *Listener) Head() *Cell {
	if l.readP == l.buffer.node.writeP {
		return nil
	}
	return l.buffer.cellAt(l.readP)
}

// Pop advances the listener past its head cell and drops one reference.
// Returns true when that was the last reference and the cell is recycled.
func (l *Listener) Pop() (cellFreed bool, err error) {
	cell := l.Head()
	if cell == nil {
		return false, ErrBufferEmpty
	}

	if atomic.LoadUint32(&cell.refCount) == 0 {
		return false, fmt.Errorf("%w: cell at %d has no references but is unconsumed",
			ErrSegmentCorrupt, l.readP)
	}

	l.readP++
	if atomic.AddUint32(&cell.refCount, ^uint32(0)) == 0 {
		l.buffer.node.freeCells++
		return true, nil
	}
	return false, nil
}
