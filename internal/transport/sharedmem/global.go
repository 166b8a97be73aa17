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
	"time"
	"unsafe"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Global defines the per-domain resources for shared-memory communication:
// it names the ports and owns the open protocol. A domain isolates its
// ports from every other domain on the host.
type Global struct {
	domainName string
}

// NewGlobal creates the opener for a domain and installs the process-wide
// port failure handler (first installation wins; see PortFailureHandler).
func NewGlobal(domainName string, failureHandler PortFailureHandler) (*Global, error) {
	if len(domainName) > MaxDomainNameLength {
		return nil, fmt.Errorf("%w: %q (max %d characters)",
			ErrDomainTooLong, domainName, MaxDomainNameLength)
	}

	if failureHandler != nil {
		getWatchdog().setOnFailureHandler(failureHandler)
	}

	return &Global{domainName: domainName}, nil
}

// DomainName returns the domain this Global opens ports in.
func (g *Global) DomainName() string {
	return g.domainName
}

// portSegmentName composes the host-wide segment name of a port.
func (g *Global) portSegmentName(portID uint32) string {
	return fmt.Sprintf("%s_port%d", g.domainName, portID)
}

// OpenPort opens a shared-memory port. If no port with this id exists in
// the domain, one is created with the given capacity; otherwise the
// existing port is attached. An existing port found corrupt, or failing
// its healthy check, is removed from shared memory and recreated.
//
// maxBufferDescriptors and healthyCheckTimeoutMS size the port only at
// creation; attaching processes inherit the creator's values.
//
// Returns a CannotOpenError when the port exists but the requested sharing
// mode collides with how it is already opened.
func (g *Global) OpenPort(portID uint32, maxBufferDescriptors uint32,
	healthyCheckTimeoutMS uint32, openMode OpenMode) (*Port, error) {

	if maxBufferDescriptors == 0 {
		return nil, fmt.Errorf("port %d: max buffer descriptors must be positive", portID)
	}

	segmentName := g.portSegmentName(portID)

	log.WithFields(log.Fields{
		"segment": segmentName,
		"mode":    openMode,
	}).Info("opening port")

	portMutex, err := openOrCreateAndLockNamedMutex(segmentName + "_mutex")
	if err != nil {
		return nil, err
	}
	defer portMutex.Unlock()

	port, errReason := g.attachPort(segmentName, portID, openMode)

	if port == nil && errReason == "" {
		port, err = g.createPort(segmentName, portID, maxBufferDescriptors,
			healthyCheckTimeoutMS, openMode)
		if err != nil {
			return nil, err
		}
	}

	if port == nil {
		return nil, &CannotOpenError{Reason: errReason}
	}

	return port, nil
}

// attachPort tries to attach to an existing port segment. It returns
// (nil, "") when no usable segment exists (the caller creates a fresh
// one), and (nil, reason) when the segment is healthy but the sharing
// mode is incompatible.
func (g *Global) attachPort(segmentName string, portID uint32, openMode OpenMode) (*Port, string) {
	segment, err := OpenSegment(segmentName)
	if err != nil {
		// A segment that exists but fails validation must go away now:
		// the create path opens with O_EXCL.
		if errors.Is(err, ErrSegmentCorrupt) {
			log.WithFields(log.Fields{
				"port":    portID,
				"segment": segmentName,
			}).Warn("segment corrupt, removing")
			RemoveSegment(segmentName)
		}
		return nil, ""
	}

	node, err := findPortNode(segment)
	if err != nil {
		log.WithFields(log.Fields{
			"port":    portID,
			"segment": segmentName,
		}).Warn("couldn't find port node, removing segment")

		segment.Close()
		RemoveSegment(segmentName)
		return nil, ""
	}

	port := newPort(segment, node)

	if err := port.HealthyCheck(); err != nil {
		log.WithFields(log.Fields{
			"port": portID,
			"uuid": node.UUID(),
		}).Warn("existing port not healthy, removing segment")

		port.release()
		RemoveSegment(segmentName)
		return nil, ""
	}

	if (node.isOpenedReadExclusive != 0 && openMode != OpenModeWrite) ||
		(node.isOpenedForReading != 0 && openMode == OpenModeReadExclusive) {
		held := "ReadExclusive"
		if node.isOpenedReadExclusive == 0 {
			held = "ReadShared"
		}
		reason := fmt.Sprintf("%d (%s) because is already opened %s",
			node.portID, node.UUID(), held)
		port.Close()
		return nil, reason
	}

	if openMode == OpenModeReadExclusive {
		node.isOpenedReadExclusive = 1
	}
	if openMode != OpenModeWrite {
		node.isOpenedForReading = 1
	}

	log.WithFields(log.Fields{
		"port": node.portID,
		"uuid": node.UUID(),
		"mode": openMode,
	}).Info("port opened")

	return port, ""
}

// createPort creates a fresh port segment and initializes its node and
// ring. Caller holds the port's named mutex.
func (g *Global) createPort(segmentName string, portID uint32,
	maxBufferDescriptors uint32, healthyCheckTimeoutMS uint32,
	openMode OpenMode) (*Port, error) {

	// The segment holds the node, the cell array and the ring node, plus
	// slack for alignment.
	nodeOff := uint64(segmentHeaderSize)
	cellsOff := alignTo64(nodeOff + uint64(portNodeSize))
	ringNodeOff := alignTo64(cellsOff +
		uint64(maxBufferDescriptors)*uint64(unsafe.Sizeof(Cell{})))
	totalSize := alignTo64(ringNodeOff+uint64(unsafe.Sizeof(ringNode{}))) +
		segmentExtraBytes

	segment, err := CreateSegment(segmentName, totalSize)
	if err != nil {
		log.WithFields(log.Fields{
			"segment": segmentName,
			"error":   err,
		}).Error("failed to create port segment")
		return nil, fmt.Errorf("failed to create port segment %s: %w", segmentName, err)
	}

	node := (*PortNode)(segment.AddressFromOffset(nodeOff))
	copy(node.magic[:], portNodeMagic)
	node.uuid = uuid.New()
	node.portID = portID
	node.SetPortOK(true)
	node.waitingCount = 0
	node.numListeners = 0
	if openMode == OpenModeReadExclusive {
		node.isOpenedReadExclusive = 1
	}
	if openMode != OpenModeWrite {
		node.isOpenedForReading = 1
	}
	node.healthyCheckTimeoutMS = healthyCheckTimeoutMS
	node.portWaitTimeoutMS = healthyCheckTimeoutMS / 3
	if node.portWaitTimeoutMS == 0 {
		node.portWaitTimeoutMS = 1
	}
	node.maxBufferDescriptors = maxBufferDescriptors
	node.SetLastCheckTimeMS(time.Now().UnixMilli())
	node.setDomainName(g.domainName)

	node.bufferOff = cellsOff
	node.bufferNodeOff = ringNodeOff
	initRingNode(segment.AddressFromOffset(ringNodeOff), maxBufferDescriptors)

	segment.header().portNodeOff = nodeOff

	port := newPort(segment, node)

	log.WithFields(log.Fields{
		"port": portID,
		"uuid": node.UUID(),
		"mode": openMode,
	}).Info("port created")

	return port, nil
}
