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
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// watchdogTick is the maximum sleep between liveness sweeps.
const watchdogTick = time.Second

// PortFailureHandler receives a snapshot of the descriptors still enqueued
// in a port the moment it is declared inoperative, so outer layers can
// release the payload segments those descriptors reference.
type PortFailureHandler func(descriptors []BufferDescriptor, domainName string)

// watchedPort is one entry in the watchdog's list. Holding the segment
// keeps the mapping alive for as long as the port is watched.
type watchedPort struct {
	segment *Segment
	node    *PortNode
	buffer  *RingBuffer
}

// watchdog is the process-singleton background actor that periodically
// probes every port opened by this process and detects listeners that died
// or froze while waiting. Detection uses the heartbeat counters in the
// port node: a waiting listener that is merely slow advances its counter
// on every wait timeout; one whose process crashed cannot.
type watchdog struct {
	mu      sync.Mutex
	watched []*watchedPort

	onFailure    PortFailureHandler
	onFailureSet bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

var (
	watchdogOnce     sync.Once
	watchdogInstance *watchdog
)

// getWatchdog returns the process watchdog, starting it on first use.
func getWatchdog() *watchdog {
	watchdogOnce.Do(func() {
		watchdogInstance = &watchdog{
			wake: make(chan struct{}, 1),
			quit: make(chan struct{}),
			done: make(chan struct{}),
		}
		go watchdogInstance.run()
	})
	return watchdogInstance
}

// setOnFailureHandler installs the failure callback. Only the first call
// per process has any effect; the handler must stay immutable afterwards.
func (w *watchdog) setOnFailureHandler(handler PortFailureHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.onFailureSet {
		w.onFailure = handler
		w.onFailureSet = true
	}
}

// addPort adds a port to the watching list. Called by newPort.
func (w *watchdog) addPort(port *watchedPort) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, port)
}

// removePort removes a port from the watching list. Called on handle close.
func (w *watchdog) removePort(node *PortNode) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, port := range w.watched {
		if port.node == node {
			w.watched = append(w.watched[:i], w.watched[i+1:]...)
			return
		}
	}
}

// wakeUp forces an immediate sweep instead of waiting for the next tick.
func (w *watchdog) wakeUp() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// shutdown stops the watchdog and waits for its goroutine to exit. Meant
// for process teardown; the singleton cannot be restarted afterwards.
func (w *watchdog) shutdown() {
	close(w.quit)
	<-w.done
}

func (w *watchdog) run() {
	defer close(w.done)

	timer := time.NewTimer(watchdogTick)
	defer timer.Stop()

	for {
		select {
		case <-w.quit:
			return
		case <-w.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(watchdogTick)

		w.sweep(time.Now().UnixMilli())
	}
}

// sweep probes every watched port whose last verified check is older than
// its healthy-check timeout. A port that fails the probe is declared
// inoperative exactly once: the health flag flips, the still-enqueued
// descriptors are copied out, and the failure handler is invoked. A port
// whose probe itself errors (e.g. an unusable mutex) is dropped from the
// list; the flipped health flag is the user-visible signal.
func (w *watchdog) sweep(nowMS int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.watched[:0]
	for _, port := range w.watched {
		elapsed := nowMS - port.node.LastCheckTimeMS()
		if elapsed <= int64(port.node.healthyCheckTimeoutMS) {
			kept = append(kept, port)
			continue
		}

		if err := w.probe(port, nowMS); err != nil {
			port.node.SetPortOK(false)
			log.WithFields(log.Fields{
				"port":  port.node.portID,
				"error": err,
			}).Warn("port liveness probe failed")
			continue
		}
		kept = append(kept, port)
	}
	w.watched = kept
}

// probe checks one port's waiting listeners under its mutex.
func (w *watchdog) probe(port *watchedPort, nowMS int64) error {
	if err := port.node.emptyCVMutex.Lock(); err != nil {
		return err
	}
	defer port.node.emptyCVMutex.Unlock()

	if !w.updateStatusAllListeners(port.node, nowMS) {
		if port.node.IsPortOK() {
			port.node.SetPortOK(false)

			var descriptors []BufferDescriptor
			port.buffer.Copy(&descriptors)

			log.WithFields(log.Fields{
				"port":   port.node.portID,
				"domain": port.node.DomainName(),
				"queued": len(descriptors),
			}).Warn("listener frozen, port marked not ok")

			if w.onFailure != nil {
				w.onFailure(descriptors, port.node.DomainName())
			}
		}
	}
	return nil
}

// updateStatusAllListeners records observed heartbeat progress for every
// waiting listener. Returns false if any waiting listener's counter has
// not moved since the last verification; such a listener is frozen.
// Caller holds the port mutex.
func (w *watchdog) updateStatusAllListeners(node *PortNode, nowMS int64) bool {
	for i := uint32(0); i < node.numListeners; i++ {
		status := &node.listenersStatus[i]
		if !status.isWaiting() {
			continue
		}
		if status.counter() == status.lastVerifiedCounter() {
			return false
		}
		status.setLastVerifiedCounter(status.counter())
	}

	node.SetLastCheckTimeMS(nowMS)
	return true
}
