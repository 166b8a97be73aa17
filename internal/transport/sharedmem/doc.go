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

// Package sharedmem implements the shared-memory port layer of the RTPS
// transport: named memory-mapped segments through which producer processes
// deliver buffer descriptors to consumer processes on the same host.
//
// Each port is a fixed-capacity multi-producer/multi-consumer ring buffer
// of descriptors living in its own segment, protected by a futex-based
// inter-process mutex and condition variable that are themselves part of
// the segment. A per-process watchdog observes every port the process has
// opened and detects consumers that died or froze while waiting, so that
// still-enqueued descriptors can be handed back for cleanup.
//
// Ports are created or attached through a Global, which serializes the
// open protocol with a named lock and transparently heals segments left
// behind in a corrupt or unhealthy state by crashed processes.
package sharedmem
