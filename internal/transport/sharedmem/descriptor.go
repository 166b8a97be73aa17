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

import "github.com/google/uuid"

// BufferDescriptor identifies a data buffer held in some other shared
// segment: the id of that segment and the offset of the buffer node inside
// it. Ports transport descriptors only; payload bytes never flow through a
// port. The struct is stored directly in ring cells, so it must stay flat
// and fixed-size.
type BufferDescriptor struct {
	// SourceSegmentID is the global id of the segment holding the payload.
	SourceSegmentID uuid.UUID

	// BufferNodeOffset locates the buffer node within that segment.
	BufferNodeOffset uint64
}
