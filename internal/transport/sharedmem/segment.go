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
	"os"
	"path/filepath"
	"unsafe"
)

// Memory layout constants.
const (
	// Magic bytes for segment identification
	segmentMagic = "RTPSSHM\x00"

	// Current layout version
	segmentVersion = uint32(1)

	// Segment header size (aligned to 64 bytes)
	segmentHeaderSize = 64

	// File name prefix for all segments and lock files of this transport
	segmentNamePrefix = "rtps_shm_"

	// Extra bytes reserved per port segment beyond node and cells
	segmentExtraBytes = 512
)

// segmentHeader sits at offset 0 of every segment. It is written once,
// under the port's named mutex, before any other process can attach.
type segmentHeader struct {
	magic       [8]byte // 0x00: "RTPSSHM\0"
	version     uint32  // 0x08: layout version
	_           uint32  // 0x0C: padding
	totalSize   uint64  // 0x10: total segment size in bytes
	portNodeOff uint64  // 0x18: offset of the port node control block
	reserved    [32]byte
}

// validateSegmentHeader validates a mapped header for consistency against
// the actual file size.
func validateSegmentHeader(h *segmentHeader, fileSize uint64) error {
	if string(h.magic[:]) != segmentMagic {
		return fmt.Errorf("%w: invalid magic bytes", ErrSegmentCorrupt)
	}
	if h.version != segmentVersion {
		return fmt.Errorf("%w: unsupported version %d, expected %d",
			ErrSegmentCorrupt, h.version, segmentVersion)
	}
	if h.totalSize != fileSize {
		return fmt.Errorf("%w: size mismatch: header %d, file %d",
			ErrSegmentCorrupt, h.totalSize, fileSize)
	}
	if h.portNodeOff != 0 && h.portNodeOff+uint64(portNodeSize) > fileSize {
		return fmt.Errorf("%w: port node offset %d outside segment",
			ErrSegmentCorrupt, h.portNodeOff)
	}
	return nil
}

// Segment is a named, memory-mapped shared segment. All processes that map
// the same name see the same bytes; offsets are relative to the mapping
// base, so pointers must always be rebuilt per process via
// AddressFromOffset.
type Segment struct {
	file *os.File
	mem  []byte
	name string
	path string
}

// CreateSegment creates a new segment of the given total size, fails if a
// segment with that name already exists, and zero-fills the payload so the
// kernel commits physical pages up front.
func CreateSegment(name string, totalSize uint64) (*Segment, error) {
	if totalSize < segmentHeaderSize {
		return nil, fmt.Errorf("segment size %d below header size", totalSize)
	}

	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(totalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(totalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	// Touch every page to force physical commit, so producers never fault
	// on the data plane.
	for i := range mem {
		mem[i] = 0
	}

	s := &Segment{file: file, mem: mem, name: name, path: path}

	hdr := s.header()
	copy(hdr.magic[:], segmentMagic)
	hdr.version = segmentVersion
	hdr.totalSize = totalSize

	return s, nil
}

// OpenSegment attaches to an existing segment and validates its header.
func OpenSegment(name string) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	size := info.Size()
	if size < segmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("%w: segment file too small: %d bytes",
			ErrSegmentCorrupt, size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	s := &Segment{file: file, mem: mem, name: name, path: path}

	if err := validateSegmentHeader(s.header(), uint64(size)); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// Name returns the segment name (without path or prefix).
func (s *Segment) Name() string {
	return s.name
}

// Size returns the mapped size in bytes.
func (s *Segment) Size() uint64 {
	return uint64(len(s.mem))
}

func (s *Segment) header() *segmentHeader {
	return (*segmentHeader)(unsafe.Pointer(&s.mem[0]))
}

// AddressFromOffset converts a segment-relative offset to a pointer inside
// this process's mapping.
func (s *Segment) AddressFromOffset(off uint64) unsafe.Pointer {
	return unsafe.Pointer(&s.mem[off])
}

// OffsetFromAddress converts a pointer inside this process's mapping back
// to a segment-relative offset.
func (s *Segment) OffsetFromAddress(p unsafe.Pointer) uint64 {
	return uint64(uintptr(p) - uintptr(unsafe.Pointer(&s.mem[0])))
}

// Close unmaps the memory and closes the file. It does not remove the
// segment from the filesystem; see RemoveSegment.
func (s *Segment) Close() error {
	var firstErr error

	if s.mem != nil {
		if err := munmap(s.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mem = nil
	}

	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}

	return firstErr
}

// RemoveSegment removes a segment file by name.
func RemoveSegment(name string) error {
	var lastErr error
	for _, path := range segmentPaths(name) {
		if err := os.Remove(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return lastErr
	}
	return os.ErrNotExist
}

// SegmentExists reports whether a segment with the given name exists.
func SegmentExists(name string) bool {
	for _, path := range segmentPaths(name) {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// segmentPath returns the preferred file path for a segment name.
func segmentPath(name string) string {
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", segmentNamePrefix+name)
	}
	return filepath.Join(os.TempDir(), segmentNamePrefix+name)
}

// segmentPaths returns every path a segment with this name may live at.
func segmentPaths(name string) []string {
	return []string{
		filepath.Join("/dev/shm", segmentNamePrefix+name),
		filepath.Join(os.TempDir(), segmentNamePrefix+name),
	}
}

// isDevShmAvailable checks if /dev/shm is available.
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// alignTo64 aligns a size to a 64-byte boundary.
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}
