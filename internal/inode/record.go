// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package inode implements the indexed inode layer: the on-disk inode
// record, its direct/single-indirect/doubly-indirect extent map, and the
// in-memory open-inode table with reference-counted lifetime and deferred
// deallocation.
package inode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
)

const (
	// DirectCount is the number of direct data-sector pointers held in an
	// inode record.
	DirectCount = 123

	// PointersPerIndirect is the number of sector numbers held in one
	// indirect or doubly-indirect sector.
	PointersPerIndirect = 128

	// Magic is the fixed constant written into every inode record for
	// sanity checking.
	Magic uint32 = 0x494E4F44

	// MaxFileSize is the largest length an inode can describe:
	// (123 + 128 + 128*128) sectors.
	MaxFileSize = int64(DirectCount+PointersPerIndirect+PointersPerIndirect*PointersPerIndirect) * blockdevice.SectorSize
)

// ErrNotPresent is returned by byteToSector when offset >= length.
var ErrNotPresent = errors.New("inode: sector not present")

// ErrCorrupt is returned when an inode record's magic does not match. The
// core does not attempt to self-repair a corrupted record.
var ErrCorrupt = errors.New("inode: corrupt record (bad magic)")

// onDiskRecord is the exact bit-for-bit layout of one inode record. Field
// order is observable on disk and must never change:
// direct[123], sIndirect, dIndirect, isDir (uint32), length (int32), magic.
type onDiskRecord struct {
	direct    [DirectCount]blockdevice.Sector
	sIndirect blockdevice.Sector
	dIndirect blockdevice.Sector
	isDir     uint32
	length    int32
	magic     uint32
}

func newEmptyRecord(length int64, isDir bool) onDiskRecord {
	r := onDiskRecord{
		sIndirect: blockdevice.InvalidSector,
		dIndirect: blockdevice.InvalidSector,
		length:    int32(length),
		magic:     Magic,
	}
	for i := range r.direct {
		r.direct[i] = blockdevice.InvalidSector
	}
	if isDir {
		r.isDir = 1
	}
	return r
}

func (r *onDiskRecord) encode() [blockdevice.SectorSize]byte {
	var buf [blockdevice.SectorSize]byte
	off := 0
	for _, s := range r.direct {
		binary.LittleEndian.PutUint32(buf[off:], uint32(s))
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.sIndirect))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.dIndirect))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.isDir)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.length))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.magic)
	return buf
}

func decodeRecord(buf []byte) (onDiskRecord, error) {
	if len(buf) != blockdevice.SectorSize {
		return onDiskRecord{}, fmt.Errorf("inode: record buffer has length %d, want %d", len(buf), blockdevice.SectorSize)
	}

	var r onDiskRecord
	off := 0
	for i := range r.direct {
		r.direct[i] = blockdevice.Sector(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	r.sIndirect = blockdevice.Sector(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	r.dIndirect = blockdevice.Sector(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	r.isDir = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.length = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	r.magic = binary.LittleEndian.Uint32(buf[off:])

	if r.magic != Magic {
		return onDiskRecord{}, ErrCorrupt
	}
	return r, nil
}

func encodeSectorArray(sectors []blockdevice.Sector) [blockdevice.SectorSize]byte {
	var buf [blockdevice.SectorSize]byte
	off := 0
	for _, s := range sectors {
		binary.LittleEndian.PutUint32(buf[off:], uint32(s))
		off += 4
	}
	return buf
}

func decodeSectorArray(buf []byte) [PointersPerIndirect]blockdevice.Sector {
	var out [PointersPerIndirect]blockdevice.Sector
	off := 0
	for i := range out {
		out[i] = blockdevice.Sector(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return out
}
