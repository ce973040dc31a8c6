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

// Package blockdevice is the lowest layer of the file system: synchronous,
// fixed-size sector I/O against either a real file or an in-memory backing.
// Only the buffer cache is permitted to call these methods for file-system
// sectors.
package blockdevice

import (
	"errors"
	"fmt"
)

// SectorSize is the size in bytes of a single sector. The on-disk inode
// record layout in package inode depends on this exact value.
const SectorSize = 512

// Sector is an index into the device's sector array.
type Sector uint32

// InvalidSector is the sentinel meaning "no sector". Chosen as all-ones
// rather than zero because zero is a perfectly ordinary, allocatable data
// sector once the free-map's reserved region has been skipped (see
// DESIGN.md's resolution of the source's sector-zero ambiguity).
const InvalidSector Sector = ^Sector(0)

// ErrOutOfRange is returned when a sector number is not within the device.
var ErrOutOfRange = errors.New("blockdevice: sector out of range")

// Device is the contract the buffer cache drives. Implementations must
// transfer exactly SectorSize bytes per call and may block the caller.
type Device interface {
	// ReadSector copies the contents of sector into out, which must have
	// length SectorSize.
	ReadSector(sector Sector, out []byte) error

	// WriteSector copies in, which must have length SectorSize, into
	// sector's backing storage.
	WriteSector(sector Sector, in []byte) error

	// SectorCount returns the number of addressable sectors.
	SectorCount() Sector

	// Close releases any resources held by the device.
	Close() error
}

func checkBuf(buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("blockdevice: buffer has length %d, want %d", len(buf), SectorSize)
	}
	return nil
}

func checkRange(sector Sector, count Sector) error {
	if sector >= count {
		return fmt.Errorf("%w: sector %d, count %d", ErrOutOfRange, sector, count)
	}
	return nil
}
