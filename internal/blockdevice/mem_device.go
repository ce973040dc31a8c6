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

package blockdevice

import "sync"

// MemDevice is an in-memory Device, analogous to clock.SimulatedClock: a
// deterministic double used by tests so that buffer-cache and inode-layer
// behavior can be verified without touching the filesystem. It also counts
// the raw reads and writes issued to it, independent of the buffer cache's
// own hit/access counters, which tests use to verify write coalescing and
// cache-warmth scenarios (spec.md §8).
type MemDevice struct {
	mu      sync.Mutex
	sectors [][]byte
	reads   uint64
	writes  uint64
}

var _ Device = (*MemDevice)(nil)

// NewMemDevice returns a zero-filled in-memory device with the given sector
// count.
func NewMemDevice(sectorCount Sector) *MemDevice {
	d := &MemDevice{sectors: make([][]byte, sectorCount)}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, SectorSize)
	}
	return d
}

func (d *MemDevice) ReadSector(sector Sector, out []byte) error {
	if err := checkBuf(out); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := checkRange(sector, Sector(len(d.sectors))); err != nil {
		return err
	}

	d.reads++
	copy(out, d.sectors[sector])
	return nil
}

func (d *MemDevice) WriteSector(sector Sector, in []byte) error {
	if err := checkBuf(in); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := checkRange(sector, Sector(len(d.sectors))); err != nil {
		return err
	}

	d.writes++
	copy(d.sectors[sector], in)
	return nil
}

func (d *MemDevice) SectorCount() Sector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Sector(len(d.sectors))
}

func (d *MemDevice) Close() error { return nil }

// Reads returns the number of ReadSector calls served so far.
func (d *MemDevice) Reads() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// Writes returns the number of WriteSector calls served so far.
func (d *MemDevice) Writes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}
