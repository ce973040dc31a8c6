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

// Package freemap is the file system's free-space allocator: a persistent
// bitmap over data sectors, guarded by its own mutex independent of the
// buffer cache's global lock (spec.md §5).
package freemap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
)

// ErrNoSpace is returned by Allocate when the map has no run of n
// contiguous free sectors.
var ErrNoSpace = errors.New("freemap: out of space")

// FreeMap is a bitmap allocator over the data region of a device, i.e. the
// sectors that remain once the bitmap's own reserved sectors are excluded.
type FreeMap struct {
	dev          blockdevice.Device
	bitmapSector blockdevice.Sector // first sector holding the persisted bitmap
	bitmapSpan   blockdevice.Sector // number of sectors the bitmap occupies
	dataBase     blockdevice.Sector // first sector available for allocation

	mu   sync.Mutex
	bits []bool // bits[i] == true means dataBase+i is allocated
}

// New creates a free-map describing the sectors in [dataBase, dataBase+n)
// as entirely free. bitmapSector/bitmapSpan describe where the map itself
// is persisted by Persist/Load.
func New(dev blockdevice.Device, bitmapSector, bitmapSpan blockdevice.Sector, dataBase blockdevice.Sector, n int) *FreeMap {
	return &FreeMap{
		dev:          dev,
		bitmapSector: bitmapSector,
		bitmapSpan:   bitmapSpan,
		dataBase:     dataBase,
		bits:         make([]bool, n),
	}
}

// Allocate reserves n contiguous sectors and returns the first one. The
// core only ever calls this with n == 1 (spec.md §4.2), but the bitmap scan
// supports larger runs for completeness and for the free-map's own tests.
func (m *FreeMap) Allocate(n int) (blockdevice.Sector, error) {
	if n <= 0 {
		return 0, fmt.Errorf("freemap: invalid allocation size %d", n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run := 0
	for i, used := range m.bits {
		if used {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				m.bits[j] = true
			}
			return m.dataBase + blockdevice.Sector(start), nil
		}
	}

	return 0, ErrNoSpace
}

// Release frees n sectors starting at first, which must have come from a
// prior, still-outstanding Allocate.
func (m *FreeMap) Release(first blockdevice.Sector, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := int(first - m.dataBase)
	if start < 0 || start+n > len(m.bits) {
		return fmt.Errorf("freemap: release range [%d,%d) out of bounds", start, start+n)
	}

	for i := start; i < start+n; i++ {
		if !m.bits[i] {
			return fmt.Errorf("freemap: double release of sector %d", m.dataBase+blockdevice.Sector(i))
		}
		m.bits[i] = false
	}
	return nil
}

// NumFree reports how many sectors are currently unallocated. Used by
// tests verifying invariant 6 (a removed inode's sectors all become free).
func (m *FreeMap) NumFree() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := 0
	for _, used := range m.bits {
		if !used {
			free++
		}
	}
	return free
}

// DataBase returns the first sector available for allocation. By
// convention the very first Allocate call against a freshly formatted
// free-map returns this sector, which internal/filesys relies on to find
// the root directory's home sector without a separate superblock.
func (m *FreeMap) DataBase() blockdevice.Sector {
	return m.dataBase
}

// IsFree reports whether a single sector is currently unallocated.
func (m *FreeMap) IsFree(sector blockdevice.Sector) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := int(sector - m.dataBase)
	if i < 0 || i >= len(m.bits) {
		return false
	}
	return !m.bits[i]
}
