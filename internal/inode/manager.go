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

package inode

import (
	"context"
	"fmt"
	"sync"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
	"github.com/pintosfs/gofilesys/internal/freemap"
)

// Manager is the process-wide open-inode table: a set keyed by home sector
// that enforces "same inode open twice => same in-memory object", which is
// what makes the write-deny counter meaningful (spec.md §3).
//
// Manager itself is guarded by mu, distinct from each Inode's own mu — a
// weak point the source shares (spec.md §9: the open-inode table is
// guarded only by the expectation of a higher-level file-system lock); we
// close that gap here with an explicit mutex rather than a convention.
type Manager struct {
	cache cacheAccessor
	fm    *freemap.FreeMap

	mu   sync.Mutex
	open map[blockdevice.Sector]*Inode
}

// NewManager creates an open-inode table backed by cache and fm.
func NewManager(cache cacheAccessor, fm *freemap.FreeMap) *Manager {
	return &Manager{
		cache: cache,
		fm:    fm,
		open:  make(map[blockdevice.Sector]*Inode),
	}
}

// Create allocates a home sector from fm, populates a fresh on-disk inode
// record there, and returns its sector. The caller is responsible for
// adding a directory entry; Create does not open the inode.
func (m *Manager) Create(ctx context.Context, length int64, isDir bool) (blockdevice.Sector, error) {
	home, err := m.fm.Allocate(1)
	if err != nil {
		return 0, fmt.Errorf("inode: allocating home sector: %w", err)
	}

	rec := newEmptyRecord(length, isDir)
	if err := allocate(ctx, m.cache, m.fm, &rec, length); err != nil {
		_ = m.fm.Release(home, 1)
		return 0, err
	}

	buf := rec.encode()
	if err := m.cache.Write(ctx, home, buf[:], 0, blockdevice.SectorSize); err != nil {
		_ = m.fm.Release(home, 1)
		return 0, fmt.Errorf("inode: writing new record at sector %d: %w", home, err)
	}

	return home, nil
}

// Open returns the in-memory inode for home, incrementing its reference
// count if it is already open, or creating and inserting a new one
// otherwise.
func (m *Manager) Open(home blockdevice.Sector) *Inode {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ino, ok := m.open[home]; ok {
		ino.mu.Lock()
		ino.openCount++
		ino.mu.Unlock()
		return ino
	}

	ino := newInode(home, m.cache, m.fm)
	ino.openCount = 1
	m.open[home] = ino
	return ino
}

// Close decrements ino's reference count. When it reaches zero, the inode
// is removed from the open table; if it was marked removed, every sector
// in its extent map plus its home sector are returned to the free-map.
func (m *Manager) Close(ctx context.Context, ino *Inode) error {
	m.mu.Lock()
	ino.mu.Lock()
	ino.openCount--
	last := ino.openCount == 0
	removed := ino.removed
	ino.mu.Unlock()
	if last {
		delete(m.open, ino.home)
	}
	m.mu.Unlock()

	if !last || !removed {
		return nil
	}

	rec, err := ino.loadRecord(ctx)
	if err != nil {
		return err
	}
	if err := deallocate(ctx, m.cache, m.fm, &rec); err != nil {
		return err
	}
	return m.fm.Release(ino.home, 1)
}
