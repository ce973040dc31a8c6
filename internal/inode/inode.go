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
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
	"github.com/pintosfs/gofilesys/internal/freemap"
)

// cacheAccessor is the slice of *bufcache.Cache this package depends on.
// Declared as an interface so inode tests can substitute a narrower fake
// without reaching into bufcache's internals.
type cacheAccessor interface {
	Read(ctx context.Context, sector blockdevice.Sector, out []byte, offset, length int) error
	Write(ctx context.Context, sector blockdevice.Sector, in []byte, offset, length int) error
	Flush(ctx context.Context) error
}

// Inode is the in-memory, reference-counted handle for one on-disk inode
// record, identified by its home sector. Created by the first opener of a
// sector, reopened (ref count incremented) by subsequent openers, and
// destroyed when the last opener closes it — at which point a removed
// inode's sectors are returned to the free-map.
//
// mu guards openCount, denyWriteCount, removed, and the extend state
// machine below; it is a syncutil.InvariantMutex so a violated invariant
// panics on Unlock rather than corrupting state silently.
type Inode struct {
	home  blockdevice.Sector
	cache cacheAccessor
	fm    *freemap.FreeMap

	mu             syncutil.InvariantMutex
	openCount      uint64
	denyWriteCount uint64
	removed        bool

	// Extension state machine (spec.md §4.4, §9). extending is true while a
	// WriteAt call is past the point of deciding to grow the file and has
	// not yet flushed the updated record. Open-question decision (recorded
	// in DESIGN.md): extension is serialised one writer at a time per
	// inode, and readers computing the end-of-file clamp must wait out any
	// in-progress extension rather than racing it.
	extending         bool
	numWriters        int
	untilNotExtending *sync.Cond
	untilNoWriters    *sync.Cond

	// lastExtent records the most recently completed or in-flight
	// extension, for Stat-like observability (LastExtentStat, tests).
	lastExtent *extentTracker
}

func newInode(home blockdevice.Sector, cache cacheAccessor, fm *freemap.FreeMap) *Inode {
	ino := &Inode{
		home:  home,
		cache: cache,
		fm:    fm,
	}
	ino.mu = syncutil.NewInvariantMutex(ino.checkInvariants)
	ino.untilNotExtending = sync.NewCond(&ino.mu)
	ino.untilNoWriters = sync.NewCond(&ino.mu)
	return ino
}

// checkInvariants is run by mu on every Unlock.
func (ino *Inode) checkInvariants() {
	if ino.denyWriteCount > ino.openCount {
		panic(fmt.Sprintf("inode: deny-write count %d exceeds open count %d", ino.denyWriteCount, ino.openCount))
	}
	if ino.numWriters < 0 {
		panic(fmt.Sprintf("inode: negative writer count %d", ino.numWriters))
	}
}

// Home returns the inode's home sector, its stable identifier across
// opens (the "inumber" in the syscall surface).
func (ino *Inode) Home() blockdevice.Sector { return ino.home }

func (ino *Inode) loadRecord(ctx context.Context) (onDiskRecord, error) {
	var buf [blockdevice.SectorSize]byte
	if err := ino.cache.Read(ctx, ino.home, buf[:], 0, blockdevice.SectorSize); err != nil {
		return onDiskRecord{}, fmt.Errorf("inode: reading record at sector %d: %w", ino.home, err)
	}
	return decodeRecord(buf[:])
}

func (ino *Inode) storeRecord(ctx context.Context, rec onDiskRecord) error {
	buf := rec.encode()
	return ino.cache.Write(ctx, ino.home, buf[:], 0, blockdevice.SectorSize)
}

// Stat reports the inode's current length, directory flag, and home
// sector without altering any state.
type Stat struct {
	Length int64
	IsDir  bool
	Home   blockdevice.Sector
}

func (ino *Inode) Stat(ctx context.Context) (Stat, error) {
	rec, err := ino.loadRecord(ctx)
	if err != nil {
		return Stat{}, err
	}
	return Stat{Length: int64(rec.length), IsDir: rec.isDir != 0, Home: ino.home}, nil
}

// byteToSector resolves the data sector backing the byte at offset,
// re-reading the on-disk record and any indirect blocks through the
// buffer cache on every call, exactly as the source does.
func (ino *Inode) byteToSector(ctx context.Context, offset int64) (blockdevice.Sector, error) {
	rec, err := ino.loadRecord(ctx)
	if err != nil {
		return blockdevice.InvalidSector, err
	}
	if offset >= int64(rec.length) {
		return blockdevice.InvalidSector, ErrNotPresent
	}

	blockIndex := offset / blockdevice.SectorSize
	if blockIndex < DirectCount {
		return rec.direct[blockIndex], nil
	}
	blockIndex -= DirectCount
	if blockIndex < PointersPerIndirect {
		arr, err := readSectorArray(ctx, ino.cache, rec.sIndirect)
		if err != nil {
			return blockdevice.InvalidSector, err
		}
		return arr[blockIndex], nil
	}
	blockIndex -= PointersPerIndirect

	outer := blockIndex / PointersPerIndirect
	inner := blockIndex % PointersPerIndirect
	outerArr, err := readSectorArray(ctx, ino.cache, rec.dIndirect)
	if err != nil {
		return blockdevice.InvalidSector, err
	}
	innerArr, err := readSectorArray(ctx, ino.cache, outerArr[outer])
	if err != nil {
		return blockdevice.InvalidSector, err
	}
	return innerArr[inner], nil
}

// ReadAt copies up to len(p) bytes starting at offset into p, translating
// one data sector at a time through the buffer cache. Returns the
// cumulative number of bytes read, which is short at end-of-file.
func (ino *Inode) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	ino.mu.Lock()
	for ino.extending {
		ino.untilNotExtending.Wait()
	}
	ino.mu.Unlock()

	rec, err := ino.loadRecord(ctx)
	if err != nil {
		return 0, err
	}
	length := int64(rec.length)

	var read int
	for read < len(p) {
		curOffset := offset + int64(read)
		sector, err := ino.byteToSector(ctx, curOffset)
		if err == ErrNotPresent {
			break
		}
		if err != nil {
			return read, err
		}

		withinSector := int(curOffset % blockdevice.SectorSize)
		chunk := min(len(p)-read, blockdevice.SectorSize-withinSector, int(length-curOffset))
		if chunk <= 0 {
			break
		}

		if err := ino.cache.Read(ctx, sector, p[read:read+chunk], withinSector, chunk); err != nil {
			return read, err
		}
		read += chunk
	}
	return read, nil
}

// WriteAt copies len(p) bytes from p into the file starting at offset,
// extending the file (allocating new sectors and updating the on-disk
// length) if offset+len(p) exceeds the current length. Returns 0, nil if
// the inode's write-deny counter is non-zero.
func (ino *Inode) WriteAt(ctx context.Context, p []byte, offset int64) (int, error) {
	ino.mu.Lock()
	if ino.denyWriteCount > 0 {
		ino.mu.Unlock()
		return 0, nil
	}
	for ino.extending {
		ino.untilNotExtending.Wait()
	}

	rec, err := ino.loadRecord(ctx)
	if err != nil {
		ino.mu.Unlock()
		return 0, err
	}

	newLength := offset + int64(len(p))
	mustExtend := newLength > int64(rec.length)
	if mustExtend {
		if newLength > MaxFileSize {
			ino.mu.Unlock()
			return 0, fmt.Errorf("inode: write would extend file past maximum size %d", MaxFileSize)
		}
		ino.extending = true
		tracker := newExtentTracker(int64(rec.length), newLength)
		ino.lastExtent = tracker
		for ino.numWriters > 0 {
			ino.untilNoWriters.Wait()
		}
		ino.mu.Unlock()

		if err := allocate(ctx, ino.cache, ino.fm, &rec, newLength); err != nil {
			ino.mu.Lock()
			ino.extending = false
			ino.untilNotExtending.Broadcast()
			ino.mu.Unlock()
			return 0, err
		}
		rec.length = int32(newLength)
		if err := ino.storeRecord(ctx, rec); err != nil {
			ino.mu.Lock()
			ino.extending = false
			ino.untilNotExtending.Broadcast()
			ino.mu.Unlock()
			return 0, err
		}

		ino.mu.Lock()
		tracker.commit(time.Now())
		tracker.checkInvariants()
		ino.extending = false
		ino.untilNotExtending.Broadcast()
	}

	ino.numWriters++
	ino.mu.Unlock()
	defer func() {
		ino.mu.Lock()
		ino.numWriters--
		if ino.numWriters == 0 {
			ino.untilNoWriters.Broadcast()
		}
		ino.mu.Unlock()
	}()

	var written int
	for written < len(p) {
		curOffset := offset + int64(written)
		sector, err := ino.byteToSector(ctx, curOffset)
		if err != nil {
			return written, err
		}

		withinSector := int(curOffset % blockdevice.SectorSize)
		chunk := min(len(p)-written, blockdevice.SectorSize-withinSector)

		if err := ino.cache.Write(ctx, sector, p[written:written+chunk], withinSector, chunk); err != nil {
			return written, err
		}
		written += chunk
	}
	return written, nil
}

// DenyWrite increments the write-deny counter. Used by a process loader
// to keep a running executable's image from being modified underneath it.
// Preconditions: the counter never exceeds openCount.
func (ino *Inode) DenyWrite() error {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.denyWriteCount >= ino.openCount {
		return fmt.Errorf("inode: deny-write count would exceed open count %d", ino.openCount)
	}
	ino.denyWriteCount++
	return nil
}

// AllowWrite decrements the write-deny counter, matching a prior
// DenyWrite.
func (ino *Inode) AllowWrite() error {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.denyWriteCount == 0 {
		return fmt.Errorf("inode: AllowWrite without a matching DenyWrite")
	}
	ino.denyWriteCount--
	return nil
}

// LastExtentStat reports the most recently completed or in-flight
// extension, or false if the inode has never extended.
func (ino *Inode) LastExtentStat() (ExtentStat, bool) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.lastExtent == nil {
		return ExtentStat{}, false
	}
	return ino.lastExtent.Stat(), true
}

// Remove marks the inode removed. Its sectors are reclaimed only once the
// last open reference is closed.
func (ino *Inode) Remove() {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.removed = true
}
