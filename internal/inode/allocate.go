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
	"errors"
	"fmt"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
	"github.com/pintosfs/gofilesys/internal/freemap"
)

// claimTracker records every sector this call has allocated from the
// free-map, so a failure partway through can release exactly what it
// claimed. This replaces the source's rollback path, which iterated the
// wrong counter and used an untracked stack array (spec.md §9).
type claimTracker struct {
	fm      *freemap.FreeMap
	claimed []blockdevice.Sector
}

func (t *claimTracker) allocate() (blockdevice.Sector, error) {
	s, err := t.fm.Allocate(1)
	if err != nil {
		return 0, err
	}
	t.claimed = append(t.claimed, s)
	return s, nil
}

func (t *claimTracker) rollback() {
	for _, s := range t.claimed {
		_ = t.fm.Release(s, 1)
	}
	t.claimed = nil
}

func sectorsNeeded(length int64) int {
	if length <= 0 {
		return 0
	}
	return int((length + blockdevice.SectorSize - 1) / blockdevice.SectorSize)
}

// allocate grows rec's extent map to cover newLength bytes, walking the
// direct, single-indirect, and doubly-indirect tiers in order. On any
// free-map exhaustion it releases everything it claimed in this call and
// returns the error; rec is left partially mutated in memory but the
// caller must discard it without persisting on error.
func allocate(ctx context.Context, cache cacheAccessor, fm *freemap.FreeMap, rec *onDiskRecord, newLength int64) error {
	needed := sectorsNeeded(newLength)
	t := &claimTracker{fm: fm}

	filled := 0

	// Tier 1: direct blocks.
	for i := 0; i < DirectCount && filled < needed; i++ {
		if rec.direct[i] == blockdevice.InvalidSector {
			s, err := t.allocate()
			if err != nil {
				t.rollback()
				return fmt.Errorf("inode: allocating direct block %d: %w", i, err)
			}
			if err := zeroFill(ctx, cache, s); err != nil {
				t.rollback()
				return err
			}
			rec.direct[i] = s
		}
		filled++
	}
	if filled >= needed {
		return nil
	}

	// Tier 2: single indirect.
	if rec.sIndirect == blockdevice.InvalidSector {
		s, err := t.allocate()
		if err != nil {
			t.rollback()
			return fmt.Errorf("inode: allocating single-indirect sector: %w", err)
		}
		empty := emptyPointerArray()
		if err := writeSectorArray(ctx, cache, s, empty[:]); err != nil {
			t.rollback()
			return err
		}
		rec.sIndirect = s
	}

	indirect, err := readSectorArray(ctx, cache, rec.sIndirect)
	if err != nil {
		t.rollback()
		return err
	}

	indirectDirty := false
	for i := 0; i < PointersPerIndirect && filled < needed; i++ {
		if indirect[i] == blockdevice.InvalidSector {
			s, err := t.allocate()
			if err != nil {
				t.rollback()
				return fmt.Errorf("inode: allocating indirect data sector %d: %w", i, err)
			}
			if err := zeroFill(ctx, cache, s); err != nil {
				t.rollback()
				return err
			}
			indirect[i] = s
			indirectDirty = true
		}
		filled++
	}
	if indirectDirty {
		if err := writeSectorArray(ctx, cache, rec.sIndirect, indirect[:]); err != nil {
			t.rollback()
			return err
		}
	}
	if filled >= needed {
		return nil
	}

	// Tier 3: doubly indirect.
	if rec.dIndirect == blockdevice.InvalidSector {
		s, err := t.allocate()
		if err != nil {
			t.rollback()
			return fmt.Errorf("inode: allocating doubly-indirect sector: %w", err)
		}
		empty := emptyPointerArray()
		if err := writeSectorArray(ctx, cache, s, empty[:]); err != nil {
			t.rollback()
			return err
		}
		rec.dIndirect = s
	}

	outer, err := readSectorArray(ctx, cache, rec.dIndirect)
	if err != nil {
		t.rollback()
		return err
	}

	outerDirty := false
	for o := 0; o < PointersPerIndirect && filled < needed; o++ {
		if outer[o] == blockdevice.InvalidSector {
			s, err := t.allocate()
			if err != nil {
				t.rollback()
				return fmt.Errorf("inode: allocating second-level indirect sector %d: %w", o, err)
			}
			empty := emptyPointerArray()
			if err := writeSectorArray(ctx, cache, s, empty[:]); err != nil {
				t.rollback()
				return err
			}
			outer[o] = s
			outerDirty = true
		}

		inner, err := readSectorArray(ctx, cache, outer[o])
		if err != nil {
			t.rollback()
			return err
		}

		innerDirty := false
		for i := 0; i < PointersPerIndirect && filled < needed; i++ {
			if inner[i] == blockdevice.InvalidSector {
				s, err := t.allocate()
				if err != nil {
					t.rollback()
					return fmt.Errorf("inode: allocating second-level data sector (%d,%d): %w", o, i, err)
				}
				if err := zeroFill(ctx, cache, s); err != nil {
					t.rollback()
					return err
				}
				inner[i] = s
				innerDirty = true
			}
			filled++
		}
		if innerDirty {
			if err := writeSectorArray(ctx, cache, outer[o], inner[:]); err != nil {
				t.rollback()
				return err
			}
		}
	}
	if outerDirty {
		if err := writeSectorArray(ctx, cache, rec.dIndirect, outer[:]); err != nil {
			t.rollback()
			return err
		}
	}

	if filled < needed {
		t.rollback()
		return fmt.Errorf("inode: %w: file exceeds maximum size", freemap.ErrNoSpace)
	}
	return nil
}

// deallocate mirrors allocate: it walks the tiers and returns every
// reachable data, indirect, and doubly-indirect sector to the free-map.
// The home sector itself is the caller's responsibility. Errors are
// accumulated rather than aborting partway, since a released file must
// have every sector reclaimed regardless of a single release failure.
func deallocate(ctx context.Context, cache cacheAccessor, fm *freemap.FreeMap, rec *onDiskRecord) error {
	var errs []error
	release := func(s blockdevice.Sector) {
		if s == blockdevice.InvalidSector {
			return
		}
		if err := fm.Release(s, 1); err != nil {
			errs = append(errs, err)
		}
	}

	for _, s := range rec.direct {
		release(s)
	}

	if rec.sIndirect != blockdevice.InvalidSector {
		indirect, err := readSectorArray(ctx, cache, rec.sIndirect)
		if err != nil {
			errs = append(errs, err)
		} else {
			for _, s := range indirect {
				release(s)
			}
		}
		release(rec.sIndirect)
	}

	if rec.dIndirect != blockdevice.InvalidSector {
		outer, err := readSectorArray(ctx, cache, rec.dIndirect)
		if err != nil {
			errs = append(errs, err)
		} else {
			for _, o := range outer {
				if o == blockdevice.InvalidSector {
					continue
				}
				inner, err := readSectorArray(ctx, cache, o)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				for _, s := range inner {
					release(s)
				}
				release(o)
			}
		}
		release(rec.dIndirect)
	}

	return errors.Join(errs...)
}

func zeroFill(ctx context.Context, cache cacheAccessor, s blockdevice.Sector) error {
	var zero [blockdevice.SectorSize]byte
	return cache.Write(ctx, s, zero[:], 0, blockdevice.SectorSize)
}

func emptyPointerArray() [PointersPerIndirect]blockdevice.Sector {
	var arr [PointersPerIndirect]blockdevice.Sector
	for i := range arr {
		arr[i] = blockdevice.InvalidSector
	}
	return arr
}

func readSectorArray(ctx context.Context, cache cacheAccessor, s blockdevice.Sector) ([PointersPerIndirect]blockdevice.Sector, error) {
	var buf [blockdevice.SectorSize]byte
	if err := cache.Read(ctx, s, buf[:], 0, blockdevice.SectorSize); err != nil {
		return [PointersPerIndirect]blockdevice.Sector{}, fmt.Errorf("inode: reading pointer array at sector %d: %w", s, err)
	}
	return decodeSectorArray(buf[:]), nil
}

func writeSectorArray(ctx context.Context, cache cacheAccessor, s blockdevice.Sector, arr []blockdevice.Sector) error {
	buf := encodeSectorArray(arr)
	return cache.Write(ctx, s, buf[:], 0, blockdevice.SectorSize)
}
