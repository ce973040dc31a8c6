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

// Package directory implements the directory layer: name to inode-sector
// mapping stored as ordinary file content, read and written entirely
// through the inode layer's ReadAt/WriteAt, the way the source's directory
// code is just another file with a fixed-size-record convention (grounded
// on the teacher's fs/inode/dir.go typeCache, rewritten against sectors
// instead of GCS objects).
package directory

import (
	"context"
	"fmt"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
	"github.com/pintosfs/gofilesys/internal/inode"
)

// nameLen bounds a directory entry's name field; longer names are rejected
// at Add time rather than silently truncated.
const nameLen = 16

// entrySize is the on-disk width of one directory entry: a fixed name
// field, a sector number, and an in-use flag.
const entrySize = nameLen + 4 + 1

// Entry is one resolved directory entry.
type Entry struct {
	Name   string
	Sector blockdevice.Sector
}

func encodeEntry(name string, sector blockdevice.Sector, inUse bool) ([]byte, error) {
	if len(name) > nameLen {
		return nil, fmt.Errorf("directory: name %q exceeds maximum length %d", name, nameLen)
	}
	buf := make([]byte, entrySize)
	copy(buf, name)
	buf[nameLen] = byte(sector)
	buf[nameLen+1] = byte(sector >> 8)
	buf[nameLen+2] = byte(sector >> 16)
	buf[nameLen+3] = byte(sector >> 24)
	if inUse {
		buf[nameLen+4] = 1
	}
	return buf, nil
}

func decodeEntry(buf []byte) (name string, sector blockdevice.Sector, inUse bool) {
	end := 0
	for end < nameLen && buf[end] != 0 {
		end++
	}
	name = string(buf[:end])
	sector = blockdevice.Sector(buf[nameLen]) |
		blockdevice.Sector(buf[nameLen+1])<<8 |
		blockdevice.Sector(buf[nameLen+2])<<16 |
		blockdevice.Sector(buf[nameLen+3])<<24
	inUse = buf[nameLen+4] != 0
	return
}

// Lookup scans dir's content for name, returning its inode sector.
func Lookup(ctx context.Context, dir *inode.Inode, name string) (blockdevice.Sector, bool, error) {
	st, err := dir.Stat(ctx)
	if err != nil {
		return 0, false, err
	}

	buf := make([]byte, entrySize)
	for offset := int64(0); offset+entrySize <= st.Length; offset += entrySize {
		n, err := dir.ReadAt(ctx, buf, offset)
		if err != nil {
			return 0, false, err
		}
		if n < entrySize {
			break
		}
		entName, sector, inUse := decodeEntry(buf)
		if inUse && entName == name {
			return sector, true, nil
		}
	}
	return 0, false, nil
}

// Add appends a new entry, or reuses the first entry slot freed by a prior
// Remove, mapping name to sector. Returns an error if name is already
// present.
func Add(ctx context.Context, dir *inode.Inode, name string, sector blockdevice.Sector) error {
	if _, ok, err := Lookup(ctx, dir, name); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("directory: %q already exists", name)
	}

	st, err := dir.Stat(ctx)
	if err != nil {
		return err
	}

	buf := make([]byte, entrySize)
	for offset := int64(0); offset+entrySize <= st.Length; offset += entrySize {
		n, err := dir.ReadAt(ctx, buf, offset)
		if err != nil {
			return err
		}
		if n < entrySize {
			break
		}
		_, _, inUse := decodeEntry(buf)
		if !inUse {
			enc, err := encodeEntry(name, sector, true)
			if err != nil {
				return err
			}
			_, err = dir.WriteAt(ctx, enc, offset)
			return err
		}
	}

	enc, err := encodeEntry(name, sector, true)
	if err != nil {
		return err
	}
	_, err = dir.WriteAt(ctx, enc, st.Length)
	return err
}

// Remove marks name's entry unused. The entry's slot may be reused by a
// later Add; the space is never compacted out of the directory's file.
func Remove(ctx context.Context, dir *inode.Inode, name string) error {
	st, err := dir.Stat(ctx)
	if err != nil {
		return err
	}

	buf := make([]byte, entrySize)
	for offset := int64(0); offset+entrySize <= st.Length; offset += entrySize {
		n, err := dir.ReadAt(ctx, buf, offset)
		if err != nil {
			return err
		}
		if n < entrySize {
			break
		}
		entName, sector, inUse := decodeEntry(buf)
		if inUse && entName == name {
			enc, err := encodeEntry(name, sector, false)
			if err != nil {
				return err
			}
			_, err = dir.WriteAt(ctx, enc, offset)
			return err
		}
	}
	return fmt.Errorf("directory: %q not found", name)
}

// List returns every in-use entry in dir.
func List(ctx context.Context, dir *inode.Inode) ([]Entry, error) {
	st, err := dir.Stat(ctx)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	buf := make([]byte, entrySize)
	for offset := int64(0); offset+entrySize <= st.Length; offset += entrySize {
		n, err := dir.ReadAt(ctx, buf, offset)
		if err != nil {
			return nil, err
		}
		if n < entrySize {
			break
		}
		name, sector, inUse := decodeEntry(buf)
		if inUse {
			entries = append(entries, Entry{Name: name, Sector: sector})
		}
	}
	return entries, nil
}
