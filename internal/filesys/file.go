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

package filesys

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
	"github.com/pintosfs/gofilesys/internal/inode"
)

// File is an open handle onto an inode, with its own seek position. Two
// handles opened independently via FileSystem.Open each track position
// separately even though they share the underlying Inode object (spec.md
// §8's "seek independence" law). Each descriptor the fd table hands out
// wraps its own *File; the table has no dup operation, so no two
// descriptors share a position.
type File struct {
	fsys *FileSystem
	ino  *inode.Inode

	mu  sync.Mutex
	pos int64
}

func (fsys *FileSystem) newFile(ino *inode.Inode) *File {
	return &File{fsys: fsys, ino: ino}
}

// Read reads into p starting at the current position, advancing it by the
// number of bytes actually read, and returns io.EOF once the file's length
// has been reached, matching io.Reader's contract.
func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	pos := f.pos
	f.mu.Unlock()

	n, err := f.ino.ReadAt(ctx, p, pos)
	if err != nil {
		return n, err
	}

	f.mu.Lock()
	f.pos += int64(n)
	f.mu.Unlock()

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Write writes p at the current position, extending the file if necessary,
// and advances the position by the number of bytes written (0 while the
// inode denies writes).
func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	pos := f.pos
	f.mu.Unlock()

	n, err := f.ino.WriteAt(ctx, p, pos)
	if err != nil {
		return n, err
	}

	f.mu.Lock()
	f.pos += int64(n)
	f.mu.Unlock()
	return n, nil
}

// ReadAt reads into p at the given absolute offset without touching the
// handle's seek position, for callers (the FUSE adapter) that carry their
// own offset on every op rather than relying on a stateful cursor.
func (f *File) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	return f.ino.ReadAt(ctx, p, offset)
}

// WriteAt writes p at the given absolute offset without touching the
// handle's seek position.
func (f *File) WriteAt(ctx context.Context, p []byte, offset int64) (int, error) {
	return f.ino.WriteAt(ctx, p, offset)
}

// Whence mirrors io.Seeker's origin constants without importing os, since
// this package has no file-descriptor-backed files to share the constants
// with.
const (
	SeekStart   = 0
	SeekCurrent = 1
	SeekEnd     = 2
)

// Seek repositions the handle, returning the new absolute position.
func (f *File) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case SeekStart:
		base = 0
	case SeekCurrent:
		base = f.pos
	case SeekEnd:
		st, err := f.ino.Stat(ctx)
		if err != nil {
			return 0, err
		}
		base = st.Length
	default:
		return 0, fmt.Errorf("filesys: invalid seek whence %d", whence)
	}

	newPos := base + offset
	if newPos < 0 {
		return 0, fmt.Errorf("filesys: seek to negative offset %d", newPos)
	}
	f.pos = newPos
	return f.pos, nil
}

// Tell reports the handle's current position without altering it.
func (f *File) Tell() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

// Filesize reports the file's current length in bytes.
func (f *File) Filesize(ctx context.Context) (int64, error) {
	st, err := f.ino.Stat(ctx)
	if err != nil {
		return 0, err
	}
	return st.Length, nil
}

// Isdir reports whether the handle refers to a directory.
func (f *File) Isdir(ctx context.Context) (bool, error) {
	st, err := f.ino.Stat(ctx)
	if err != nil {
		return false, err
	}
	return st.IsDir, nil
}

// Inumber returns the handle's stable inode identifier: its home sector.
func (f *File) Inumber() blockdevice.Sector { return f.ino.Home() }

// DenyWrite and AllowWrite forward to the underlying inode, letting a
// process loader pin down a running executable image (spec.md §4.3).
func (f *File) DenyWrite() error  { return f.ino.DenyWrite() }
func (f *File) AllowWrite() error { return f.ino.AllowWrite() }

// Close releases this handle's reference to the underlying inode. It does
// not invalidate any other handle sharing the same inode.
func (f *File) Close(ctx context.Context) error {
	return f.fsys.mgr.Close(ctx, f.ino)
}
