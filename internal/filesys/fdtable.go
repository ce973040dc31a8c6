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
	"errors"
	"io"
	"sync"
)

// ErrBadFD is returned by every fd-indexed operation when passed a
// descriptor that is not currently open.
var ErrBadFD = errors.New("filesys: bad file descriptor")

// fdTable hands out small positive integer descriptors over *File handles,
// the thin layer a dispatcher's find_fd would sit on top of (spec.md §6,
// §9's "find_fd after validation" remark). Descriptor numbers are never
// reused while any are still outstanding below the high-water mark, which
// keeps a stale fd from silently referring to an unrelated file after a
// close/open pair — the dispatcher is expected to validate fd ownership
// itself before calling into here.
type fdTable struct {
	mu    sync.Mutex
	files map[int]*File
	next  int
}

func newFDTable() *fdTable {
	return &fdTable{files: make(map[int]*File), next: 1}
}

func (t *fdTable) insert(f *File) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.files[fd] = f
	return fd
}

func (t *fdTable) lookup(fd int) (*File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	return f, ok
}

func (t *fdTable) remove(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, fd)
}

// OpenFD resolves name to a file, as Open does, and returns a small
// positive descriptor for it, or -1 and an error if name could not be
// resolved (the caller is the syscall boundary: an invalid argument here is
// reported as -1, per spec.md §7's exit-code convention).
func (fsys *FileSystem) OpenFD(ctx context.Context, name string) (int, error) {
	f, err := fsys.Open(ctx, name)
	if err != nil {
		return -1, err
	}
	return fsys.fds.insert(f), nil
}

// CloseFD closes the descriptor, triggering deferred deallocation if this
// was the last open reference to a removed inode.
func (fsys *FileSystem) CloseFD(ctx context.Context, fd int) error {
	f, ok := fsys.fds.lookup(fd)
	if !ok {
		return ErrBadFD
	}
	fsys.fds.remove(fd)
	return f.Close(ctx)
}

// ReadFD, WriteFD, SeekFD, TellFD, FilesizeFD, InumberFD, and IsdirFD are
// fd-indexed wrappers around the corresponding *File methods, giving a
// dispatcher built on integer descriptors (rather than *File values) the
// exact surface spec.md §6 lists.
func (fsys *FileSystem) ReadFD(ctx context.Context, fd int, p []byte) (int, error) {
	f, ok := fsys.fds.lookup(fd)
	if !ok {
		return 0, ErrBadFD
	}
	n, err := f.Read(ctx, p)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (fsys *FileSystem) WriteFD(ctx context.Context, fd int, p []byte) (int, error) {
	f, ok := fsys.fds.lookup(fd)
	if !ok {
		return 0, ErrBadFD
	}
	return f.Write(ctx, p)
}

func (fsys *FileSystem) SeekFD(ctx context.Context, fd int, pos int64) error {
	f, ok := fsys.fds.lookup(fd)
	if !ok {
		return ErrBadFD
	}
	_, err := f.Seek(ctx, pos, SeekStart)
	return err
}

func (fsys *FileSystem) TellFD(fd int) (int64, error) {
	f, ok := fsys.fds.lookup(fd)
	if !ok {
		return 0, ErrBadFD
	}
	return f.Tell(), nil
}

func (fsys *FileSystem) FilesizeFD(ctx context.Context, fd int) (int64, error) {
	f, ok := fsys.fds.lookup(fd)
	if !ok {
		return 0, ErrBadFD
	}
	return f.Filesize(ctx)
}

func (fsys *FileSystem) InumberFD(fd int) (uint32, error) {
	f, ok := fsys.fds.lookup(fd)
	if !ok {
		return 0, ErrBadFD
	}
	return uint32(f.Inumber()), nil
}

func (fsys *FileSystem) IsdirFD(ctx context.Context, fd int) (bool, error) {
	f, ok := fsys.fds.lookup(fd)
	if !ok {
		return false, ErrBadFD
	}
	return f.Isdir(ctx)
}
