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

// Package fuseadapter exposes a mounted file system over FUSE, translating
// kernel ops into internal/filesys calls the way the source's fs.go
// translates them into GCS object operations.
package fuseadapter

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
	"github.com/pintosfs/gofilesys/internal/filesys"
	"github.com/pintosfs/gofilesys/internal/logger"
)

// Mount mounts fsys at mountPoint and blocks until it is unmounted.
func Mount(ctx context.Context, fsys *filesys.FileSystem, mountPoint string) error {
	fs := newFileSystem(fsys)
	server := fuseutil.NewFileSystemServer(fs)

	mfs, err := fuse.Mount(mountPoint, server, &fuse.MountConfig{})
	if err != nil {
		return err
	}
	return mfs.Join(ctx)
}

// fileSystem implements fuseutil.FileSystem against an internal/filesys
// mount. fuseops.InodeID is mapped one-to-one onto a *filesys.File handle:
// each distinct ID the kernel learns about (via LookUpInode, MkDir, or
// CreateFile) corresponds to exactly one open reference on the underlying
// inode, released when the kernel sends ForgetInode — mirroring the way
// the inode layer's own reference count governs deferred deallocation.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	fsys *filesys.FileSystem

	mu      sync.Mutex
	nextID  fuseops.InodeID
	inodes  map[fuseops.InodeID]*filesys.File
	handles map[fuseops.HandleID]*filesys.File
	nextHdl fuseops.HandleID
}

func newFileSystem(fsys *filesys.FileSystem) *fileSystem {
	fs := &fileSystem{
		fsys:    fsys,
		nextID:  fuseops.RootInodeID + 1,
		inodes:  make(map[fuseops.InodeID]*filesys.File),
		handles: make(map[fuseops.HandleID]*filesys.File),
	}
	fs.inodes[fuseops.RootInodeID] = fsys.RootHandle()
	return fs
}

func (fs *fileSystem) registerLocked(f *filesys.File) fuseops.InodeID {
	id := fs.nextID
	fs.nextID++
	fs.inodes[id] = f
	return id
}

func (fs *fileSystem) fileForInode(id fuseops.InodeID) (*filesys.File, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.inodes[id]
	return f, ok
}

func attributesFor(ctx context.Context, f *filesys.File) (fuseops.InodeAttributes, error) {
	size, err := f.Filesize(ctx)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	isDir, err := f.Isdir(ctx)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}

	mode := os.FileMode(0644)
	if isDir {
		mode = os.ModeDir | 0755
	}
	return fuseops.InodeAttributes{
		Size:  uint64(size),
		Nlink: 1,
		Mode:  mode,
	}, nil
}

func (fs *fileSystem) Init(op *fuseops.InitOp) {
	op.Respond(nil)
}

func (fs *fileSystem) LookUpInode(op *fuseops.LookUpInodeOp) {
	ctx := context.Background()
	parent, ok := fs.fileForInode(op.Parent)
	if !ok {
		op.Respond(fuse.EIO)
		return
	}

	child, ok, err := fs.fsys.LookupChild(ctx, parent, op.Name)
	if err != nil {
		op.Respond(fuse.EIO)
		return
	}
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}

	attrs, err := attributesFor(ctx, child)
	if err != nil {
		op.Respond(fuse.EIO)
		return
	}

	fs.mu.Lock()
	id := fs.registerLocked(child)
	fs.mu.Unlock()

	op.Entry.Child = id
	op.Entry.Attributes = attrs
	op.Respond(nil)
}

func (fs *fileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) {
	ctx := context.Background()
	f, ok := fs.fileForInode(op.Inode)
	if !ok {
		op.Respond(fuse.EIO)
		return
	}
	attrs, err := attributesFor(ctx, f)
	if err != nil {
		op.Respond(fuse.EIO)
		return
	}
	op.Attributes = attrs
	op.Respond(nil)
}

func (fs *fileSystem) ForgetInode(op *fuseops.ForgetInodeOp) {
	ctx := context.Background()
	fs.mu.Lock()
	f, ok := fs.inodes[op.ID]
	if ok {
		delete(fs.inodes, op.ID)
	}
	fs.mu.Unlock()

	if ok {
		if err := f.Close(ctx); err != nil {
			logger.Warnf("fuseadapter: closing forgotten inode: %v", err)
		}
	}
	op.Respond(nil)
}

func (fs *fileSystem) mkChild(op interface {
	ParentID() fuseops.InodeID
	ChildName() string
}, isDir bool) (*filesys.File, fuseops.InodeAttributes, error) {
	ctx := context.Background()
	parent, ok := fs.fileForInode(op.ParentID())
	if !ok {
		return nil, fuseops.InodeAttributes{}, fuse.EIO
	}

	child, err := fs.fsys.CreateChild(ctx, parent, op.ChildName(), isDir)
	if err != nil {
		return nil, fuseops.InodeAttributes{}, fuse.EIO
	}
	attrs, err := attributesFor(ctx, child)
	if err != nil {
		return nil, fuseops.InodeAttributes{}, err
	}
	return child, attrs, nil
}

type mkDirAdapter struct{ op *fuseops.MkDirOp }

func (a mkDirAdapter) ParentID() fuseops.InodeID { return a.op.Parent }
func (a mkDirAdapter) ChildName() string         { return a.op.Name }

type createFileAdapter struct{ op *fuseops.CreateFileOp }

func (a createFileAdapter) ParentID() fuseops.InodeID { return a.op.Parent }
func (a createFileAdapter) ChildName() string         { return a.op.Name }

func (fs *fileSystem) MkDir(op *fuseops.MkDirOp) {
	child, attrs, err := fs.mkChild(mkDirAdapter{op}, true)
	if err != nil {
		op.Respond(err)
		return
	}

	fs.mu.Lock()
	id := fs.registerLocked(child)
	fs.mu.Unlock()

	op.Entry.Child = id
	op.Entry.Attributes = attrs
	op.Respond(nil)
}

func (fs *fileSystem) CreateFile(op *fuseops.CreateFileOp) {
	child, attrs, err := fs.mkChild(createFileAdapter{op}, false)
	if err != nil {
		op.Respond(err)
		return
	}

	fs.mu.Lock()
	id := fs.registerLocked(child)
	handle := fs.nextHdl
	fs.nextHdl++
	fs.handles[handle] = child
	fs.mu.Unlock()

	op.Entry.Child = id
	op.Entry.Attributes = attrs
	op.Handle = handle
	op.Respond(nil)
}

func (fs *fileSystem) Unlink(op *fuseops.UnlinkOp) {
	ctx := context.Background()
	parent, ok := fs.fileForInode(op.Parent)
	if !ok {
		op.Respond(fuse.EIO)
		return
	}
	if err := fs.fsys.RemoveChild(ctx, parent, op.Name); err != nil {
		op.Respond(fuse.ENOENT)
		return
	}
	op.Respond(nil)
}

func (fs *fileSystem) RmDir(op *fuseops.RmDirOp) {
	ctx := context.Background()
	parent, ok := fs.fileForInode(op.Parent)
	if !ok {
		op.Respond(fuse.EIO)
		return
	}
	if err := fs.fsys.RemoveChild(ctx, parent, op.Name); err != nil {
		op.Respond(fuse.ENOENT)
		return
	}
	op.Respond(nil)
}

func (fs *fileSystem) OpenFile(op *fuseops.OpenFileOp) {
	f, ok := fs.fileForInode(op.Inode)
	if !ok {
		op.Respond(fuse.EIO)
		return
	}
	opened := fs.fsys.OpenSector(f.Inumber())

	fs.mu.Lock()
	handle := fs.nextHdl
	fs.nextHdl++
	fs.handles[handle] = opened
	fs.mu.Unlock()

	op.Handle = handle
	op.Respond(nil)
}

func (fs *fileSystem) OpenDir(op *fuseops.OpenDirOp) {
	f, ok := fs.fileForInode(op.Inode)
	if !ok {
		op.Respond(fuse.EIO)
		return
	}
	opened := fs.fsys.OpenSector(f.Inumber())

	fs.mu.Lock()
	handle := fs.nextHdl
	fs.nextHdl++
	fs.handles[handle] = opened
	fs.mu.Unlock()

	op.Handle = handle
	op.Respond(nil)
}

func (fs *fileSystem) handleFor(h fuseops.HandleID) (*filesys.File, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.handles[h]
	return f, ok
}

func (fs *fileSystem) ReadFile(op *fuseops.ReadFileOp) {
	ctx := context.Background()
	f, ok := fs.handleFor(op.Handle)
	if !ok {
		op.Respond(fuse.EIO)
		return
	}

	n, err := f.ReadAt(ctx, op.Dst, op.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		op.Respond(fuse.EIO)
		return
	}
	op.BytesRead = n
	op.Respond(nil)
}

func (fs *fileSystem) WriteFile(op *fuseops.WriteFileOp) {
	ctx := context.Background()
	f, ok := fs.handleFor(op.Handle)
	if !ok {
		op.Respond(fuse.EIO)
		return
	}
	if _, err := f.WriteAt(ctx, op.Data, op.Offset); err != nil {
		op.Respond(fuse.EIO)
		return
	}
	op.Respond(nil)
}

func (fs *fileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) {
	ctx := context.Background()
	fs.mu.Lock()
	f, ok := fs.handles[op.Handle]
	delete(fs.handles, op.Handle)
	fs.mu.Unlock()

	if ok {
		if err := f.Close(ctx); err != nil {
			logger.Warnf("fuseadapter: closing file handle: %v", err)
		}
	}
	op.Respond(nil)
}

func (fs *fileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) {
	ctx := context.Background()
	fs.mu.Lock()
	f, ok := fs.handles[op.Handle]
	delete(fs.handles, op.Handle)
	fs.mu.Unlock()

	if ok {
		if err := f.Close(ctx); err != nil {
			logger.Warnf("fuseadapter: closing directory handle: %v", err)
		}
	}
	op.Respond(nil)
}

func (fs *fileSystem) ReadDir(op *fuseops.ReadDirOp) {
	ctx := context.Background()
	f, ok := fs.handleFor(op.Handle)
	if !ok {
		op.Respond(fuse.EIO)
		return
	}

	entries, err := fs.fsys.ListChildren(ctx, f)
	if err != nil {
		op.Respond(fuse.EIO)
		return
	}

	offset := fuseops.DirOffset(0)
	for _, e := range entries {
		offset++
		if int64(offset) <= int64(op.Offset) {
			continue
		}
		isDir, err := direntIsDir(ctx, fs.fsys, e.Sector)
		if err != nil {
			op.Respond(fuse.EIO)
			return
		}
		dt := fuseutil.DT_File
		if isDir {
			dt = fuseutil.DT_Directory
		}

		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: offset,
			Inode:  fuseops.InodeID(e.Sector),
			Name:   e.Name,
			Type:   dt,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}

	op.Respond(nil)
}

func direntIsDir(ctx context.Context, fsys *filesys.FileSystem, sector blockdevice.Sector) (bool, error) {
	f := fsys.OpenSector(sector)
	defer f.Close(ctx)
	return f.Isdir(ctx)
}
