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

package filesys_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
	"github.com/pintosfs/gofilesys/internal/bufcache"
	"github.com/pintosfs/gofilesys/internal/filesys"
	"github.com/pintosfs/gofilesys/internal/freemap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSectorCount = 3000

func newTestFS(t *testing.T) *filesys.FileSystem {
	t.Helper()
	dev := blockdevice.NewMemDevice(testSectorCount)
	fm := freemap.New(dev, 0, 4, 4, testSectorCount-4)
	cache := bufcache.New(dev, bufcache.DefaultSize)

	fsys, err := filesys.Format(context.Background(), cache, fm)
	require.NoError(t, err)
	return fsys
}

func TestCreateOpen_FilesizeMatchesRequestedLength(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	require.NoError(t, fsys.Create(ctx, "sample.txt", 37, false))

	f, err := fsys.Open(ctx, "sample.txt")
	require.NoError(t, err)
	defer f.Close(ctx)

	size, err := f.Filesize(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 37, size)
}

func TestOpen_MissingNameIsAnError(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	_, err := fsys.Open(ctx, "nope.txt")
	assert.ErrorIs(t, err, filesys.ErrNotExist)
}

// TestSeekIndependence exercises spec.md §8 scenario 1: two reads separated
// by identical seeks on the same handle return the same bytes.
func TestSeekIndependence(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)
	require.NoError(t, fsys.Create(ctx, "sample.txt", 64, false))

	f, err := fsys.Open(ctx, "sample.txt")
	require.NoError(t, err)
	defer f.Close(ctx)

	payload := make([]byte, 64)
	rand.New(rand.NewSource(1)).Read(payload)
	_, err = f.Write(ctx, payload)
	require.NoError(t, err)

	_, err = f.Seek(ctx, 5, filesys.SeekStart)
	require.NoError(t, err)
	b1 := make([]byte, 2)
	_, err = f.Read(ctx, b1)
	require.NoError(t, err)

	_, err = f.Seek(ctx, 5, filesys.SeekStart)
	require.NoError(t, err)
	b2 := make([]byte, 2)
	_, err = f.Read(ctx, b2)
	require.NoError(t, err)

	assert.Equal(t, b1, b2)
}

// TestSharedVsIndependentHandles exercises spec.md §8 scenario 2: two
// independently opened handles on the same file share content but not
// position.
func TestSharedVsIndependentHandles(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)
	require.NoError(t, fsys.Create(ctx, "sample.txt", 8, false))

	setup, err := fsys.Open(ctx, "sample.txt")
	require.NoError(t, err)
	_, err = setup.Write(ctx, []byte{10, 20, 30, 40, 50, 60, 70, 80})
	require.NoError(t, err)
	require.NoError(t, setup.Close(ctx))

	f1, err := fsys.Open(ctx, "sample.txt")
	require.NoError(t, err)
	defer f1.Close(ctx)
	f2, err := fsys.Open(ctx, "sample.txt")
	require.NoError(t, err)
	defer f2.Close(ctx)

	b1a := make([]byte, 1)
	_, err = f1.Read(ctx, b1a)
	require.NoError(t, err)

	b2a := make([]byte, 1)
	_, err = f2.Read(ctx, b2a)
	require.NoError(t, err)

	b1b := make([]byte, 1)
	_, err = f1.Read(ctx, b1b)
	require.NoError(t, err)

	assert.Equal(t, b1a, b2a, "both handles start at offset 0, so their first byte must match")
	assert.NotEqual(t, b1a, b1b, "the same handle's second read must advance past its first")
}

// TestExtendBeyondCache exercises spec.md §8 scenario 3: many small writes
// that extend a file well past the buffer cache's capacity read back
// byte-for-byte.
func TestExtendBeyondCache(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)
	require.NoError(t, fsys.Create(ctx, "big", 0, false))

	f, err := fsys.Open(ctx, "big")
	require.NoError(t, err)
	defer f.Close(ctx)

	rng := rand.New(rand.NewSource(42))
	var want []byte
	for i := 0; i < 100; i++ {
		chunk := make([]byte, 10)
		rng.Read(chunk)
		_, err := f.Write(ctx, chunk)
		require.NoError(t, err)
		want = append(want, chunk...)
	}

	_, err = f.Seek(ctx, 0, filesys.SeekStart)
	require.NoError(t, err)
	got := make([]byte, len(want))
	n, err := f.Read(ctx, got)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	assert.Equal(t, want, got)
}

// TestWriteCoalescing exercises spec.md §8 scenario 4: writing a file one
// byte at a time must not cost one disk round trip per byte, since the
// buffer cache coalesces repeated writes to the same sector.
func TestWriteCoalescing(t *testing.T) {
	ctx := context.Background()
	dev := blockdevice.NewMemDevice(testSectorCount)
	fm := freemap.New(dev, 0, 4, 4, testSectorCount-4)
	cache := bufcache.New(dev, bufcache.DefaultSize)
	fsys, err := filesys.Format(ctx, cache, fm)
	require.NoError(t, err)

	const size = 64 * 1024
	require.NoError(t, fsys.Create(ctx, "coalesced", size, false))
	f, err := fsys.Open(ctx, "coalesced")
	require.NoError(t, err)
	defer f.Close(ctx)

	fsys.ResetStats()

	one := []byte{0xAB}
	for i := 0; i < size; i++ {
		_, err := f.Write(ctx, one)
		require.NoError(t, err)
	}

	diff := fsys.AccessCount() - fsys.HitCount()
	assert.Less(t, diff, uint64(1024), "misses should be bounded by the number of distinct sectors touched, not the number of byte-sized writes")
}

// TestSequentialCacheWarmth exercises spec.md §8 scenario 5: reading a
// small file twice yields a strictly higher hit rate on the second pass.
func TestSequentialCacheWarmth(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	const size = 8 * blockdevice.SectorSize
	require.NoError(t, fsys.Create(ctx, "warm", size, false))
	f, err := fsys.Open(ctx, "warm")
	require.NoError(t, err)
	defer f.Close(ctx)

	buf := make([]byte, size)
	_, err = f.Write(ctx, buf)
	require.NoError(t, err)

	require.NoError(t, fsys.Flush(ctx))
	fsys.Invcache()
	fsys.ResetStats()

	_, err = f.Seek(ctx, 0, filesys.SeekStart)
	require.NoError(t, err)
	_, err = f.Read(ctx, buf)
	require.NoError(t, err)
	firstAccesses, firstHits := fsys.AccessCount(), fsys.HitCount()
	firstRate := float64(firstHits) / float64(firstAccesses)

	_, err = f.Seek(ctx, 0, filesys.SeekStart)
	require.NoError(t, err)
	_, err = f.Read(ctx, buf)
	require.NoError(t, err)
	secondRate := float64(fsys.HitCount()) / float64(fsys.AccessCount())

	assert.Greater(t, secondRate, firstRate)
}

func TestRemove_DeferredUntilLastClose(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)
	require.NoError(t, fsys.Create(ctx, "doomed", 512, false))

	f, err := fsys.Open(ctx, "doomed")
	require.NoError(t, err)

	require.NoError(t, fsys.Remove(ctx, "doomed"))

	_, err = fsys.Open(ctx, "doomed")
	assert.ErrorIs(t, err, filesys.ErrNotExist, "a removed name must not resolve even while a handle remains open")

	buf := make([]byte, 512)
	_, err = f.Read(ctx, buf)
	assert.NoError(t, err, "a handle open before removal must remain usable")

	require.NoError(t, f.Close(ctx))
}

func TestFDSurface_OpenReadWriteSeekClose(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)
	require.NoError(t, fsys.Create(ctx, "fdfile", 4, false))

	fd, err := fsys.OpenFD(ctx, "fdfile")
	require.NoError(t, err)
	require.GreaterOrEqual(t, fd, 0)

	n, err := fsys.WriteFD(ctx, fd, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, fsys.SeekFD(ctx, fd, 0))
	pos, err := fsys.TellFD(fd)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pos)

	out := make([]byte, 4)
	n, err = fsys.ReadFD(ctx, fd, out)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)

	require.NoError(t, fsys.CloseFD(ctx, fd))

	_, err = fsys.TellFD(fd)
	assert.ErrorIs(t, err, filesys.ErrBadFD)
}

func TestCreate_NestedDirectory(t *testing.T) {
	ctx := context.Background()
	fsys := newTestFS(t)

	require.NoError(t, fsys.Create(ctx, "sub", 0, true))
	require.NoError(t, fsys.Create(ctx, "sub/leaf.txt", 16, false))

	f, err := fsys.Open(ctx, "sub/leaf.txt")
	require.NoError(t, err)
	defer f.Close(ctx)

	size, err := f.Filesize(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 16, size)
}
