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

package inode_test

import (
	"context"
	"testing"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
	"github.com/pintosfs/gofilesys/internal/bufcache"
	"github.com/pintosfs/gofilesys/internal/freemap"
	"github.com/pintosfs/gofilesys/internal/inode"
	"github.com/pintosfs/gofilesys/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSectorCount = 2000

func newTestManager(t *testing.T) (*inode.Manager, *freemap.FreeMap, *bufcache.Cache) {
	t.Helper()
	dev := blockdevice.NewMemDevice(testSectorCount)
	fm := freemap.New(dev, 0, 2, 2, testSectorCount-2)
	cache := bufcache.New(dev, 16)
	return inode.NewManager(cache, fm), fm, cache
}

func TestCreateAndOpen_FreshFileHasRequestedSize(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	home, err := mgr.Create(ctx, 100, false)
	require.NoError(t, err)

	ino := mgr.Open(home)
	st, err := ino.Stat(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 100, st.Length)
	assert.False(t, st.IsDir)
	assert.Equal(t, home, st.Home)
}

func TestWriteThenRead_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	home, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)
	ino := mgr.Open(home)

	payload := util.GenerateRandomBytes(5000)
	n, err := ino.WriteAt(ctx, payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = ino.ReadAt(ctx, out, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)
}

func TestReadPastEndOfFile_IsShort(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	home, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)
	ino := mgr.Open(home)

	payload := []byte("hello")
	_, err = ino.WriteAt(ctx, payload, 0)
	require.NoError(t, err)

	out := make([]byte, 100)
	n, err := ino.ReadAt(ctx, out, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
}

func TestExtendBeyondCache_ManySmallWritesReadBackByteForByte(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	home, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)
	ino := mgr.Open(home)

	var want []byte
	for i := 0; i < 100; i++ {
		chunk := util.GenerateRandomBytes(10)
		n, err := ino.WriteAt(ctx, chunk, int64(len(want)))
		require.NoError(t, err)
		require.Equal(t, 10, n)
		want = append(want, chunk...)
	}

	got := make([]byte, len(want))
	n, err := ino.ReadAt(ctx, got, 0)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	assert.Equal(t, want, got)

	st, err := ino.Stat(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(want), st.Length)
}

func TestDenyWrite_ZeroesWritesWithoutError(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	home, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)
	ino := mgr.Open(home)

	require.NoError(t, ino.DenyWrite())
	n, err := ino.WriteAt(ctx, []byte("nope"), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, ino.AllowWrite())
	n, err = ino.WriteAt(ctx, []byte("now ok"), 0)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestAllowWrite_WithoutDenyIsAnError(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	home, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)
	ino := mgr.Open(home)

	assert.Error(t, ino.AllowWrite())
}

func TestOpen_SameSectorReturnsSharedObject(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	home, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)

	a := mgr.Open(home)
	b := mgr.Open(home)
	assert.Same(t, a, b, "opening the same home sector twice must yield the same in-memory inode")

	require.NoError(t, a.DenyWrite())
	n, err := b.WriteAt(ctx, []byte("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "deny-write set through one handle must be visible through the other")
}

func TestClose_RemovedInodeFreesAllSectors(t *testing.T) {
	ctx := context.Background()
	mgr, fm, _ := newTestManager(t)

	home, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)
	ino := mgr.Open(home)

	_, err = ino.WriteAt(ctx, util.GenerateRandomBytes(200*blockdevice.SectorSize), 0)
	require.NoError(t, err)

	before := fm.NumFree()
	ino.Remove()
	require.NoError(t, mgr.Close(ctx, ino))

	assert.Greater(t, fm.NumFree(), before, "closing the last reference to a removed inode must free its sectors")
	assert.True(t, fm.IsFree(home), "home sector must be free after final close")
}

func TestClose_NotLastReferenceKeepsSectorsAllocated(t *testing.T) {
	ctx := context.Background()
	mgr, fm, _ := newTestManager(t)

	home, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)

	a := mgr.Open(home)
	_ = mgr.Open(home) // second reference

	_, err = a.WriteAt(ctx, util.GenerateRandomBytes(10), 0)
	require.NoError(t, err)

	a.Remove()
	require.NoError(t, mgr.Close(ctx, a))
	assert.False(t, fm.IsFree(home), "home sector must stay allocated while a reference remains open")
}

func TestExtentStat_ReflectsLastExtension(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t)

	home, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)
	ino := mgr.Open(home)

	_, haveBefore := ino.LastExtentStat()
	assert.False(t, haveBefore)

	_, err = ino.WriteAt(ctx, util.GenerateRandomBytes(1000), 0)
	require.NoError(t, err)

	st, ok := ino.LastExtentStat()
	require.True(t, ok)
	assert.EqualValues(t, 0, st.OriginalLength)
	assert.EqualValues(t, 1000, st.TargetLength)
	assert.EqualValues(t, 1000, st.CommittedThrough)
}
