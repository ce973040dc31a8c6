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

package directory_test

import (
	"context"
	"testing"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
	"github.com/pintosfs/gofilesys/internal/bufcache"
	"github.com/pintosfs/gofilesys/internal/directory"
	"github.com/pintosfs/gofilesys/internal/freemap"
	"github.com/pintosfs/gofilesys/internal/inode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDir(t *testing.T) (*inode.Manager, *inode.Inode) {
	t.Helper()
	ctx := context.Background()
	dev := blockdevice.NewMemDevice(500)
	fm := freemap.New(dev, 0, 2, 2, 498)
	cache := bufcache.New(dev, 16)
	mgr := inode.NewManager(cache, fm)

	home, err := mgr.Create(ctx, 0, true)
	require.NoError(t, err)
	return mgr, mgr.Open(home)
}

func TestAddLookup_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, dir := newTestDir(t)

	fileHome, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)

	require.NoError(t, directory.Add(ctx, dir, "sample.txt", fileHome))

	got, ok, err := directory.Lookup(ctx, dir, "sample.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fileHome, got)
}

func TestAdd_DuplicateNameIsAnError(t *testing.T) {
	ctx := context.Background()
	mgr, dir := newTestDir(t)

	fileHome, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)
	require.NoError(t, directory.Add(ctx, dir, "dup", fileHome))

	err = directory.Add(ctx, dir, "dup", fileHome)
	assert.Error(t, err)
}

func TestRemove_EntryNoLongerFoundButSlotReused(t *testing.T) {
	ctx := context.Background()
	mgr, dir := newTestDir(t)

	h1, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)
	require.NoError(t, directory.Add(ctx, dir, "a", h1))

	require.NoError(t, directory.Remove(ctx, dir, "a"))
	_, ok, err := directory.Lookup(ctx, dir, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	st1, err := dir.Stat(ctx)
	require.NoError(t, err)

	h2, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)
	require.NoError(t, directory.Add(ctx, dir, "b", h2))

	st2, err := dir.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, st1.Length, st2.Length, "Add must reuse a removed slot instead of growing the directory")
}

func TestList_ReturnsOnlyInUseEntries(t *testing.T) {
	ctx := context.Background()
	mgr, dir := newTestDir(t)

	h1, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)
	h2, err := mgr.Create(ctx, 0, false)
	require.NoError(t, err)

	require.NoError(t, directory.Add(ctx, dir, "one", h1))
	require.NoError(t, directory.Add(ctx, dir, "two", h2))
	require.NoError(t, directory.Remove(ctx, dir, "one"))

	entries, err := directory.List(ctx, dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "two", entries[0].Name)
	assert.Equal(t, h2, entries[0].Sector)
}
