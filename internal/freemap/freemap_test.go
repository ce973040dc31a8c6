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

package freemap_test

import (
	"testing"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
	"github.com/pintosfs/gofilesys/internal/freemap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMap(t *testing.T, n int) (*freemap.FreeMap, *blockdevice.MemDevice) {
	t.Helper()
	dev := blockdevice.NewMemDevice(4 + blockdevice.Sector(n))
	return freemap.New(dev, 0, 4, 4, n), dev
}

func TestAllocate_SequentialThenRelease(t *testing.T) {
	m, _ := newTestMap(t, 8)

	s1, err := m.Allocate(1)
	require.NoError(t, err)
	assert.EqualValues(t, 4, s1)

	s2, err := m.Allocate(1)
	require.NoError(t, err)
	assert.EqualValues(t, 5, s2)

	require.NoError(t, m.Release(s1, 1))
	assert.True(t, m.IsFree(s1))
	assert.False(t, m.IsFree(s2))

	s3, err := m.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, s1, s3, "released sector should be reused")
}

func TestAllocate_ExhaustedReturnsErrNoSpace(t *testing.T) {
	m, _ := newTestMap(t, 2)

	_, err := m.Allocate(1)
	require.NoError(t, err)
	_, err = m.Allocate(1)
	require.NoError(t, err)

	_, err = m.Allocate(1)
	assert.ErrorIs(t, err, freemap.ErrNoSpace)
}

func TestRelease_DoubleReleaseIsAnError(t *testing.T) {
	m, _ := newTestMap(t, 2)

	s, err := m.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, m.Release(s, 1))
	assert.Error(t, m.Release(s, 1))
}

func TestPersistLoad_RoundTrip(t *testing.T) {
	m, dev := newTestMap(t, 20)

	for i := 0; i < 5; i++ {
		_, err := m.Allocate(1)
		require.NoError(t, err)
	}
	require.NoError(t, m.Release(blockdevice.Sector(6), 1))

	require.NoError(t, m.Persist())

	reloaded := freemap.New(dev, 0, 4, 4, 20)
	require.NoError(t, reloaded.Load())

	assert.Equal(t, m.NumFree(), reloaded.NumFree())
	for i := 0; i < 20; i++ {
		s := blockdevice.Sector(4 + i)
		assert.Equal(t, m.IsFree(s), reloaded.IsFree(s), "sector %d", s)
	}
}
