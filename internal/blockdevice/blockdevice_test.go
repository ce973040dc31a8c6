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

package blockdevice_test

import (
	"path/filepath"
	"testing"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
	"github.com/pintosfs/gofilesys/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDevice_ReadWriteRoundTrip(t *testing.T) {
	d := blockdevice.NewMemDevice(4)

	in := util.GenerateRandomBytes(blockdevice.SectorSize)
	require.NoError(t, d.WriteSector(2, in))

	out := make([]byte, blockdevice.SectorSize)
	require.NoError(t, d.ReadSector(2, out))
	assert.Equal(t, in, out)
}

func TestMemDevice_OutOfRange(t *testing.T) {
	d := blockdevice.NewMemDevice(2)
	out := make([]byte, blockdevice.SectorSize)
	assert.ErrorIs(t, d.ReadSector(5, out), blockdevice.ErrOutOfRange)
}

func TestMemDevice_CountsRawIO(t *testing.T) {
	d := blockdevice.NewMemDevice(2)
	buf := make([]byte, blockdevice.SectorSize)

	require.NoError(t, d.WriteSector(0, buf))
	require.NoError(t, d.ReadSector(0, buf))
	require.NoError(t, d.ReadSector(0, buf))

	assert.EqualValues(t, 1, d.Writes())
	assert.EqualValues(t, 2, d.Reads())
}

func TestFileDevice_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := blockdevice.OpenFileDevice(path, 8)
	require.NoError(t, err)

	in := util.GenerateRandomBytes(blockdevice.SectorSize)
	require.NoError(t, d.WriteSector(3, in))
	require.NoError(t, d.Close())

	d2, err := blockdevice.OpenFileDevice(path, 8)
	require.NoError(t, err)
	defer d2.Close()

	out := make([]byte, blockdevice.SectorSize)
	require.NoError(t, d2.ReadSector(3, out))
	assert.Equal(t, in, out)
}

func TestFileDevice_BadBufferSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := blockdevice.OpenFileDevice(path, 1)
	require.NoError(t, err)
	defer d.Close()

	assert.Error(t, d.WriteSector(0, make([]byte, 10)))
}
