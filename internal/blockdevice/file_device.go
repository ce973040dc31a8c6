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

package blockdevice

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileDevice is a Device backed by an ordinary file acting as a disk image.
// It is what the CLI and the FUSE mount use in production.
type FileDevice struct {
	f       *os.File
	sectors Sector
}

var _ Device = (*FileDevice)(nil)

// OpenFileDevice opens (or creates, with the given sector count) a disk
// image at path.
func OpenFileDevice(path string, sectorCount Sector) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("blockdevice: opening %q: %w", path, err)
	}

	// An exclusive advisory lock keeps a second mount of the same image from
	// racing this one's cache and corrupting the on-disk structures.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdevice: %q is already locked by another mount: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdevice: stat %q: %w", path, err)
	}

	wantSize := int64(sectorCount) * SectorSize
	if info.Size() < wantSize {
		if err := f.Truncate(wantSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("blockdevice: truncating %q: %w", path, err)
		}
	} else {
		// An existing, larger image dictates the sector count.
		sectorCount = Sector(info.Size() / SectorSize)
	}

	return &FileDevice{f: f, sectors: sectorCount}, nil
}

func (d *FileDevice) ReadSector(sector Sector, out []byte) error {
	if err := checkBuf(out); err != nil {
		return err
	}
	if err := checkRange(sector, d.sectors); err != nil {
		return err
	}

	if _, err := d.f.ReadAt(out, int64(sector)*SectorSize); err != nil {
		return fmt.Errorf("blockdevice: reading sector %d: %w", sector, err)
	}
	return nil
}

func (d *FileDevice) WriteSector(sector Sector, in []byte) error {
	if err := checkBuf(in); err != nil {
		return err
	}
	if err := checkRange(sector, d.sectors); err != nil {
		return err
	}

	if _, err := d.f.WriteAt(in, int64(sector)*SectorSize); err != nil {
		return fmt.Errorf("blockdevice: writing sector %d: %w", sector, err)
	}
	return nil
}

func (d *FileDevice) SectorCount() Sector { return d.sectors }

func (d *FileDevice) Close() error {
	return d.f.Close()
}
