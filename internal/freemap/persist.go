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

package freemap

import (
	"fmt"

	"github.com/pintosfs/gofilesys/internal/blockdevice"
)

// Persist writes the bitmap out to its reserved sectors, one bit per
// allocation unit, packed eight to a byte.
func (m *FreeMap) Persist() error {
	m.mu.Lock()
	packed := pack(m.bits)
	m.mu.Unlock()

	buf := make([]byte, blockdevice.SectorSize)
	for i := 0; i < int(m.bitmapSpan); i++ {
		start := i * blockdevice.SectorSize
		end := start + blockdevice.SectorSize
		if start >= len(packed) {
			break
		}
		if end > len(packed) {
			end = len(packed)
		}

		for j := range buf {
			buf[j] = 0
		}
		copy(buf, packed[start:end])

		if err := m.dev.WriteSector(m.bitmapSector+blockdevice.Sector(i), buf); err != nil {
			return fmt.Errorf("freemap: persisting bitmap sector %d: %w", i, err)
		}
	}
	return nil
}

// Load replaces the in-memory bitmap with the contents previously written
// by Persist.
func (m *FreeMap) Load() error {
	packed := make([]byte, int(m.bitmapSpan)*blockdevice.SectorSize)
	buf := make([]byte, blockdevice.SectorSize)

	for i := 0; i < int(m.bitmapSpan); i++ {
		if err := m.dev.ReadSector(m.bitmapSector+blockdevice.Sector(i), buf); err != nil {
			return fmt.Errorf("freemap: loading bitmap sector %d: %w", i, err)
		}
		copy(packed[i*blockdevice.SectorSize:], buf)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	unpack(packed, m.bits)
	return nil
}

func pack(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpack(packed []byte, bits []bool) {
	for i := range bits {
		byteIdx := i / 8
		if byteIdx >= len(packed) {
			bits[i] = false
			continue
		}
		bits[i] = packed[byteIdx]&(1<<uint(i%8)) != 0
	}
}
