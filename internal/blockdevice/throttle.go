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
	"context"

	"golang.org/x/time/rate"
)

// Throttle wraps a Device and limits the rate of sector I/O, so tests (and
// demos) can simulate a slow disk and observe the buffer cache releasing its
// global lock across I/O instead of serializing every caller behind it.
type Throttle struct {
	inner   Device
	limiter *rate.Limiter
}

var _ Device = (*Throttle)(nil)

// NewThrottle wraps inner with a token-bucket limiter allowing
// sectorsPerSecond sector operations per second, bursting up to burst.
func NewThrottle(inner Device, sectorsPerSecond float64, burst int) *Throttle {
	return &Throttle{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(sectorsPerSecond), burst),
	}
}

func (t *Throttle) ReadSector(sector Sector, out []byte) error {
	if err := t.limiter.Wait(context.Background()); err != nil {
		return err
	}
	return t.inner.ReadSector(sector, out)
}

func (t *Throttle) WriteSector(sector Sector, in []byte) error {
	if err := t.limiter.Wait(context.Background()); err != nil {
		return err
	}
	return t.inner.WriteSector(sector, in)
}

func (t *Throttle) SectorCount() Sector { return t.inner.SectorCount() }

func (t *Throttle) Close() error { return t.inner.Close() }
