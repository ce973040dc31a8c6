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

package inode

import "time"

// extentTracker tracks the progress of a single in-flight file extension,
// the way gcsproxy.MutableContent tracks a dirtyThreshold against an
// object's original contents: bytes in [0, committedThrough) are backed by
// sectors that have already been allocated and zero-filled through the
// allocator; bytes in [committedThrough, targetLength) are still pending.
//
// External synchronization is required; every access to the tracker is
// made with the owning inode's mu held.
type extentTracker struct {
	originalLength   int64
	targetLength     int64
	committedThrough int64
	mtime            *time.Time
}

func newExtentTracker(originalLength, targetLength int64) *extentTracker {
	return &extentTracker{
		originalLength:   originalLength,
		targetLength:     targetLength,
		committedThrough: originalLength,
	}
}

// ExtentStat reports a snapshot of an in-progress extension.
type ExtentStat struct {
	OriginalLength   int64
	TargetLength     int64
	CommittedThrough int64
}

func (t *extentTracker) Stat() ExtentStat {
	return ExtentStat{
		OriginalLength:   t.originalLength,
		TargetLength:     t.targetLength,
		CommittedThrough: t.committedThrough,
	}
}

// commit records that the allocator has zero-filled every sector up to
// targetLength and the record has been flushed, i.e. the extension
// succeeded in full. This package's allocator is all-or-nothing per call,
// so there is no partial-commit state to expose beyond before/after.
func (t *extentTracker) commit(now time.Time) {
	t.committedThrough = t.targetLength
	t.mtime = &now
}

func (t *extentTracker) checkInvariants() {
	if t.committedThrough < t.originalLength || t.committedThrough > t.targetLength {
		panic("inode: extentTracker.committedThrough out of [originalLength, targetLength] range")
	}
}
