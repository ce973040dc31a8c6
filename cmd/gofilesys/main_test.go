// Copyright 2024 Google LLC
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

package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pintosfs/gofilesys/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWriteBenchmark_ReportsElapsedFromClock(t *testing.T) {
	sc := clock.NewSimulatedClock(time.Unix(0, 0))
	var calls int
	write := func(context.Context, []byte) (int, error) {
		calls++
		sc.AdvanceTime(time.Millisecond)
		return 1, nil
	}

	elapsed, err := runWriteBenchmark(context.Background(), sc, 10, write)
	require.NoError(t, err)
	assert.Equal(t, 10, calls)
	assert.Equal(t, 10*time.Millisecond, elapsed)
}

func TestRunWriteBenchmark_PropagatesWriteError(t *testing.T) {
	sc := clock.NewSimulatedClock(time.Unix(0, 0))
	boom := errors.New("boom")
	write := func(context.Context, []byte) (int, error) { return 0, boom }

	_, err := runWriteBenchmark(context.Background(), sc, 10, write)
	assert.ErrorIs(t, err, boom)
}

func TestRunStatsWatch_RepeatsUntilMaxIterations(t *testing.T) {
	sc := clock.NewSimulatedClock(time.Unix(0, 0))
	var buf bytes.Buffer
	var n int
	statFn := func() (uint64, uint64) {
		n++
		return uint64(n), uint64(n)
	}

	// A zero interval makes every ck.After fire immediately, so the loop
	// runs to completion without needing a concurrent AdvanceTime caller.
	err := runStatsWatch(context.Background(), statFn, sc, 0, &buf, 3)
	require.NoError(t, err)

	assert.Equal(t, "accesses=1 hits=1\naccesses=2 hits=2\naccesses=3 hits=3\n", buf.String())
}

func TestRunStatsWatch_StopsOnContextCancel(t *testing.T) {
	sc := clock.NewSimulatedClock(time.Unix(0, 0))
	var buf bytes.Buffer
	statFn := func() (uint64, uint64) { return 0, 0 }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// maxIterations is unlimited; only the already-canceled context stops it.
	err := runStatsWatch(ctx, statFn, sc, time.Hour, &buf, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
