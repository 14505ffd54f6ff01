/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veritime/tsad/sntp"
)

type fakeQuerier struct {
	sample *sntp.Sample
	err    error
	calls  int
}

func (f *fakeQuerier) Query(context.Context) (*sntp.Sample, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.sample, nil
}

func TestKeeperLocalOnlyWithinTolerance(t *testing.T) {
	k, err := NewKeeper(KeeperConfig{
		DeclaredAccuracyMicros:  30000000,
		TolerableAccuracyMicros: 30000000,
	})
	require.NoError(t, err)

	epoch, accuracy, ok := k.NowWithAccuracy(context.Background())
	require.True(t, ok)
	require.Equal(t, uint64(30000000), accuracy)
	require.InDelta(t, time.Now().UnixMicro(), int64(epoch), float64(time.Second.Microseconds()))
	require.True(t, k.WithinTolerance())
}

func TestKeeperRefusesWhenAccuracyExceedsTolerance(t *testing.T) {
	// declared 30s against a 0.5s tolerance: the keeper must refuse
	k, err := NewKeeper(KeeperConfig{
		DeclaredAccuracyMicros:  30000000,
		TolerableAccuracyMicros: 500000,
	})
	require.NoError(t, err)

	_, _, ok := k.NowWithAccuracy(context.Background())
	require.False(t, ok)
	require.False(t, k.WithinTolerance())
}

func TestKeeperPerRequestNTP(t *testing.T) {
	now := time.Now()
	sec, frac := sntp.Time(now)
	q := &fakeQuerier{sample: &sntp.Sample{
		Stratum:         1,
		Precision:       -20,
		OffsetMicros:    100,
		RoundTripMicros: 250,
		Sec:             sec,
		Frac:            frac,
	}}
	k := &Keeper{
		tolerableMicros:   500000,
		queryEveryRequest: true,
		tracker:           NewTracker(30000000),
		client:            q,
	}

	epoch, accuracy, ok := k.NowWithAccuracy(context.Background())
	require.True(t, ok)
	require.Equal(t, 1, q.calls)
	// precision 2^-20 s rounds to 1 µs, plus the full round trip
	require.Equal(t, uint64(251), accuracy)
	require.InDelta(t, now.UnixMicro(), int64(epoch), 10)
}

func TestKeeperPerRequestNTPFallsBackToTracker(t *testing.T) {
	q := &fakeQuerier{err: errors.New("timeout")}
	k := &Keeper{
		tolerableMicros:   500000,
		queryEveryRequest: true,
		tracker:           NewTracker(100000),
		client:            q,
	}

	_, accuracy, ok := k.NowWithAccuracy(context.Background())
	require.True(t, ok)
	require.Equal(t, 1, q.calls)
	require.Equal(t, uint64(100000), accuracy)
}

func TestKeeperSyncOnceUpdatesTrackerAndFlag(t *testing.T) {
	q := &fakeQuerier{sample: &sntp.Sample{Precision: -30, OffsetMicros: 42}}
	k := &Keeper{
		tolerableMicros: 500000,
		tracker:         NewTracker(100000),
		client:          q,
	}
	k.syncOnce()
	require.Equal(t, int64(42), k.tracker.LastOffsetMicros())
	require.True(t, k.WithinTolerance())

	q.err = errors.New("unreachable")
	k.syncOnce()
	// failure path notifies the tracker, flag reflects current accuracy
	require.True(t, k.WithinTolerance())
}
