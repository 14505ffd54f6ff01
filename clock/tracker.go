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

/*
Package clock tracks the accuracy of the local system clock against NTP
measurements and serves time with an upper bound on the error.

The reported accuracy must bound the real error from above: the tracker
never lowers the worst measured accuracy on good news, only the explicit
declared-accuracy reset does.
*/
package clock

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veritime/tsad/sntp"
)

// Tracker maintains the local system clock offset against the last NTP
// measurement, the worst drift observed between measurements and the
// worst estimated accuracy.
//
// All fields are read and written with relaxed atomics: readers only need
// a value within the monotone-grow envelope, and the
// min(worst, declared) clamp in Now is always safe when read torn.
type Tracker struct {
	declaredAccuracyMicros uint64

	worstMeasuredAccuracyMicros atomic.Uint64
	maxDriftBetweenChecksMicros atomic.Uint64
	lastOffsetMicros            atomic.Int64
}

// NewTracker returns a tracker with a declared worst case accuracy of the
// local system time when no reliable NTP measurements can be made.
func NewTracker(declaredAccuracyMicros uint64) *Tracker {
	return &Tracker{declaredAccuracyMicros: declaredAccuracyMicros}
}

// UpdateWithoutNTP records a missed NTP update. The local clock is assumed
// to have drifted by the worst measured drift between updates.
//
// Once the accumulated accuracy reaches the declared accuracy the
// measurements are reset: a new NTP sample is required and the declared
// accuracy is reported until it arrives.
func (t *Tracker) UpdateWithoutNTP() {
	maxDrift := t.maxDriftBetweenChecksMicros.Load()
	if maxDrift == 0 {
		return
	}
	previous := t.worstMeasuredAccuracyMicros.Add(maxDrift) - maxDrift
	if previous+maxDrift >= t.declaredAccuracyMicros {
		log.Warning("this instance is now operating with local system time accuracy")
		t.worstMeasuredAccuracyMicros.Store(0)
		t.maxDriftBetweenChecksMicros.Store(0)
		t.lastOffsetMicros.Store(0)
	}
}

// UpdateFromNTP measures local clock drift from a fresh NTP sample and
// maintains the worst estimated accuracy.
func (t *Tracker) UpdateFromNTP(sample *sntp.Sample) {
	lastOffset := t.lastOffsetMicros.Load()
	offset := sample.OffsetMicros
	// widen the offset away from zero by the measurement uncertainty
	uncertainty := int64(sample.PrecisionMicros()) + sample.RoundTripMicros
	if offset < 0 {
		offset -= uncertainty
	} else {
		offset += uncertainty
	}
	if lastOffset != 0 {
		diff := absDiff(lastOffset, offset)
		if t.maxDriftBetweenChecksMicros.Load() < diff {
			t.maxDriftBetweenChecksMicros.Store(diff)
		}
		worst := t.worstMeasuredAccuracyMicros.Load()
		if worst == 0 {
			seed := abs(lastOffset)
			if abs(offset) > seed {
				seed = abs(offset)
			}
			t.worstMeasuredAccuracyMicros.Store(seed)
			log.Infof("initial measurement of local system clock accuracy is %d µs", seed)
		} else if abs(lastOffset) < abs(offset) && worst < abs(offset) {
			t.worstMeasuredAccuracyMicros.Store(abs(offset))
			log.Infof("worst measurement of local system clock accuracy is now %d µs", abs(offset))
		}
	}
	t.lastOffsetMicros.Store(offset)
}

// Now returns the time as "system time" + "last known NTP offset" in Unix
// epoch microseconds with the estimated accuracy, capped by the declared
// accuracy. Before the first measurement the declared accuracy is reported.
func (t *Tracker) Now() (epochMicros uint64, accuracyMicros uint64) {
	epochMicros = uint64(time.Now().UnixMicro() + t.lastOffsetMicros.Load())
	accuracyMicros = t.worstMeasuredAccuracyMicros.Load()
	if accuracyMicros == 0 || accuracyMicros > t.declaredAccuracyMicros {
		accuracyMicros = t.declaredAccuracyMicros
	}
	return epochMicros, accuracyMicros
}

// LastOffsetMicros is the effective offset stored by the last NTP update.
func (t *Tracker) LastOffsetMicros() int64 {
	return t.lastOffsetMicros.Load()
}

func abs(x int64) uint64 {
	if x < 0 {
		return uint64(-x)
	}
	return uint64(x)
}

func absDiff(a, b int64) uint64 {
	if a > b {
		return uint64(a - b)
	}
	return uint64(b - a)
}
