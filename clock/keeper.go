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
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veritime/tsad/sntp"
	"github.com/veritime/tsad/stats"
)

// querier is the slice of *sntp.Client the keeper needs. Tests substitute
// fakes.
type querier interface {
	Query(ctx context.Context) (*sntp.Sample, error)
}

// KeeperConfig carries the timekeeper tunables. Durations derive from the
// time.* configuration section.
type KeeperConfig struct {
	// NTPHost is "hostname" or "hostname:port". Empty disables NTP.
	NTPHost string
	// Timeout bounds a single NTP exchange.
	Timeout time.Duration
	// DeclaredAccuracyMicros is the assumed worst case accuracy of the
	// local system clock.
	DeclaredAccuracyMicros uint64
	// SyncInterval is the period of the background NTP sync task.
	SyncInterval time.Duration
	// TolerableAccuracyMicros is the worst accuracy this service will
	// serve time with.
	TolerableAccuracyMicros uint64
	// QueryEveryRequest queries the NTP server for every time request.
	QueryEveryRequest bool
}

// Keeper serves the current time with an accuracy measurement, refusing
// when the accuracy exceeds the tolerable limit.
//
// Requirements in short (RFC 3628 7.3.2, ETSI EN 319 421 7.7.2.b,
// ETSI EN 319 422 5.2.2):
//
//   - continuously ensure that time is in sync with UTC
//   - report an accuracy that bounds the real error
//   - reject requests if time is not in sync
type Keeper struct {
	ntpHost           string
	tolerableMicros   uint64
	queryEveryRequest bool
	tracker           *Tracker
	client            querier
	withinTolerance   atomic.Bool
}

// NewKeeper returns a running keeper. With an NTP host configured a
// background task compares the local clock against the server every sync
// interval, for the process lifetime.
func NewKeeper(cfg KeeperConfig) (*Keeper, error) {
	k := &Keeper{
		ntpHost:         cfg.NTPHost,
		tolerableMicros: cfg.TolerableAccuracyMicros,
		tracker:         NewTracker(cfg.DeclaredAccuracyMicros),
	}
	if cfg.NTPHost != "" {
		client, err := sntp.NewClient(cfg.NTPHost, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		k.client = client
		k.queryEveryRequest = cfg.QueryEveryRequest
		log.Infof("timekeeper started with NTP host %q", cfg.NTPHost)
		go k.syncLoop(cfg.SyncInterval)
	} else {
		log.Info("timekeeper started without any NTP host")
	}
	return k, nil
}

// WithinTolerance reports whether the most recent time request (or
// background sync) produced an accuracy within the tolerable limit.
func (k *Keeper) WithinTolerance() bool {
	return k.withinTolerance.Load()
}

// syncLoop sleeps for the sync interval and launches each sync in its own
// goroutine so that a slow NTP exchange never delays the ticker.
func (k *Keeper) syncLoop(interval time.Duration) {
	for {
		time.Sleep(interval)
		go k.syncOnce()
	}
}

// syncOnce updates the tracker with one NTP measurement, or records the
// failure to get one.
func (k *Keeper) syncOnce() {
	sample, err := k.client.Query(context.Background())
	if err != nil {
		log.Warningf("NTP sync with %q failed: %v", k.ntpHost, err)
		k.tracker.UpdateWithoutNTP()
	} else {
		k.tracker.UpdateFromNTP(sample)
		log.Infof("NTP server %q status: stratum: %d, offset: %d µs, roundtrip: %d µs, precision: 2^%d s (%d µs)",
			k.ntpHost, sample.Stratum, sample.OffsetMicros, sample.RoundTripMicros, sample.Precision, sample.PrecisionMicros())
		stats.ClockOffsetMicros.Set(float64(k.tracker.LastOffsetMicros()))
	}
	// refresh the health flag even when nobody is asking for time
	_, _, _ = k.NowWithAccuracy(context.Background())
}

// NowWithAccuracy returns the current Unix epoch time in microseconds and
// its accuracy. ok is false when no time within the tolerable accuracy is
// available; the outcome is also stored for the readiness probe.
func (k *Keeper) NowWithAccuracy(ctx context.Context) (epochMicros uint64, accuracyMicros uint64, ok bool) {
	if k.queryEveryRequest {
		if sample, err := k.client.Query(ctx); err != nil {
			log.Warningf("per-request NTP query failed: %v", err)
		} else {
			epochMicros = sample.EpochMicros()
			// the round trip was measured by the local clock and is not
			// really reliable; adding it in full avoids lying about time
			accuracyMicros = sample.PrecisionMicros() + uint64(sample.RoundTripMicros)
			ok = true
		}
	}
	if !ok {
		epochMicros, accuracyMicros = k.tracker.Now()
		ok = true
	}
	if accuracyMicros > k.tolerableMicros {
		epochMicros, accuracyMicros, ok = 0, 0, false
	}
	k.withinTolerance.Store(ok)
	if ok {
		stats.ClockAccuracyMicros.Set(float64(accuracyMicros))
		stats.WithinTolerance.Set(1)
	} else {
		stats.WithinTolerance.Set(0)
	}
	return epochMicros, accuracyMicros, ok
}

// Tracker exposes the local clock tracker.
func (k *Keeper) Tracker() *Tracker {
	return k.tracker
}
