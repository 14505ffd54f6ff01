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

// Package stats exposes prometheus collectors for the time-stamp service.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector of this package; the API server exposes
// it on /metrics.
var Registry = prometheus.NewRegistry()

// Requests counts time-stamp requests by outcome.
var Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tsad_requests_total",
	Help: "Time-stamp requests by outcome",
}, []string{"outcome"})

// Rotations counts signing material rotations.
var Rotations = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "tsad_signer_rotations_total",
	Help: "Signing key and certificate chain rotations",
})

// ClockOffsetMicros is the effective local clock offset from the last NTP sync.
var ClockOffsetMicros = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "tsad_clock_offset_micros",
	Help: "Effective local clock offset against NTP in microseconds",
})

// ClockAccuracyMicros is the accuracy reported with the last served time.
var ClockAccuracyMicros = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "tsad_clock_accuracy_micros",
	Help: "Accuracy of the last served time in microseconds",
})

// WithinTolerance is 1 when the timekeeper accuracy is within tolerance.
var WithinTolerance = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "tsad_clock_within_tolerance",
	Help: "Whether the timekeeper accuracy is within the tolerable limit",
})

func init() {
	Registry.MustRegister(Requests, Rotations, ClockOffsetMicros, ClockAccuracyMicros, WithinTolerance)
}
