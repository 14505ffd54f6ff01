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

package sntp

import (
	"math"
	"time"
)

// NTPEpochNanosecond is the difference between NTP and Unix epoch in NS
const NTPEpochNanosecond = int64(2208988800000000000)

// Time is converting Unix time to sec and frac NTP format
func Time(t time.Time) (seconds uint32, fractions uint32) {
	nsec := t.UnixNano() + NTPEpochNanosecond
	sec := nsec / time.Second.Nanoseconds()
	return uint32(sec), uint32((nsec - sec*time.Second.Nanoseconds()) << 32 / time.Second.Nanoseconds())
}

// Unix is converting NTP seconds and fractions into Unix time
func Unix(seconds, fractions uint32) time.Time {
	secs := int64(seconds) - NTPEpochNanosecond/time.Second.Nanoseconds()
	nanos := (int64(fractions) * time.Second.Nanoseconds()) >> 32 // convert fractional to nanos
	return time.Unix(secs, nanos)
}

// Offset returns the offset between local and remote clock using the
// formula from RFC 4330: ((T2 - T1) + (T3 - T4)) / 2 in nanoseconds.
func Offset(clientTransmitTime, serverReceiveTime, serverTransmitTime, clientReceiveTime time.Time) int64 {
	forwardPath := serverReceiveTime.Sub(clientTransmitTime).Nanoseconds()
	returnPath := serverTransmitTime.Sub(clientReceiveTime).Nanoseconds()

	return (forwardPath + returnPath) / 2
}

// RoundTripDelay returns the network round-trip delay using the formula
// from RFC 4330: (T4 - T1) - (T3 - T2) in nanoseconds.
func RoundTripDelay(clientTransmitTime, serverReceiveTime, serverTransmitTime, clientReceiveTime time.Time) int64 {
	totalTime := clientReceiveTime.Sub(clientTransmitTime).Nanoseconds()
	serverTime := serverTransmitTime.Sub(serverReceiveTime).Nanoseconds()

	return totalTime - serverTime
}

// PrecisionToMicros converts NTP precision (log2 seconds) to microseconds.
func PrecisionToMicros(precision int8) uint64 {
	return uint64(math.Round(math.Pow(2, float64(precision)) * float64(time.Second.Microseconds())))
}
