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

package tsa

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync/atomic"
)

// serialGenerator issues token serial numbers unique within the process
// lifetime: a monotonically increasing counter seeded from a
// cryptographically random 64-bit value.
type serialGenerator struct {
	counter atomic.Uint64
}

func newSerialGenerator() (*serialGenerator, error) {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("failed to seed serial numbers: %w", err)
	}
	g := &serialGenerator{}
	g.counter.Store(binary.BigEndian.Uint64(seed[:]))
	return g, nil
}

// Next returns the next serial number, always positive.
func (g *serialGenerator) Next() *big.Int {
	n := g.counter.Add(1)
	if n == 0 {
		n = g.counter.Add(1)
	}
	return new(big.Int).SetUint64(n)
}
