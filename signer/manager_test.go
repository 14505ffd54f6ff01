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

package signer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/asn1"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veritime/tsad/tsp"
)

var sha3x512OID = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 10}

func waitForSnapshot(t *testing.T, m *Manager) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := m.Snapshot(); s != nil {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("manager never published a snapshot")
	return nil
}

func TestManagerPublishesSnapshot(t *testing.T) {
	m, err := NewManager(Config{
		SignatureOID: ed25519OID,
		DigestOID:    sha3x512OID,
		Enrollment: EnrollmentOptions{
			Provider: "self_signed",
			Template: "timestamping",
			Identity: ParseIdentity("cn=Dummy self-signed TSA,c=SE"),
			Validity: time.Hour,
		},
		MonitorPeriod: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	s := waitForSnapshot(t, m)
	require.Equal(t, sha3x512OID, s.DigestOID)
	require.Equal(t, ed25519OID, s.SignatureOID)
	require.NotNil(t, s.Key)
	require.Len(t, s.Chain.Certificates(), 1)
	require.True(t, m.Valid())

	ts, err := m.TokenSigner()
	require.NoError(t, err)
	require.Equal(t, s.Chain.Encoded(), ts.Chain)
	require.Empty(t, ts.Revocation) // self-signed: not applicable by policy
	require.Equal(t, ts.Leaf.Raw, ts.Chain[0])
}

func TestManagerUnknownAlgorithmStaysNotReady(t *testing.T) {
	m, err := NewManager(Config{
		SignatureOID: asn1.ObjectIdentifier{1, 2, 3, 4},
		DigestOID:    sha3x512OID,
		Enrollment:   EnrollmentOptions{Provider: "self_signed", Template: "timestamping"},
	})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	require.Nil(t, m.Snapshot())
	require.False(t, m.Valid())
	_, err = m.TokenSigner()
	require.Error(t, err)
}

// TestManagerRotationUnderLoad drives concurrent readers across snapshot
// rotations: every observed signer must be internally consistent (its key
// signs tokens its own leaf verifies) and belong to one of the generations
// seen.
func TestManagerRotationUnderLoad(t *testing.T) {
	m, err := NewManager(Config{
		SignatureOID: ed25519OID,
		DigestOID:    sha3x512OID,
		Enrollment: EnrollmentOptions{
			Provider: "self_signed",
			Template: "timestamping",
			Validity: 2 * time.Second,
		},
		MonitorPeriod: 100 * time.Millisecond,
		ExpiryLead:    1900 * time.Millisecond,
		RotationFloor: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	waitForSnapshot(t, m)

	var wg sync.WaitGroup
	leaves := sync.Map{}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(serial int64) {
			defer wg.Done()
			ts, err := m.TokenSigner()
			if err != nil {
				// rotation gap is not expected with self-signed enrollment
				t.Errorf("no signer: %v", err)
				return
			}
			// the snapshot must never pair a key with another generation's
			// chain
			pub := ts.Key.Public().(ed25519.PublicKey)
			if !bytes.Equal(pub, ts.Leaf.PublicKey.(ed25519.PublicKey)) {
				t.Error("snapshot pairs private key with foreign chain")
				return
			}
			der, err := tsp.SignToken(tsp.TokenInfo{
				PolicyOID:         tsp.OIDAnyPolicy,
				RawMessageImprint: testImprint(),
				SerialNumber:      big.NewInt(serial),
				GenTime:           time.Now(),
				AccuracyMicros:    500000,
				IncludeCerts:      true,
			}, ts)
			if err != nil {
				t.Errorf("signing failed: %v", err)
				return
			}
			resp, err := tsp.ParseResponse(der)
			if err != nil {
				t.Errorf("parse failed: %v", err)
				return
			}
			if err := resp.Token.Verify(pub); err != nil {
				t.Errorf("token does not verify against its own chain: %v", err)
				return
			}
			leaves.Store(string(ts.Leaf.Raw), true)
			time.Sleep(50 * time.Millisecond)
		}(int64(i))
		if i%10 == 9 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	wg.Wait()

	generations := 0
	leaves.Range(func(_, _ any) bool { generations++; return true })
	// with a ~2s leaf lifetime and ~1.5s of load, at least one rotation
	// crossed the window
	require.GreaterOrEqual(t, generations, 2)
}

type testMessageImprint struct {
	HashAlgorithm struct {
		Algorithm asn1.ObjectIdentifier
	}
	HashedMessage []byte
}

func testImprint() []byte {
	var imprint testMessageImprint
	imprint.HashAlgorithm.Algorithm = sha3x512OID
	imprint.HashedMessage = bytes.Repeat([]byte{0xab}, 64)
	der, _ := asn1.Marshal(imprint)
	return der
}
