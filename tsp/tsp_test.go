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

package tsp

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/stretchr/testify/require"

	"github.com/veritime/tsad/pkialg"
)

var message = []byte("Prove that this message existed at point in time!")

func mustOID(t *testing.T, s string) asn1.ObjectIdentifier {
	t.Helper()
	oid, err := pkialg.ParseOID(s)
	require.NoError(t, err)
	return oid
}

// newTestSigner enrolls a throwaway self-signed leaf for the given
// signature and digest algorithms.
func newTestSigner(t *testing.T, sigOID, digestOID string) (*TokenSigner, crypto.PublicKey) {
	t.Helper()
	engine, ok := pkialg.EngineByOID(mustOID(t, sigOID))
	require.True(t, ok)
	pub, key, err := engine.GenerateKeyPair()
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1000),
		Subject:      pkix.Name{CommonName: "tsp test signer", Country: []string{"SE"}},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &TokenSigner{
		DigestOID:    mustOID(t, digestOID),
		SignatureOID: engine.OID,
		Engine:       engine,
		Key:          key,
		Leaf:         leaf,
		Chain:        [][]byte{der},
	}, pub
}

func TestParseRequestFromIndependentClient(t *testing.T) {
	nonce := big.NewInt(987654321)
	der, err := timestamp.CreateRequest(bytes.NewReader(message), &timestamp.RequestOptions{
		Hash:         crypto.SHA256,
		Certificates: true,
		Nonce:        nonce,
		TSAPolicyOID: asn1.ObjectIdentifier{2, 5, 29, 32, 1},
	})
	require.NoError(t, err)

	req, err := ParseRequest(der)
	require.NoError(t, err)
	require.Equal(t, 1, req.Version)
	require.Equal(t, mustOID(t, "2.16.840.1.101.3.4.2.1"), req.HashAlgorithmOID)
	require.Len(t, req.HashedMessage, 32)
	require.True(t, req.CertReq)
	require.Equal(t, 0, nonce.Cmp(req.Nonce))
	require.Equal(t, asn1.ObjectIdentifier{2, 5, 29, 32, 1}, req.PolicyOID)
	require.Empty(t, req.CriticalExtensions())
	// the raw imprint is the exact sub-encoding of the request
	require.True(t, bytes.Contains(der, req.RawMessageImprint))
}

func TestParseRequestMinimal(t *testing.T) {
	der, err := timestamp.CreateRequest(bytes.NewReader(message), &timestamp.RequestOptions{Hash: crypto.SHA512})
	require.NoError(t, err)

	req, err := ParseRequest(der)
	require.NoError(t, err)
	require.Nil(t, req.Nonce)
	require.Nil(t, req.PolicyOID)
	require.False(t, req.CertReq)
	require.Len(t, req.HashedMessage, 64)
}

func TestParseRequestGarbage(t *testing.T) {
	_, err := ParseRequest([]byte{0xde, 0xad, 0xbe, 0xef})
	require.Error(t, err)
}

func TestParseRequestTrailingData(t *testing.T) {
	der, err := timestamp.CreateRequest(bytes.NewReader(message), nil)
	require.NoError(t, err)
	_, err = ParseRequest(append(der, 0x00))
	require.Error(t, err)
}

func TestNewRejection(t *testing.T) {
	der, err := NewRejection(FailureBadAlg, "unknown message digest algorithm")
	require.NoError(t, err)

	resp, err := ParseResponse(der)
	require.NoError(t, err)
	require.Equal(t, StatusRejection, resp.Status)
	require.Nil(t, resp.Token)
	require.True(t, resp.HasFailure(FailureBadAlg))
	require.False(t, resp.HasFailure(FailureSystemFailure))
	require.Equal(t, []string{"unknown message digest algorithm"}, resp.StatusStrings)
}

func TestFailureBitString(t *testing.T) {
	bs := failureBitString(FailureBadAlg)
	require.Equal(t, 1, bs.BitLength)
	require.Equal(t, []byte{0x80}, bs.Bytes)

	bs = failureBitString(FailureSystemFailure)
	require.Equal(t, 26, bs.BitLength)
	require.Equal(t, 1, int(bs.At(25)))
}

func TestSignTokenEd25519SHA3(t *testing.T) {
	signer, pub := newTestSigner(t, "1.3.101.112", "2.16.840.1.101.3.4.2.10")

	reqDER, err := timestamp.CreateRequest(bytes.NewReader(message), &timestamp.RequestOptions{
		Hash:         crypto.SHA512,
		Certificates: true,
		Nonce:        big.NewInt(42),
	})
	require.NoError(t, err)
	req, err := ParseRequest(reqDER)
	require.NoError(t, err)

	genTime := time.Date(2025, 6, 1, 12, 30, 45, 123456000, time.UTC)
	der, err := SignToken(TokenInfo{
		PolicyOID:         OIDAnyPolicy,
		RawMessageImprint: req.RawMessageImprint,
		SerialNumber:      big.NewInt(77),
		GenTime:           genTime,
		AccuracyMicros:    1500042,
		Nonce:             req.Nonce,
		IncludeCerts:      true,
	}, signer)
	require.NoError(t, err)

	resp, err := ParseResponse(der)
	require.NoError(t, err)
	require.Equal(t, StatusGranted, resp.Status)
	require.NotNil(t, resp.Token)

	info := resp.Token.Info
	require.Equal(t, 1, info.Version)
	require.Equal(t, OIDAnyPolicy, info.Policy)
	require.Equal(t, req.RawMessageImprint, info.RawMessageImprint)
	require.Equal(t, req.HashedMessage, info.HashedMessage)
	require.Equal(t, int64(77), info.SerialNumber.Int64())
	require.True(t, genTime.Equal(info.GenTime))
	require.Equal(t, uint64(1500042), info.AccuracyMicros)
	require.False(t, info.Ordering)
	require.Equal(t, int64(42), info.Nonce.Int64())
	require.Len(t, resp.Token.Certificates, 1)

	require.NoError(t, resp.Token.Verify(pub))
}

func TestSignTokenWithoutCertificates(t *testing.T) {
	signer, pub := newTestSigner(t, "1.3.101.112", "2.16.840.1.101.3.4.2.10")
	der, err := SignToken(TokenInfo{
		PolicyOID:         OIDAnyPolicy,
		RawMessageImprint: imprintDER(t, crypto.SHA512),
		SerialNumber:      big.NewInt(1),
		GenTime:           time.Now(),
		AccuracyMicros:    500000,
	}, signer)
	require.NoError(t, err)

	resp, err := ParseResponse(der)
	require.NoError(t, err)
	require.Empty(t, resp.Token.Certificates)
	require.Nil(t, resp.Token.Info.Nonce)
	require.NoError(t, resp.Token.Verify(pub))
}

func TestSignTokenTamperDetected(t *testing.T) {
	signer, pub := newTestSigner(t, "1.3.101.112", "2.16.840.1.101.3.4.2.10")
	der, err := SignToken(TokenInfo{
		PolicyOID:         OIDAnyPolicy,
		RawMessageImprint: imprintDER(t, crypto.SHA512),
		SerialNumber:      big.NewInt(2),
		GenTime:           time.Now(),
		AccuracyMicros:    500000,
	}, signer)
	require.NoError(t, err)

	// flip one bit in the signature
	der[len(der)-1] ^= 0x01
	resp, err := ParseResponse(der)
	require.NoError(t, err)
	require.Error(t, resp.Token.Verify(pub))
}

func TestSignTokenEmbedsRevocationValues(t *testing.T) {
	signer, pub := newTestSigner(t, "1.3.101.112", "2.16.840.1.101.3.4.2.10")
	crlDER, err := asn1.Marshal(struct{ A int }{1}) // placeholder DER blob
	require.NoError(t, err)
	ocspDER, err := asn1.Marshal(struct{ B int }{2})
	require.NoError(t, err)
	signer.Revocation = []RevocationValue{
		{Encoded: crlDER},
		{OCSP: true, Encoded: ocspDER},
	}

	der, err := SignToken(TokenInfo{
		PolicyOID:         OIDAnyPolicy,
		RawMessageImprint: imprintDER(t, crypto.SHA512),
		SerialNumber:      big.NewInt(3),
		GenTime:           time.Now(),
		AccuracyMicros:    500000,
	}, signer)
	require.NoError(t, err)

	resp, err := ParseResponse(der)
	require.NoError(t, err)
	require.Len(t, resp.Token.RevocationValues, 2)
	require.False(t, resp.Token.RevocationValues[0].OCSP)
	require.Equal(t, crlDER, resp.Token.RevocationValues[0].Encoded)
	require.True(t, resp.Token.RevocationValues[1].OCSP)
	require.Equal(t, ocspDER, resp.Token.RevocationValues[1].Encoded)
	require.NoError(t, resp.Token.Verify(pub))
}

// TestSignTokenVerifiedByIndependentParser checks a SHA-256/ECDSA token
// against the digitorus parser, which verifies the pkcs7 signature on its
// own.
func TestSignTokenVerifiedByIndependentParser(t *testing.T) {
	signer, _ := newTestSigner(t, "1.2.840.10045.4.3.2", "2.16.840.1.101.3.4.2.1")

	reqDER, err := timestamp.CreateRequest(bytes.NewReader(message), &timestamp.RequestOptions{
		Hash:         crypto.SHA256,
		Certificates: true,
		Nonce:        big.NewInt(1234),
	})
	require.NoError(t, err)
	req, err := ParseRequest(reqDER)
	require.NoError(t, err)

	genTime := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	der, err := SignToken(TokenInfo{
		PolicyOID:         OIDAnyPolicy,
		RawMessageImprint: req.RawMessageImprint,
		SerialNumber:      big.NewInt(99),
		GenTime:           genTime,
		AccuracyMicros:    250000,
		Nonce:             req.Nonce,
		IncludeCerts:      true,
	}, signer)
	require.NoError(t, err)

	ts, err := timestamp.ParseResponse(der)
	require.NoError(t, err)
	require.Equal(t, req.HashedMessage, ts.HashedMessage)
	require.True(t, genTime.Equal(ts.Time))
	require.Equal(t, 250*time.Millisecond, ts.Accuracy)
	require.Equal(t, int64(1234), ts.Nonce.Int64())
	require.Equal(t, int64(99), ts.SerialNumber.Int64())
}

func TestGeneralizedTimeMicros(t *testing.T) {
	in := time.Date(2025, 6, 1, 12, 30, 45, 123456000, time.UTC)
	raw := generalizedTime(in)
	require.Equal(t, "20250601123045.123456Z", string(raw.Bytes))

	out, err := parseGeneralizedTime(asn1.RawValue{Tag: asn1.TagGeneralizedTime, Bytes: raw.Bytes})
	require.NoError(t, err)
	require.True(t, in.Equal(out))

	// trailing zeros and the dot are trimmed
	in = time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	require.Equal(t, "20250601123045Z", string(generalizedTime(in).Bytes))

	in = time.Date(2025, 6, 1, 12, 30, 45, 120000000, time.UTC)
	require.Equal(t, "20250601123045.12Z", string(generalizedTime(in).Bytes))
}

func TestAccuracySplitJoin(t *testing.T) {
	a := splitAccuracy(1500042)
	require.Equal(t, int64(1), a.Seconds)
	require.Equal(t, int64(500), a.Millis)
	require.Equal(t, int64(42), a.Micros)
	require.Equal(t, uint64(1500042), joinAccuracy(a))

	require.Equal(t, uint64(999), joinAccuracy(splitAccuracy(999)))
	require.Equal(t, uint64(30000000), joinAccuracy(splitAccuracy(30000000)))
}

func imprintDER(t *testing.T, h crypto.Hash) []byte {
	t.Helper()
	der, err := timestamp.CreateRequest(bytes.NewReader(message), &timestamp.RequestOptions{Hash: h})
	require.NoError(t, err)
	req, err := ParseRequest(der)
	require.NoError(t, err)
	return req.RawMessageImprint
}
