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

package server

import (
	"bytes"
	"crypto"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/stretchr/testify/require"

	"github.com/veritime/tsad/clock"
	"github.com/veritime/tsad/pkialg"
	"github.com/veritime/tsad/signer"
	"github.com/veritime/tsad/tsa"
	"github.com/veritime/tsad/tsp"
)

func newTestServer(t *testing.T, tolerance uint64) *Server {
	t.Helper()
	keeper, err := clock.NewKeeper(clock.KeeperConfig{
		DeclaredAccuracyMicros:  30000000,
		TolerableAccuracyMicros: tolerance,
	})
	require.NoError(t, err)

	sigOID, err := pkialg.ParseOID("1.3.101.112")
	require.NoError(t, err)
	digestOID, err := pkialg.ParseOID("2.16.840.1.101.3.4.2.10")
	require.NoError(t, err)
	manager, err := signer.NewManager(signer.Config{
		SignatureOID: sigOID,
		DigestOID:    digestOID,
		Enrollment: signer.EnrollmentOptions{
			Provider: "self_signed",
			Template: "timestamping",
			Validity: time.Hour,
		},
		MonitorPeriod: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	deadline := time.Now().Add(5 * time.Second)
	for manager.Snapshot() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, manager.Snapshot())

	engine, err := tsa.New(tsa.Config{}, keeper, manager)
	require.NoError(t, err)
	return New("127.0.0.1", 0, engine)
}

func tsQuery(t *testing.T) []byte {
	t.Helper()
	der, err := timestamp.CreateRequest(bytes.NewReader([]byte("some document")), &timestamp.RequestOptions{
		Hash:         crypto.SHA512,
		Certificates: true,
	})
	require.NoError(t, err)
	return der
}

func TestTimeStampEndpoint(t *testing.T) {
	s := newTestServer(t, 30000000)

	req := httptest.NewRequest("POST", "/tsp", bytes.NewReader(tsQuery(t)))
	req.Header.Set("Content-Type", contentTypeQuery)
	resp, err := s.App().Test(req, 10000)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, contentTypeReply, resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	parsed, err := tsp.ParseResponse(body)
	require.NoError(t, err)
	require.Equal(t, tsp.StatusGranted, parsed.Status)
	require.NotNil(t, parsed.Token)
	require.NotEmpty(t, parsed.Token.Certificates)
}

func TestTimeStampEndpointRootPath(t *testing.T) {
	s := newTestServer(t, 30000000)
	req := httptest.NewRequest("POST", "/", bytes.NewReader(tsQuery(t)))
	req.Header.Set("Content-Type", contentTypeQuery)
	resp, err := s.App().Test(req, 10000)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
}

func TestTimeStampEndpointWrongContentTypeProceeds(t *testing.T) {
	s := newTestServer(t, 30000000)
	req := httptest.NewRequest("POST", "/tsp", bytes.NewReader(tsQuery(t)))
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := s.App().Test(req, 10000)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, contentTypeReply, resp.Header.Get("Content-Type"))
}

func TestBodySizeBoundary(t *testing.T) {
	s := newTestServer(t, 30000000)

	// exactly 8192 bytes: accepted by the transport (the payload is a
	// protocol level rejection, still HTTP 200)
	req := httptest.NewRequest("POST", "/tsp", bytes.NewReader(make([]byte, maxRequestBytes)))
	req.Header.Set("Content-Type", contentTypeQuery)
	resp, err := s.App().Test(req, 10000)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	// one byte over: transport level bad request
	req = httptest.NewRequest("POST", "/tsp", bytes.NewReader(make([]byte, maxRequestBytes+1)))
	req.Header.Set("Content-Type", contentTypeQuery)
	resp, err = s.App().Test(req, 10000)
	require.NoError(t, err)
	require.Equal(t, 400, resp.StatusCode)
}

func TestGarbageBodyIsProtocolRejection(t *testing.T) {
	s := newTestServer(t, 30000000)
	req := httptest.NewRequest("POST", "/tsp", bytes.NewReader([]byte{0x01, 0x02}))
	req.Header.Set("Content-Type", contentTypeQuery)
	resp, err := s.App().Test(req, 10000)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NotEmpty(t, body)
}

func TestHealthProbes(t *testing.T) {
	// intolerable accuracy: all three probes are down
	s := newTestServer(t, 500000)
	for _, path := range []string{"/health/started", "/health/ready", "/health/live"} {
		req := httptest.NewRequest("GET", path, nil)
		resp, err := s.App().Test(req, 10000)
		require.NoError(t, err)
		require.Equal(t, 503, resp.StatusCode, path)
	}

	// tolerant configuration becomes ready after the first served request
	s = newTestServer(t, 30000000)
	req := httptest.NewRequest("POST", "/tsp", bytes.NewReader(tsQuery(t)))
	req.Header.Set("Content-Type", contentTypeQuery)
	_, err := s.App().Test(req, 10000)
	require.NoError(t, err)

	for _, path := range []string{"/health/started", "/health/ready", "/health/live"} {
		req := httptest.NewRequest("GET", path, nil)
		resp, err := s.App().Test(req, 10000)
		require.NoError(t, err)
		require.Equal(t, 200, resp.StatusCode, path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, 30000000)

	req := httptest.NewRequest("POST", "/tsp", bytes.NewReader(tsQuery(t)))
	req.Header.Set("Content-Type", contentTypeQuery)
	_, err := s.App().Test(req, 10000)
	require.NoError(t, err)

	req = httptest.NewRequest("GET", "/metrics", nil)
	resp, err := s.App().Test(req, 10000)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "tsad_requests_total")
	require.Contains(t, string(body), "tsad_signer_rotations_total")
}