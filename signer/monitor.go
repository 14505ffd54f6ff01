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
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ocsp"
)

// RevocationKind classifies the revocation artifact of one certificate.
type RevocationKind int

// Revocation artifact kinds.
const (
	// RevocationMissing means no artifact has been obtained yet; the
	// chain cannot produce self-contained responses.
	RevocationMissing RevocationKind = iota
	// RevocationCRL is a DER-encoded certificate revocation list.
	RevocationCRL
	// RevocationOCSP is a DER-encoded OCSP response.
	RevocationOCSP
	// RevocationNotApplicable marks certificates that declare no
	// revocation distribution at all.
	RevocationNotApplicable
)

// RevocationStatus is the last known revocation state of one certificate.
type RevocationStatus struct {
	Kind    RevocationKind
	Encoded []byte
	Revoked bool
}

// maxRevocationFetchBytes caps CRL and OCSP downloads.
const maxRevocationFetchBytes = 4 << 20

// MonitoredChain is a certificate chain with background revocation-status
// polling. StopTracking halts the polling only: the parsed and encoded
// chain stay usable for readers that still hold a reference.
type MonitoredChain struct {
	certs   []*x509.Certificate
	encoded [][]byte
	client  *http.Client

	mu     sync.RWMutex
	status map[string]RevocationStatus

	revoked     chan struct{}
	revokedOnce sync.Once
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewMonitoredChain parses the DER chain (leaf first) into a monitored
// container. Tracking starts with TrackChainStatus.
func NewMonitoredChain(encoded [][]byte) (*MonitoredChain, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("empty certificate chain")
	}
	certs := make([]*x509.Certificate, 0, len(encoded))
	for _, der := range encoded {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("bad certificate in chain: %w", err)
		}
		certs = append(certs, cert)
	}
	return &MonitoredChain{
		certs:   certs,
		encoded: encoded,
		client:  &http.Client{Timeout: 10 * time.Second},
		status:  make(map[string]RevocationStatus),
		revoked: make(chan struct{}),
		stop:    make(chan struct{}),
	}, nil
}

// Fingerprint is the SHA-256 fingerprint of a certificate, used as the
// revocation status key.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Certificates returns the parsed chain, leaf first.
func (c *MonitoredChain) Certificates() []*x509.Certificate {
	return c.certs
}

// Encoded returns the DER chain, leaf first.
func (c *MonitoredChain) Encoded() [][]byte {
	return c.encoded
}

// RevocationInfo returns the last known revocation status for the
// certificate with the given fingerprint.
func (c *MonitoredChain) RevocationInfo(fingerprint string) RevocationStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status[fingerprint]
}

// TrackChainStatus polls revocation material for every certificate at the
// given period. The first poll runs before this call returns so that a
// freshly enrolled chain is immediately usable.
func (c *MonitoredChain) TrackChainStatus(period time.Duration) {
	c.pollOnce()
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.pollOnce()
			}
		}
	}()
}

// StopTracking halts background polling. In-memory chain bytes stay valid
// for readers that still hold the chain.
func (c *MonitoredChain) StopTracking() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// AwaitLeafExpirationOrRevocation blocks until the leaf certificate is
// within lead of expiry, any chain certificate is revoked, or tracking is
// stopped.
func (c *MonitoredChain) AwaitLeafExpirationOrRevocation(lead time.Duration) {
	deadline := c.certs[0].NotAfter.Add(-lead)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.revoked:
	case <-c.stop:
	}
}

func (c *MonitoredChain) pollOnce() {
	for i, cert := range c.certs {
		status := c.fetchStatus(i, cert)
		c.mu.Lock()
		// a failed fetch must not erase a previously obtained artifact
		if status.Kind != RevocationMissing || c.status[Fingerprint(cert)].Kind == RevocationMissing {
			c.status[Fingerprint(cert)] = status
		}
		c.mu.Unlock()
		if status.Revoked {
			log.Warningf("certificate %q is revoked", cert.Subject.CommonName)
			c.revokedOnce.Do(func() { close(c.revoked) })
		}
	}
}

// fetchStatus obtains one certificate's revocation artifact: OCSP when the
// certificate names a responder, CRL when it names a distribution point,
// not-applicable when it names neither.
func (c *MonitoredChain) fetchStatus(i int, cert *x509.Certificate) RevocationStatus {
	issuer := cert
	if i+1 < len(c.certs) {
		issuer = c.certs[i+1]
	}
	if len(cert.OCSPServer) > 0 {
		return c.fetchOCSP(cert, issuer)
	}
	if len(cert.CRLDistributionPoints) > 0 {
		return c.fetchCRL(cert)
	}
	return RevocationStatus{Kind: RevocationNotApplicable}
}

func (c *MonitoredChain) fetchOCSP(cert, issuer *x509.Certificate) RevocationStatus {
	reqDER, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		log.Warningf("failed to build OCSP request for %q: %v", cert.Subject.CommonName, err)
		return RevocationStatus{Kind: RevocationMissing}
	}
	for _, server := range cert.OCSPServer {
		resp, err := c.client.Post(server, "application/ocsp-request", bytes.NewReader(reqDER))
		if err != nil {
			log.Warningf("OCSP query %q failed: %v", server, err)
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxRevocationFetchBytes))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			log.Warningf("OCSP query %q returned status %d", server, resp.StatusCode)
			continue
		}
		parsed, err := ocsp.ParseResponseForCert(body, cert, issuer)
		if err != nil {
			log.Warningf("bad OCSP response from %q: %v", server, err)
			continue
		}
		return RevocationStatus{
			Kind:    RevocationOCSP,
			Encoded: body,
			Revoked: parsed.Status == ocsp.Revoked,
		}
	}
	return RevocationStatus{Kind: RevocationMissing}
}

func (c *MonitoredChain) fetchCRL(cert *x509.Certificate) RevocationStatus {
	for _, url := range cert.CRLDistributionPoints {
		resp, err := c.client.Get(url)
		if err != nil {
			log.Warningf("CRL download %q failed: %v", url, err)
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxRevocationFetchBytes))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			log.Warningf("CRL download %q returned status %d", url, resp.StatusCode)
			continue
		}
		crl, err := x509.ParseRevocationList(body)
		if err != nil {
			log.Warningf("bad CRL from %q: %v", url, err)
			continue
		}
		revoked := false
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				revoked = true
				break
			}
		}
		return RevocationStatus{Kind: RevocationCRL, Encoded: body, Revoked: revoked}
	}
	return RevocationStatus{Kind: RevocationMissing}
}
