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
	"context"
	"crypto"
	"encoding/asn1"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veritime/tsad/pkialg"
	"github.com/veritime/tsad/stats"
	"github.com/veritime/tsad/tsp"
)

// Config carries the signing material manager tunables.
type Config struct {
	// SignatureOID selects the signature engine.
	SignatureOID asn1.ObjectIdentifier
	// DigestOID is the content digest of issued tokens. RFC 8933 3.1
	// requires the same digest for the eContent and the signed
	// attributes, so one algorithm covers both.
	DigestOID asn1.ObjectIdentifier
	// Enrollment configures the certificate enrollment provider.
	Enrollment EnrollmentOptions
	// MonitorPeriod is the revocation polling cadence.
	MonitorPeriod time.Duration
	// ExpiryLead renews the chain this long before actual leaf expiry.
	ExpiryLead time.Duration
	// RotationFloor bounds rotation churn even for pathologically
	// short-lived certificates.
	RotationFloor time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MonitorPeriod <= 0 {
		out.MonitorPeriod = 3 * time.Second
	}
	if out.ExpiryLead <= 0 {
		out.ExpiryLead = 3 * time.Minute
	}
	if out.RotationFloor <= 0 {
		out.RotationFloor = time.Second
	}
	return out
}

// Snapshot is one generation of signing material. It is immutable after
// publication; readers hold it for at most the duration of one request.
type Snapshot struct {
	DigestOID    asn1.ObjectIdentifier
	SignatureOID asn1.ObjectIdentifier
	Engine       *pkialg.Engine
	Key          crypto.Signer
	Chain        *MonitoredChain
}

// Manager runs the signing material rotation loop and publishes the
// current snapshot through a single lock-free slot.
type Manager struct {
	cfg      Config
	provider EnrollmentProvider
	current  atomic.Pointer[Snapshot]
	retry    time.Duration
}

// NewManager starts the rotation loop and returns the manager. The loop
// lives for the process lifetime; failures keep the manager not-ready and
// are surfaced by the health probes.
func NewManager(cfg Config) (*Manager, error) {
	provider, err := NewEnrollmentProvider(cfg.Enrollment)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		provider: provider,
		retry:    5 * time.Second,
	}
	go m.maintain()
	return m, nil
}

// maintain continuously keeps the signing certificate chain up to date.
func (m *Manager) maintain() {
	engine, ok := pkialg.EngineByOID(m.cfg.SignatureOID)
	if !ok {
		// no exit: the health probe surfaces the permanent not-ready state
		log.Errorf("unknown signature algorithm %v, signing material unavailable", m.cfg.SignatureOID)
		return
	}
	for {
		if err := m.rotateOnce(engine); err != nil {
			log.Errorf("signing material rotation failed: %v", err)
			time.Sleep(m.retry)
		}
	}
}

// rotateOnce enrolls one chain generation, publishes it and blocks until
// it needs replacement.
func (m *Manager) rotateOnce(engine *pkialg.Engine) error {
	pub, key, err := engine.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("key generation: %w", err)
	}
	encoded, err := m.provider.EnrollFromKeyPair(context.Background(), m.cfg.SignatureOID, pub, key, m.cfg.Enrollment)
	if err != nil {
		return fmt.Errorf("enrollment: %w", err)
	}
	chain, err := NewMonitoredChain(encoded)
	if err != nil {
		return fmt.Errorf("enrolled chain: %w", err)
	}
	chain.TrackChainStatus(m.cfg.MonitorPeriod)

	leaf := chain.Certificates()[0]
	log.Infof("issued signing certificate, issuer %q, serial 0x%x, not after %s",
		leaf.Issuer.String(), leaf.SerialNumber, leaf.NotAfter.Format(time.RFC3339))

	old := m.current.Swap(&Snapshot{
		DigestOID:    m.cfg.DigestOID,
		SignatureOID: m.cfg.SignatureOID,
		Engine:       engine,
		Key:          key,
		Chain:        chain,
	})
	stats.Rotations.Inc()
	if old != nil {
		// only after the publish: readers holding the old snapshot keep
		// serving its encoded bytes until they drop it
		old.Chain.StopTracking()
	}

	// floor on rotation churn even for certs revoked upon issuance
	time.Sleep(m.cfg.RotationFloor)
	chain.AwaitLeafExpirationOrRevocation(m.cfg.ExpiryLead)
	return nil
}

// Snapshot returns the currently published signing material, nil when none
// has been published yet.
func (m *Manager) Snapshot() *Snapshot {
	return m.current.Load()
}

// Valid reports whether a snapshot exists and its leaf certificate is
// currently within its validity period. Used by the health probes.
func (m *Manager) Valid() bool {
	s := m.current.Load()
	if s == nil {
		return false
	}
	leaf := s.Chain.Certificates()[0]
	now := time.Now()
	return !now.Before(leaf.NotBefore) && !now.After(leaf.NotAfter)
}

// TokenSigner assembles a tsp.TokenSigner from the current snapshot,
// classifying the revocation artifact of every chain certificate. A
// missing artifact refuses the signer: responses must stay self-contained.
func (m *Manager) TokenSigner() (*tsp.TokenSigner, error) {
	s := m.current.Load()
	if s == nil {
		return nil, fmt.Errorf("no signing material published yet")
	}
	var revocation []tsp.RevocationValue
	for _, cert := range s.Chain.Certificates() {
		status := s.Chain.RevocationInfo(Fingerprint(cert))
		switch status.Kind {
		case RevocationCRL:
			revocation = append(revocation, tsp.RevocationValue{Encoded: status.Encoded})
		case RevocationOCSP:
			revocation = append(revocation, tsp.RevocationValue{OCSP: true, Encoded: status.Encoded})
		case RevocationNotApplicable:
		case RevocationMissing:
			log.Warning("missing revocation information, unable to produce self-contained responses")
			return nil, fmt.Errorf("missing revocation information for %q", cert.Subject.CommonName)
		}
	}
	return &tsp.TokenSigner{
		DigestOID:    s.DigestOID,
		SignatureOID: s.SignatureOID,
		Engine:       s.Engine,
		Key:          s.Key,
		Leaf:         s.Chain.Certificates()[0],
		Chain:        s.Chain.Encoded(),
		Revocation:   revocation,
	}, nil
}
