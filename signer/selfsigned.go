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
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/veritime/tsad/pkialg"
)

// oidExtKeyUsage is the X.509 extended key usage extension.
var oidExtKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}

// oidKPTimeStamping is id-kp-timeStamping.
var oidKPTimeStamping = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}

// defaultValidity bounds self-signed leaves when the options carry none.
const defaultValidity = 24 * time.Hour

// SelfSignedProvider issues single-certificate chains signed by the
// enrolled key itself. Meant for development and air-gapped deployments;
// production setups plug in a CA-backed provider instead.
type SelfSignedProvider struct{}

// EnrollFromKeyPair issues one self-signed leaf for the key pair.
// The "timestamping" template sets the critical extended key usage
// id-kp-timeStamping that RFC 3161 2.3 requires of a TSA certificate.
func (p *SelfSignedProvider) EnrollFromKeyPair(_ context.Context, sigOID asn1.ObjectIdentifier, pub crypto.PublicKey, key crypto.Signer, opts EnrollmentOptions) ([][]byte, error) {
	engine, ok := pkialg.EngineByOID(sigOID)
	if !ok {
		return nil, fmt.Errorf("unknown signature algorithm %v", sigOID)
	}
	if opts.Template != "" && opts.Template != "timestamping" {
		return nil, fmt.Errorf("unknown certificate template %q", opts.Template)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	validity := opts.Validity
	if validity <= 0 {
		validity = defaultValidity
	}
	notBefore := time.Now().Add(-time.Minute)

	subject := subjectFromIdentity(opts.Identity)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject.name,
		EmailAddresses:        subject.emails,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity + time.Minute),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		ExtraExtensions:       []pkix.Extension{timeStampingEKU()},
	}

	var der []byte
	if engine.X509SigAlg != x509.UnknownSignatureAlgorithm {
		der, err = x509.CreateCertificate(rand.Reader, template, template, pub, key)
	} else {
		// crypto/x509 cannot issue for this key type (ML-DSA); assemble
		// the certificate ourselves
		der, err = createCertificatePQ(template, sigOID, pub, key, engine)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to issue self-signed certificate: %w", err)
	}
	return [][]byte{der}, nil
}

type subjectParts struct {
	name   pkix.Name
	emails []string
}

func subjectFromIdentity(fragments []IdentityFragment) subjectParts {
	var s subjectParts
	for _, f := range fragments {
		switch f.Name {
		case "cn":
			s.name.CommonName = f.Value
		case "c":
			s.name.Country = append(s.name.Country, f.Value)
		case "o":
			s.name.Organization = append(s.name.Organization, f.Value)
		case "ou":
			s.name.OrganizationalUnit = append(s.name.OrganizationalUnit, f.Value)
		case "rfc822":
			s.emails = append(s.emails, f.Value)
		}
	}
	if s.name.CommonName == "" {
		s.name.CommonName = "Self-signed TSA unit"
	}
	return s
}

func timeStampingEKU() pkix.Extension {
	value, _ := asn1.Marshal([]asn1.ObjectIdentifier{oidKPTimeStamping})
	return pkix.Extension{Id: oidExtKeyUsage, Critical: true, Value: value}
}

// X.509 structures for key types crypto/x509 cannot issue for.
type tbsCertificate struct {
	Version            int `asn1:"optional,explicit,default:0,tag:0"`
	SerialNumber       *big.Int
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Issuer             asn1.RawValue
	Validity           certValidity
	Subject            asn1.RawValue
	PublicKey          publicKeyInfo
	Extensions         []pkix.Extension `asn1:"omitempty,optional,explicit,tag:3"`
}

type certValidity struct {
	NotBefore time.Time
	NotAfter  time.Time
}

type publicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

type certificateShell struct {
	TBSCertificate     asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

// createCertificatePQ assembles and self-signs a v3 certificate for key
// types unknown to crypto/x509. The key OID doubles as the signature OID,
// as ML-DSA defines it.
func createCertificatePQ(template *x509.Certificate, sigOID asn1.ObjectIdentifier, pub crypto.PublicKey, key crypto.Signer, engine *pkialg.Engine) ([]byte, error) {
	rawKey, ok := pub.(interface{ Bytes() []byte })
	if !ok {
		return nil, fmt.Errorf("public key %T does not expose raw bytes", pub)
	}
	subjectDER, err := asn1.Marshal(template.Subject.ToRDNSequence())
	if err != nil {
		return nil, err
	}
	sigAlg := pkix.AlgorithmIdentifier{Algorithm: sigOID}
	tbs := tbsCertificate{
		Version:            2, // v3
		SerialNumber:       template.SerialNumber,
		SignatureAlgorithm: sigAlg,
		Issuer:             asn1.RawValue{FullBytes: subjectDER},
		Validity: certValidity{
			NotBefore: template.NotBefore.UTC(),
			NotAfter:  template.NotAfter.UTC(),
		},
		Subject: asn1.RawValue{FullBytes: subjectDER},
		PublicKey: publicKeyInfo{
			Algorithm: sigAlg,
			PublicKey: asn1.BitString{Bytes: rawKey.Bytes(), BitLength: len(rawKey.Bytes()) * 8},
		},
		Extensions: append([]pkix.Extension{keyUsageDigitalSignature()}, template.ExtraExtensions...),
	}
	tbsDER, err := asn1.Marshal(tbs)
	if err != nil {
		return nil, err
	}
	signature, err := engine.Sign(key, tbsDER)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(certificateShell{
		TBSCertificate:     asn1.RawValue{FullBytes: tbsDER},
		SignatureAlgorithm: sigAlg,
		SignatureValue:     asn1.BitString{Bytes: signature, BitLength: len(signature) * 8},
	})
}

func keyUsageDigitalSignature() pkix.Extension {
	// digitalSignature is bit 0
	value, _ := asn1.Marshal(asn1.BitString{Bytes: []byte{0x80}, BitLength: 1})
	return pkix.Extension{Id: asn1.ObjectIdentifier{2, 5, 29, 15}, Critical: true, Value: value}
}
