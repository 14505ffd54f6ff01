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

package pkialg

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// Engine describes one supported digital signature algorithm: how to
// generate a key pair and how to sign per the CMS convention of that
// algorithm.
type Engine struct {
	Name string
	OID  asn1.ObjectIdentifier
	// Hash is the pre-hash applied before signing. Zero for pure
	// message-signing algorithms (Ed25519, ML-DSA).
	Hash crypto.Hash
	// X509SigAlg is set when crypto/x509 can issue certificates for this
	// key type; UnknownSignatureAlgorithm means the enrollment provider
	// must assemble the certificate itself.
	X509SigAlg      x509.SignatureAlgorithm
	GenerateKeyPair func() (crypto.PublicKey, crypto.Signer, error)
}

// Sign signs message with the engine convention: pre-hash algorithms sign
// the digest, pure algorithms sign the message itself.
func (e *Engine) Sign(signer crypto.Signer, message []byte) ([]byte, error) {
	if e.Hash == crypto.Hash(0) {
		return signer.Sign(rand.Reader, message, crypto.Hash(0))
	}
	h := e.Hash.New()
	h.Write(message)
	return signer.Sign(rand.Reader, h.Sum(nil), e.Hash)
}

var engines = []*Engine{
	{
		Name:       "Ed25519",
		OID:        asn1.ObjectIdentifier{1, 3, 101, 112},
		X509SigAlg: x509.PureEd25519,
		GenerateKeyPair: func() (crypto.PublicKey, crypto.Signer, error) {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			return pub, priv, err
		},
	},
	{
		Name:       "ECDSA-SHA256",
		OID:        asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2},
		Hash:       crypto.SHA256,
		X509SigAlg: x509.ECDSAWithSHA256,
		GenerateKeyPair: func() (crypto.PublicKey, crypto.Signer, error) {
			priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				return nil, nil, err
			}
			return priv.Public(), priv, nil
		},
	},
	{
		Name:       "ECDSA-SHA384",
		OID:        asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3},
		Hash:       crypto.SHA384,
		X509SigAlg: x509.ECDSAWithSHA384,
		GenerateKeyPair: func() (crypto.PublicKey, crypto.Signer, error) {
			priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
			if err != nil {
				return nil, nil, err
			}
			return priv.Public(), priv, nil
		},
	},
	{
		Name: "ML-DSA-65",
		OID:  asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 18},
		GenerateKeyPair: func() (crypto.PublicKey, crypto.Signer, error) {
			pub, priv, err := mldsa65.GenerateKey(rand.Reader)
			if err != nil {
				return nil, nil, err
			}
			return pub, priv, nil
		},
	},
	{
		Name: "ML-DSA-87",
		OID:  asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 19},
		GenerateKeyPair: func() (crypto.PublicKey, crypto.Signer, error) {
			pub, priv, err := mldsa87.GenerateKey(rand.Reader)
			if err != nil {
				return nil, nil, err
			}
			return pub, priv, nil
		},
	},
}

// EngineByOID looks up a signature engine by object identifier.
func EngineByOID(oid asn1.ObjectIdentifier) (*Engine, bool) {
	for _, e := range engines {
		if e.OID.Equal(oid) {
			return e, true
		}
	}
	return nil, false
}
