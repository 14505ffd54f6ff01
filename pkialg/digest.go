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

// Package pkialg is the registry of cryptographic primitives used by the
// time-stamp service: message digests and signature engines, both looked
// up by object identifier.
package pkialg

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/asn1"
	"hash"

	"golang.org/x/crypto/sha3"
)

// Digest describes one supported message digest algorithm.
type Digest struct {
	Name     string
	OID      asn1.ObjectIdentifier
	SizeBits int
	New      func() hash.Hash
}

// Sum computes the digest of data.
func (d *Digest) Sum(data []byte) []byte {
	h := d.New()
	h.Write(data)
	return h.Sum(nil)
}

var digests = []*Digest{
	{Name: "SHA-1", OID: asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}, SizeBits: 160, New: sha1.New},
	{Name: "SHA-256", OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}, SizeBits: 256, New: sha256.New},
	{Name: "SHA-384", OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}, SizeBits: 384, New: sha512.New384},
	{Name: "SHA-512", OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}, SizeBits: 512, New: sha512.New},
	{Name: "SHA3-256", OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 8}, SizeBits: 256, New: sha3.New256},
	{Name: "SHA3-384", OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 9}, SizeBits: 384, New: sha3.New384},
	{Name: "SHA3-512", OID: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 10}, SizeBits: 512, New: sha3.New512},
}

// DigestByOID looks up a digest algorithm by object identifier.
func DigestByOID(oid asn1.ObjectIdentifier) (*Digest, bool) {
	for _, d := range digests {
		if d.OID.Equal(oid) {
			return d, true
		}
	}
	return nil, false
}
