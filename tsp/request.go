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
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// Request is a parsed TimeStampReq. The digest algorithm is kept as its
// raw OID: classifying unknown algorithms is the caller's decision, not a
// parse failure.
type Request struct {
	Version int
	// HashAlgorithmOID identifies the message imprint digest algorithm.
	HashAlgorithmOID asn1.ObjectIdentifier
	// HashedMessage is the message imprint digest.
	HashedMessage []byte
	// RawMessageImprint is the exact request encoding of the imprint,
	// echoed byte for byte into the issued TSTInfo.
	RawMessageImprint []byte
	// PolicyOID is the requested policy, nil when absent.
	PolicyOID asn1.ObjectIdentifier
	// Nonce is echoed into the response when present.
	Nonce *big.Int
	// CertReq asks for the signing certificate chain in the response.
	CertReq bool
	// Extensions from the request, if any.
	Extensions []pkix.Extension
}

// ParseRequest parses a DER-encoded TimeStampReq.
func ParseRequest(der []byte) (*Request, error) {
	var req timeStampReq
	rest, err := asn1.Unmarshal(der, &req)
	if err != nil {
		return nil, fmt.Errorf("bad TimeStampReq: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after TimeStampReq")
	}
	if req.Version != 1 {
		return nil, fmt.Errorf("unsupported TimeStampReq version %d", req.Version)
	}
	if len(req.MessageImprint.HashedMessage) == 0 {
		return nil, fmt.Errorf("empty message imprint")
	}
	return &Request{
		Version:           req.Version,
		HashAlgorithmOID:  req.MessageImprint.HashAlgorithm.Algorithm,
		HashedMessage:     req.MessageImprint.HashedMessage,
		RawMessageImprint: req.MessageImprint.Raw,
		PolicyOID:         req.ReqPolicy,
		Nonce:             req.Nonce,
		CertReq:           req.CertReq,
		Extensions:        req.Extensions,
	}, nil
}

// CriticalExtensions returns the critical extensions of the request.
// This service understands none, so any entry leads to rejection.
func (r *Request) CriticalExtensions() []pkix.Extension {
	var critical []pkix.Extension
	for _, ext := range r.Extensions {
		if ext.Critical {
			critical = append(critical, ext)
		}
	}
	return critical
}
