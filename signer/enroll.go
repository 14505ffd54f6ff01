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

/*
Package signer maintains the time-stamp signing material: it enrolls key
pairs and certificate chains, monitors revocation status for every
certificate in the chain and rotates the active signer when the leaf
expires or any chain certificate is revoked.
*/
package signer

import (
	"context"
	"crypto"
	"encoding/asn1"
	"fmt"
	"strings"
	"time"
)

// IdentityFragment is one attribute of the requested certificate subject,
// e.g. {cn, Dummy self-signed TSA}.
type IdentityFragment struct {
	Name  string
	Value string
}

// EnrollmentOptions carries everything a certificate enrollment provider
// needs besides the key pair.
type EnrollmentOptions struct {
	// Provider selects the enrollment backend, e.g. "self_signed".
	Provider string
	// Template names the certificate profile, e.g. "timestamping".
	Template string
	// Credentials authenticate against an external provider, e.g. a
	// shared secret. Unused by self_signed.
	Credentials string
	// Identity is the requested subject.
	Identity []IdentityFragment
	// Service is an optional provider endpoint URL.
	Service string
	// Trust names the trust anchor handling; "external" leaves anchor
	// distribution to the environment.
	Trust string
	// Validity bounds the leaf lifetime for providers that decide it
	// themselves.
	Validity time.Duration
}

// ParseIdentity parses "cn=Some Name,c=SE,rfc822=a@b.c" into fragments.
func ParseIdentity(s string) []IdentityFragment {
	var fragments []IdentityFragment
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		fragments = append(fragments, IdentityFragment{
			Name:  strings.ToLower(strings.TrimSpace(key)),
			Value: strings.TrimSpace(value),
		})
	}
	return fragments
}

// EnrollmentProvider issues a certificate chain for a caller-provided key
// pair. The returned chain is DER-encoded, leaf first.
type EnrollmentProvider interface {
	EnrollFromKeyPair(ctx context.Context, sigOID asn1.ObjectIdentifier, pub crypto.PublicKey, key crypto.Signer, opts EnrollmentOptions) ([][]byte, error)
}

// NewEnrollmentProvider resolves a provider by name.
func NewEnrollmentProvider(opts EnrollmentOptions) (EnrollmentProvider, error) {
	switch opts.Provider {
	case "", "self_signed":
		return &SelfSignedProvider{}, nil
	}
	return nil, fmt.Errorf("unknown enrollment provider %q", opts.Provider)
}
