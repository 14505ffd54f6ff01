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
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"

	"github.com/veritime/tsad/pkialg"
)

// Response is a parsed TimeStampResp.
type Response struct {
	Status        Status
	StatusStrings []string
	failInfo      asn1.BitString
	// Token is present on granted responses only.
	Token *Token
}

// HasFailure reports whether the given PKIFailureInfo bit is set.
func (r *Response) HasFailure(f FailureInfo) bool {
	return r.failInfo.At(int(f)) == 1
}

// Token is a parsed time-stamp token.
type Token struct {
	Info         TSTInfo
	Certificates []*x509.Certificate
	// RevocationValues are the raw RevocationInfoChoices entries.
	RevocationValues []RevocationValue

	rawContent     []byte
	digestOID      asn1.ObjectIdentifier
	signatureOID   asn1.ObjectIdentifier
	rawSignedAttrs asn1.RawValue
	signature      []byte
}

// TSTInfo is the parsed signed payload.
type TSTInfo struct {
	Version           int
	Policy            asn1.ObjectIdentifier
	HashAlgorithmOID  asn1.ObjectIdentifier
	HashedMessage     []byte
	RawMessageImprint []byte
	SerialNumber      *big.Int
	GenTime           time.Time
	AccuracyMicros    uint64
	Ordering          bool
	Nonce             *big.Int
}

// SignatureOID identifies the token signature algorithm.
func (t *Token) SignatureOID() asn1.ObjectIdentifier {
	return t.signatureOID
}

// ParseResponse parses a DER-encoded TimeStampResp.
func ParseResponse(der []byte) (*Response, error) {
	var resp timeStampResp
	rest, err := asn1.Unmarshal(der, &resp)
	if err != nil {
		return nil, fmt.Errorf("bad TimeStampResp: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after TimeStampResp")
	}
	out := &Response{
		Status:        Status(resp.Status.Status),
		StatusStrings: resp.Status.StatusString,
		failInfo:      resp.Status.FailInfo,
	}
	if out.Status == StatusGranted || out.Status == StatusGrantedWithMods {
		if len(resp.TimeStampToken.FullBytes) == 0 {
			return nil, fmt.Errorf("granted response without token")
		}
		token, err := parseToken(resp.TimeStampToken.FullBytes)
		if err != nil {
			return nil, err
		}
		out.Token = token
	}
	return out, nil
}

func parseToken(der []byte) (*Token, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("bad token ContentInfo: %w", err)
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("token is not SignedData")
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("bad SignedData: %w", err)
	}
	if !sd.EncapContentInfo.EContentType.Equal(OIDTSTInfo) {
		return nil, fmt.Errorf("token eContent is not TSTInfo")
	}
	if len(sd.SignerInfos) != 1 {
		return nil, fmt.Errorf("expected one SignerInfo, got %d", len(sd.SignerInfos))
	}

	var inf tstInfo
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent, &inf); err != nil {
		return nil, fmt.Errorf("bad TSTInfo: %w", err)
	}
	genTime, err := parseGeneralizedTime(inf.GenTime)
	if err != nil {
		return nil, err
	}

	token := &Token{
		Info: TSTInfo{
			Version:           inf.Version,
			Policy:            inf.Policy,
			HashAlgorithmOID:  inf.MessageImprint.HashAlgorithm.Algorithm,
			HashedMessage:     inf.MessageImprint.HashedMessage,
			RawMessageImprint: inf.MessageImprint.Raw,
			SerialNumber:      inf.SerialNumber,
			GenTime:           genTime,
			AccuracyMicros:    joinAccuracy(inf.Accuracy),
			Ordering:          inf.Ordering,
			Nonce:             inf.Nonce,
		},
		rawContent:     sd.EncapContentInfo.EContent,
		digestOID:      sd.SignerInfos[0].DigestAlgorithm.Algorithm,
		signatureOID:   sd.SignerInfos[0].SignatureAlgorithm.Algorithm,
		rawSignedAttrs: sd.SignerInfos[0].SignedAttrs,
		signature:      sd.SignerInfos[0].Signature,
	}
	if len(sd.Certificates.Bytes) > 0 {
		certs, err := x509.ParseCertificates(sd.Certificates.Bytes)
		if err != nil {
			return nil, fmt.Errorf("bad certificate set: %w", err)
		}
		token.Certificates = certs
	}
	for _, crl := range sd.CRLs {
		if crl.Class == asn1.ClassContextSpecific && crl.Tag == 1 {
			var other otherRevocationInfoFormat
			if _, err := asn1.UnmarshalWithParams(crl.FullBytes, &other, "tag:1"); err != nil {
				return nil, fmt.Errorf("bad OtherRevocationInfoFormat: %w", err)
			}
			token.RevocationValues = append(token.RevocationValues, RevocationValue{OCSP: true, Encoded: other.Info.FullBytes})
			continue
		}
		token.RevocationValues = append(token.RevocationValues, RevocationValue{Encoded: crl.FullBytes})
	}
	return token, nil
}

// Verify checks the token's message-digest attribute and its signature
// against pub. It does not chase the certificate chain to a trust anchor;
// response validation against a policy is a verifier's job, this is the
// cryptographic core check.
func (t *Token) Verify(pub interface{}) error {
	digest, ok := pkialg.DigestByOID(t.digestOID)
	if !ok {
		return fmt.Errorf("unsupported digest %v", t.digestOID)
	}
	if len(t.rawSignedAttrs.Bytes) == 0 {
		return fmt.Errorf("token has no signed attributes")
	}

	// the message-digest attribute must match the eContent
	var attrs []attribute
	if _, err := asn1.UnmarshalWithParams(t.rawSignedAttrs.FullBytes, &attrs, "tag:0"); err != nil {
		return fmt.Errorf("bad signed attributes: %w", err)
	}
	var messageDigest []byte
	for _, attr := range attrs {
		if attr.Type.Equal(OIDMessageDigest) {
			var values []asn1.RawValue
			if _, err := asn1.UnmarshalWithParams(attr.Values.FullBytes, &values, "set"); err != nil || len(values) == 0 {
				return fmt.Errorf("bad message-digest attribute")
			}
			if _, err := asn1.Unmarshal(values[0].FullBytes, &messageDigest); err != nil {
				return fmt.Errorf("bad message-digest attribute: %w", err)
			}
		}
	}
	if messageDigest == nil {
		return fmt.Errorf("missing message-digest attribute")
	}
	if !bytes.Equal(messageDigest, digest.Sum(t.rawContent)) {
		return fmt.Errorf("message-digest attribute does not match TSTInfo")
	}

	// the signature covers the attributes re-encoded with the SET tag
	signed := make([]byte, len(t.rawSignedAttrs.FullBytes))
	copy(signed, t.rawSignedAttrs.FullBytes)
	signed[0] = 0x31

	switch key := pub.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(key, signed, t.signature) {
			return fmt.Errorf("ed25519 signature mismatch")
		}
	case *ecdsa.PublicKey:
		engine, ok := pkialg.EngineByOID(t.signatureOID)
		if !ok {
			return fmt.Errorf("unsupported signature algorithm %v", t.signatureOID)
		}
		h := engine.Hash.New()
		h.Write(signed)
		if !ecdsa.VerifyASN1(key, h.Sum(nil), t.signature) {
			return fmt.Errorf("ecdsa signature mismatch")
		}
	case *mldsa65.PublicKey:
		if !mldsa65.Verify(key, signed, nil, t.signature) {
			return fmt.Errorf("ml-dsa-65 signature mismatch")
		}
	case *mldsa87.PublicKey:
		if !mldsa87.Verify(key, signed, nil, t.signature) {
			return fmt.Errorf("ml-dsa-87 signature mismatch")
		}
	default:
		return fmt.Errorf("unsupported public key type %T", pub)
	}
	return nil
}

func parseGeneralizedTime(raw asn1.RawValue) (time.Time, error) {
	if raw.Tag != asn1.TagGeneralizedTime {
		return time.Time{}, fmt.Errorf("genTime is not a GeneralizedTime")
	}
	t, err := time.Parse("20060102150405.999999999Z0700", string(raw.Bytes))
	if err != nil {
		return time.Time{}, fmt.Errorf("bad genTime: %w", err)
	}
	return t, nil
}

func joinAccuracy(a accuracy) uint64 {
	return uint64(a.Seconds)*1000000 + uint64(a.Millis)*1000 + uint64(a.Micros)
}
