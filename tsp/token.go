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
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/veritime/tsad/pkialg"
)

// RevocationValue is one revocation artifact to embed into the token's
// RevocationInfoChoices: a CRL verbatim, or an OCSP response wrapped in
// OtherRevocationInfoFormat.
type RevocationValue struct {
	OCSP    bool
	Encoded []byte
}

// TokenSigner bundles everything needed to produce one signed token. It is
// assembled by the signing material manager from the current snapshot and
// stays valid for the duration of one request.
type TokenSigner struct {
	DigestOID    asn1.ObjectIdentifier
	SignatureOID asn1.ObjectIdentifier
	Engine       *pkialg.Engine
	Key          crypto.Signer
	Leaf         *x509.Certificate
	// Chain is the DER-encoded certificate chain, leaf first.
	Chain [][]byte
	// Revocation carries the artifacts to embed, in chain order.
	Revocation []RevocationValue
}

// TokenInfo is the material bound into one TSTInfo.
type TokenInfo struct {
	PolicyOID asn1.ObjectIdentifier
	// RawMessageImprint is the exact imprint encoding from the request.
	RawMessageImprint []byte
	SerialNumber      *big.Int
	GenTime           time.Time
	AccuracyMicros    uint64
	Nonce             *big.Int
	// IncludeCerts mirrors the request certReq flag.
	IncludeCerts bool
}

// SignToken builds a TSTInfo from info, signs it with ts and returns a
// DER-encoded granted TimeStampResp.
func SignToken(info TokenInfo, ts *TokenSigner) ([]byte, error) {
	digest, ok := pkialg.DigestByOID(ts.DigestOID)
	if !ok {
		return nil, fmt.Errorf("unsupported content digest %v", ts.DigestOID)
	}

	tst := tstInfo{
		Version:        1,
		Policy:         info.PolicyOID,
		MessageImprint: messageImprint{Raw: info.RawMessageImprint},
		SerialNumber:   info.SerialNumber,
		GenTime:        generalizedTime(info.GenTime),
		Accuracy:       splitAccuracy(info.AccuracyMicros),
		Nonce:          info.Nonce,
	}
	if info.IncludeCerts {
		// signer identity hint goes with the certificate request
		tst.TSA = tsaGeneralName(ts.Leaf)
	}
	tstDER, err := asn1.Marshal(tst)
	if err != nil {
		return nil, fmt.Errorf("failed to encode TSTInfo: %w", err)
	}

	signedAttrsDER, err := buildSignedAttributes(digest, tstDER, ts.Leaf)
	if err != nil {
		return nil, err
	}
	signature, err := ts.Engine.Sign(ts.Key, signedAttrsDER)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	signedAttrs, err := implicitRetag(signedAttrsDER, 0)
	if err != nil {
		return nil, err
	}

	sidDER, err := asn1.Marshal(issuerAndSerialNumber{
		Issuer:       asn1.RawValue{FullBytes: ts.Leaf.RawIssuer},
		SerialNumber: ts.Leaf.SerialNumber,
	})
	if err != nil {
		return nil, err
	}

	sd := signedData{
		Version:          3,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{{Algorithm: ts.DigestOID}},
		EncapContentInfo: encapsulatedContentInfo{
			EContentType: OIDTSTInfo,
			EContent:     tstDER,
		},
		SignerInfos: []signerInfo{{
			Version:            1,
			SID:                asn1.RawValue{FullBytes: sidDER},
			DigestAlgorithm:    pkix.AlgorithmIdentifier{Algorithm: ts.DigestOID},
			SignedAttrs:        signedAttrs,
			SignatureAlgorithm: pkix.AlgorithmIdentifier{Algorithm: ts.SignatureOID},
			Signature:          signature,
		}},
	}
	if info.IncludeCerts {
		var concat []byte
		for _, c := range ts.Chain {
			concat = append(concat, c...)
		}
		sd.Certificates = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: concat}
	}
	for _, rv := range ts.Revocation {
		entry, err := revocationEntry(rv)
		if err != nil {
			return nil, err
		}
		sd.CRLs = append(sd.CRLs, entry)
	}

	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode SignedData: %w", err)
	}
	ciDER, err := asn1.Marshal(contentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdDER},
	})
	if err != nil {
		return nil, err
	}

	resp := timeStampResp{
		Status:         pkiStatusInfo{Status: int(StatusGranted)},
		TimeStampToken: asn1.RawValue{FullBytes: ciDER},
	}
	return asn1.Marshal(resp)
}

// buildSignedAttributes assembles the RFC 5652 authenticated attributes:
// content-type, message-digest and ESS signing-certificate-v2. The
// returned bytes are the full DER SET OF that the signature covers.
func buildSignedAttributes(digest *pkialg.Digest, content []byte, leaf *x509.Certificate) ([]byte, error) {
	contentTypeDER, err := asn1.Marshal(OIDTSTInfo)
	if err != nil {
		return nil, err
	}
	digestDER, err := asn1.Marshal(digest.Sum(content))
	if err != nil {
		return nil, err
	}
	scv2DER, err := asn1.Marshal(signingCertificateV2{Certs: []essCertIDv2{{
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: digest.OID},
		CertHash:      digest.Sum(leaf.Raw),
		IssuerSerial: issuerSerial{
			IssuerName:   generalNames{Name: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: leaf.RawIssuer}},
			SerialNumber: leaf.SerialNumber,
		},
	}}})
	if err != nil {
		return nil, err
	}

	var attrs []attribute
	for _, a := range []struct {
		oid   asn1.ObjectIdentifier
		value []byte
	}{
		{OIDContentType, contentTypeDER},
		{OIDMessageDigest, digestDER},
		{OIDSigningCertificateV2, scv2DER},
	} {
		attr, err := newAttribute(a.oid, a.value)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return asn1.MarshalWithParams(attrs, "set")
}

// newAttribute wraps one DER value into an Attribute with a SET OF values.
func newAttribute(oid asn1.ObjectIdentifier, valueDER []byte) (attribute, error) {
	values, err := asn1.MarshalWithParams([]asn1.RawValue{{FullBytes: valueDER}}, "set")
	if err != nil {
		return attribute{}, err
	}
	return attribute{Type: oid, Values: asn1.RawValue{FullBytes: values}}, nil
}

// implicitRetag replaces the outer tag of a DER value with a
// context-specific constructed tag.
func implicitRetag(der []byte, tag int) (asn1.RawValue, error) {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(der, &raw); err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: tag, IsCompound: true, Bytes: raw.Bytes}, nil
}

// revocationEntry encodes one RevocationInfoChoice: CRLs go in verbatim,
// OCSP responses are wrapped in [1] OtherRevocationInfoFormat.
func revocationEntry(rv RevocationValue) (asn1.RawValue, error) {
	if !rv.OCSP {
		return asn1.RawValue{FullBytes: rv.Encoded}, nil
	}
	der, err := asn1.Marshal(otherRevocationInfoFormat{
		Format: OIDRevocationInfoOCSP,
		Info:   asn1.RawValue{FullBytes: rv.Encoded},
	})
	if err != nil {
		return asn1.RawValue{}, err
	}
	return implicitRetag(der, 1)
}

// tsaGeneralName encodes the leaf subject as the [0] tsa GeneralName
// (directoryName choice).
func tsaGeneralName(leaf *x509.Certificate) asn1.RawValue {
	dirName, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: leaf.RawSubject})
	if err != nil {
		return asn1.RawValue{}
	}
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: dirName}
}

// generalizedTimeLayout keeps microsecond precision; trailing zeros in the
// fraction are trimmed as DER requires.
const generalizedTimeLayout = "20060102150405.999999"

// generalizedTime encodes t as a GeneralizedTime with microsecond
// precision.
func generalizedTime(t time.Time) asn1.RawValue {
	s := t.UTC().Format(generalizedTimeLayout) + "Z"
	return asn1.RawValue{Tag: asn1.TagGeneralizedTime, Bytes: []byte(s)}
}

// splitAccuracy spreads microseconds over the Accuracy fields.
func splitAccuracy(micros uint64) accuracy {
	return accuracy{
		Seconds: int64(micros / 1000000),
		Millis:  int64(micros % 1000000 / 1000),
		Micros:  int64(micros % 1000),
	}
}
