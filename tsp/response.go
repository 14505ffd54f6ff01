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
	"encoding/asn1"
)

// Status is the PKIStatus of a TimeStampResp (RFC 3161 2.4.2).
type Status int

// PKIStatus values.
const (
	StatusGranted                Status = 0
	StatusGrantedWithMods        Status = 1
	StatusRejection              Status = 2
	StatusWaiting                Status = 3
	StatusRevocationWarning      Status = 4
	StatusRevocationNotification Status = 5
)

// FailureInfo is a PKIFailureInfo bit (RFC 3161 2.4.2).
type FailureInfo int

// PKIFailureInfo bits.
const (
	FailureBadAlg              FailureInfo = 0
	FailureBadRequest          FailureInfo = 2
	FailureBadDataFormat       FailureInfo = 5
	FailureTimeNotAvailable    FailureInfo = 14
	FailureUnacceptedPolicy    FailureInfo = 15
	FailureUnacceptedExtension FailureInfo = 16
	FailureAddInfoNotAvailable FailureInfo = 17
	FailureSystemFailure       FailureInfo = 25
)

func (f FailureInfo) String() string {
	switch f {
	case FailureBadAlg:
		return "badAlg"
	case FailureBadRequest:
		return "badRequest"
	case FailureBadDataFormat:
		return "badDataFormat"
	case FailureTimeNotAvailable:
		return "timeNotAvailable"
	case FailureUnacceptedPolicy:
		return "unacceptedPolicy"
	case FailureUnacceptedExtension:
		return "unacceptedExtension"
	case FailureAddInfoNotAvailable:
		return "addInfoNotAvailable"
	case FailureSystemFailure:
		return "systemFailure"
	}
	return "unknown"
}

// failureBitString encodes one PKIFailureInfo bit, most significant bit
// first, with trailing zero bits trimmed as DER requires.
func failureBitString(f FailureInfo) asn1.BitString {
	b := make([]byte, int(f)/8+1)
	b[int(f)/8] |= 1 << uint(7-int(f)%8)
	return asn1.BitString{Bytes: b, BitLength: int(f) + 1}
}

// NewRejection encodes a TimeStampResp with rejection status, the given
// failure bit and human readable status strings. It never carries a token.
func NewRejection(failure FailureInfo, texts ...string) ([]byte, error) {
	// encoding/asn1 cannot force UTF8String on the elements of a []string,
	// so the status strings are encoded as raw UTF8String values.
	type statusInfo struct {
		Status       int
		StatusString []asn1.RawValue `asn1:"optional"`
		FailInfo     asn1.BitString  `asn1:"optional"`
	}
	var strs []asn1.RawValue
	for _, text := range texts {
		strs = append(strs, asn1.RawValue{Tag: asn1.TagUTF8String, Bytes: []byte(text)})
	}
	return asn1.Marshal(struct{ Status statusInfo }{
		Status: statusInfo{int(StatusRejection), strs, failureBitString(failure)},
	})
}
