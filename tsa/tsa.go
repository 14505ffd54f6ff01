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
Package tsa is the time-stamp response engine: it admits requests against
the configured policy, obtains trusted time and the current signing
material, and produces granted or rejection responses. Every failure a
client can observe is mapped into an RFC 3161 rejection payload; the
transport always answers 200 for well-formed traffic.
*/
package tsa

import (
	"context"
	"encoding/asn1"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veritime/tsad/clock"
	"github.com/veritime/tsad/pkialg"
	"github.com/veritime/tsad/signer"
	"github.com/veritime/tsad/stats"
	"github.com/veritime/tsad/tsp"
)

// Config carries the admission policy of the response engine.
type Config struct {
	// AllowedDigestOIDs restricts message imprint digests. Empty allows
	// any supported algorithm.
	AllowedDigestOIDs []asn1.ObjectIdentifier
	// AllowedPolicyOIDs restricts requested policies; the first entry is
	// the default for requests that name none. Empty falls back to
	// anyPolicy.
	AllowedPolicyOIDs []asn1.ObjectIdentifier
}

// TimeStamper wires the timekeeper and the signing material manager into
// the admission pipeline.
type TimeStamper struct {
	allowedDigests  []asn1.ObjectIdentifier
	allowedPolicies []asn1.ObjectIdentifier
	keeper          *clock.Keeper
	manager         *signer.Manager
	serials         *serialGenerator
}

// New returns a response engine over the given collaborators.
func New(cfg Config, keeper *clock.Keeper, manager *signer.Manager) (*TimeStamper, error) {
	serials, err := newSerialGenerator()
	if err != nil {
		return nil, err
	}
	return &TimeStamper{
		allowedDigests:  cfg.AllowedDigestOIDs,
		allowedPolicies: cfg.AllowedPolicyOIDs,
		keeper:          keeper,
		manager:         manager,
		serials:         serials,
	}, nil
}

// Ready reports whether a usable signing certificate and private key are
// available and the configured time source has an acceptable accuracy.
func (t *TimeStamper) Ready() bool {
	return t.manager.Valid() && t.keeper.WithinTolerance()
}

// Respond processes one encoded TimeStampReq and returns the encoded
// TimeStampResp. It never fails: every error becomes a rejection payload.
func (t *TimeStamper) Respond(ctx context.Context, request []byte) []byte {
	req, err := tsp.ParseRequest(request)
	if err != nil {
		return t.reject(tsp.FailureSystemFailure, fmt.Sprintf("unable to parse request: %v", err))
	}
	return t.respond(ctx, req)
}

func (t *TimeStamper) respond(ctx context.Context, req *tsp.Request) []byte {
	// digest admission
	digest, known := pkialg.DigestByOID(req.HashAlgorithmOID)
	if !known {
		return t.reject(tsp.FailureBadAlg,
			fmt.Sprintf("unknown message digest algorithm %v in message imprint", req.HashAlgorithmOID))
	}
	if len(req.HashedMessage)*8 != digest.SizeBits {
		return t.reject(tsp.FailureBadDataFormat,
			fmt.Sprintf("message imprint digest length (%d bytes) does not match the claimed algorithm's (%d bytes)",
				len(req.HashedMessage), digest.SizeBits/8))
	}
	if len(t.allowedDigests) > 0 && !containsOID(t.allowedDigests, req.HashAlgorithmOID) {
		return t.reject(tsp.FailureBadAlg,
			fmt.Sprintf("message digest algorithm %v in message imprint is not allowed", req.HashAlgorithmOID))
	}

	// policy resolution: empty allow list means any policy
	responsePolicy := tsp.OIDAnyPolicy
	if len(t.allowedPolicies) > 0 {
		responsePolicy = t.allowedPolicies[0]
	}
	if req.PolicyOID != nil {
		if len(t.allowedPolicies) > 0 && !containsOID(t.allowedPolicies, req.PolicyOID) {
			return t.reject(tsp.FailureUnacceptedPolicy,
				fmt.Sprintf("requested policy %v is not allowed by this service", req.PolicyOID))
		}
		responsePolicy = req.PolicyOID
	}

	// this service advertises support for no extensions at all
	if len(req.CriticalExtensions()) > 0 {
		return t.reject(tsp.FailureUnacceptedExtension,
			"requested extension(s) are not supported by this service")
	}

	epochMicros, accuracyMicros, ok := t.keeper.NowWithAccuracy(ctx)
	if !ok {
		return t.reject(tsp.FailureTimeNotAvailable,
			"failed to receive current time with tolerable accuracy")
	}

	tokenSigner, err := t.manager.TokenSigner()
	if err != nil {
		return t.reject(tsp.FailureSystemFailure, "failed to sign response")
	}

	response, err := tsp.SignToken(tsp.TokenInfo{
		PolicyOID:         responsePolicy,
		RawMessageImprint: req.RawMessageImprint,
		SerialNumber:      t.serials.Next(),
		GenTime:           time.UnixMicro(int64(epochMicros)).UTC(),
		AccuracyMicros:    accuracyMicros,
		Nonce:             req.Nonce,
		IncludeCerts:      req.CertReq,
	}, tokenSigner)
	if err != nil {
		log.Errorf("token signing failed: %v", err)
		return t.reject(tsp.FailureSystemFailure, "failed to sign response")
	}
	stats.Requests.WithLabelValues("granted").Inc()
	return response
}

// reject encodes a rejection response with the given failure bit.
func (t *TimeStamper) reject(failure tsp.FailureInfo, text string) []byte {
	stats.Requests.WithLabelValues(failure.String()).Inc()
	log.Debugf("rejecting request: %s (%s)", text, failure)
	response, err := tsp.NewRejection(failure, text)
	if err != nil {
		// a rejection that cannot be encoded leaves nothing to say
		log.Errorf("failed to encode rejection: %v", err)
		return nil
	}
	return response
}

func containsOID(list []asn1.ObjectIdentifier, oid asn1.ObjectIdentifier) bool {
	for _, candidate := range list {
		if candidate.Equal(oid) {
			return true
		}
	}
	return false
}
