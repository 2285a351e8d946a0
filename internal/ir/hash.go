package ir

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cockroachdb/errors"
)

// Domain prefixes for content hashes. The version suffix allows changing the
// algorithm without colliding with stored values.
const (
	DomainRecord = "recsync/record/v1"
	DomainPlan   = "recsync/plan/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes a mapped payload. Links store the fingerprint of the
// last payload written so unchanged records can be skipped.
func Fingerprint(payload IRObject) (string, error) {
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return "", errors.Wrap(err, "Fingerprint")
	}
	return hashWithDomain(DomainRecord, canonical), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when the payload is known to be valid.
func MustFingerprint(payload IRObject) string {
	fp, err := Fingerprint(payload)
	if err != nil {
		panic(err)
	}
	return fp
}

// PlanHash identifies the definitions a run executed with. Stored on the run
// so a report can tell whether two runs used the same mappings.
func PlanHash(plan Plan, mappings []Mapping) (string, error) {
	ms := make(IRArray, len(mappings))
	for i, m := range mappings {
		ms[i] = m.irObject()
	}
	names := make(IRArray, len(plan.Mappings))
	for i, n := range plan.Mappings {
		names[i] = IRString(n)
	}
	canonical, err := MarshalCanonical(IRObject{
		"plan":     IRString(plan.Name),
		"order":    names,
		"mappings": ms,
	})
	if err != nil {
		return "", errors.Wrap(err, "PlanHash")
	}
	return hashWithDomain(DomainPlan, canonical), nil
}
