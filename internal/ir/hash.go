package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashing.
// The version suffix leaves room for a future algorithm change.
const (
	DomainLedgerEvent = "keel/ledger-event/v1"
	DomainAuditRecord = "keel/audit-record/v1"
	DomainFingerprint = "keel/fingerprint/v1"
	DomainDerivedID   = "keel/derived-id/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data) as hex.
// The null byte prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest canonicalizes v and hashes it under domain.
func Digest(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// DigestBytes hashes already-canonical bytes under domain.
func DigestBytes(domain string, data []byte) string {
	return hashWithDomain(domain, data)
}

// DerivedID returns a stable identifier computed from its parts. It is used
// for ids that must come out the same on every replay, such as the edge a
// supersede event creates.
func DerivedID(prefix string, parts ...string) string {
	arr := make(Array, len(parts))
	for i, p := range parts {
		arr[i] = String(p)
	}
	// Array of strings always canonicalizes.
	canonical, _ := MarshalCanonical(arr)
	return prefix + "_" + hashWithDomain(DomainDerivedID, canonical)[:24]
}
