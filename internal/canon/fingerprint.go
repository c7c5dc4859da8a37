package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for fingerprint computation.
// The version suffix enables future algorithm migration.
const (
	DomainEntity   = "rostersync/entity/v1"
	DomainMirror   = "rostersync/mirror/v1"
	DomainPosition = "rostersync/position/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null byte prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes the content fingerprint of an entity payload.
//
// The digest covers {identity, payload} jointly so two entities with
// identical payloads never carry the same fingerprint meaning. The
// result is stable across process restarts given the same inputs.
//
// Serialization failure indicates a caller bug (a non-canonicalizable
// payload) and is returned as an error, never swallowed.
func Fingerprint(identity string, payload Value) (string, error) {
	obj := Object{
		"identity": String(identity),
		"payload":  payload,
	}

	canonical, err := Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("Fingerprint: marshal %s: %w", identity, err)
	}
	return hashWithDomain(DomainEntity, canonical), nil
}

// MirrorFingerprint computes the fingerprint of an entity's tracked
// downstream field values. Used by reverse change detection to decide
// cheaply whether the downstream record's tracked content moved at all.
func MirrorFingerprint(identity string, fields map[string]string) (string, error) {
	obj := make(Object, len(fields)+1)
	for k, v := range fields {
		obj[k] = String(v)
	}
	obj["identity"] = String(identity)

	canonical, err := Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("MirrorFingerprint: marshal %s: %w", identity, err)
	}
	return hashWithDomain(DomainMirror, canonical), nil
}

// PositionFingerprint computes the fingerprint of a tracked list
// position tuple (entity, list key, active flag).
func PositionFingerprint(identity, listKey string, active bool) string {
	obj := Object{
		"identity": String(identity),
		"key":      String(listKey),
		"active":   Bool(active),
	}

	canonical, err := Marshal(obj)
	if err != nil {
		// String/Bool fields cannot fail canonical marshal.
		panic(fmt.Sprintf("PositionFingerprint: %v", err))
	}
	return hashWithDomain(DomainPosition, canonical)
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFingerprint(identity string, payload Value) string {
	fp, err := Fingerprint(identity, payload)
	if err != nil {
		panic(err)
	}
	return fp
}
