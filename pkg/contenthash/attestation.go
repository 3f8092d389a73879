package contenthash

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// TimestampLayout is the fixed-width ISO-8601 form (UTC, millisecond
// precision) bound into attestation signatures.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses an ISO-8601 timestamp as written by FormatTimestamp
// (any RFC 3339 input is accepted).
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse attestation timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Sign binds a content hash to a validator id and a point in time:
// hex(SHA-256(contentHash || userID || FormatTimestamp(at))).
//
// The binding carries no secret. It proves that this content, this user id
// and this instant were asserted together; it does not prove that only this
// user could have produced it. Content hashes and timestamps are fixed width,
// so plain concatenation is unambiguous.
func Sign(contentHash, userID string, at time.Time) string {
	sum := sha256.Sum256([]byte(contentHash + userID + FormatTimestamp(at)))
	return hex.EncodeToString(sum[:])
}

// VerifySignature recomputes Sign and compares it with signature.
func VerifySignature(contentHash, userID string, at time.Time, signature string) bool {
	expected := Sign(contentHash, userID, at)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
