package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"sniper-core/internal/domain"
)

// ComputeSignalID computes a deterministic signal id using SHA256.
// Formula: SHA256(venue|instrument|event_type|timestamp_ms|payload_ref)
// Returns hex-encoded hash (64 characters).
func ComputeSignalID(
	venue string,
	instrument string,
	eventType domain.EventType,
	timestampMs int64,
	payloadRef string,
) string {
	data := fmt.Sprintf("%s|%s|%s|%d|%s",
		venue,
		instrument,
		string(eventType),
		timestampMs,
		payloadRef,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
