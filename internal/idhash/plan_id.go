package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputePlanID computes a deterministic plan_id using SHA256.
// Formula: SHA256(strategy_id|signal_id)
// A redelivered signal maps to the same plan_id.
func ComputePlanID(strategyID, signalID string) string {
	data := fmt.Sprintf("%s|%s", strategyID, signalID)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeIdempotencyKey derives the execution idempotency key from a plan_id.
// Formula: "exec:" + SHA256("exec|" + plan_id)[:32]
// The key never depends on attempt number, time or target.
func ComputeIdempotencyKey(planID string) string {
	hash := sha256.Sum256([]byte("exec|" + planID))
	return "exec:" + hex.EncodeToString(hash[:16])
}
