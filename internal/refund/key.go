package refund

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
)

// GenerateKey derives the deterministic idempotency key for a refund or
// credit operation. The key is a truncated SHA-256 over the identifying
// fields. No timestamp and no randomness, deliberately: a refund attempted
// twice for the same entity and reason on different days must still collide,
// because duplicate-refund risk does not depend on the calendar date.
func GenerateKey(entityID, beneficiaryID string, amount decimal.Decimal, reason Reason, sourceModule string) string {
	fields := strings.Join([]string{
		entityID,
		beneficiaryID,
		amount.StringFixed(8),
		string(reason),
		sourceModule,
	}, "|")
	sum := sha256.Sum256([]byte(fields))
	return hex.EncodeToString(sum[:])[:32]
}

// CycleID derives the deterministic refund-cycle identifier for an entity
// and cancellation reason. Paired with the beneficiary, it is the value
// behind the database uniqueness constraint that makes refunds at-most-once
// across processes.
func CycleID(entityID string, reason Reason) string {
	sum := sha256.Sum256([]byte(entityID + "|" + string(reason)))
	return "cyc_" + hex.EncodeToString(sum[:])[:24]
}
