// Package idgen mints random identifiers for persisted records.
//
// Every row gets a short type prefix so an ID is self-describing in logs
// and support tickets: rf_ refunds, co_ cashouts, esc_ escrows, txn_
// ledger entries, req_ requests, po_ payouts.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

const randomBytes = 12

// WithPrefix returns prefix followed by 24 hex characters of
// cryptographic randomness.
func WithPrefix(prefix string) string {
	var b [randomBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("idgen: " + err.Error())
	}
	return prefix + hex.EncodeToString(b[:])
}
