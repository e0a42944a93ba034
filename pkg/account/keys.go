package account

import (
	"fmt"

	"github.com/google/uuid"
)

// Pebble key schema.
// Prefix-based so range scans answer the common queries: all users,
// all open positions, liquidations in time order.
const (
	prefixUser     = "usr:"
	prefixUsername = "uname:"
	prefixPosition = "pos:"
	prefixLiq      = "liq:"
	keyNextUserID  = "meta:next_user_id"
)

// userKey formats "usr:{id}", zero-padded for lexicographic ordering.
func userKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixUser, id))
}

// usernameKey formats "uname:{username}" and maps a username to its user id.
func usernameKey(username string) []byte {
	return []byte(prefixUsername + username)
}

// positionKey formats "pos:{uuid}".
func positionKey(id uuid.UUID) []byte {
	return []byte(prefixPosition + id.String())
}

// liquidationKey formats "liq:{timestampNanos}:{positionID}" so iteration
// yields events in time order.
func liquidationKey(tsNanos int64, positionID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixLiq, tsNanos, positionID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
