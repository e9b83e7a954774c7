package storage

import (
	"fmt"
	"time"
)

// Key schema:
//
//	ord:<orderID>                  -> Order (JSON)
//	oct:<created unix nanos>:<id>  -> empty, newest-first listing index
const (
	prefixOrder   = "ord:"
	prefixCreated = "oct:"
)

func orderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

// createdKey zero-pads the timestamp so keys sort chronologically.
func createdKey(t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixCreated, t.UnixNano(), id))
}

// idFromCreatedKey strips "oct:<20 digits>:".
func idFromCreatedKey(k []byte) string {
	n := len(prefixCreated) + 20 + 1
	if len(k) <= n {
		return ""
	}
	return string(k[n:])
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
