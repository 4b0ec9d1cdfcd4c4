// Package pagination provides opaque cursor paging for newest-first listings.
//
// A cursor encodes the (created_at, id) position of the last row served, so
// the next page resumes after it without OFFSET scans. Transaction histories
// grow without bound; offsets do not survive that.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors that did not come from Encode.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a position in a result set ordered by (CreatedAt, ID) descending.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque form of a cursor position.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. Empty input means "first page" and yields
// a nil cursor with no error.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// ComputePage trims a limit+1 fetch down to one page. It returns the page,
// the cursor for the next page, and whether more rows exist. The caller must
// have fetched limit+1 rows; the extra row is the existence probe.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
