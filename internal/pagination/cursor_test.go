package pagination

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "txn_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "txn_abc123", cursor.ID)
}

func TestDecodeEmptyMeansFirstPage(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"not-base64!!!",
		"bm9waXBl",     // valid base64, no separator
		"MTIzfA==",     // "123|" with empty ID
		"YWJjfHR4bl8x", // "abc|txn_1" with non-numeric timestamp
	} {
		_, err := Decode(s)
		assert.True(t, errors.Is(err, ErrInvalidCursor), "Decode(%q) err = %v", s, err)
	}
}

func TestComputePageNoMore(t *testing.T) {
	items := []string{"a", "b", "c"}
	page, cursor, hasMore := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePageHasMore(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	page, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Len(t, page, 3)
	assert.True(t, hasMore)

	// The cursor points at the last served item.
	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}

func TestComputePageExactLimit(t *testing.T) {
	items := []string{"a", "b", "c"}
	page, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}
